// Package receiversession implements the receiver's persisted profile and
// selection, its upstream WebSocket session to the server, and local TCP
// re-emission of canonical events to subscribed clients (spec §4.8).
package receiversession

import (
	"encoding/json"
	"fmt"
	"os"

	"racetiming/ipicoforward/internal/model"
)

// Profile is the receiver's persisted upstream identity and behaviour mode.
type Profile struct {
	ServerURL  string `json:"server_url"`
	Token      string `json:"token"`
	UpdateMode string `json:"update_mode"`
}

// Subscription binds one selected stream to a local TCP port.
type Subscription struct {
	StreamRef model.StreamRef `json:"stream_ref"`
	LocalPort int             `json:"local_port"`
}

// State is everything the receiver persists across restarts.
type State struct {
	ReceiverID    string               `json:"receiver_id"`
	Profile       Profile              `json:"profile"`
	Selection     model.Selection      `json:"selection"`
	ReplayPolicy  model.ReplayPolicy   `json:"replay_policy"`
	ReplayTargets []model.ReplayTarget `json:"replay_targets,omitempty"`
	Subscriptions []Subscription       `json:"subscriptions"`
}

// LoadState reads the persisted state from path. A missing file returns a
// zero-value State with ReplayPolicy defaulted to resume, not an error, so
// first-run startup proceeds with an empty selection.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{ReplayPolicy: model.ReplayPolicyResume}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("receiversession: read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("receiversession: parse state: %w", err)
	}
	if !s.ReplayPolicy.Valid() {
		s.ReplayPolicy = model.ReplayPolicyResume
	}
	return s, nil
}

// SaveState persists s to path as JSON.
func SaveState(path string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("receiversession: marshal state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("receiversession: write state: %w", err)
	}
	return nil
}
