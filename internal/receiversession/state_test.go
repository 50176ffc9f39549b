package receiversession

import (
	"os"
	"path/filepath"
	"testing"

	"racetiming/ipicoforward/internal/model"
)

func TestLoadStateMissingFileDefaultsToResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	s, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if s.ReplayPolicy != model.ReplayPolicyResume {
		t.Fatalf("ReplayPolicy on missing file = %q, want resume default", s.ReplayPolicy)
	}
	if s.ReceiverID != "" || len(s.Subscriptions) != 0 {
		t.Fatalf("State on missing file = %+v, want zero value aside from ReplayPolicy", s)
	}
}

func TestSaveThenLoadStateRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := State{
		ReceiverID:   "R1",
		Profile:      Profile{ServerURL: "https://example.test", Token: "tok", UpdateMode: "auto"},
		Selection:    model.ManualSelection(model.StreamRef{ForwarderID: "F1", ReaderIP: "10.0.0.1"}),
		ReplayPolicy: model.ReplayPolicyTargeted,
		ReplayTargets: []model.ReplayTarget{
			{ForwarderID: "F1", ReaderIP: "10.0.0.1", StreamEpoch: 2},
		},
		Subscriptions: []Subscription{
			{StreamRef: model.StreamRef{ForwarderID: "F1", ReaderIP: "10.0.0.1"}, LocalPort: 9001},
		},
	}

	if err := SaveState(path, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if got.ReceiverID != want.ReceiverID || got.Profile != want.Profile || got.ReplayPolicy != want.ReplayPolicy {
		t.Fatalf("LoadState round trip = %+v, want %+v", got, want)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].LocalPort != 9001 {
		t.Fatalf("Subscriptions after round trip = %+v", got.Subscriptions)
	}
	if len(got.ReplayTargets) != 1 || got.ReplayTargets[0].StreamEpoch != 2 {
		t.Fatalf("ReplayTargets after round trip = %+v", got.ReplayTargets)
	}
}

func TestLoadStateInvalidReplayPolicyFallsBackToResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	bad := `{"receiver_id":"R1","replay_policy":"bogus"}`
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	s, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if s.ReplayPolicy != model.ReplayPolicyResume {
		t.Fatalf("ReplayPolicy for invalid persisted value = %q, want resume fallback", s.ReplayPolicy)
	}
}
