package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"racetiming/ipicoforward/internal/auth"
	"racetiming/ipicoforward/internal/wire"
)

// bearerToken extracts the raw token from an "Authorization: Bearer <token>"
// header, as required on connect for both forwarder and receiver endpoints
// (spec §6).
func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("%w: missing bearer token", wire.ErrInvalidToken)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", wire.ErrInvalidToken)
	}
	return token, nil
}

// Upgrader accepts authenticated WebSocket connections, verifying the
// bearer token before completing the HTTP upgrade.
type Upgrader struct {
	verifier *auth.Verifier
	upgrader websocket.Upgrader
}

// NewUpgrader constructs an Upgrader that checks inbound Origin headers
// against allowedOrigins (empty allows any origin, matching a race-day LAN
// deployment with no browser client on these endpoints).
func NewUpgrader(verifier *auth.Verifier, allowedOrigins []string) *Upgrader {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Upgrader{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

// Accept verifies the bearer token and upgrades the HTTP connection,
// returning the authenticated device record alongside the framed Session.
func (u *Upgrader) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, auth.DeviceRecord, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, auth.DeviceRecord{}, err
	}
	record, err := u.verifier.Verify(ctx, token)
	if err != nil {
		return nil, auth.DeviceRecord{}, fmt.Errorf("%w: %v", wire.ErrInvalidToken, err)
	}
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, auth.DeviceRecord{}, fmt.Errorf("%w: upgrade: %v", wire.ErrInternal, err)
	}
	return NewSession(conn, nil), record, nil
}
