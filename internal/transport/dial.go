package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/wire"
)

// Dial opens an authenticated client connection to a /ws/v1/... endpoint,
// converting an http(s) base URL to ws(s) internally as spec §6 requires
// for the forwarder's server.base_url.
func Dial(baseURL, path, token string, log *logging.Logger) (*Session, error) {
	wsURL, err := toWebsocketURL(baseURL, path)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", wire.ErrInternal, wsURL, err)
	}
	return NewSession(conn, log), nil
}

func toWebsocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse server.base_url: %v", wire.ErrProtocolError, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q in server.base_url", wire.ErrProtocolError, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
