// Package websockettest provides small dialing helpers for integration
// tests that exercise the forwarder/receiver/server WebSocket hops without
// needing a real IPICO reader or race-day network.
package websockettest

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so that tests can simulate an unresponsive peer
// and exercise heartbeat-timeout teardown.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// DialWithBearer establishes a WebSocket connection carrying the device
// bearer token in the Authorization header, as every forwarder and
// receiver connection must (spec §6).
func DialWithBearer(urlStr, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return websocket.DefaultDialer.Dial(urlStr, header)
}
