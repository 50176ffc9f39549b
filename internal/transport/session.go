// Package transport implements the wire protocol's session handshake,
// heartbeat and framing over gorilla/websocket (spec §4.1, §5). It is used
// by the forwarder's uplink, the server's forwarder/receiver listeners and
// the receiver's upstream session, so that heartbeat timeout and
// write-deadline behaviour is identical on every hop. Reconnecting is left
// to those callers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/wire"
)

const (
	// HeartbeatInterval is the bidirectional heartbeat cadence mandated by
	// the wire protocol.
	HeartbeatInterval = 30 * time.Second
	// MissedHeartbeatLimit is the number of consecutive missed heartbeats
	// (90s total) after which the peer is declared dead.
	MissedHeartbeatLimit = 3
	// DefaultWriteDeadline bounds every upstream send (spec §5).
	DefaultWriteDeadline = 10 * time.Second
)

// ErrSessionClosed is returned by Send once the session has torn down.
var ErrSessionClosed = errors.New("transport: session closed")

// Session wraps one gorilla/websocket connection with the protocol's
// framing, write-deadline and heartbeat-liveness rules. It does not itself
// decide what a message means; callers supply a Handler.
type Session struct {
	conn          *websocket.Conn
	writeDeadline time.Duration
	log           *logging.Logger

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once

	missed int
}

// Handler processes one decoded message. Returning a non-nil error tears
// the session down; if the error wraps a wire sentinel, the peer is sent a
// matching error frame first.
type Handler func(ctx context.Context, msg any) error

// NewSession wraps conn for framed send/receive with the protocol's
// default write deadline.
func NewSession(conn *websocket.Conn, log *logging.Logger) *Session {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Session{
		conn:          conn,
		writeDeadline: DefaultWriteDeadline,
		log:           log,
		closed:        make(chan struct{}),
	}
}

// Send marshals and writes one message frame, applying the write deadline.
// Concurrent sends are serialized; gorilla/websocket permits only one
// writer at a time per connection.
func (s *Session) Send(msg any) error {
	if s == nil {
		return ErrSessionClosed
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	data, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", wire.ErrProtocolError, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeDeadline)); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrInternal, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", wire.ErrInternal, err)
	}
	return nil
}

// SendError best-effort sends an error frame derived from err before the
// caller tears the session down.
func (s *Session) SendError(err error) {
	if s == nil || err == nil {
		return
	}
	_ = s.Send(wire.NewErrorMessage(err))
}

// Run reads frames until the context is cancelled, the peer disconnects, a
// heartbeat timeout elapses, or handler returns an error. It owns the
// heartbeat ticker: every tick it checks for missed peer activity and, on
// the local side, relies on the caller's handler to send outgoing
// heartbeats (forwarder/receiver and server both originate heartbeats on
// the same ticker cadence via onTick).
func (s *Session) Run(ctx context.Context, handler Handler, onTick func(ctx context.Context) error) error {
	defer s.Close()

	messages := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case messages <- data:
			case <-s.closed:
				return
			}
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			return fmt.Errorf("%w: read: %v", wire.ErrInternal, err)
		case data := <-messages:
			s.missed = 0
			msg, err := wire.Decode(data)
			if err != nil {
				s.log.Warn("protocol error decoding frame", logging.Error(err))
				s.SendError(err)
				return err
			}
			if err := handler(ctx, msg); err != nil {
				s.SendError(err)
				return err
			}
		case <-ticker.C:
			s.missed++
			if s.missed >= MissedHeartbeatLimit {
				err := fmt.Errorf("%w: %d consecutive heartbeats missed", wire.ErrInternal, s.missed)
				s.log.Warn("peer declared dead on heartbeat timeout")
				return err
			}
			if onTick != nil {
				if err := onTick(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// Close idempotently closes the underlying connection.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
