// Package receiversession's Session drives the upstream WebSocket
// connection: it sends receiver_hello with the persisted selection and
// replay policy, re-emits each receiver_event_batch to the local TCP
// fanout, and acks upstream only after durable local-buffer accept (spec
// §4.8). Reconnects preserve the same selection; server-side cursors
// resume delivery from last_delivered_seq.
package receiversession

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/transport"
	"racetiming/ipicoforward/internal/wire"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Session owns the upstream connection and local fanout for one receiver.
type Session struct {
	receiverID string
	state      State
	fanout     *LocalFanout
	log        *logging.Logger

	dial func(baseURL, token string, log *logging.Logger) (*transport.Session, error)

	sessionID string

	mu   sync.Mutex
	live *transport.Session

	stateMu sync.Mutex

	epochMu   sync.Mutex
	lastEpoch map[model.NaturalKey]int64
}

// NewSession constructs a receiversession.Session.
func NewSession(receiverID string, state State, fanout *LocalFanout, log *logging.Logger) *Session {
	return &Session{
		receiverID: receiverID,
		state:      state,
		fanout:     fanout,
		log:        log,
		dial: func(baseURL, token string, log *logging.Logger) (*transport.Session, error) {
			return transport.Dial(baseURL, "/ws/v1.1/receivers", token, log)
		},
	}
}

// Run reconnects indefinitely with the persisted selection until ctx is
// cancelled.
func (s *Session) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := s.connect(ctx)
		if err != nil {
			if s.log != nil {
				s.log.Warn("receiver upstream connect failed", logging.Error(err))
			}
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = minBackoff
		err = s.runSession(ctx, session)
		session.Close()
		if errors.Is(err, context.Canceled) {
			return err
		}
		if s.log != nil {
			s.log.Warn("receiver upstream session ended, reconnecting", logging.Error(err))
		}
		if !sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff)/2 + 1))
	select {
	case <-time.After(*backoff + jitter):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

// State returns a snapshot of the session's current persisted state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// SetProfile updates the upstream server URL, token and update mode. It
// takes effect on the next (re)connect; an already-open session is not
// torn down, since credentials changing mid-session is an operator
// mistake to surface, not to silently reconnect through.
func (s *Session) SetProfile(p Profile) {
	s.stateMu.Lock()
	s.state.Profile = p
	s.stateMu.Unlock()
}

// SetSubscriptions updates the persisted local-port bindings. Subscriptions
// are never sent over the wire; they only drive the receiver's own local
// TCP fanout, so this never touches a live session.
func (s *Session) SetSubscriptions(subs []Subscription) {
	s.stateMu.Lock()
	s.state.Subscriptions = subs
	s.stateMu.Unlock()
}

// SetSelection updates the persisted selection/policy/targets and, if a
// v1.1 session is currently live, pushes the change immediately via
// receiver_set_selection; otherwise it takes effect on the next connect.
func (s *Session) SetSelection(sel model.Selection, policy model.ReplayPolicy, targets []model.ReplayTarget) error {
	s.stateMu.Lock()
	s.state.Selection = sel
	s.state.ReplayPolicy = policy
	s.state.ReplayTargets = targets
	s.stateMu.Unlock()

	s.mu.Lock()
	live := s.live
	sessionID := s.sessionID
	s.mu.Unlock()
	if live == nil {
		return nil
	}
	return live.Send(wire.NewReceiverSetSelection(sessionID, sel, policy, targets))
}

func (s *Session) connect(ctx context.Context) (*transport.Session, error) {
	state := s.State()
	session, err := s.dial(state.Profile.ServerURL, state.Profile.Token, s.log)
	if err != nil {
		return nil, fmt.Errorf("receiversession: dial: %w", err)
	}
	hello := wire.NewReceiverHello(s.receiverID, state.Selection, state.ReplayPolicy, state.ReplayTargets)
	if err := session.Send(hello); err != nil {
		session.Close()
		return nil, fmt.Errorf("receiversession: send hello: %w", err)
	}
	return session, nil
}

func (s *Session) runSession(ctx context.Context, session *transport.Session) error {
	s.mu.Lock()
	s.live = session
	s.sessionID = ""
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.live == session {
			s.live = nil
		}
		s.mu.Unlock()
	}()

	handler := func(ctx context.Context, msg any) error {
		switch m := msg.(type) {
		case *wire.Heartbeat:
			if m.SessionID != "" {
				s.mu.Lock()
				s.sessionID = m.SessionID
				s.mu.Unlock()
			}
			return nil
		case *wire.ReceiverSelectionApplied:
			if s.log != nil {
				s.log.Info("selection applied", logging.Int("target_count", len(m.Targets)))
			}
			return nil
		case *wire.ReceiverEventBatch:
			return s.handleBatch(ctx, session, m)
		case *wire.ErrorMessage:
			return fmt.Errorf("receiversession: server reported %s: %s", m.Code, m.Message)
		default:
			return nil
		}
	}
	onTick := func(ctx context.Context) error {
		s.mu.Lock()
		sessionID := s.sessionID
		s.mu.Unlock()
		return session.Send(wire.NewHeartbeat(sessionID, s.receiverID))
	}
	return session.Run(ctx, handler, onTick)
}

func (s *Session) handleBatch(ctx context.Context, session *transport.Session, batch *wire.ReceiverEventBatch) error {
	highWater := make(map[wire.AckEntry]int64)
	order := make([]wire.AckEntry, 0, len(batch.Events))
	for _, e := range batch.Events {
		key := model.NaturalKey{ForwarderID: e.ForwarderID, ReaderIP: e.ReaderIP}
		s.fanout.Publish(key, e.RawReadLine+"\n")
		s.rememberEpoch(key, e.StreamEpoch)

		entryKey := wire.AckEntry{ForwarderID: e.ForwarderID, ReaderIP: e.ReaderIP, StreamEpoch: e.StreamEpoch}
		if _, seen := highWater[entryKey]; !seen {
			order = append(order, entryKey)
		}
		if e.Seq > highWater[entryKey] {
			highWater[entryKey] = e.Seq
		}
	}

	entries := make([]wire.AckEntry, 0, len(order))
	for _, k := range order {
		entries = append(entries, wire.AckEntry{ForwarderID: k.ForwarderID, ReaderIP: k.ReaderIP, StreamEpoch: k.StreamEpoch, LastSeq: highWater[k]})
	}
	if len(entries) == 0 {
		return nil
	}
	// Durable accept into local buffers has already happened above (enqueue
	// never blocks); ack proceeds immediately after.
	return session.Send(wire.NewReceiverAck(batch.SessionID, entries))
}

func (s *Session) rememberEpoch(key model.NaturalKey, epoch int64) {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	if s.lastEpoch == nil {
		s.lastEpoch = make(map[model.NaturalKey]int64)
	}
	if epoch > s.lastEpoch[key] {
		s.lastEpoch[key] = epoch
	}
}

// LastEpoch reports the highest stream_epoch seen delivered for key, if any.
func (s *Session) LastEpoch(key model.NaturalKey) (int64, bool) {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	epoch, ok := s.lastEpoch[key]
	return epoch, ok
}

// ErrNotConnected is returned by RequestCursorReset when no upstream
// session is currently live.
var ErrNotConnected = errors.New("receiversession: no live upstream session")

// RequestCursorReset asks the server for a fresh full replay of ref's
// current epoch, overlaid onto whatever selection is already live (spec
// §4.1's replay_policy=targeted is defined exactly as a one-shot overlay
// independent of the ongoing live set). It requires a connected v1.1
// session; the caller decides whether to surface ErrNotConnected to an
// operator or queue the request for the next reconnect.
//
// This deliberately only sends a one-off receiver_set_selection with
// replay_policy=targeted; it never overwrites s.state.ReplayPolicy, so the
// receiver's actual configured resume/live_only policy survives this call
// unchanged on the client side. The server applies the same one-shot
// treatment to its own remembered policy once the overlay replay completes
// (see receiverSession.handle in internal/serverapp/receiver.go).
func (s *Session) RequestCursorReset(ref model.StreamRef, epoch int64) error {
	s.mu.Lock()
	live := s.live
	sessionID := s.sessionID
	s.mu.Unlock()
	if live == nil {
		return ErrNotConnected
	}
	sel := s.State().Selection
	msg := wire.NewReceiverSetSelection(sessionID, sel, model.ReplayPolicyTargeted, []model.ReplayTarget{
		{ForwarderID: ref.ForwarderID, ReaderIP: ref.ReaderIP, StreamEpoch: epoch},
	})
	return live.Send(msg)
}
