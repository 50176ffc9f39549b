// Package fanout drains canonical events toward one receiver session:
// events accepted via Publish are batched and sent as receiver_event_batch
// messages, with a bounded in-flight window providing backpressure and
// receiver_ack advancing the persisted cursor as a monotone max. Ordering
// per (stream, epoch) is preserved; across pairs it is unspecified (spec
// §4.6). Grounded on internal/events' subscriber channel/ack/retention
// shape, generalised from an in-process retention log to a
// storage-backed, reconnect-safe cursor.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
	"racetiming/ipicoforward/internal/wire"
)

// ErrClosed is returned by Publish once the session has been closed.
var ErrClosed = errors.New("fanout: session closed")

// Sender delivers a wire message to the receiver's WebSocket connection.
type Sender interface {
	Send(msg any) error
}

// MaxBatchEvents bounds how many events one receiver_event_batch carries.
const MaxBatchEvents = 256

// Session drains one receiver's event queue and tracks its ack window.
type Session struct {
	receiverID string
	sessionID  string
	store      *serverstore.Store
	send       Sender
	log        *logging.Logger

	queue chan model.Event
	sem   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession constructs a fanout Session. window bounds the number of
// unacked batches in flight; queueDepth bounds the number of events
// buffered ahead of batching.
func NewSession(receiverID, sessionID string, store *serverstore.Store, sender Sender, window, queueDepth int, log *logging.Logger) *Session {
	if window <= 0 {
		window = 4
	}
	if queueDepth <= 0 {
		queueDepth = MaxBatchEvents * window
	}
	return &Session{
		receiverID: receiverID,
		sessionID:  sessionID,
		store:      store,
		send:       sender,
		log:        log,
		queue:      make(chan model.Event, queueDepth),
		sem:        make(chan struct{}, window),
		closed:     make(chan struct{}),
	}
}

// Publish enqueues e for delivery, blocking when the queue is full so that
// a slow receiver applies backpressure to the selection engine's publish
// call for this session only.
func (s *Session) Publish(ctx context.Context, e model.Event) error {
	select {
	case s.queue <- e:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue, issuing one receiver_event_batch per drained
// group, until ctx is cancelled or the session is closed.
func (s *Session) Run(ctx context.Context) error {
	for {
		var batch []model.Event
		select {
		case e := <-s.queue:
			batch = append(batch, e)
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = drainUpTo(s.queue, batch, MaxBatchEvents)

		select {
		case s.sem <- struct{}{}:
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		events := make([]wire.ReadEvent, 0, len(batch))
		for _, e := range batch {
			events = append(events, wire.ReadEvent{
				ForwarderID:     e.ForwarderID,
				ReaderIP:        e.ReaderIP,
				StreamEpoch:     e.StreamEpoch,
				Seq:             e.Seq,
				ReaderTimestamp: e.ReaderTimestamp,
				RawReadLine:     e.RawReadLine,
				ReadType:        e.ReadType,
			})
		}
		if err := s.send.Send(wire.NewReceiverEventBatch(s.sessionID, events)); err != nil {
			return fmt.Errorf("fanout: send batch: %w", err)
		}
	}
}

func drainUpTo(queue chan model.Event, batch []model.Event, max int) []model.Event {
	for len(batch) < max {
		select {
		case e := <-queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

// HandleAck processes a receiver_ack: each entry advances the persisted
// cursor as a monotone max, and the ack as a whole releases one in-flight
// window slot.
func (s *Session) HandleAck(ctx context.Context, entries []wire.AckEntry) error {
	for _, entry := range entries {
		streamID, _, err := s.store.ResolveStream(ctx, model.NaturalKey{ForwarderID: entry.ForwarderID, ReaderIP: entry.ReaderIP})
		if err != nil {
			return fmt.Errorf("fanout: resolve ack stream: %w", err)
		}
		if err := s.store.AdvanceReceiverCursor(ctx, model.ReceiverCursor{
			ReceiverID:  s.receiverID,
			StreamID:    streamID,
			StreamEpoch: entry.StreamEpoch,
			LastSeq:     entry.LastSeq,
		}); err != nil {
			return fmt.Errorf("fanout: advance cursor: %w", err)
		}
	}
	select {
	case <-s.sem:
	default:
	}
	return nil
}

// Close stops the session; in-flight Publish/Run calls unblock with
// ErrClosed or a nil Run return. Unacked deliveries remain in storage and
// are re-offered on reconnect from the persisted cursor.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
