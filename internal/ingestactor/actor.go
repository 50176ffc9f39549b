// Package ingestactor serializes canonical event inserts per stream so
// that at most one InsertEvent call for a given stream is ever in flight,
// even though many forwarder connections may be delivering events for
// different streams concurrently. Each stream gets its own goroutine and
// request channel, mirroring the single-writer-mutex shape of
// internal/match's Session, generalised from a per-process lock to a
// per-stream actor because ingest throughput must scale across streams.
package ingestactor

import (
	"context"
	"errors"
	"sync"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
)

// ErrClosed is returned by Ingest after the registry has been shut down.
var ErrClosed = errors.New("ingestactor: registry closed")

type request struct {
	event model.Event
	reply chan<- reply
}

type reply struct {
	outcome serverstore.InsertOutcome
	err     error
}

type actor struct {
	requests chan request
	done     chan struct{}
}

// Registry owns one actor per stream and routes ingest requests to it.
type Registry struct {
	store *serverstore.Store
	log   *logging.Logger

	mu     sync.Mutex
	actors map[model.StreamID]*actor
	closed bool
}

// NewRegistry constructs a Registry backed by store.
func NewRegistry(store *serverstore.Store, log *logging.Logger) *Registry {
	return &Registry{
		store:  store,
		log:    log,
		actors: make(map[model.StreamID]*actor),
	}
}

// Ingest serializes e's insert behind the actor for e.StreamID, starting
// the actor's goroutine on first use.
func (r *Registry) Ingest(ctx context.Context, e model.Event) (serverstore.InsertOutcome, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	a, ok := r.actors[e.StreamID]
	if !ok {
		a = &actor{requests: make(chan request), done: make(chan struct{})}
		r.actors[e.StreamID] = a
		go r.run(a, e.StreamID)
	}
	r.mu.Unlock()

	replyCh := make(chan reply, 1)
	select {
	case a.requests <- request{event: e, reply: replyCh}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-a.done:
		return 0, ErrClosed
	}

	select {
	case rep := <-replyCh:
		return rep.outcome, rep.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Registry) run(a *actor, streamID model.StreamID) {
	defer close(a.done)
	for req := range a.requests {
		outcome, err := r.store.InsertEvent(context.Background(), req.event)
		if err != nil && r.log != nil {
			r.log.Error("ingest insert failed", logging.Int64("stream_id", int64(streamID)), logging.Error(err))
		}
		req.reply <- reply{outcome: outcome, err: err}
	}
}

// Close stops accepting new ingest requests. In-flight actors drain their
// current request before exiting.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, a := range r.actors {
		close(a.requests)
	}
}
