// Package epoch orchestrates the "advance to next epoch" control
// operation: verifying the forwarder session is online, recording the new
// race mapping before any event can land on it, instructing the
// forwarder, bumping the canonical epoch, and notifying affected receiver
// sessions. Grounded on internal/match's Session: a mutex-guarded,
// env-free atomic state transition, generalised from a single in-memory
// capacity bump to a multi-step, storage-backed transition across server,
// forwarder and receiver boundaries (spec §4.7).
package epoch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
)

// ErrForwarderOffline is returned when the forwarder session for a stream
// is not connected; the operation is retryable once the forwarder
// reconnects.
var ErrForwarderOffline = errors.New("epoch: forwarder session offline")

// ForwarderNotifier reports and signals the forwarder session owning a
// stream.
type ForwarderNotifier interface {
	IsOnline(streamID model.StreamID) bool
	SendEpochReset(ctx context.Context, streamID model.StreamID, forwarderID, readerIP string, newEpoch int64) error
}

// ReceiverNotifier recomputes and republishes target sets for every
// receiver session potentially affected by a stream's epoch change.
type ReceiverNotifier interface {
	RecomputeAffected(ctx context.Context, streamID model.StreamID) error
}

// Orchestrator drives epoch advancement.
type Orchestrator struct {
	store     *serverstore.Store
	forwarder ForwarderNotifier
	receiver  ReceiverNotifier
	log       *logging.Logger

	// mu serializes advances so that two concurrent requests for the same
	// stream cannot both observe the pre-advance epoch and race to bump it.
	mu sync.Mutex
}

// NewOrchestrator constructs an epoch Orchestrator.
func NewOrchestrator(store *serverstore.Store, forwarder ForwarderNotifier, receiver ReceiverNotifier, log *logging.Logger) *Orchestrator {
	return &Orchestrator{store: store, forwarder: forwarder, receiver: receiver, log: log}
}

// Advance executes the five-step epoch transition for (streamID, raceID).
func (o *Orchestrator) Advance(ctx context.Context, streamID model.StreamID, raceID model.RaceID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	//1.- Verify the forwarder session for this stream is online.
	if o.forwarder != nil && !o.forwarder.IsOnline(streamID) {
		return ErrForwarderOffline
	}

	st, err := o.store.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("epoch: load stream: %w", err)
	}
	newEpoch := st.StreamEpoch + 1

	//2.- Insert the race mapping before the epoch carries any event.
	if err := o.store.SetEpochRace(ctx, streamID, newEpoch, raceID); err != nil {
		return fmt.Errorf("epoch: map new epoch to race: %w", err)
	}

	//3.- Instruct the forwarder session to reset its in-memory epoch.
	if o.forwarder != nil {
		if err := o.forwarder.SendEpochReset(ctx, streamID, st.ForwarderID, st.ReaderIP, newEpoch); err != nil {
			return fmt.Errorf("epoch: send epoch_reset_command: %w", err)
		}
	}

	//4.- Atomically update streams.stream_epoch; no canonical event may be
	// persisted at newEpoch until this commits.
	if err := o.store.BumpEpoch(ctx, streamID, newEpoch); err != nil {
		return fmt.Errorf("epoch: bump epoch: %w", err)
	}

	if o.log != nil {
		o.log.Info("epoch advanced",
			logging.Int64("stream_id", int64(streamID)),
			logging.Int64("new_epoch", newEpoch),
			logging.Int64("race_id", int64(raceID)),
		)
	}

	//5.- Recompute and republish target sets for affected receiver sessions.
	if o.receiver != nil {
		if err := o.receiver.RecomputeAffected(ctx, streamID); err != nil {
			return fmt.Errorf("epoch: notify receivers: %w", err)
		}
	}
	return nil
}
