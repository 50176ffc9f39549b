package epoch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
)

func openTestStore(t *testing.T) *serverstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.db")
	store, err := serverstore.Open(path)
	if err != nil {
		t.Fatalf("serverstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeForwarder struct {
	mu       sync.Mutex
	online   map[model.StreamID]bool
	resets   []int64
	sendErr  error
}

func (f *fakeForwarder) IsOnline(streamID model.StreamID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[streamID]
}

func (f *fakeForwarder) SendEpochReset(ctx context.Context, streamID model.StreamID, forwarderID, readerIP string, newEpoch int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.resets = append(f.resets, newEpoch)
	return nil
}

type fakeReceiver struct {
	mu        sync.Mutex
	notified  []model.StreamID
	notifyErr error
}

func (f *fakeReceiver) RecomputeAffected(ctx context.Context, streamID model.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notified = append(f.notified, streamID)
	return nil
}

func TestAdvanceHappyPath(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	raceID, err := store.CreateRace(ctx, "5K")
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}

	fwd := &fakeForwarder{online: map[model.StreamID]bool{streamID: true}}
	rcv := &fakeReceiver{}
	o := NewOrchestrator(store, fwd, rcv, nil)

	if err := o.Advance(ctx, streamID, raceID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	epoch, err := store.CurrentEpoch(ctx, streamID)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("CurrentEpoch after Advance = %d, want 2", epoch)
	}

	mapping, err := store.EpochRace(ctx, streamID, 2)
	if err != nil {
		t.Fatalf("EpochRace: %v", err)
	}
	if !mapping.HasRace || mapping.RaceID != raceID {
		t.Fatalf("EpochRace(2) = %+v, want mapped to %d", mapping, raceID)
	}

	if len(fwd.resets) != 1 || fwd.resets[0] != 2 {
		t.Fatalf("forwarder resets = %v, want [2]", fwd.resets)
	}
	if len(rcv.notified) != 1 || rcv.notified[0] != streamID {
		t.Fatalf("receiver notified = %v, want [%d]", rcv.notified, streamID)
	}
}

func TestAdvanceFailsWhenForwarderOffline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	raceID, err := store.CreateRace(ctx, "5K")
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}

	fwd := &fakeForwarder{online: map[model.StreamID]bool{}}
	rcv := &fakeReceiver{}
	o := NewOrchestrator(store, fwd, rcv, nil)

	err = o.Advance(ctx, streamID, raceID)
	if !errors.Is(err, ErrForwarderOffline) {
		t.Fatalf("Advance with offline forwarder = %v, want ErrForwarderOffline", err)
	}

	epoch, err := store.CurrentEpoch(ctx, streamID)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("CurrentEpoch after failed Advance = %d, want unchanged 1", epoch)
	}
	if len(rcv.notified) != 0 {
		t.Fatalf("receiver notified on failed advance = %v, want none", rcv.notified)
	}
}

func TestAdvanceMappingPrecedesBump(t *testing.T) {
	// Regression guard for spec §4.7 invariant: the race mapping for the
	// new epoch must exist before streams.stream_epoch is bumped. We can't
	// observe interleaving directly, but we can assert both landed and
	// that the mapping is visible at the post-advance epoch.
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	raceID, err := store.CreateRace(ctx, "5K")
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}
	fwd := &fakeForwarder{online: map[model.StreamID]bool{streamID: true}}
	o := NewOrchestrator(store, fwd, &fakeReceiver{}, nil)

	if err := o.Advance(ctx, streamID, raceID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	epoch, err := store.CurrentEpoch(ctx, streamID)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	mapping, err := store.EpochRace(ctx, streamID, epoch)
	if err != nil {
		t.Fatalf("EpochRace: %v", err)
	}
	if !mapping.HasRace {
		t.Fatalf("current epoch %d has no race mapping after Advance", epoch)
	}
}
