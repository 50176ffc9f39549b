package serverstore

import (
	"context"
	"path/filepath"
	"testing"

	"racetiming/ipicoforward/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestResolveStreamCreatesOnFirstSight(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"}

	id1, created, err := store.ResolveStream(ctx, key)
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	if !created {
		t.Fatalf("first ResolveStream: created = false, want true")
	}

	id2, created, err := store.ResolveStream(ctx, key)
	if err != nil {
		t.Fatalf("ResolveStream second: %v", err)
	}
	if created {
		t.Fatalf("second ResolveStream: created = true, want false")
	}
	if id1 != id2 {
		t.Fatalf("ResolveStream: id1=%d id2=%d, want same stream_id for same natural key", id1, id2)
	}
}

func TestInsertEventDedupAndRetransmit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}

	e := model.Event{StreamID: streamID, StreamEpoch: 1, Seq: 7, ReaderTimestamp: "T", RawReadLine: "L", ReadType: model.ReadTypeRaw}

	outcome, err := store.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent first: %v", err)
	}
	if outcome != Inserted {
		t.Fatalf("first insert outcome = %v, want Inserted", outcome)
	}

	outcome, err = store.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent retransmit: %v", err)
	}
	if outcome != Retransmit {
		t.Fatalf("second insert outcome = %v, want Retransmit", outcome)
	}

	metrics, err := store.Metrics(ctx, streamID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("Metrics: got %d rows, want 1", len(metrics))
	}
	m := metrics[0]
	if m.RawCount != 2 || m.DedupCount != 1 || m.RetransmitCount != 1 {
		t.Fatalf("Metrics = %+v, want raw=2 dedup=1 retransmit=1", m)
	}
	if m.RawCount != m.DedupCount+m.RetransmitCount {
		t.Fatalf("invariant violated: raw_count %d != dedup_count %d + retransmit_count %d", m.RawCount, m.DedupCount, m.RetransmitCount)
	}
}

func TestInsertEventIntegrityConflictPreservesOriginal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}

	original := model.Event{StreamID: streamID, StreamEpoch: 1, Seq: 1, ReaderTimestamp: "T", RawReadLine: "L", ReadType: model.ReadTypeRaw}
	if _, err := store.InsertEvent(ctx, original); err != nil {
		t.Fatalf("InsertEvent original: %v", err)
	}

	conflicting := original
	conflicting.RawReadLine = "L-different"
	outcome, err := store.InsertEvent(ctx, conflicting)
	if err != nil {
		t.Fatalf("InsertEvent conflicting: %v", err)
	}
	if outcome != Conflict {
		t.Fatalf("conflicting insert outcome = %v, want Conflict", outcome)
	}

	events, err := store.RangeEvents(ctx, streamID, 1, 0, 0)
	if err != nil {
		t.Fatalf("RangeEvents: %v", err)
	}
	if len(events) != 1 || events[0].RawReadLine != "L" {
		t.Fatalf("RangeEvents after conflict = %+v, want original payload preserved", events)
	}

	metrics, err := store.Metrics(ctx, streamID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].RawCount != 1 || metrics[0].DedupCount != 1 || metrics[0].RetransmitCount != 0 {
		t.Fatalf("Metrics after conflict = %+v, want unchanged from the original insert", metrics)
	}
}

func TestBumpEpochRefusesRegression(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}

	if err := store.BumpEpoch(ctx, streamID, 2); err != nil {
		t.Fatalf("BumpEpoch to 2: %v", err)
	}
	epoch, err := store.CurrentEpoch(ctx, streamID)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("CurrentEpoch = %d, want 2", epoch)
	}

	if err := store.BumpEpoch(ctx, streamID, 2); err == nil {
		t.Fatalf("BumpEpoch to same epoch: want error, got nil")
	}
	if err := store.BumpEpoch(ctx, streamID, 1); err == nil {
		t.Fatalf("BumpEpoch backwards: want error, got nil")
	}
}

func TestReceiverCursorMonotoneAdvance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}

	cursor := model.ReceiverCursor{ReceiverID: "R1", StreamID: streamID, StreamEpoch: 1, LastSeq: 10}
	if err := store.AdvanceReceiverCursor(ctx, cursor); err != nil {
		t.Fatalf("AdvanceReceiverCursor: %v", err)
	}

	regressed := cursor
	regressed.LastSeq = 5
	if err := store.AdvanceReceiverCursor(ctx, regressed); err != nil {
		t.Fatalf("AdvanceReceiverCursor regression attempt: %v", err)
	}

	value, err := store.ReceiverCursorValue(ctx, "R1", streamID, 1)
	if err != nil {
		t.Fatalf("ReceiverCursorValue: %v", err)
	}
	if value != 10 {
		t.Fatalf("ReceiverCursorValue after regression attempt = %d, want 10 (monotone)", value)
	}

	advanced := cursor
	advanced.LastSeq = 20
	if err := store.AdvanceReceiverCursor(ctx, advanced); err != nil {
		t.Fatalf("AdvanceReceiverCursor forward: %v", err)
	}
	value, err = store.ReceiverCursorValue(ctx, "R1", streamID, 1)
	if err != nil {
		t.Fatalf("ReceiverCursorValue: %v", err)
	}
	if value != 20 {
		t.Fatalf("ReceiverCursorValue after forward advance = %d, want 20", value)
	}
}

func TestSetEpochRaceBeforeBumpEpoch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	raceID, err := store.CreateRace(ctx, "Spring 5K")
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}

	if err := store.SetEpochRace(ctx, streamID, 2, raceID); err != nil {
		t.Fatalf("SetEpochRace: %v", err)
	}
	mapping, err := store.EpochRace(ctx, streamID, 2)
	if err != nil {
		t.Fatalf("EpochRace: %v", err)
	}
	if !mapping.HasRace || mapping.RaceID != raceID {
		t.Fatalf("EpochRace before BumpEpoch = %+v, want mapping present", mapping)
	}

	epoch, err := store.CurrentEpoch(ctx, streamID)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("CurrentEpoch before BumpEpoch = %d, want still 1", epoch)
	}

	if err := store.BumpEpoch(ctx, streamID, 2); err != nil {
		t.Fatalf("BumpEpoch: %v", err)
	}
	epoch, err = store.CurrentEpoch(ctx, streamID)
	if err != nil {
		t.Fatalf("CurrentEpoch after bump: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("CurrentEpoch after bump = %d, want 2", epoch)
	}
}

func TestListEpochsIncludesUnmappedAndCurrentEpochs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}

	// Epoch 1 carries events but is never pre-created as a
	// stream_epoch_races mapping.
	e := model.Event{StreamID: streamID, StreamEpoch: 1, Seq: 1, ReaderTimestamp: "T", RawReadLine: "L", ReadType: model.ReadTypeRaw}
	if _, err := store.InsertEvent(ctx, e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	raceID, err := store.CreateRace(ctx, "Spring 5K")
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}
	if err := store.SetEpochRace(ctx, streamID, 2, raceID); err != nil {
		t.Fatalf("SetEpochRace: %v", err)
	}
	if err := store.BumpEpoch(ctx, streamID, 2); err != nil {
		t.Fatalf("BumpEpoch: %v", err)
	}

	// Epoch 3 is the stream's current epoch with neither events nor a race
	// mapping yet (a freshly bumped "next epoch").
	if _, err := store.CreateRace(ctx, "unused"); err != nil {
		t.Fatalf("CreateRace: %v", err)
	}
	if err := store.BumpEpoch(ctx, streamID, 3); err != nil {
		t.Fatalf("BumpEpoch: %v", err)
	}

	epochs, err := store.ListEpochs(ctx, streamID)
	if err != nil {
		t.Fatalf("ListEpochs: %v", err)
	}
	if len(epochs) != 3 {
		t.Fatalf("ListEpochs = %+v, want 3 epochs (1 from events, 2 mapped, 3 current)", epochs)
	}
	if epochs[0].StreamEpoch != 1 || epochs[0].HasRace {
		t.Fatalf("epochs[0] = %+v, want epoch 1 with no race mapping", epochs[0])
	}
	if epochs[1].StreamEpoch != 2 || !epochs[1].HasRace || epochs[1].RaceID != raceID {
		t.Fatalf("epochs[1] = %+v, want epoch 2 mapped to race %d", epochs[1], raceID)
	}
	if epochs[2].StreamEpoch != 3 || epochs[2].HasRace {
		t.Fatalf("epochs[2] = %+v, want epoch 3 present with no race mapping", epochs[2])
	}
}

func TestRangeEventsOrderedAscendingFromSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	for seq := int64(1); seq <= 5; seq++ {
		e := model.Event{StreamID: streamID, StreamEpoch: 1, Seq: seq, ReaderTimestamp: "T", RawReadLine: "L", ReadType: model.ReadTypeRaw}
		if _, err := store.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent seq %d: %v", seq, err)
		}
	}

	events, err := store.RangeEvents(ctx, streamID, 1, 2, 0)
	if err != nil {
		t.Fatalf("RangeEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("RangeEvents from seq 2 = %d events, want 3", len(events))
	}
	for i, e := range events {
		wantSeq := int64(3 + i)
		if e.Seq != wantSeq {
			t.Fatalf("RangeEvents[%d].Seq = %d, want %d (ascending order)", i, e.Seq, wantSeq)
		}
	}

	hwm, err := store.HighWaterMark(ctx, streamID, 1)
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if hwm != 5 {
		t.Fatalf("HighWaterMark = %d, want 5", hwm)
	}
}
