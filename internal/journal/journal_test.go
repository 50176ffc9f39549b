package journal

import (
	"context"
	"testing"

	"racetiming/ipicoforward/internal/model"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open("", 80, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	first, err := j.Append(ctx, "F1", "10.0.0.1", 1, "T1", "L1", model.ReadTypeRaw)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("first seq = %d, want 1", first.Seq)
	}

	second, err := j.Append(ctx, "F1", "10.0.0.1", 1, "T2", "L2", model.ReadTypeRaw)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("second seq = %d, want 2", second.Seq)
	}

	// A different epoch restarts numbering independently.
	epoch2, err := j.Append(ctx, "F1", "10.0.0.1", 2, "T3", "L3", model.ReadTypeRaw)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if epoch2.Seq != 1 {
		t.Fatalf("epoch2 seq = %d, want 1", epoch2.Seq)
	}
}

func TestAdvanceAckIsMonotone(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.AdvanceAck(ctx, "10.0.0.1", 1, 10); err != nil {
		t.Fatalf("AdvanceAck: %v", err)
	}
	if err := j.AdvanceAck(ctx, "10.0.0.1", 1, 5); err != nil {
		t.Fatalf("AdvanceAck: %v", err)
	}
	got, err := j.Watermark(ctx, "10.0.0.1", 1)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if got != 10 {
		t.Fatalf("watermark regressed to %d, want 10", got)
	}
}

func TestPruneNoopsUnderWatermark(t *testing.T) {
	j, err := Open("", 80, 1<<30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := j.Append(ctx, "F1", "10.0.0.1", 1, "T", "L", model.ReadTypeRaw); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.AdvanceAck(ctx, "10.0.0.1", 1, 10); err != nil {
		t.Fatalf("AdvanceAck: %v", err)
	}
	if err := j.Prune(ctx, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, err := j.Range(ctx, "F1", "10.0.0.1", 1, 1, 100)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("Range after Prune under watermark = %d events, want all 10 retained", len(events))
	}
}

func TestPruneRemovesAckedRecordsPastKeepTailWhenOverWatermark(t *testing.T) {
	j, err := Open("", 80, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := j.Append(ctx, "F1", "10.0.0.1", 1, "T", "L", model.ReadTypeRaw); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Only seqs 1..7 are acked; 8..10 must survive regardless of keepTail.
	if err := j.AdvanceAck(ctx, "10.0.0.1", 1, 7); err != nil {
		t.Fatalf("AdvanceAck: %v", err)
	}
	if err := j.Prune(ctx, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, err := j.Range(ctx, "F1", "10.0.0.1", 1, 1, 100)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("Range after Prune = %d events, want at least the 3 unacked seqs 8-10 retained", len(events))
	}
	var sawUnacked int
	for _, e := range events {
		if e.Seq > 7 {
			sawUnacked++
		}
	}
	if sawUnacked != 3 {
		t.Fatalf("Prune removed an unacked record: got %d unacked seqs retained, want 3", sawUnacked)
	}
	if len(events) >= 10 {
		t.Fatalf("Prune over watermark left all 10 records, want some acked ones removed")
	}
}

func TestRangeOrdersAscending(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := j.Append(ctx, "F1", "10.0.0.1", 1, "T", "L", model.ReadTypeRaw); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	events, err := j.Range(ctx, "F1", "10.0.0.1", 1, 3, 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(3+i) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, e.Seq, 3+i)
		}
	}
}
