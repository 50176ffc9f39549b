package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"racetiming/ipicoforward/internal/model"
)

// InsertOutcome classifies what happened to one event insert attempt, per
// spec §4.4 step 2.
type InsertOutcome int

const (
	// Inserted means no prior row existed for the identity; a new
	// canonical row and raw_count/dedup_count were recorded.
	Inserted InsertOutcome = iota
	// Retransmit means a canonical row already existed with an identical
	// payload; only raw_count/retransmit_count advanced.
	Retransmit
	// Conflict means a canonical row already existed with a different
	// payload; the original is preserved and no metric row changes.
	Conflict
)

// InsertEvent attempts to persist one canonical event, keyed on
// (stream_id, stream_epoch, seq). It is the server's single point of
// dedup/conflict logic (spec §4.4); callers are expected to be the
// per-stream single-writer actor in internal/ingestactor so that at most
// one insert for a given stream is ever in flight.
func (s *Store) InsertEvent(ctx context.Context, e model.Event) (InsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("serverstore: begin insert: %w", err)
	}
	defer tx.Rollback()

	var existing model.Event
	err = tx.QueryRowContext(ctx,
		`SELECT reader_timestamp, raw_read_line, read_type FROM events
		 WHERE stream_id = ? AND stream_epoch = ? AND seq = ?`,
		e.StreamID, e.StreamEpoch, e.Seq,
	).Scan(&existing.ReaderTimestamp, &existing.RawReadLine, &existing.ReadType)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream_id, stream_epoch, seq, reader_timestamp, raw_read_line, read_type)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.StreamID, e.StreamEpoch, e.Seq, e.ReaderTimestamp, e.RawReadLine, string(e.ReadType),
		); err != nil {
			return 0, fmt.Errorf("serverstore: insert event: %w", err)
		}
		if err := bumpMetricsLocked(ctx, tx, e.StreamID, e.StreamEpoch, 1, 1, 0); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("serverstore: commit insert: %w", err)
		}
		return Inserted, nil

	case err != nil:
		return 0, fmt.Errorf("serverstore: lookup event: %w", err)

	default:
		existing.StreamID, existing.StreamEpoch, existing.Seq = e.StreamID, e.StreamEpoch, e.Seq
		if existing.SamePayload(e) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE events SET retransmits = retransmits + 1
				 WHERE stream_id = ? AND stream_epoch = ? AND seq = ?`,
				e.StreamID, e.StreamEpoch, e.Seq,
			); err != nil {
				return 0, fmt.Errorf("serverstore: bump retransmit: %w", err)
			}
			if err := bumpMetricsLocked(ctx, tx, e.StreamID, e.StreamEpoch, 1, 0, 1); err != nil {
				return 0, err
			}
			if err := tx.Commit(); err != nil {
				return 0, fmt.Errorf("serverstore: commit retransmit: %w", err)
			}
			return Retransmit, nil
		}
		// Integrity conflict: no metric row updated, original preserved, no
		// commit of any change is necessary but we still need to release
		// the transaction cleanly.
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("serverstore: commit conflict no-op: %w", err)
		}
		return Conflict, nil
	}
}

func bumpMetricsLocked(ctx context.Context, tx *sql.Tx, streamID model.StreamID, epoch int64, raw, dedup, retransmit int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO stream_metrics (stream_id, stream_epoch, raw_count, dedup_count, retransmit_count, last_event_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(stream_id, stream_epoch) DO UPDATE SET
		   raw_count = raw_count + excluded.raw_count,
		   dedup_count = dedup_count + excluded.dedup_count,
		   retransmit_count = retransmit_count + excluded.retransmit_count,
		   last_event_at = excluded.last_event_at`,
		streamID, epoch, raw, dedup, retransmit, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("serverstore: bump metrics: %w", err)
	}
	return nil
}

// StreamMetrics is the raw/dedup/retransmit/lag snapshot exposed on the
// control surface (spec §7, §4.4 invariant raw = dedup + retransmit).
type StreamMetrics struct {
	StreamID        model.StreamID
	StreamEpoch     int64
	RawCount        int64
	DedupCount      int64
	RetransmitCount int64
	LastEventAt     time.Time
}

// Metrics returns every epoch's metrics row for a stream.
func (s *Store) Metrics(ctx context.Context, streamID model.StreamID) ([]StreamMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_epoch, raw_count, dedup_count, retransmit_count, last_event_at
		 FROM stream_metrics WHERE stream_id = ? ORDER BY stream_epoch`, streamID)
	if err != nil {
		return nil, fmt.Errorf("serverstore: metrics: %w", err)
	}
	defer rows.Close()

	var out []StreamMetrics
	for rows.Next() {
		var m StreamMetrics
		var lastEventAt string
		m.StreamID = streamID
		if err := rows.Scan(&m.StreamEpoch, &m.RawCount, &m.DedupCount, &m.RetransmitCount, &lastEventAt); err != nil {
			return nil, fmt.Errorf("serverstore: scan metrics: %w", err)
		}
		if lastEventAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, lastEventAt); err == nil {
				m.LastEventAt = t
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RangeEvents returns canonical events for (stream_id, stream_epoch) with
// seq > fromSeq, ordered ascending, used by replay and export.
func (s *Store) RangeEvents(ctx context.Context, streamID model.StreamID, epoch, fromSeq int64, limit int) ([]model.Event, error) {
	query := `SELECT seq, reader_timestamp, raw_read_line, read_type FROM events
	          WHERE stream_id = ? AND stream_epoch = ? AND seq > ? ORDER BY seq ASC`
	args := []any{streamID, epoch, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("serverstore: range events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e := model.Event{StreamID: streamID, StreamEpoch: epoch}
		var readType string
		if err := rows.Scan(&e.Seq, &e.ReaderTimestamp, &e.RawReadLine, &readType); err != nil {
			return nil, fmt.Errorf("serverstore: scan event: %w", err)
		}
		e.ReadType = model.ReadType(readType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// HighWaterMark returns the highest persisted seq for (stream_id, epoch),
// or 0 if no events have been persisted yet, used to initialise live_only
// cursors at selection time.
func (s *Store) HighWaterMark(ctx context.Context, streamID model.StreamID, epoch int64) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE stream_id = ? AND stream_epoch = ?`, streamID, epoch,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("serverstore: high water mark: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
