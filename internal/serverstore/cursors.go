package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"racetiming/ipicoforward/internal/model"
)

// AdvanceReceiverCursor upserts a receiver's (stream_id, stream_epoch)
// cursor as a monotone max of the candidate against whatever is stored,
// matching the forbid-regression rule in model.Advance.
func (s *Store) AdvanceReceiverCursor(ctx context.Context, c model.ReceiverCursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receiver_cursors (receiver_id, stream_id, stream_epoch, last_seq)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(receiver_id, stream_id, stream_epoch) DO UPDATE SET
		   last_seq = MAX(last_seq, excluded.last_seq)`,
		c.ReceiverID, c.StreamID, c.StreamEpoch, c.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("serverstore: advance receiver cursor: %w", err)
	}
	return nil
}

// ReceiverCursorValue returns a receiver's last acked seq for a stream
// epoch, or 0 if no cursor has been recorded yet.
func (s *Store) ReceiverCursorValue(ctx context.Context, receiverID string, streamID model.StreamID, epoch int64) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM receiver_cursors WHERE receiver_id = ? AND stream_id = ? AND stream_epoch = ?`,
		receiverID, streamID, epoch,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serverstore: receiver cursor: %w", err)
	}
	return seq, nil
}

// ReceiverCursors returns every stream-epoch cursor recorded for a
// receiver, used to resume a resume-policy selection across reconnects.
func (s *Store) ReceiverCursors(ctx context.Context, receiverID string) ([]model.ReceiverCursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, stream_epoch, last_seq FROM receiver_cursors WHERE receiver_id = ?`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("serverstore: receiver cursors: %w", err)
	}
	defer rows.Close()

	var out []model.ReceiverCursor
	for rows.Next() {
		c := model.ReceiverCursor{ReceiverID: receiverID}
		if err := rows.Scan(&c.StreamID, &c.StreamEpoch, &c.LastSeq); err != nil {
			return nil, fmt.Errorf("serverstore: scan receiver cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
