package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"racetiming/ipicoforward/internal/model"
)

// ErrStreamNotFound is returned when a stream id does not resolve.
var ErrStreamNotFound = errors.New("serverstore: stream not found")

// ResolveStream resolves the natural key (forwarder_id, reader_ip) to a
// stable stream_id, creating the stream row on first sight. A stream is
// never destroyed, only marked offline.
func (s *Store) ResolveStream(ctx context.Context, key model.NaturalKey) (model.StreamID, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id FROM streams WHERE forwarder_id = ? AND reader_ip = ?`,
		key.ForwarderID, key.ReaderIP,
	).Scan(&id)
	if err == nil {
		return model.StreamID(id), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("serverstore: resolve stream: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (forwarder_id, reader_ip, stream_epoch, online) VALUES (?, ?, 1, 1)`,
		key.ForwarderID, key.ReaderIP,
	)
	if err != nil {
		// Lost a race with a concurrent insert; re-read.
		var retryID int64
		if scanErr := s.db.QueryRowContext(ctx,
			`SELECT stream_id FROM streams WHERE forwarder_id = ? AND reader_ip = ?`,
			key.ForwarderID, key.ReaderIP,
		).Scan(&retryID); scanErr == nil {
			return model.StreamID(retryID), false, nil
		}
		return 0, false, fmt.Errorf("serverstore: create stream: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("serverstore: create stream id: %w", err)
	}
	return model.StreamID(newID), true, nil
}

// GetStream loads a stream by id.
func (s *Store) GetStream(ctx context.Context, id model.StreamID) (model.Stream, error) {
	var st model.Stream
	var online int
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id, forwarder_id, reader_ip, stream_epoch, alias, online FROM streams WHERE stream_id = ?`, id,
	).Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.StreamEpoch, &st.Alias, &online)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stream{}, ErrStreamNotFound
	}
	if err != nil {
		return model.Stream{}, fmt.Errorf("serverstore: get stream: %w", err)
	}
	st.Online = online != 0
	return st, nil
}

// ListStreams returns every known stream.
func (s *Store) ListStreams(ctx context.Context) ([]model.Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, forwarder_id, reader_ip, stream_epoch, alias, online FROM streams ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("serverstore: list streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		var online int
		if err := rows.Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.StreamEpoch, &st.Alias, &online); err != nil {
			return nil, fmt.Errorf("serverstore: scan stream: %w", err)
		}
		st.Online = online != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetAlias updates a stream's human alias.
func (s *Store) SetAlias(ctx context.Context, id model.StreamID, alias string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET alias = ? WHERE stream_id = ?`, alias, id)
	if err != nil {
		return fmt.Errorf("serverstore: set alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// SetOnline marks a stream's forwarder session as connected or not.
func (s *Store) SetOnline(ctx context.Context, id model.StreamID, online bool) error {
	v := 0
	if online {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE streams SET online = ? WHERE stream_id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("serverstore: set online: %w", err)
	}
	return nil
}

// CurrentEpoch returns the stream's current stream_epoch.
func (s *Store) CurrentEpoch(ctx context.Context, id model.StreamID) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `SELECT stream_epoch FROM streams WHERE stream_id = ?`, id).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStreamNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("serverstore: current epoch: %w", err)
	}
	return epoch, nil
}

// BumpEpoch atomically advances a stream's epoch to newEpoch. Callers (the
// epoch lifecycle orchestrator) must have already inserted the
// stream_epoch_races mapping before calling this, per spec §4.7 step 2-4:
// no canonical event may be persisted at the new epoch until this commits.
func (s *Store) BumpEpoch(ctx context.Context, id model.StreamID, newEpoch int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET stream_epoch = ? WHERE stream_id = ? AND stream_epoch < ?`,
		newEpoch, id, newEpoch,
	)
	if err != nil {
		return fmt.Errorf("serverstore: bump epoch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("serverstore: bump epoch: stream %d not at a lower epoch than %d", id, newEpoch)
	}
	return nil
}
