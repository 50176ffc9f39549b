package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"racetiming/ipicoforward/internal/model"
)

// EpochRaceMapping is one row of the stream_epoch_races table: which race
// (if any) a given stream epoch is attributed to (spec §4.7).
type EpochRaceMapping struct {
	StreamID    model.StreamID
	StreamEpoch int64
	RaceID      model.RaceID
	HasRace     bool
}

// SetEpochRace records the race attribution for a stream epoch. Per spec
// §4.7 step 2, this must be committed before BumpEpoch advances streams's
// stream_epoch so that no canonical event is ever persisted at the new
// epoch with an unattributed or stale race mapping.
func (s *Store) SetEpochRace(ctx context.Context, streamID model.StreamID, epoch int64, raceID model.RaceID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_epoch_races (stream_id, stream_epoch, race_id) VALUES (?, ?, ?)
		 ON CONFLICT(stream_id, stream_epoch) DO UPDATE SET race_id = excluded.race_id`,
		streamID, epoch, raceID,
	)
	if err != nil {
		return fmt.Errorf("serverstore: set epoch race: %w", err)
	}
	return nil
}

// EpochRace returns the race attributed to a stream epoch, if any.
func (s *Store) EpochRace(ctx context.Context, streamID model.StreamID, epoch int64) (EpochRaceMapping, error) {
	m := EpochRaceMapping{StreamID: streamID, StreamEpoch: epoch}
	var raceID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT race_id FROM stream_epoch_races WHERE stream_id = ? AND stream_epoch = ?`,
		streamID, epoch,
	).Scan(&raceID)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return EpochRaceMapping{}, fmt.Errorf("serverstore: epoch race: %w", err)
	}
	if raceID.Valid {
		m.RaceID = model.RaceID(raceID.Int64)
		m.HasRace = true
	}
	return m, nil
}

// ListEpochs returns every epoch known for a stream, in ascending order:
// epochs with a stream_epoch_races mapping (including ones pre-created with
// no race yet, per spec §4.7), epochs that carry events but no mapping
// (notably epoch 1, whose mapping row is never pre-created), and the
// stream's current epoch, unioned so none of the three sources can hide an
// epoch the other two don't know about (spec §3, §6).
func (s *Store) ListEpochs(ctx context.Context, streamID model.StreamID) ([]EpochRaceMapping, error) {
	byEpoch := make(map[int64]EpochRaceMapping)

	mappingRows, err := s.db.QueryContext(ctx,
		`SELECT stream_epoch, race_id FROM stream_epoch_races WHERE stream_id = ?`,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("serverstore: list epochs: %w", err)
	}
	for mappingRows.Next() {
		m := EpochRaceMapping{StreamID: streamID}
		var raceID sql.NullInt64
		if err := mappingRows.Scan(&m.StreamEpoch, &raceID); err != nil {
			mappingRows.Close()
			return nil, fmt.Errorf("serverstore: scan epoch: %w", err)
		}
		if raceID.Valid {
			m.RaceID = model.RaceID(raceID.Int64)
			m.HasRace = true
		}
		byEpoch[m.StreamEpoch] = m
	}
	mappingRows.Close()
	if err := mappingRows.Err(); err != nil {
		return nil, fmt.Errorf("serverstore: list epochs: %w", err)
	}

	eventRows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT stream_epoch FROM events WHERE stream_id = ?`, streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("serverstore: list event epochs: %w", err)
	}
	for eventRows.Next() {
		var epoch int64
		if err := eventRows.Scan(&epoch); err != nil {
			eventRows.Close()
			return nil, fmt.Errorf("serverstore: scan event epoch: %w", err)
		}
		if _, ok := byEpoch[epoch]; !ok {
			byEpoch[epoch] = EpochRaceMapping{StreamID: streamID, StreamEpoch: epoch}
		}
	}
	eventRows.Close()
	if err := eventRows.Err(); err != nil {
		return nil, fmt.Errorf("serverstore: list event epochs: %w", err)
	}

	current, err := s.CurrentEpoch(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("serverstore: current epoch for list epochs: %w", err)
	}
	if _, ok := byEpoch[current]; !ok {
		byEpoch[current] = EpochRaceMapping{StreamID: streamID, StreamEpoch: current}
	}

	out := make([]EpochRaceMapping, 0, len(byEpoch))
	for _, m := range byEpoch {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamEpoch < out[j].StreamEpoch })
	return out, nil
}
