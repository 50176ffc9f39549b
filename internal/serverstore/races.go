package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"racetiming/ipicoforward/internal/model"
)

// ErrRaceNotFound is returned when a race id does not resolve.
var ErrRaceNotFound = errors.New("serverstore: race not found")

// CreateRace inserts a new race definition and returns its id.
func (s *Store) CreateRace(ctx context.Context, name string) (model.RaceID, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO races (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("serverstore: create race: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("serverstore: create race id: %w", err)
	}
	return model.RaceID(id), nil
}

// GetRace loads a race and its participants/bibchips.
func (s *Store) GetRace(ctx context.Context, id model.RaceID) (model.Race, error) {
	race := model.Race{RaceID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM races WHERE race_id = ?`, id).Scan(&race.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Race{}, ErrRaceNotFound
	}
	if err != nil {
		return model.Race{}, fmt.Errorf("serverstore: get race: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, name, team FROM participants WHERE race_id = ?`, id)
	if err != nil {
		return model.Race{}, fmt.Errorf("serverstore: list participants: %w", err)
	}
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ParticipantID, &p.Name, &p.Team); err != nil {
			rows.Close()
			return model.Race{}, fmt.Errorf("serverstore: scan participant: %w", err)
		}
		race.Participants = append(race.Participants, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return model.Race{}, err
	}
	rows.Close()

	bibRows, err := s.db.QueryContext(ctx, `SELECT bib, chip FROM bibchips WHERE race_id = ?`, id)
	if err != nil {
		return model.Race{}, fmt.Errorf("serverstore: list bibchips: %w", err)
	}
	defer bibRows.Close()
	for bibRows.Next() {
		var b model.Bibchip
		if err := bibRows.Scan(&b.Bib, &b.Chip); err != nil {
			return model.Race{}, fmt.Errorf("serverstore: scan bibchip: %w", err)
		}
		race.Bibchips = append(race.Bibchips, b)
	}
	return race, bibRows.Err()
}

// ListRaces returns every race definition without participants/bibchips.
func (s *Store) ListRaces(ctx context.Context) ([]model.Race, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT race_id, name FROM races ORDER BY race_id`)
	if err != nil {
		return nil, fmt.Errorf("serverstore: list races: %w", err)
	}
	defer rows.Close()

	var out []model.Race
	for rows.Next() {
		var r model.Race
		if err := rows.Scan(&r.RaceID, &r.Name); err != nil {
			return nil, fmt.Errorf("serverstore: scan race: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertParticipant inserts or replaces a race participant.
func (s *Store) UpsertParticipant(ctx context.Context, raceID model.RaceID, p model.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (race_id, participant_id, name, team) VALUES (?, ?, ?, ?)
		 ON CONFLICT(race_id, participant_id) DO UPDATE SET name = excluded.name, team = excluded.team`,
		raceID, p.ParticipantID, p.Name, p.Team,
	)
	if err != nil {
		return fmt.Errorf("serverstore: upsert participant: %w", err)
	}
	return nil
}

// UpsertBibchip inserts or replaces a bib-to-chip mapping for a race.
func (s *Store) UpsertBibchip(ctx context.Context, raceID model.RaceID, b model.Bibchip) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bibchips (race_id, bib, chip) VALUES (?, ?, ?)
		 ON CONFLICT(race_id, bib) DO UPDATE SET chip = excluded.chip`,
		raceID, b.Bib, b.Chip,
	)
	if err != nil {
		return fmt.Errorf("serverstore: upsert bibchip: %w", err)
	}
	return nil
}
