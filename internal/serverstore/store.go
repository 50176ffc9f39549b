// Package serverstore implements the central server's relational
// persistence: streams, canonical events, epoch/race mappings, device
// tokens and receiver cursors (spec §3, §6). It is backed by
// modernc.org/sqlite, grounded on the same Open/WAL/busy_timeout pattern
// as internal/journal and the pack's graaaaaaa-vrclog-companion/internal/store.
// Event dedup is a lookup-then-insert on the events primary key inside one
// transaction (see InsertEvent).
package serverstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps the server's SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite store at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("serverstore: path must not be empty")
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("serverstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("serverstore: ping: %w", err)
	}
	db.SetMaxOpenConns(8)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("serverstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS streams (
		stream_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		forwarder_id TEXT NOT NULL,
		reader_ip    TEXT NOT NULL,
		stream_epoch INTEGER NOT NULL DEFAULT 1,
		alias        TEXT NOT NULL DEFAULT '',
		online       INTEGER NOT NULL DEFAULT 0,
		UNIQUE(forwarder_id, reader_ip)
	);

	CREATE TABLE IF NOT EXISTS events (
		stream_id        INTEGER NOT NULL,
		stream_epoch     INTEGER NOT NULL,
		seq              INTEGER NOT NULL,
		reader_timestamp TEXT NOT NULL,
		raw_read_line    TEXT NOT NULL,
		read_type        TEXT NOT NULL,
		retransmits      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (stream_id, stream_epoch, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_stream_epoch_seq ON events(stream_id, stream_epoch, seq);

	CREATE TABLE IF NOT EXISTS stream_metrics (
		stream_id        INTEGER NOT NULL,
		stream_epoch     INTEGER NOT NULL,
		raw_count        INTEGER NOT NULL DEFAULT 0,
		dedup_count      INTEGER NOT NULL DEFAULT 0,
		retransmit_count INTEGER NOT NULL DEFAULT 0,
		last_event_at    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (stream_id, stream_epoch)
	);

	CREATE TABLE IF NOT EXISTS races (
		race_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		race_id        INTEGER NOT NULL,
		participant_id TEXT NOT NULL,
		name           TEXT NOT NULL DEFAULT '',
		team           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (race_id, participant_id)
	);

	CREATE TABLE IF NOT EXISTS bibchips (
		race_id INTEGER NOT NULL,
		bib     TEXT NOT NULL,
		chip    TEXT NOT NULL,
		PRIMARY KEY (race_id, bib)
	);

	CREATE TABLE IF NOT EXISTS stream_epoch_races (
		stream_id    INTEGER NOT NULL,
		stream_epoch INTEGER NOT NULL,
		race_id      INTEGER NOT NULL,
		PRIMARY KEY (stream_id, stream_epoch)
	);
	CREATE INDEX IF NOT EXISTS idx_stream_epoch_races_race ON stream_epoch_races(race_id);

	CREATE TABLE IF NOT EXISTS device_tokens (
		token_hash TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS receiver_cursors (
		receiver_id  TEXT NOT NULL,
		stream_id    INTEGER NOT NULL,
		stream_epoch INTEGER NOT NULL,
		last_seq     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (receiver_id, stream_id, stream_epoch)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is usable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
