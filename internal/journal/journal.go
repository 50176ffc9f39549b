// Package journal implements the forwarder's crash-safe, append-only local
// store of chip reads (spec §4.2), keyed by (reader_ip, stream_epoch, seq).
// It is backed by modernc.org/sqlite in WAL mode, grounded on the pack's
// graaaaaaa-vrclog-companion/internal/store Open/migrate/dedup pattern and
// adapted to the forwarder's per-reader watermark and pruning semantics.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"racetiming/ipicoforward/internal/model"
)

// DefaultPruneWatermarkPct is the utilization threshold above which Prune
// starts removing acked records, absent an explicit override.
const DefaultPruneWatermarkPct = 80

// ErrCorrupt is returned by Open when the integrity check on open fails.
var ErrCorrupt = errors.New("journal: integrity check failed")

// Journal is the forwarder's local durable store.
type Journal struct {
	db          *sql.DB
	prunePct    int
	sizeBudget  int64
	degraded    bool
	degradedWhy string
	archive     *archiveWriter
	appended    chan struct{}
}

// Open opens (creating if absent) the SQLite journal at path. An empty path
// opens an in-memory database, matching journal.sqlite_path being omitted
// in the forwarder's TOML config.
func Open(path string, prunePct int, sizeBudgetBytes int64) (*Journal, error) {
	dsn := "file::memory:?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	if strings.TrimSpace(path) != "" {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", url.PathEscape(path))
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	db.SetMaxOpenConns(4)

	if prunePct <= 0 || prunePct > 100 {
		prunePct = DefaultPruneWatermarkPct
	}
	j := &Journal{db: db, prunePct: prunePct, sizeBudget: sizeBudgetBytes, appended: make(chan struct{}, 1)}
	if strings.TrimSpace(path) != "" {
		j.archive = newArchiveWriter(filepath.Join(filepath.Dir(path), "archive"))
	}

	if err := j.checkIntegrity(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) checkIntegrity(ctx context.Context) error {
	var result string
	if err := j.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

func (j *Journal) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS reads (
		reader_ip        TEXT NOT NULL,
		stream_epoch     INTEGER NOT NULL,
		seq              INTEGER NOT NULL,
		reader_timestamp TEXT NOT NULL,
		raw_read_line    TEXT NOT NULL,
		read_type        TEXT NOT NULL,
		enqueued_at      TEXT NOT NULL,
		PRIMARY KEY (reader_ip, stream_epoch, seq)
	);
	CREATE TABLE IF NOT EXISTS cursors (
		reader_ip        TEXT NOT NULL,
		stream_epoch     INTEGER NOT NULL,
		last_acked_seq   INTEGER NOT NULL,
		PRIMARY KEY (reader_ip, stream_epoch)
	);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Append assigns seq = 1 + last_seq(reader_ip, stream_epoch) and inserts the
// read atomically, returning the assigned identity.
func (j *Journal) Append(ctx context.Context, forwarderID, readerIP string, epoch int64, readerTimestamp, rawReadLine string, readType model.ReadType) (model.Identity, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Identity{}, fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM reads WHERE reader_ip = ? AND stream_epoch = ?`, readerIP, epoch,
	).Scan(&maxSeq); err != nil {
		return model.Identity{}, fmt.Errorf("journal: max seq: %w", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reads (reader_ip, stream_epoch, seq, reader_timestamp, raw_read_line, read_type, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		readerIP, epoch, seq, readerTimestamp, rawReadLine, string(readType), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		if isDiskFull(err) {
			j.degraded = true
			j.degradedWhy = "disk pressure rejected an append"
		}
		return model.Identity{}, fmt.Errorf("journal: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Identity{}, fmt.Errorf("journal: commit: %w", err)
	}
	select {
	case j.appended <- struct{}{}:
	default:
	}
	return model.Identity{ForwarderID: forwarderID, ReaderIP: readerIP, StreamEpoch: epoch, Seq: seq}, nil
}

// Appended signals once per Append call, coalesced when the receiver falls
// behind, so an uplink.BatchModeImmediate pump can flush as soon as new
// data is journaled instead of waiting for the next flush tick.
func (j *Journal) Appended() <-chan struct{} {
	return j.appended
}

// Range returns events for (reader_ip, epoch) with seq >= fromSeq, ordered
// ascending, bounded by limit.
func (j *Journal) Range(ctx context.Context, forwarderID, readerIP string, epoch, fromSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, reader_timestamp, raw_read_line, read_type FROM reads
		 WHERE reader_ip = ? AND stream_epoch = ? AND seq >= ?
		 ORDER BY seq ASC LIMIT ?`,
		readerIP, epoch, fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: range: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			seq             int64
			readerTimestamp string
			rawReadLine     string
			readType        string
		)
		if err := rows.Scan(&seq, &readerTimestamp, &rawReadLine, &readType); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, model.Event{
			ForwarderID:     forwarderID,
			ReaderIP:        readerIP,
			StreamEpoch:     epoch,
			Seq:             seq,
			ReaderTimestamp: readerTimestamp,
			RawReadLine:     rawReadLine,
			ReadType:        model.ReadType(readType),
		})
	}
	return out, rows.Err()
}

// AdvanceAck persists the ack watermark for (reader_ip, epoch) as a
// monotone max; advancing to a value lower than the current watermark is a
// no-op.
func (j *Journal) AdvanceAck(ctx context.Context, readerIP string, epoch, lastSeq int64) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO cursors (reader_ip, stream_epoch, last_acked_seq) VALUES (?, ?, ?)
		 ON CONFLICT(reader_ip, stream_epoch) DO UPDATE SET
		   last_acked_seq = MAX(last_acked_seq, excluded.last_acked_seq)`,
		readerIP, epoch, lastSeq,
	)
	if err != nil {
		return fmt.Errorf("journal: advance ack: %w", err)
	}
	return nil
}

// Watermark returns the last acknowledged seq for (reader_ip, epoch), or 0
// if no ack has ever been recorded.
func (j *Journal) Watermark(ctx context.Context, readerIP string, epoch int64) (int64, error) {
	var last int64
	err := j.db.QueryRowContext(ctx,
		`SELECT last_acked_seq FROM cursors WHERE reader_ip = ? AND stream_epoch = ?`, readerIP, epoch,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: watermark: %w", err)
	}
	return last, nil
}

// ResumeCursors enumerates every (reader_ip, epoch) this journal has seen
// activity for, with its current ack watermark, to seed a forwarder_hello's
// resume list after a restart.
func (j *Journal) ResumeCursors(ctx context.Context) ([]model.ForwarderCursor, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT r.reader_ip, r.stream_epoch, COALESCE(c.last_acked_seq, 0)
		FROM (SELECT DISTINCT reader_ip, stream_epoch FROM reads) r
		LEFT JOIN cursors c ON c.reader_ip = r.reader_ip AND c.stream_epoch = r.stream_epoch
	`)
	if err != nil {
		return nil, fmt.Errorf("journal: resume cursors: %w", err)
	}
	defer rows.Close()

	var out []model.ForwarderCursor
	for rows.Next() {
		var c model.ForwarderCursor
		if err := rows.Scan(&c.ReaderIP, &c.StreamEpoch, &c.LastAckedSeq); err != nil {
			return nil, fmt.Errorf("journal: scan resume cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Degraded reports whether retention is currently degraded (target 24h
// retention could not be honoured due to disk pressure) and why, for the
// forwarder's /status endpoint and logs (spec §4.2).
func (j *Journal) Degraded() (bool, string) {
	return j.degraded, j.degradedWhy
}

// sizeBytes reports the journal database's current on-disk footprint via
// SQLite's page_count/page_size pragmas.
func (j *Journal) sizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := j.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("journal: page_count: %w", err)
	}
	if err := j.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("journal: page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// overWatermark reports whether utilization has crossed the configured
// prune watermark (spec §4.2). A journal opened with no size budget (e.g.
// an in-memory test journal) has nothing to budget against and is always
// eligible.
func (j *Journal) overWatermark(ctx context.Context) (bool, error) {
	if j.sizeBudget <= 0 {
		return true, nil
	}
	size, err := j.sizeBytes(ctx)
	if err != nil {
		return false, err
	}
	threshold := j.sizeBudget * int64(j.prunePct) / 100
	return size >= threshold, nil
}

// Prune removes the oldest acked records of every reader/epoch pair once
// the journal as a whole exceeds the configured watermark, never touching a record
// with seq > last_acked_seq and always leaving the most recent keepTail
// records of any epoch available for resume. It is a no-op while the
// journal's overall size is under the configured watermark.
func (j *Journal) Prune(ctx context.Context, keepTail int) error {
	over, err := j.overWatermark(ctx)
	if err != nil {
		return fmt.Errorf("journal: prune watermark check: %w", err)
	}
	if !over {
		return nil
	}
	if keepTail <= 0 {
		keepTail = 1000
	}
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT reader_ip, stream_epoch FROM reads`)
	if err != nil {
		return fmt.Errorf("journal: prune enumerate: %w", err)
	}
	type pair struct {
		readerIP string
		epoch    int64
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.readerIP, &p.epoch); err != nil {
			rows.Close()
			return fmt.Errorf("journal: prune scan: %w", err)
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range pairs {
		watermark, err := j.Watermark(ctx, p.readerIP, p.epoch)
		if err != nil {
			return err
		}
		if watermark <= 0 {
			continue
		}
		var ackedCount int
		if err := j.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reads WHERE reader_ip = ? AND stream_epoch = ? AND seq <= ?`,
			p.readerIP, p.epoch, watermark,
		).Scan(&ackedCount); err != nil {
			return fmt.Errorf("journal: prune acked count: %w", err)
		}
		if ackedCount == 0 {
			continue
		}
		var total int
		if err := j.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reads WHERE reader_ip = ? AND stream_epoch = ?`, p.readerIP, p.epoch,
		).Scan(&total); err != nil {
			return fmt.Errorf("journal: prune count: %w", err)
		}
		// keepFromAcked is how many acked rows must stay so that, combined
		// with the unacked rows (which are never eligible), at least
		// keepTail records remain overall.
		keepFromAcked := keepTail - (total - ackedCount)
		if keepFromAcked < 0 {
			keepFromAcked = 0
		}
		deleteCount := ackedCount - keepFromAcked
		if deleteCount <= 0 {
			continue
		}
		var cutoffSeq int64
		err = j.db.QueryRowContext(ctx,
			`SELECT seq FROM reads WHERE reader_ip = ? AND stream_epoch = ? AND seq <= ?
			 ORDER BY seq ASC LIMIT 1 OFFSET ?`,
			p.readerIP, p.epoch, watermark, deleteCount-1,
		).Scan(&cutoffSeq)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("journal: prune cutoff: %w", err)
		}
		if j.archive != nil {
			doomed, err := j.Range(ctx, "", p.readerIP, p.epoch, 0, int(cutoffSeq)+1)
			if err != nil {
				return fmt.Errorf("journal: prune read for archive: %w", err)
			}
			kept := doomed[:0]
			for _, e := range doomed {
				if e.Seq <= cutoffSeq {
					kept = append(kept, e)
				}
			}
			if err := j.archive.Append(p.readerIP, p.epoch, kept); err != nil {
				return fmt.Errorf("journal: prune archive: %w", err)
			}
		}
		if _, err := j.db.ExecContext(ctx,
			`DELETE FROM reads WHERE reader_ip = ? AND stream_epoch = ? AND seq <= ?`,
			p.readerIP, p.epoch, cutoffSeq,
		); err != nil {
			return fmt.Errorf("journal: prune delete: %w", err)
		}
	}
	return nil
}

func isDiskFull(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "full")
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
