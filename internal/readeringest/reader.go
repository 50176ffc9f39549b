// Package readeringest runs one independent ingest loop per configured
// IPICO reader target: dial the raw TCP feed, read line-delimited frames,
// reject non-UTF-8 input locally, and append accepted reads to the
// forwarder journal at the reader's current epoch (spec §4.3).
package readeringest

import (
	"bufio"
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
)

// Appender is the subset of *journal.Journal a Reader needs.
type Appender interface {
	Append(ctx context.Context, forwarderID, readerIP string, epoch int64, readerTimestamp, rawReadLine string, readType model.ReadType) (model.Identity, error)
}

// Dialer opens the raw TCP connection to a reader target.
type Dialer func(ctx context.Context, target string) (net.Conn, error)

// DialTCP is the production Dialer.
func DialTCP(ctx context.Context, target string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", target)
}

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Reader owns the ingest loop for one configured reader target.
type Reader struct {
	ForwarderID string
	ReaderIP    string
	Target      string
	ReadType    model.ReadType

	Dial    Dialer
	Journal Appender
	Epochs  *EpochTracker
	Log     *logging.Logger
}

// Run dials Target, reads lines until the connection drops or ctx is
// cancelled, then reconnects with exponential backoff and jitter. It
// returns only when ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	dial := r.Dial
	if dial == nil {
		dial = DialTCP
	}
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := dial(ctx, r.Target)
		if err != nil {
			if r.Log != nil {
				r.Log.Warn("reader dial failed", logging.String("reader_ip", r.ReaderIP), logging.String("target", r.Target), logging.Error(err))
			}
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = minBackoff
		err = r.consume(ctx, conn)
		conn.Close()
		if errors.Is(err, context.Canceled) {
			return err
		}
		if r.Log != nil {
			r.Log.Warn("reader connection closed, reconnecting", logging.String("reader_ip", r.ReaderIP), logging.Error(err))
		}
		if !sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff) / 2 + 1))
	wait := *backoff + jitter
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

func (r *Reader) consume(ctx context.Context, conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) {
			if r.Log != nil {
				r.Log.Warn("dropping non-UTF-8 line", logging.String("reader_ip", r.ReaderIP))
			}
			continue
		}
		epoch := r.Epochs.Current(r.ReaderIP)
		timestamp := extractTimestamp(line)
		if _, err := r.Journal.Append(ctx, r.ForwarderID, r.ReaderIP, epoch, timestamp, line, r.ReadType); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("readeringest: connection closed by peer")
}

// extractTimestamp pulls the device-reported timestamp field out of a raw
// IPICO read line (its leading comma-delimited field) or falls back to the
// forwarder's local receipt time if the line carries none.
func extractTimestamp(line string) string {
	if idx := strings.IndexByte(line, ','); idx > 0 {
		return line[:idx]
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}
