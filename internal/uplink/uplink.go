// Package uplink is the forwarder's single-writer task: exactly one active
// WebSocket session to the server at a time, pulling bounded batches of
// unacked journal events and shipping them as forwarder_event_batch, then
// advancing the journal watermark on forwarder_ack (spec §4.3). Grounded
// on internal/transport's Session for handshake/heartbeat/reconnect
// framing and on internal/networking's BandwidthRegulator for uplink rate
// budgeting, adapted here to gate batch sends rather than UDP snapshots.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"racetiming/ipicoforward/internal/journal"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/networking"
	"racetiming/ipicoforward/internal/readeringest"
	"racetiming/ipicoforward/internal/transport"
	"racetiming/ipicoforward/internal/wire"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// BatchMode selects whether pumpBatches waits for the flush timer (spec
// §6 uplink.batch_mode = "batched", the default) or also flushes as soon
// as the journal signals a fresh append ("immediate").
type BatchMode string

const (
	BatchModeBatched   BatchMode = "batched"
	BatchModeImmediate BatchMode = "immediate"
)

// Config parameterises one Uplink instance.
type Config struct {
	ForwarderID    string
	ServerBaseURL  string
	Token          string
	ReaderIPs      []string
	BatchMode      BatchMode
	BatchMaxEvents int
	FlushInterval  time.Duration
	RateLimitBps   int
}

// Uplink drives the forwarder's single uplink session.
type Uplink struct {
	cfg     Config
	journal *journal.Journal
	epochs  *readeringest.EpochTracker
	log     *logging.Logger
	limiter *networking.BandwidthRegulator

	dial func(ctx context.Context, baseURL, token string, log *logging.Logger) (*transport.Session, error)

	batchSeq   uint64
	readerNext int

	sessionIDMu sync.RWMutex
	sessionID   string
}

func (u *Uplink) setSessionID(id string) {
	if id == "" {
		return
	}
	u.sessionIDMu.Lock()
	u.sessionID = id
	u.sessionIDMu.Unlock()
}

func (u *Uplink) currentSessionID() string {
	u.sessionIDMu.RLock()
	defer u.sessionIDMu.RUnlock()
	return u.sessionID
}

// New constructs an Uplink.
func New(cfg Config, j *journal.Journal, epochs *readeringest.EpochTracker, log *logging.Logger) *Uplink {
	if cfg.BatchMaxEvents <= 0 {
		cfg.BatchMaxEvents = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.BatchMode == "" {
		cfg.BatchMode = BatchModeBatched
	}
	u := &Uplink{
		cfg:     cfg,
		journal: j,
		epochs:  epochs,
		log:     log,
		dial: func(ctx context.Context, baseURL, token string, log *logging.Logger) (*transport.Session, error) {
			return transport.Dial(baseURL, "/ws/v1/forwarders", token, log)
		},
	}
	if cfg.RateLimitBps > 0 {
		u.limiter = networking.NewBandwidthRegulator(float64(cfg.RateLimitBps), nil)
	}
	return u
}

// Run reconnects indefinitely until ctx is cancelled.
func (u *Uplink) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := u.connect(ctx)
		if err != nil {
			if u.log != nil {
				u.log.Warn("uplink connect failed", logging.Error(err))
			}
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = minBackoff
		err = u.runSession(ctx, session)
		session.Close()
		if errors.Is(err, context.Canceled) {
			return err
		}
		if u.log != nil {
			u.log.Warn("uplink session ended, reconnecting", logging.Error(err))
		}
		if !sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff)/2 + 1))
	select {
	case <-time.After(*backoff + jitter):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

func (u *Uplink) connect(ctx context.Context) (*transport.Session, error) {
	session, err := u.dial(ctx, u.cfg.ServerBaseURL, u.cfg.Token, u.log)
	if err != nil {
		return nil, fmt.Errorf("uplink: dial: %w", err)
	}
	if err := u.sendHello(ctx, session); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func (u *Uplink) sendHello(ctx context.Context, session *transport.Session) error {
	resume, err := u.journal.ResumeCursors(ctx)
	if err != nil {
		return fmt.Errorf("uplink: resume cursors: %w", err)
	}
	cursors := make([]wire.ResumeCursor, 0, len(resume))
	for _, c := range resume {
		cursors = append(cursors, wire.ResumeCursor{ReaderIP: c.ReaderIP, StreamEpoch: c.StreamEpoch, LastAckedSeq: c.LastAckedSeq})
	}
	return session.Send(wire.NewForwarderHello(u.cfg.ForwarderID, u.cfg.ReaderIPs, cursors))
}

func (u *Uplink) runSession(ctx context.Context, session *transport.Session) error {
	u.sessionIDMu.Lock()
	u.sessionID = ""
	u.sessionIDMu.Unlock()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumpErrs := make(chan error, 1)
	go func() { pumpErrs <- u.pumpBatches(pumpCtx, session) }()

	handler := func(ctx context.Context, msg any) error {
		switch m := msg.(type) {
		case *wire.ForwarderAck:
			for _, entry := range m.Entries {
				if err := u.journal.AdvanceAck(ctx, entry.ReaderIP, entry.StreamEpoch, entry.LastSeq); err != nil {
					return fmt.Errorf("%w: advance ack: %v", wire.ErrInternal, err)
				}
			}
			return nil
		case *wire.EpochResetCommand:
			u.epochs.Bump(m.ReaderIP, m.NewStreamEpoch)
			return u.sendHello(ctx, session)
		case *wire.Heartbeat:
			u.setSessionID(m.SessionID)
			return nil
		case *wire.ReceiverSelectionApplied:
			return nil
		case *wire.ErrorMessage:
			return fmt.Errorf("uplink: server reported %s: %s", m.Code, m.Message)
		default:
			return nil
		}
	}
	onTick := func(ctx context.Context) error {
		return session.Send(wire.NewHeartbeat("", u.cfg.ForwarderID))
	}

	runErr := session.Run(ctx, handler, onTick)
	cancel()
	<-pumpErrs
	return runErr
}

// pumpBatches pulls bounded batches from the journal on a flush timer and
// ships them as forwarder_event_batch, round-robining across readers so no
// single reader starves another under sustained backlog. In
// BatchModeImmediate it additionally flushes as soon as the journal
// signals a fresh append, rather than waiting for the next tick; the
// ticker still runs underneath as a safety net (e.g. backlog left over
// from before a reconnect, with no fresh append to trigger on).
func (u *Uplink) pumpBatches(ctx context.Context, session *transport.Session) error {
	ticker := time.NewTicker(u.cfg.FlushInterval)
	defer ticker.Stop()

	var appended <-chan struct{}
	if u.cfg.BatchMode == BatchModeImmediate {
		appended = u.journal.Appended()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := u.flushOnce(ctx, session); err != nil {
				return err
			}
		case <-appended:
			if err := u.flushOnce(ctx, session); err != nil {
				return err
			}
		}
	}
}

func (u *Uplink) flushOnce(ctx context.Context, session *transport.Session) error {
	readers := u.cfg.ReaderIPs
	if len(readers) == 0 {
		return nil
	}
	var events []wire.ReadEvent
	remaining := u.cfg.BatchMaxEvents
	for i := 0; i < len(readers) && remaining > 0; i++ {
		readerIP := readers[(u.readerNext+i)%len(readers)]
		epoch := u.epochs.Current(readerIP)
		watermark, err := u.journal.Watermark(ctx, readerIP, epoch)
		if err != nil {
			return fmt.Errorf("uplink: watermark: %w", err)
		}
		perReaderLimit := remaining
		if fair := u.cfg.BatchMaxEvents / len(readers); fair > 0 && fair < perReaderLimit {
			perReaderLimit = fair
		}
		pulled, err := u.journal.Range(ctx, u.cfg.ForwarderID, readerIP, epoch, watermark+1, perReaderLimit)
		if err != nil {
			return fmt.Errorf("uplink: range: %w", err)
		}
		for _, e := range pulled {
			events = append(events, wire.ReadEvent{
				ForwarderID:     e.ForwarderID,
				ReaderIP:        e.ReaderIP,
				StreamEpoch:     e.StreamEpoch,
				Seq:             e.Seq,
				ReaderTimestamp: e.ReaderTimestamp,
				RawReadLine:     e.RawReadLine,
				ReadType:        e.ReadType,
			})
		}
		remaining -= len(pulled)
	}
	if len(readers) > 0 {
		u.readerNext = (u.readerNext + 1) % len(readers)
	}
	if len(events) == 0 {
		return nil
	}
	if u.limiter != nil && !u.limiter.Allow("uplink", estimateBytes(events)) {
		// Rate budget exhausted this tick; events stay unacked in the journal
		// and are re-offered on the next flush, never dropped.
		return nil
	}
	batchID := fmt.Sprintf("%s-%d", u.cfg.ForwarderID, atomic.AddUint64(&u.batchSeq, 1))
	return session.Send(wire.ForwarderEventBatch{
		Kind:      wire.KindForwarderEventBatch,
		SessionID: u.currentSessionID(),
		BatchID:   batchID,
		Events:    events,
	})
}

func estimateBytes(events []wire.ReadEvent) int {
	total := 0
	for _, e := range events {
		total += len(e.RawReadLine) + len(e.ReaderTimestamp) + 32
	}
	return total
}
