package serverapp

import (
	"context"
	"fmt"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
	"racetiming/ipicoforward/internal/transport"
	"racetiming/ipicoforward/internal/wire"
)

// forwarderSession tracks one live /ws/v1/forwarders connection: the
// streams it owns (one per reader_ip advertised in its hello) and the
// transport session used to push epoch_reset_command and forwarder_ack
// frames.
type forwarderSession struct {
	server      *Server
	deviceID    string
	sess        *transport.Session
	log         *logging.Logger
	sessionID   string
	forwarderID string

	// streamsByReader resolves a reader_ip advertised in this session's
	// hello to its server-assigned stream id, so forwarder_event_batch
	// entries (which carry forwarder_id/reader_ip, not stream_id) can be
	// routed to ingestactor without a store round trip per event.
	streamsByReader map[string]model.StreamID
}

func (fs *forwarderSession) run(ctx context.Context) error {
	handshook := false

	handler := func(ctx context.Context, msg any) error {
		if !handshook {
			hello, ok := msg.(*wire.ForwarderHello)
			if !ok {
				return fmt.Errorf("%w: expected forwarder_hello, got %T", wire.ErrProtocolError, msg)
			}
			if err := fs.onHello(ctx, hello); err != nil {
				return err
			}
			handshook = true
			return nil
		}
		return fs.handle(ctx, msg)
	}
	onTick := func(ctx context.Context) error {
		if !handshook {
			return nil
		}
		return fs.sess.Send(wire.NewHeartbeat(fs.sessionID, fs.forwarderID))
	}

	defer func() {
		for _, streamID := range fs.streamsByReader {
			fs.server.unregisterForwarder(streamID, fs)
			_ = fs.server.store.SetOnline(context.Background(), streamID, false)
		}
	}()

	return fs.sess.Run(ctx, handler, onTick)
}

// onHello handles the handshake exactly once: cross-checks the hello's
// advisory forwarder_id against the token's device id, resolves every
// advertised reader into a stream, marks those streams online, registers
// this session so the epoch orchestrator can reach it, and emits the
// handshake heartbeat carrying the assigned session_id (spec §4.1).
func (fs *forwarderSession) onHello(ctx context.Context, hello *wire.ForwarderHello) error {
	if fs.deviceID != "" && hello.ForwarderID != "" && fs.deviceID != hello.ForwarderID {
		return fmt.Errorf("%w: token device %q does not match hello forwarder_id %q", wire.ErrIdentityMismatch, fs.deviceID, hello.ForwarderID)
	}

	fs.sessionID = nextSessionID("fwd")
	fs.forwarderID = hello.ForwarderID
	fs.streamsByReader = make(map[string]model.StreamID, len(hello.ReaderIPs))
	for _, readerIP := range hello.ReaderIPs {
		streamID, _, err := fs.server.store.ResolveStream(ctx, model.NaturalKey{ForwarderID: fs.forwarderID, ReaderIP: readerIP})
		if err != nil {
			return fmt.Errorf("forwarder session: resolve stream: %w", err)
		}
		fs.streamsByReader[readerIP] = streamID
		_ = fs.server.store.SetOnline(ctx, streamID, true)
		fs.server.registerForwarder(streamID, fs)
	}
	return fs.sess.Send(wire.NewHeartbeat(fs.sessionID, fs.forwarderID))
}

func (fs *forwarderSession) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case *wire.ForwarderHello:
		// Not a reconnect: spec §4.3 has the forwarder re-send its hello
		// on the *same* live session as the ack for an epoch_reset_command
		// ("bumps the in-memory epoch ... then sends a new forwarder_hello
		// reflecting the updated epoch"). The epoch orchestrator bumps the
		// server's own epoch counter right after issuing that command
		// (§4.7 step 4), so there is nothing to recompute here beyond
		// picking up any reader
		// this hello advertises that the session didn't already know
		// about; tearing the session down for this message would kill
		// every other reader multiplexed over the same uplink.
		return fs.onEpochResetAck(ctx, m)
	case *wire.ForwarderEventBatch:
		return fs.handleEventBatch(ctx, m)
	case *wire.Heartbeat:
		return nil
	default:
		return fmt.Errorf("%w: unexpected message %T on forwarder session", wire.ErrProtocolError, msg)
	}
}

// onEpochResetAck handles a forwarder_hello received after the initial
// handshake: the forwarder's acknowledgement of an epoch_reset_command
// (spec §4.3). It cross-checks the advisory forwarder_id, registers any
// reader_ip not yet tracked on this session (a reader newly enabled since
// the handshake would otherwise never be routable), and otherwise leaves
// the session untouched — the reader's stream_epoch lives in serverstore,
// where the epoch orchestrator bumps it right after sending the command.
func (fs *forwarderSession) onEpochResetAck(ctx context.Context, hello *wire.ForwarderHello) error {
	if hello.ForwarderID != "" && hello.ForwarderID != fs.forwarderID {
		return fmt.Errorf("%w: token device %q does not match hello forwarder_id %q", wire.ErrIdentityMismatch, fs.forwarderID, hello.ForwarderID)
	}
	for _, readerIP := range hello.ReaderIPs {
		if _, ok := fs.streamsByReader[readerIP]; ok {
			continue
		}
		streamID, _, err := fs.server.store.ResolveStream(ctx, model.NaturalKey{ForwarderID: fs.forwarderID, ReaderIP: readerIP})
		if err != nil {
			return fmt.Errorf("forwarder session: resolve stream on re-hello: %w", err)
		}
		fs.streamsByReader[readerIP] = streamID
		_ = fs.server.store.SetOnline(ctx, streamID, true)
		fs.server.registerForwarder(streamID, fs)
	}
	fs.log.Info("forwarder re-hello on established session (epoch reset ack)", logging.String("forwarder_id", fs.forwarderID))
	return nil
}

// handleEventBatch implements spec §4.4: resolve the stream, insert each
// event through the single-writer ingestactor in batch order, and emit one
// forwarder_ack carrying the highest persisted seq per (stream, epoch)
// touched.
func (fs *forwarderSession) handleEventBatch(ctx context.Context, batch *wire.ForwarderEventBatch) error {
	highWater := make(map[model.Target]int64)
	order := make([]model.Target, 0, len(batch.Events))

	for _, re := range batch.Events {
		streamID, ok := fs.streamsByReader[re.ReaderIP]
		if !ok {
			var err error
			streamID, _, err = fs.server.store.ResolveStream(ctx, model.NaturalKey{ForwarderID: re.ForwarderID, ReaderIP: re.ReaderIP})
			if err != nil {
				return fmt.Errorf("forwarder session: resolve stream for batch event: %w", err)
			}
			fs.streamsByReader[re.ReaderIP] = streamID
			fs.server.registerForwarder(streamID, fs)
		}

		e := model.Event{
			StreamID:        streamID,
			ForwarderID:     re.ForwarderID,
			ReaderIP:        re.ReaderIP,
			StreamEpoch:     re.StreamEpoch,
			Seq:             re.Seq,
			ReaderTimestamp: re.ReaderTimestamp,
			RawReadLine:     re.RawReadLine,
			ReadType:        re.ReadType,
		}

		outcome, err := fs.server.ingest.Ingest(ctx, e)
		if err != nil {
			return fmt.Errorf("forwarder session: ingest: %w", err)
		}
		if outcome == serverstore.Conflict {
			return fmt.Errorf("%w: %s", wire.ErrIntegrityConflict, e.Identity())
		}

		target := model.Target{StreamID: streamID, StreamEpoch: re.StreamEpoch}
		if _, seen := highWater[target]; !seen {
			order = append(order, target)
		}
		if re.Seq > highWater[target] {
			highWater[target] = re.Seq
		}

		// Only a brand-new canonical row is offered to live receivers: a
		// retransmit replays an identity already persisted (and possibly
		// already delivered and acked), so republishing it live would
		// violate the monotone-cursor invariant (spec §8 invariant 6).
		if outcome == serverstore.Inserted {
			fs.server.publishLive(ctx, e)
		}
	}

	entries := make([]wire.AckEntry, 0, len(order))
	for _, t := range order {
		st, err := fs.server.store.GetStream(ctx, t.StreamID)
		if err != nil {
			return fmt.Errorf("forwarder session: load stream for ack: %w", err)
		}
		entries = append(entries, wire.AckEntry{
			ForwarderID: st.ForwarderID,
			ReaderIP:    st.ReaderIP,
			StreamEpoch: t.StreamEpoch,
			LastSeq:     highWater[t],
		})
	}
	return fs.sess.Send(wire.NewForwarderAck(fs.sessionID, entries))
}
