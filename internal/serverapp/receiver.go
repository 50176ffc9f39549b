package serverapp

import (
	"context"
	"fmt"
	"sync"

	"racetiming/ipicoforward/internal/fanout"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/transport"
	"racetiming/ipicoforward/internal/wire"
)

// receiverSession tracks one live receiver connection: its resolved
// target set, the fanout.Session draining canonical events to it, and
// whether this session's endpoint permits receiver_set_selection
// (v1.1 only).
type receiverSession struct {
	server            *Server
	deviceID          string
	sess              *transport.Session
	allowSetSelection bool
	log               *logging.Logger

	sessionID string
	fanout    *fanout.Session

	mu            sync.Mutex
	targets       map[model.Target]struct{}
	lastSelection model.Selection
	lastPolicy    model.ReplayPolicy
}

func (rs *receiverSession) run(ctx context.Context) error {
	handshook := false
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fanoutErrs chan error

	handler := func(ctx context.Context, msg any) error {
		if !handshook {
			hello, ok := msg.(*wire.ReceiverHello)
			if !ok {
				return fmt.Errorf("%w: expected receiver_hello, got %T", wire.ErrProtocolError, msg)
			}
			if err := rs.onHello(ctx, hello); err != nil {
				return err
			}
			handshook = true
			fanoutErrs = make(chan error, 1)
			go func() { fanoutErrs <- rs.fanout.Run(runCtx) }()
			return nil
		}
		return rs.handle(ctx, msg)
	}
	onTick := func(ctx context.Context) error {
		if !handshook {
			return nil
		}
		return rs.sess.Send(wire.NewHeartbeat(rs.sessionID, rs.deviceID))
	}

	defer func() {
		cancel()
		if rs.fanout != nil {
			rs.fanout.Close()
		}
		rs.server.unregisterReceiver(rs)
	}()

	return rs.sess.Run(ctx, handler, onTick)
}

// onHello resolves the persisted selection into a target set, registers
// the session (refusing a duplicate concurrent session for the same
// device, first-wins per spec §4.1), replays backlog for every newly
// entered target and emits the handshake heartbeat plus the initial
// receiver_selection_applied snapshot.
func (rs *receiverSession) onHello(ctx context.Context, hello *wire.ReceiverHello) error {
	rs.sessionID = nextSessionID("rcv")
	rs.deviceID = pickDeviceID(rs.deviceID, hello.ReceiverID)
	rs.targets = make(map[model.Target]struct{})
	rs.fanout = rs.server.fanoutSessionFor(rs)

	if !rs.server.registerReceiver(rs.deviceID, rs) {
		return fmt.Errorf("%w: a session for receiver %q is already connected", wire.ErrProtocolError, rs.deviceID)
	}

	if err := rs.sess.Send(wire.NewHeartbeat(rs.sessionID, rs.deviceID)); err != nil {
		return fmt.Errorf("receiver session: send handshake heartbeat: %w", err)
	}

	rs.mu.Lock()
	rs.lastSelection = hello.Selection
	rs.mu.Unlock()

	targets, err := rs.server.selection.Resolve(ctx, hello.Selection)
	if err != nil {
		return fmt.Errorf("receiver session: resolve selection: %w", err)
	}

	effectivePolicy := hello.ReplayPolicy
	if hello.ReplayPolicy == model.ReplayPolicyTargeted {
		if err := rs.replayTargeted(ctx, hello.ReplayTargets); err != nil {
			return err
		}
		// targeted is a one-shot overlay (spec §4.5/§9): once its replay has
		// gone out, the session's ongoing policy reverts to resume so a
		// later epoch-driven recomputeAndApply doesn't keep treating this
		// session as permanently targeted.
		effectivePolicy = model.ReplayPolicyResume
	}

	rs.mu.Lock()
	rs.lastPolicy = effectivePolicy
	rs.mu.Unlock()

	return rs.applyTargets(ctx, targets, effectivePolicy)
}

func pickDeviceID(tokenDeviceID, advertised string) string {
	if advertised != "" {
		return advertised
	}
	return tokenDeviceID
}

func (rs *receiverSession) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case *wire.ReceiverSetSelection:
		if !rs.allowSetSelection {
			return fmt.Errorf("%w: receiver_set_selection is only valid on /ws/v1.1/receivers", wire.ErrProtocolError)
		}
		rs.mu.Lock()
		previousPolicy := rs.lastPolicy
		rs.lastSelection = m.Selection
		rs.mu.Unlock()

		targets, err := rs.server.selection.Resolve(ctx, m.Selection)
		if err != nil {
			return fmt.Errorf("receiver session: resolve updated selection: %w", err)
		}

		effectivePolicy := m.ReplayPolicy
		if m.ReplayPolicy == model.ReplayPolicyTargeted {
			if err := rs.replayTargeted(ctx, m.ReplayTargets); err != nil {
				return err
			}
			// targeted is a one-shot overlay (spec §4.5/§9), typically sent by
			// receiversession.Session.RequestCursorReset on top of whatever
			// replay policy the receiver is actually configured with. Once its
			// replay has gone out, restore that prior policy (defaulting to
			// resume if this is somehow the session's first policy) rather
			// than leaving the session permanently "targeted" — otherwise the
			// next epoch-driven recomputeAndApply would replay fresh targets
			// as if targeted were the receiver's standing choice instead of
			// its actual configured resume/live_only policy.
			effectivePolicy = previousPolicy
			if effectivePolicy == model.ReplayPolicyTargeted || effectivePolicy == "" {
				effectivePolicy = model.ReplayPolicyResume
			}
		}

		rs.mu.Lock()
		rs.lastPolicy = effectivePolicy
		rs.mu.Unlock()
		return rs.applyTargets(ctx, targets, effectivePolicy)
	case *wire.ReceiverAck:
		return rs.fanout.HandleAck(ctx, m.Entries)
	case *wire.Heartbeat:
		return nil
	default:
		return fmt.Errorf("%w: unexpected message %T on receiver session", wire.ErrProtocolError, msg)
	}
}

// replayTargeted implements replay_policy = targeted: a one-shot replay of
// exactly the listed (stream, epoch) entries, independent of (and prior
// to) the session's ongoing live target set (spec §4.5).
func (rs *receiverSession) replayTargeted(ctx context.Context, targets []model.ReplayTarget) error {
	for _, rt := range targets {
		streamID, _, err := rs.server.store.ResolveStream(ctx, model.NaturalKey{ForwarderID: rt.ForwarderID, ReaderIP: rt.ReaderIP})
		if err != nil {
			return fmt.Errorf("receiver session: resolve targeted replay stream: %w", err)
		}
		events, err := rs.server.selection.ReplayBacklog(ctx, streamID, rt.StreamEpoch, 0)
		if err != nil {
			return fmt.Errorf("receiver session: targeted replay backlog: %w", err)
		}
		for _, e := range events {
			if err := rs.fanout.Publish(ctx, e); err != nil {
				return fmt.Errorf("receiver session: publish targeted replay: %w", err)
			}
		}
	}
	return nil
}

// applyTargets publishes receiver_selection_applied for a freshly resolved
// target set, then installs the set and replays backlog for every target
// new to the session per the requested policy. The snapshot is sent while
// rs.mu is held and before rs.targets changes, so neither a live event for
// a newly entered target (offerIfTargeted) nor its replay can be queued
// ahead of it: a session observes the snapshot strictly before any batch
// belonging exclusively to the new set.
func (rs *receiverSession) applyTargets(ctx context.Context, targets []model.Target, policy model.ReplayPolicy) error {
	rs.mu.Lock()
	fresh := make([]model.Target, 0, len(targets))
	next := make(map[model.Target]struct{}, len(targets))
	for _, t := range targets {
		next[t] = struct{}{}
		if _, already := rs.targets[t]; !already {
			fresh = append(fresh, t)
		}
	}
	refs := make([]wire.TargetRef, 0, len(targets))
	for _, t := range targets {
		refs = append(refs, wire.TargetRef{StreamID: t.StreamID, StreamEpoch: t.StreamEpoch})
	}
	if err := rs.sess.Send(wire.NewReceiverSelectionApplied(rs.sessionID, refs)); err != nil {
		rs.mu.Unlock()
		return err
	}
	rs.targets = next
	rs.mu.Unlock()

	if policy != model.ReplayPolicyLiveOnly {
		for _, t := range fresh {
			fromSeq, err := rs.server.selection.StartingSeq(ctx, rs.deviceID, t, policy)
			if err != nil {
				return fmt.Errorf("receiver session: starting seq: %w", err)
			}
			events, err := rs.server.selection.ReplayBacklog(ctx, t.StreamID, t.StreamEpoch, fromSeq)
			if err != nil {
				return fmt.Errorf("receiver session: replay backlog: %w", err)
			}
			for _, e := range events {
				if err := rs.fanout.Publish(ctx, e); err != nil {
					return fmt.Errorf("receiver session: publish replay: %w", err)
				}
			}
		}
	} else {
		for _, t := range fresh {
			if _, err := rs.server.selection.StartingSeq(ctx, rs.deviceID, t, policy); err != nil {
				return fmt.Errorf("receiver session: initialise live_only cursor: %w", err)
			}
		}
	}
	return nil
}

// offerIfTargeted publishes e to this session's fanout queue iff target is
// in the session's current resolved set (spec §4.5 live filtering).
func (rs *receiverSession) offerIfTargeted(ctx context.Context, target model.Target, e model.Event) {
	rs.mu.Lock()
	_, want := rs.targets[target]
	rs.mu.Unlock()
	if !want || rs.fanout == nil {
		return
	}
	if err := rs.fanout.Publish(ctx, e); err != nil {
		rs.log.Warn("live publish to receiver failed", logging.Error(err))
	}
}

// recomputeAndApply re-resolves whatever selection this session last used
// and republishes the target set; it is driven by the epoch orchestrator's
// RecomputeAffected call after any epoch advance, so sessions whose
// selection captures the advanced stream pick up the new epoch.
func (rs *receiverSession) recomputeAndApply(ctx context.Context) error {
	rs.mu.Lock()
	sel := rs.lastSelection
	policy := rs.lastPolicy
	rs.mu.Unlock()
	targets, err := rs.server.selection.Resolve(ctx, sel)
	if err != nil {
		return fmt.Errorf("receiver session: recompute selection: %w", err)
	}
	return rs.applyTargets(ctx, targets, policy)
}
