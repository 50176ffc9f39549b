// Package selection resolves a receiver's declared Selection into a
// concrete target set T of (stream_id, stream_epoch) pairs and drives the
// replay of backlog events for targets newly entering T, per the resolved
// target set algebra.
package selection

import (
	"context"
	"fmt"
	"sort"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
)

// Engine resolves selections against the server store.
type Engine struct {
	store *serverstore.Store
	log   *logging.Logger
}

// NewEngine constructs a selection Engine.
func NewEngine(store *serverstore.Store, log *logging.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// Resolve computes T for the given selection.
func (e *Engine) Resolve(ctx context.Context, sel model.Selection) ([]model.Target, error) {
	switch sel.Kind {
	case model.SelectionKindManual:
		return e.resolveManual(ctx, sel.Streams)
	case model.SelectionKindRace:
		return e.resolveRace(ctx, sel.RaceID, sel.EpochScope)
	default:
		return nil, fmt.Errorf("selection: unknown kind %q", sel.Kind)
	}
}

func (e *Engine) resolveManual(ctx context.Context, refs []model.StreamRef) ([]model.Target, error) {
	targets := make([]model.Target, 0, len(refs))
	for _, ref := range refs {
		streamID, _, err := e.store.ResolveStream(ctx, model.NaturalKey{ForwarderID: ref.ForwarderID, ReaderIP: ref.ReaderIP})
		if err != nil {
			return nil, fmt.Errorf("selection: resolve manual stream %s/%s: %w", ref.ForwarderID, ref.ReaderIP, err)
		}
		epoch, err := e.store.CurrentEpoch(ctx, streamID)
		if err != nil {
			return nil, fmt.Errorf("selection: current epoch for stream %d: %w", streamID, err)
		}
		targets = append(targets, model.Target{StreamID: streamID, StreamEpoch: epoch})
	}
	return dedupeSortTargets(targets), nil
}

func (e *Engine) resolveRace(ctx context.Context, raceID model.RaceID, scope model.EpochScope) ([]model.Target, error) {
	streams, err := e.store.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("selection: list streams: %w", err)
	}

	var targets []model.Target
	for _, st := range streams {
		epochs, err := e.store.ListEpochs(ctx, st.StreamID)
		if err != nil {
			return nil, fmt.Errorf("selection: list epochs for stream %d: %w", st.StreamID, err)
		}
		if scope == model.EpochScopeCurrent {
			for _, ep := range epochs {
				if ep.StreamEpoch == st.StreamEpoch && ep.HasRace && ep.RaceID == raceID {
					targets = append(targets, model.Target{StreamID: st.StreamID, StreamEpoch: ep.StreamEpoch})
				}
			}
			continue
		}
		for _, ep := range epochs {
			if ep.HasRace && ep.RaceID == raceID {
				targets = append(targets, model.Target{StreamID: st.StreamID, StreamEpoch: ep.StreamEpoch})
			}
		}
	}
	return dedupeSortTargets(targets), nil
}

func dedupeSortTargets(in []model.Target) []model.Target {
	seen := make(map[model.Target]struct{}, len(in))
	out := in[:0:0]
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StreamID != out[j].StreamID {
			return out[i].StreamID < out[j].StreamID
		}
		return out[i].StreamEpoch < out[j].StreamEpoch
	})
	return out
}

// ReplayBacklog reads every event with seq > fromSeq for (streamID, epoch),
// ordered ascending, honouring replay_policy = resume/live_only by the
// caller's choice of fromSeq: the persisted receiver cursor for resume, or
// the current high-water mark for live_only (spec §4.5).
func (e *Engine) ReplayBacklog(ctx context.Context, streamID model.StreamID, epoch, fromSeq int64) ([]model.Event, error) {
	events, err := e.store.RangeEvents(ctx, streamID, epoch, fromSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("selection: replay backlog: %w", err)
	}
	return events, nil
}

// StartingSeq returns the seq a target's replay should start after, given a
// receiver's persisted cursor and the requested replay policy. For
// live_only it returns the current high-water mark so replay is skipped
// entirely and only subsequent live events are delivered.
func (e *Engine) StartingSeq(ctx context.Context, receiverID string, target model.Target, policy model.ReplayPolicy) (int64, error) {
	if policy == model.ReplayPolicyLiveOnly {
		return e.store.HighWaterMark(ctx, target.StreamID, target.StreamEpoch)
	}
	return e.store.ReceiverCursorValue(ctx, receiverID, target.StreamID, target.StreamEpoch)
}
