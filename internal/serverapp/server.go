// Package serverapp wires together the server's leaf packages —
// ingestactor, selection, fanout and epoch — into the live WebSocket
// session handling behind /ws/v1/forwarders, /ws/v1/receivers and
// /ws/v1.1/receivers. It owns the registries of connected forwarder and
// receiver sessions so that the epoch orchestrator can ask "is this
// stream's forwarder online" and "recompute every affected receiver",
// generalising the teacher's Broker (clients map + lock guarding a single
// mutable registry, main.go's serveWS) from one flat client set into two
// typed registries keyed by the new protocol's identities.
package serverapp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"racetiming/ipicoforward/internal/auth"
	"racetiming/ipicoforward/internal/epoch"
	"racetiming/ipicoforward/internal/fanout"
	"racetiming/ipicoforward/internal/ingestactor"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/selection"
	"racetiming/ipicoforward/internal/serverstore"
	"racetiming/ipicoforward/internal/transport"
	"racetiming/ipicoforward/internal/wire"
)

// DefaultFanoutWindow and DefaultFanoutQueueDepth are this package's
// defaults for a per-receiver fanout.Session; see internal/fanout for their
// meaning. NewServer takes the window from Options.FanoutWindow, and every
// session gets DefaultFanoutQueueDepth.
const (
	DefaultFanoutWindow     = 4
	DefaultFanoutQueueDepth = 0 // 0 lets fanout.NewSession derive a default.
)

// Server holds every live session and the leaf components that make
// decisions about them. One Server backs both the forwarder and the
// receiver WebSocket endpoints (they differ only in which hello they
// accept), so a single epoch.Orchestrator can reach both registries.
type Server struct {
	store     *serverstore.Store
	ingest    *ingestactor.Registry
	selection *selection.Engine
	upgrader  *transport.Upgrader
	epoch     *epoch.Orchestrator
	log       *logging.Logger

	fanoutWindow int

	mu         sync.Mutex
	forwarders map[model.StreamID]*forwarderSession
	receivers  map[string]*receiverSession // keyed by session_id
}

// Options configures a new Server.
type Options struct {
	Store          *serverstore.Store
	Ingest         *ingestactor.Registry
	Selection      *selection.Engine
	AllowedOrigins []string
	FanoutWindow   int
	Logger         *logging.Logger
}

// NewServer constructs a Server and its epoch orchestrator. The Server
// itself implements epoch.ForwarderNotifier and epoch.ReceiverNotifier, so
// it is both the session registry and the epoch lifecycle's notification
// target.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.NewTestLogger()
	}
	lookup := auth.Lookup(opts.Store.LookupToken)
	s := &Server{
		store:        opts.Store,
		ingest:       opts.Ingest,
		selection:    opts.Selection,
		upgrader:     transport.NewUpgrader(auth.NewVerifier(lookup), opts.AllowedOrigins),
		log:          log,
		fanoutWindow: opts.FanoutWindow,
		forwarders:   make(map[model.StreamID]*forwarderSession),
		receivers:    make(map[string]*receiverSession),
	}
	s.epoch = epoch.NewOrchestrator(opts.Store, s, s, log)
	return s
}

// Epoch exposes the orchestrator for the HTTP control surface's
// reset-epoch operation.
func (s *Server) Epoch() *epoch.Orchestrator { return s.epoch }

// Store exposes the backing store for the HTTP control surface.
func (s *Server) Store() *serverstore.Store { return s.store }

// nextSessionID hands out an opaque, process-unique session identifier.
// Grounded on the teacher's request-scoped trace id generator
// (internal/logging.GenerateTraceID), reused here for session ids since
// both need the same "random enough, cheap, no external id service"
// property.
func nextSessionID(prefix string) string {
	return prefix + "-" + logging.GenerateTraceID()
}

// HandleForwarderWS upgrades and services one /ws/v1/forwarders
// connection end-to-end: handshake, forwarder_event_batch ingest, ack
// emission, and epoch_reset_command delivery for stream's whose epoch the
// orchestrator has bumped.
func (s *Server) HandleForwarderWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, device, err := s.upgrader.Accept(ctx, w, r)
	if err != nil {
		s.log.Warn("forwarder upgrade rejected", logging.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if device.Kind != auth.DeviceKindForwarder {
		sess.SendError(fmt.Errorf("%w: token is not a forwarder token", wire.ErrIdentityMismatch))
		_ = sess.Close()
		return
	}

	fs := &forwarderSession{
		server:   s,
		deviceID: device.DeviceID,
		sess:     sess,
		log:      s.log.With(logging.String("forwarder_id", device.DeviceID)),
	}
	if err := fs.run(ctx); err != nil {
		fs.log.Warn("forwarder session ended", logging.Error(err))
	}
}

// HandleReceiverWS services /ws/v1/receivers and /ws/v1.1/receivers.
// allowSetSelection distinguishes v1.1 (live selection updates permitted)
// from v1.0 (selection is fixed for the session's lifetime).
func (s *Server) HandleReceiverWS(allowSetSelection bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess, device, err := s.upgrader.Accept(ctx, w, r)
		if err != nil {
			s.log.Warn("receiver upgrade rejected", logging.Error(err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if device.Kind != auth.DeviceKindReceiver {
			sess.SendError(fmt.Errorf("%w: token is not a receiver token", wire.ErrIdentityMismatch))
			_ = sess.Close()
			return
		}

		rs := &receiverSession{
			server:            s,
			deviceID:          device.DeviceID,
			sess:              sess,
			allowSetSelection: allowSetSelection,
			log:               s.log.With(logging.String("receiver_id", device.DeviceID)),
		}
		if err := rs.run(ctx); err != nil {
			rs.log.Warn("receiver session ended", logging.Error(err))
		}
	}
}

// IsOnline implements epoch.ForwarderNotifier.
func (s *Server) IsOnline(streamID model.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.forwarders[streamID]
	return ok && fs != nil
}

// SendEpochReset implements epoch.ForwarderNotifier.
func (s *Server) SendEpochReset(ctx context.Context, streamID model.StreamID, forwarderID, readerIP string, newEpoch int64) error {
	s.mu.Lock()
	fs, ok := s.forwarders[streamID]
	s.mu.Unlock()
	if !ok {
		return epoch.ErrForwarderOffline
	}
	return fs.sess.Send(wire.NewEpochResetCommand(fs.sessionID, forwarderID, readerIP, newEpoch))
}

// RecomputeAffected implements epoch.ReceiverNotifier: every live receiver
// session re-resolves its selection and republishes receiver_selection_applied,
// which is a superset-safe strategy (any session whose selection does not
// reference streamID simply recomputes to the same set it already had).
func (s *Server) RecomputeAffected(ctx context.Context, streamID model.StreamID) error {
	s.mu.Lock()
	sessions := make([]*receiverSession, 0, len(s.receivers))
	for _, rs := range s.receivers {
		sessions = append(sessions, rs)
	}
	s.mu.Unlock()

	for _, rs := range sessions {
		if err := rs.recomputeAndApply(ctx); err != nil {
			s.log.Warn("recompute affected receiver failed",
				logging.String("receiver_id", rs.deviceID), logging.Error(err))
		}
	}
	return nil
}

func (s *Server) registerForwarder(streamID model.StreamID, fs *forwarderSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarders[streamID] = fs
}

func (s *Server) unregisterForwarder(streamID model.StreamID, fs *forwarderSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwarders[streamID] == fs {
		delete(s.forwarders, streamID)
	}
}

// registerReceiver enforces the "duplicate concurrent sessions for the
// same device: first-wins" rule from spec §4.1.
func (s *Server) registerReceiver(deviceID string, rs *receiverSession) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.receivers {
		if existing.deviceID == deviceID {
			return false
		}
	}
	s.receivers[rs.sessionID] = rs
	return true
}

func (s *Server) unregisterReceiver(rs *receiverSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receivers[rs.sessionID] == rs {
		delete(s.receivers, rs.sessionID)
	}
}

// publishLive is called by the ingest path after a successful persist: it
// offers the event to every receiver session whose current target set
// contains (stream, epoch), per spec §4.5's live-filtering rule.
func (s *Server) publishLive(ctx context.Context, e model.Event) {
	s.mu.Lock()
	sessions := make([]*receiverSession, 0, len(s.receivers))
	for _, rs := range s.receivers {
		sessions = append(sessions, rs)
	}
	s.mu.Unlock()

	target := model.Target{StreamID: e.StreamID, StreamEpoch: e.StreamEpoch}
	for _, rs := range sessions {
		rs.offerIfTargeted(ctx, target, e)
	}
}

// fanoutSessionFor constructs a fanout.Session bound to rs's transport.
func (s *Server) fanoutSessionFor(rs *receiverSession) *fanout.Session {
	window := s.fanoutWindow
	return fanout.NewSession(rs.deviceID, rs.sessionID, s.store, rs.sess, window, DefaultFanoutQueueDepth, rs.log)
}
