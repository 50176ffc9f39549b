package httpapi

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/receiversession"
)

// ReceiverHandlers implements the receiver's /api/v1 control-plane
// surface (spec §6): profile, status, known streams, selection,
// subscriptions and a cursor-reset admin action. It owns the persisted
// receiversession.State (mutating and saving it under a lock) and the
// live receiversession.Session/LocalFanout the running process is
// actually using, so every handler's effect is visible immediately, not
// only after a restart.
type ReceiverHandlers struct {
	statePath string
	logPath   string
	session   *receiversession.Session
	fanout    *receiversession.LocalFanout
	log       *logging.Logger

	mu sync.Mutex
}

// ReceiverOptions configures a ReceiverHandlers.
type ReceiverOptions struct {
	StatePath string
	LogPath   string
	Session   *receiversession.Session
	Fanout    *receiversession.LocalFanout
	Logger    *logging.Logger
}

// NewReceiverHandlers constructs a ReceiverHandlers.
func NewReceiverHandlers(opts ReceiverOptions) *ReceiverHandlers {
	log := opts.Logger
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &ReceiverHandlers{statePath: opts.StatePath, logPath: opts.LogPath, session: opts.Session, fanout: opts.Fanout, log: log}
}

// Register attaches every route to mux.
func (h *ReceiverHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/profile", h.GetProfile)
	mux.HandleFunc("PUT /api/v1/profile", h.PutProfile)
	mux.HandleFunc("GET /api/v1/status", h.GetStatus)
	mux.HandleFunc("GET /api/v1/streams", h.GetStreams)
	mux.HandleFunc("GET /api/v1/selection", h.GetSelection)
	mux.HandleFunc("PUT /api/v1/selection", h.PutSelection)
	mux.HandleFunc("PUT /api/v1/subscriptions", h.PutSubscriptions)
	mux.HandleFunc("GET /api/v1/logs", h.GetLogs)
	mux.HandleFunc("POST /api/v1/admin/cursors/reset", h.ResetCursor)
}

func (h *ReceiverHandlers) persist(state receiversession.State) error {
	return receiversession.SaveState(h.statePath, state)
}

func (h *ReceiverHandlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.State().Profile)
}

func (h *ReceiverHandlers) PutProfile(w http.ResponseWriter, r *http.Request) {
	var profile receiversession.Profile
	if err := readJSON(r, &profile); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}
	if profile.ServerURL == "" || profile.Token == "" {
		writeError(w, CodeValidationError, "server_url and token are required", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.session.SetProfile(profile)
	state := h.session.State()
	if err := h.persist(state); err != nil {
		writeError(w, CodeInternalError, "save profile failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type statusView struct {
	ReceiverID string                   `json:"receiver_id"`
	Profile    receiversession.Profile  `json:"profile"`
	Selection  model.Selection          `json:"selection"`
	ReplayPolicy model.ReplayPolicy     `json:"replay_policy"`
	Subscriptions []receiversession.Subscription `json:"subscriptions"`
}

func (h *ReceiverHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	state := h.session.State()
	writeJSON(w, http.StatusOK, statusView{
		ReceiverID:    state.ReceiverID,
		Profile:       state.Profile,
		Selection:     state.Selection,
		ReplayPolicy:  state.ReplayPolicy,
		Subscriptions: state.Subscriptions,
	})
}

// GetStreams reports the receiver's own view of streams: the subscribed
// set and, for each, the last stream_epoch this receiver has actually
// seen delivered. The receiver has no direct access to the server's full
// stream catalogue or online status (that lives behind the server's own
// control surface); this is the locally-known subset, per spec §6's
// receiver-side /api/v1/streams.
func (h *ReceiverHandlers) GetStreams(w http.ResponseWriter, r *http.Request) {
	state := h.session.State()
	type view struct {
		ForwarderID string `json:"forwarder_id"`
		ReaderIP    string `json:"reader_ip"`
		LocalPort   int    `json:"local_port"`
		LastEpoch   int64  `json:"last_epoch,omitempty"`
	}
	views := make([]view, 0, len(state.Subscriptions))
	for _, sub := range state.Subscriptions {
		key := model.NaturalKey{ForwarderID: sub.StreamRef.ForwarderID, ReaderIP: sub.StreamRef.ReaderIP}
		epoch, _ := h.session.LastEpoch(key)
		views = append(views, view{
			ForwarderID: sub.StreamRef.ForwarderID,
			ReaderIP:    sub.StreamRef.ReaderIP,
			LocalPort:   sub.LocalPort,
			LastEpoch:   epoch,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": views})
}

func (h *ReceiverHandlers) GetSelection(w http.ResponseWriter, r *http.Request) {
	state := h.session.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"selection":      state.Selection,
		"replay_policy":  state.ReplayPolicy,
		"replay_targets": state.ReplayTargets,
	})
}

func (h *ReceiverHandlers) PutSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selection     model.Selection      `json:"selection"`
		ReplayPolicy  model.ReplayPolicy   `json:"replay_policy"`
		ReplayTargets []model.ReplayTarget `json:"replay_targets,omitempty"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}
	if req.ReplayPolicy == "" {
		req.ReplayPolicy = model.ReplayPolicyResume
	}
	if !req.ReplayPolicy.Valid() {
		writeError(w, CodeValidationError, "replay_policy must be resume, live_only or targeted", nil)
		return
	}
	switch req.Selection.Kind {
	case model.SelectionKindManual, model.SelectionKindRace:
	default:
		writeError(w, CodeValidationError, "selection.kind must be manual or race", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.session.SetSelection(req.Selection, req.ReplayPolicy, req.ReplayTargets); err != nil {
		h.log.Warn("live selection push failed", logging.Error(err))
	}
	state := h.session.State()
	if err := h.persist(state); err != nil {
		writeError(w, CodeInternalError, "save selection failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"selection":      state.Selection,
		"replay_policy":  state.ReplayPolicy,
		"replay_targets": state.ReplayTargets,
	})
}

// PutSubscriptions replaces the full subscription set: it opens a local
// TCP listener for every newly requested (forwarder_id, reader_ip), closes
// listeners for any stream no longer subscribed, and leaves already-open
// ones untouched so their connected downstream clients are not dropped.
func (h *ReceiverHandlers) PutSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subscriptions []receiversession.Subscription `json:"subscriptions"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.session.State()
	wanted := make(map[model.NaturalKey]receiversession.Subscription, len(req.Subscriptions))
	for _, sub := range req.Subscriptions {
		if sub.StreamRef.ForwarderID == "" || sub.StreamRef.ReaderIP == "" {
			writeError(w, CodeValidationError, "subscriptions require forwarder_id and reader_ip", nil)
			return
		}
		wanted[model.NaturalKey{ForwarderID: sub.StreamRef.ForwarderID, ReaderIP: sub.StreamRef.ReaderIP}] = sub
	}

	existing := make(map[model.NaturalKey]bool, len(state.Subscriptions))
	for _, sub := range state.Subscriptions {
		key := model.NaturalKey{ForwarderID: sub.StreamRef.ForwarderID, ReaderIP: sub.StreamRef.ReaderIP}
		existing[key] = true
		if _, keep := wanted[key]; !keep {
			h.fanout.Close(key)
		}
	}

	resolved := make([]receiversession.Subscription, 0, len(wanted))
	for key, sub := range wanted {
		if existing[key] {
			resolved = append(resolved, sub)
			continue
		}
		port, err := h.fanout.Open(key, sub.LocalPort)
		if err != nil {
			writeError(w, CodeConflict, "open local listener failed", err.Error())
			return
		}
		sub.LocalPort = port
		resolved = append(resolved, sub)
	}

	state.Subscriptions = resolved
	h.session.SetSubscriptions(resolved)
	streamRefs := make([]model.StreamRef, 0, len(resolved))
	for _, sub := range resolved {
		streamRefs = append(streamRefs, sub.StreamRef)
	}
	if state.Selection.Kind == model.SelectionKindManual {
		state.Selection = model.ManualSelection(streamRefs...)
		if err := h.session.SetSelection(state.Selection, state.ReplayPolicy, state.ReplayTargets); err != nil {
			h.log.Warn("live selection push failed", logging.Error(err))
		}
	}

	if err := h.persist(state); err != nil {
		writeError(w, CodeInternalError, "save subscriptions failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": resolved})
}

// GetLogs is a minimal tail of the receiver's own operational log file,
// useful for a field operator without shell access to the appliance.
func (h *ReceiverHandlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if h.logPath == "" {
		writeError(w, CodeNotFound, "no log file configured", nil)
		return
	}
	lines, err := tailFile(h.logPath, limit)
	if err != nil {
		writeError(w, CodeInternalError, "read logs failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		_, _ = w.Write([]byte(line))
		_, _ = w.Write([]byte("\n"))
	}
}

// tailFile returns the last limit lines of the file at path. It reads the
// whole file; receiver log files are small enough (rotated per
// config.LoggingConfig) that this is simpler than seeking backwards in
// fixed-size chunks.
func tailFile(path string, limit int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// ResetCursor forces a fresh full replay of one subscribed stream's
// current epoch, overlaid onto the ongoing selection (spec §4.1's
// replay_policy=targeted semantics). It requires the epoch the receiver
// has actually observed delivered for that stream; a stream never yet
// seen has nothing to reset.
func (h *ReceiverHandlers) ResetCursor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ForwarderID string `json:"forwarder_id"`
		ReaderIP    string `json:"reader_ip"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}
	if req.ForwarderID == "" || req.ReaderIP == "" {
		writeError(w, CodeValidationError, "forwarder_id and reader_ip are required", nil)
		return
	}
	key := model.NaturalKey{ForwarderID: req.ForwarderID, ReaderIP: req.ReaderIP}
	epoch, ok := h.session.LastEpoch(key)
	if !ok {
		writeError(w, CodeNotFound, "no events observed yet for this stream", nil)
		return
	}
	ref := model.StreamRef{ForwarderID: req.ForwarderID, ReaderIP: req.ReaderIP}
	if err := h.session.RequestCursorReset(ref, epoch); err != nil {
		if errors.Is(err, receiversession.ErrNotConnected) {
			writeError(w, CodeConflict, "receiver is not currently connected upstream", nil)
			return
		}
		writeError(w, CodeInternalError, "cursor reset failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stream_epoch": epoch})
}
