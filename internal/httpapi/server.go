package httpapi

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"racetiming/ipicoforward/internal/epoch"
	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
)

// Epoch is the subset of serverapp.Server's epoch lifecycle the control
// surface drives.
type Epoch interface {
	Advance(ctx context.Context, streamID model.StreamID, raceID model.RaceID) error
}

// ServerHandlers implements the server's /api/v1 control-plane surface
// (spec §6): stream listing/aliasing, per-epoch metrics, epoch/race
// mapping, raw and CSV export, and the epoch-advance control operation.
// Shaped after the teacher's HandlerSet: an Options struct at
// construction, one method per route, Register attaching them to a
// *http.ServeMux.
type ServerHandlers struct {
	store   *serverstore.Store
	epoch   Epoch
	log     *logging.Logger
	limiter *SlidingWindowLimiter
}

// ServerOptions configures a ServerHandlers.
type ServerOptions struct {
	Store   *serverstore.Store
	Epoch   Epoch
	Logger  *logging.Logger
	Limiter *SlidingWindowLimiter
}

// NewServerHandlers constructs a ServerHandlers.
func NewServerHandlers(opts ServerOptions) *ServerHandlers {
	log := opts.Logger
	if log == nil {
		log = logging.NewTestLogger()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewSlidingWindowLimiter(time.Second, 5, nil)
	}
	return &ServerHandlers{store: opts.Store, epoch: opts.Epoch, log: log, limiter: limiter}
}

// Register attaches every route to mux.
func (h *ServerHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /api/v1/streams", h.ListStreams)
	mux.HandleFunc("PATCH /api/v1/streams/{id}", h.PatchStream)
	mux.HandleFunc("GET /api/v1/streams/{id}/metrics", h.StreamMetrics)
	mux.HandleFunc("POST /api/v1/streams/{id}/reset-epoch", h.ResetEpoch)
	mux.HandleFunc("GET /api/v1/streams/{id}/export.txt", h.ExportTXT)
	mux.HandleFunc("GET /api/v1/streams/{id}/export.csv", h.ExportCSV)
	mux.HandleFunc("GET /api/v1/streams/{id}/epochs", h.ListEpochs)
	mux.HandleFunc("PUT /api/v1/streams/{id}/epochs/{epoch}/race", h.SetEpochRace)
	mux.HandleFunc("POST /api/v1/races/{race_id}/streams/{stream_id}/epochs/activate-next", h.ActivateNextEpoch)
}

func (h *ServerHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *ServerHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, CodeInternalError, "store unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type streamView struct {
	StreamID    model.StreamID `json:"stream_id"`
	ForwarderID string         `json:"forwarder_id"`
	ReaderIP    string         `json:"reader_ip"`
	StreamEpoch int64          `json:"stream_epoch"`
	Alias       string         `json:"display_alias,omitempty"`
	Online      bool           `json:"online"`
}

func toStreamView(st model.Stream) streamView {
	return streamView{
		StreamID:    st.StreamID,
		ForwarderID: st.ForwarderID,
		ReaderIP:    st.ReaderIP,
		StreamEpoch: st.StreamEpoch,
		Alias:       st.Alias,
		Online:      st.Online,
	}
}

func (h *ServerHandlers) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.store.ListStreams(r.Context())
	if err != nil {
		writeError(w, CodeInternalError, "list streams failed", err.Error())
		return
	}
	views := make([]streamView, 0, len(streams))
	for _, st := range streams {
		views = append(views, toStreamView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": views})
}

func (h *ServerHandlers) streamID(r *http.Request) (model.StreamID, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		raw = r.PathValue("stream_id")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return model.StreamID(n), true
}

func (h *ServerHandlers) PatchStream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	var req struct {
		DisplayAlias string `json:"display_alias"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}
	if err := h.store.SetAlias(r.Context(), id, req.DisplayAlias); err != nil {
		h.writeStoreErr(w, err, "set alias failed")
		return
	}
	st, err := h.store.GetStream(r.Context(), id)
	if err != nil {
		h.writeStoreErr(w, err, "load stream failed")
		return
	}
	writeJSON(w, http.StatusOK, toStreamView(st))
}

type metricsView struct {
	StreamEpoch     int64     `json:"stream_epoch"`
	RawCount        int64     `json:"raw_count"`
	DedupCount      int64     `json:"dedup_count"`
	RetransmitCount int64     `json:"retransmit_count"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`
}

func (h *ServerHandlers) StreamMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	rows, err := h.store.Metrics(r.Context(), id)
	if err != nil {
		writeError(w, CodeInternalError, "load metrics failed", err.Error())
		return
	}
	views := make([]metricsView, 0, len(rows))
	for _, m := range rows {
		views = append(views, metricsView{
			StreamEpoch:     m.StreamEpoch,
			RawCount:        m.RawCount,
			DedupCount:      m.DedupCount,
			RetransmitCount: m.RetransmitCount,
			LastEventAt:     m.LastEventAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": views})
}

func (h *ServerHandlers) ResetEpoch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	var req struct {
		RaceID model.RaceID `json:"race_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}
	if !h.limiter.Allow() {
		writeError(w, CodeConflict, "too many epoch resets, try again shortly", nil)
		return
	}
	h.advance(w, r, id, req.RaceID)
}

func (h *ServerHandlers) ActivateNextEpoch(w http.ResponseWriter, r *http.Request) {
	streamID, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	raceN, err := strconv.ParseInt(r.PathValue("race_id"), 10, 64)
	if err != nil {
		writeError(w, CodeValidationError, "invalid race id", nil)
		return
	}
	if !h.limiter.Allow() {
		writeError(w, CodeConflict, "too many epoch resets, try again shortly", nil)
		return
	}
	h.advance(w, r, streamID, model.RaceID(raceN))
}

func (h *ServerHandlers) advance(w http.ResponseWriter, r *http.Request, streamID model.StreamID, raceID model.RaceID) {
	if err := h.epoch.Advance(r.Context(), streamID, raceID); err != nil {
		if errors.Is(err, epoch.ErrForwarderOffline) {
			writeError(w, CodeConflict, "forwarder for this stream is offline", nil)
			return
		}
		if errors.Is(err, serverstore.ErrStreamNotFound) {
			writeError(w, CodeNotFound, "stream not found", nil)
			return
		}
		h.log.Warn("epoch advance failed", logging.Int64("stream_id", int64(streamID)), logging.Error(err))
		writeError(w, CodeInternalError, "epoch advance failed", err.Error())
		return
	}
	st, err := h.store.GetStream(r.Context(), streamID)
	if err != nil {
		h.writeStoreErr(w, err, "load stream failed")
		return
	}
	writeJSON(w, http.StatusOK, toStreamView(st))
}

// ExportTXT streams bare raw_read_line values for one stream epoch,
// newline-terminated, in seq order — the format downstream scoring
// software ingests directly (spec §6).
func (h *ServerHandlers) ExportTXT(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	epochParam, err := h.exportEpoch(r, id)
	if err != nil {
		writeError(w, CodeValidationError, err.Error(), nil)
		return
	}
	events, err := h.store.RangeEvents(r.Context(), id, epochParam, 0, 0)
	if err != nil {
		writeError(w, CodeInternalError, "export failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, e := range events {
		if e.ReadType == model.ReadTypeRaw || e.ReadType == model.ReadTypeFSLS {
			fmt.Fprintf(w, "%s\n", e.RawReadLine)
		}
	}
}

// ExportCSV streams one CSV row per canonical event, RFC-4180, excluding
// retransmits is not applicable here since RangeEvents only ever returns
// the single canonical row kept per (stream, epoch, seq) — retransmitted
// duplicates never reach the table (spec §4.4 step 2).
func (h *ServerHandlers) ExportCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	epochParam, err := h.exportEpoch(r, id)
	if err != nil {
		writeError(w, CodeValidationError, err.Error(), nil)
		return
	}
	events, err := h.store.RangeEvents(r.Context(), id, epochParam, 0, 0)
	if err != nil {
		writeError(w, CodeInternalError, "export failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"stream_epoch", "seq", "reader_timestamp", "raw_read_line", "read_type"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatInt(e.StreamEpoch, 10),
			strconv.FormatInt(e.Seq, 10),
			e.ReaderTimestamp,
			e.RawReadLine,
			string(e.ReadType),
		})
	}
	cw.Flush()
}

// exportEpoch resolves the ?epoch= query param, defaulting to the
// stream's current epoch.
func (h *ServerHandlers) exportEpoch(r *http.Request, id model.StreamID) (int64, error) {
	raw := r.URL.Query().Get("epoch")
	if raw == "" {
		return h.store.CurrentEpoch(r.Context(), id)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("epoch must be an integer, got %q", raw)
	}
	return v, nil
}

type epochView struct {
	StreamEpoch int64        `json:"stream_epoch"`
	RaceID      model.RaceID `json:"race_id,omitempty"`
	HasRace     bool         `json:"has_race"`
}

func (h *ServerHandlers) ListEpochs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	rows, err := h.store.ListEpochs(r.Context(), id)
	if err != nil {
		writeError(w, CodeInternalError, "list epochs failed", err.Error())
		return
	}
	views := make([]epochView, 0, len(rows))
	for _, m := range rows {
		views = append(views, epochView{StreamEpoch: m.StreamEpoch, RaceID: m.RaceID, HasRace: m.HasRace})
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": views})
}

func (h *ServerHandlers) SetEpochRace(w http.ResponseWriter, r *http.Request) {
	id, ok := h.streamID(r)
	if !ok {
		writeError(w, CodeValidationError, "invalid stream id", nil)
		return
	}
	epochN, err := strconv.ParseInt(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, CodeValidationError, "invalid epoch", nil)
		return
	}
	var req struct {
		RaceID model.RaceID `json:"race_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, CodeValidationError, "invalid request body", err.Error())
		return
	}
	if err := h.store.SetEpochRace(r.Context(), id, epochN, req.RaceID); err != nil {
		writeError(w, CodeInternalError, "set epoch race failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, epochView{StreamEpoch: epochN, RaceID: req.RaceID, HasRace: true})
}

func (h *ServerHandlers) writeStoreErr(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, serverstore.ErrStreamNotFound) {
		writeError(w, CodeNotFound, "stream not found", nil)
		return
	}
	writeError(w, CodeInternalError, msg, err.Error())
}
