package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"racetiming/ipicoforward/internal/epoch"
	"racetiming/ipicoforward/internal/model"
	"racetiming/ipicoforward/internal/serverstore"
)

func openTestStore(t *testing.T) *serverstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.db")
	store, err := serverstore.Open(path)
	if err != nil {
		t.Fatalf("serverstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeEpoch struct {
	err error
}

func (f *fakeEpoch) Advance(ctx context.Context, streamID model.StreamID, raceID model.RaceID) error {
	return f.err
}

func newTestHandlers(t *testing.T, store *serverstore.Store, epochErr error) *ServerHandlers {
	t.Helper()
	return NewServerHandlers(ServerOptions{
		Store:   store,
		Epoch:   &fakeEpoch{err: epochErr},
		Limiter: NewSlidingWindowLimiter(0, 0, nil),
	})
}

func TestListAndPatchStream(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	h := newTestHandlers(t, store, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /streams status = %d, want 200", rec.Code)
	}
	var listed struct {
		Streams []streamView `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode streams list: %v", err)
	}
	if len(listed.Streams) != 1 || listed.Streams[0].StreamID != streamID {
		t.Fatalf("streams list = %+v, want the one stream", listed.Streams)
	}

	body, _ := json.Marshal(map[string]string{"display_alias": "Finish Line"})
	patchReq := httptest.NewRequest(http.MethodPatch, "/api/v1/streams/"+itoa(streamID), bytes.NewReader(body))
	patchRec := httptest.NewRecorder()
	mux.ServeHTTP(patchRec, patchReq)
	if patchRec.Code != http.StatusOK {
		t.Fatalf("PATCH /streams/{id} status = %d, body=%s", patchRec.Code, patchRec.Body.String())
	}

	st, err := store.GetStream(ctx, streamID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if st.Alias != "Finish Line" {
		t.Fatalf("stream alias after PATCH = %q, want %q", st.Alias, "Finish Line")
	}
}

func TestResetEpochConflictWhenForwarderOffline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	h := newTestHandlers(t, store, epoch.ErrForwarderOffline)
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]int64{"race_id": 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/streams/"+itoa(streamID)+"/reset-epoch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("reset-epoch with offline forwarder status = %d, want 409", rec.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Code != CodeConflict {
		t.Fatalf("error envelope code = %q, want CONFLICT", env.Code)
	}
}

func TestExportCSVExcludesRetransmitsAndUsesHeader(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID, _, err := store.ResolveStream(ctx, model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	e := model.Event{StreamID: streamID, StreamEpoch: 1, Seq: 1, ReaderTimestamp: "T", RawReadLine: "L1", ReadType: model.ReadTypeRaw}
	if _, err := store.InsertEvent(ctx, e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	// Retransmit of the same identity must not produce a second CSV row.
	if _, err := store.InsertEvent(ctx, e); err != nil {
		t.Fatalf("InsertEvent retransmit: %v", err)
	}

	h := newTestHandlers(t, store, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/"+itoa(streamID)+"/export.csv?epoch=1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("export.csv status = %d, want 200", rec.Code)
	}

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("export.csv lines = %v, want header + exactly one data row (no retransmit row)", lines)
	}
	wantHeader := "stream_epoch,seq,reader_timestamp,raw_read_line,read_type"
	if lines[0] != wantHeader {
		t.Fatalf("export.csv header = %q, want %q", lines[0], wantHeader)
	}
	if !strings.Contains(lines[1], "L1") {
		t.Fatalf("export.csv data row = %q, want it to contain the raw read line", lines[1])
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	store := openTestStore(t)
	h := newTestHandlers(t, store, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func itoa(id model.StreamID) string {
	return strconv.FormatInt(int64(id), 10)
}
