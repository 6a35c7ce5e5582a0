package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nasmon/nasmon/internal/alarm"
	"github.com/nasmon/nasmon/internal/audit"
	"github.com/nasmon/nasmon/internal/server/storage"
)

// fakeDetector records the addresses it was asked to check.
type fakeDetector struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDetector) RunDetection(_ context.Context, ip string) (alarm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip)
	return alarm.Result{}, f.err
}

// recordingJournal keeps journaled events in memory.
type recordingJournal struct {
	mu     sync.Mutex
	events []audit.Event
}

func (j *recordingJournal) Record(ev audit.Event) (audit.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return audit.Entry{Seq: int64(len(j.events)), Event: ev}, nil
}

func (j *recordingJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Action)
	}
	return out
}

type testEnv struct {
	handler  http.Handler
	store    *alarm.Store
	detector *fakeDetector
	journal  *recordingJournal
}

// newTestEnv wires a Server over a real store on an in-memory SQLite backend
// with JWT middleware disabled.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend, err := storage.NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := alarm.NewStore(backend, logger)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	det := &fakeDetector{}
	j := &recordingJournal{}
	srv := NewServer(store, det, WithJournal(j), WithLogger(logger))
	return &testEnv{
		handler:  NewRouter(srv, RouterConfig{Logger: logger}),
		store:    store,
		detector: det,
		journal:  j,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			rd = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d (body: %s)", want, rec.Code, rec.Body.String())
	}
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)

	expectStatus(t, rec, http.StatusOK)
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- configs ----------------------------------------------------------------

func TestConfigs_EmptyListReturnsArray(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/alarm/configs", nil)

	expectStatus(t, rec, http.StatusOK)
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestConfigs_CreateAppliesDefaults(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/alarm/configs", map[string]any{
		"alarm_type": "system",
		"sub_type":   "cpu_high",
		"threshold":  85,
	})

	expectStatus(t, rec, http.StatusOK)
	c := decode[alarm.Config](t, rec)
	if c.ID == "" {
		t.Fatal("expected generated id")
	}
	if !c.Enabled || c.Duration != 30 || c.Severity != alarm.SeverityWarning {
		t.Errorf("defaults not applied: %+v", c)
	}
	if c.Threshold != 85 {
		t.Errorf("expected threshold 85, got %v", c.Threshold)
	}
	if c.PushMethods == nil {
		t.Error("push_methods should encode as [] not null")
	}
	if got := e.journal.actions(); len(got) != 1 || got[0] != audit.ActionConfigCreate {
		t.Errorf("expected one config.create event, got %v", got)
	}
}

func TestConfigs_CreateRejectsInvalid(t *testing.T) {
	cases := map[string]any{
		"unknown type":     map[string]any{"alarm_type": "gpu", "sub_type": "x"},
		"missing sub type": map[string]any{"alarm_type": "system"},
		"bad severity":     map[string]any{"alarm_type": "system", "sub_type": "cpu_high", "severity": "fatal"},
		"negative window":  map[string]any{"alarm_type": "system", "sub_type": "cpu_high", "duration": -1},
		"not json":         "{",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			e := newTestEnv(t)
			rec := e.do(t, http.MethodPost, "/api/v1/alarm/configs", body)
			expectStatus(t, rec, http.StatusBadRequest)
			if len(e.store.ListConfigs(context.Background())) != 0 {
				t.Error("invalid config must not be stored")
			}
		})
	}
}

func TestConfigs_GetUpdateDelete(t *testing.T) {
	e := newTestEnv(t)
	created := decode[alarm.Config](t, e.do(t, http.MethodPost, "/api/v1/alarm/configs", map[string]any{
		"alarm_type": "system", "sub_type": "memory_low", "threshold": 90,
	}))
	path := "/api/v1/alarm/configs/" + created.ID

	rec := e.do(t, http.MethodGet, path, nil)
	expectStatus(t, rec, http.StatusOK)

	rec = e.do(t, http.MethodPut, path, map[string]any{"threshold": 75, "enabled": false})
	expectStatus(t, rec, http.StatusOK)
	updated := decode[alarm.Config](t, rec)
	if updated.Threshold != 75 || updated.Enabled {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.Severity != created.Severity || updated.SubType != created.SubType {
		t.Errorf("untouched fields changed: %+v", updated)
	}

	rec = e.do(t, http.MethodDelete, path, nil)
	expectStatus(t, rec, http.StatusOK)

	rec = e.do(t, http.MethodGet, path, nil)
	expectStatus(t, rec, http.StatusNotFound)

	want := []string{audit.ActionConfigCreate, audit.ActionConfigUpdate, audit.ActionConfigDelete}
	got := e.journal.actions()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestConfigs_UnknownIDReturns404(t *testing.T) {
	e := newTestEnv(t)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		var body any
		if method == http.MethodPut {
			body = map[string]any{"threshold": 1}
		}
		rec := e.do(t, method, "/api/v1/alarm/configs/missing", body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", method, rec.Code)
		}
	}
	if got := e.journal.actions(); len(got) != 0 {
		t.Errorf("failed mutations must not be journaled, got %v", got)
	}
}

func TestConfigs_UpdateRejectsBadSeverity(t *testing.T) {
	e := newTestEnv(t)
	created := decode[alarm.Config](t, e.do(t, http.MethodPost, "/api/v1/alarm/configs", map[string]any{
		"alarm_type": "system", "sub_type": "cpu_high",
	}))
	rec := e.do(t, http.MethodPut, "/api/v1/alarm/configs/"+created.ID, map[string]any{"severity": "fatal"})
	expectStatus(t, rec, http.StatusBadRequest)
}

// ---- records ----------------------------------------------------------------

func seedRecords(t *testing.T, store *alarm.Store, n int) []alarm.Record {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]alarm.Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := store.CreateRecord(context.Background(), alarm.Record{
			AlarmType: alarm.TypeSystem,
			SubType:   alarm.SubTypeCPUHigh,
			Severity:  alarm.SeverityWarning,
			Message:   "CPU usage too high",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestRecords_PaginatesNewestFirst(t *testing.T) {
	e := newTestEnv(t)
	seeded := seedRecords(t, e.store, 5)

	rec := e.do(t, http.MethodGet, "/api/v1/alarm/records?limit=2&offset=1", nil)
	expectStatus(t, rec, http.StatusOK)
	page := decode[[]alarm.Record](t, rec)
	if len(page) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page))
	}
	if page[0].ID != seeded[3].ID || page[1].ID != seeded[2].ID {
		t.Errorf("unexpected page order: %s, %s", page[0].ID, page[1].ID)
	}
}

func TestRecords_OffsetPastEndReturnsEmptyArray(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e.store, 2)

	rec := e.do(t, http.MethodGet, "/api/v1/alarm/records?offset=10", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestRecords_InvalidPaginationReturns400(t *testing.T) {
	e := newTestEnv(t)
	for _, q := range []string{"limit=0", "limit=1001", "limit=abc", "offset=-1", "offset=x"} {
		rec := e.do(t, http.MethodGet, "/api/v1/alarm/records?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestRecords_UpdateStampsProcessor(t *testing.T) {
	e := newTestEnv(t)
	r := seedRecords(t, e.store, 1)[0]
	path := "/api/v1/alarm/records/" + r.ID

	rec := e.do(t, http.MethodPut, path, map[string]any{"status": "processed", "processed_by": "alice"})
	expectStatus(t, rec, http.StatusOK)
	got := decode[alarm.Record](t, rec)
	if got.Status != alarm.StatusProcessed {
		t.Errorf("expected processed, got %s", got.Status)
	}
	if got.ProcessedBy == nil || *got.ProcessedBy != "alice" {
		t.Errorf("expected processed_by alice, got %v", got.ProcessedBy)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}

	rec = e.do(t, http.MethodPut, path, map[string]any{"status": "ignored"})
	expectStatus(t, rec, http.StatusOK)
	got = decode[alarm.Record](t, rec)
	if got.ProcessedBy == nil || *got.ProcessedBy != "system" {
		t.Errorf("expected processed_by system without auth, got %v", got.ProcessedBy)
	}
}

func TestRecords_UpdateRejectsUnknownStatus(t *testing.T) {
	e := newTestEnv(t)
	r := seedRecords(t, e.store, 1)[0]

	for _, body := range []any{map[string]any{"status": "done"}, map[string]any{}} {
		rec := e.do(t, http.MethodPut, "/api/v1/alarm/records/"+r.ID, body)
		expectStatus(t, rec, http.StatusBadRequest)
	}
	stored, err := e.store.GetRecord(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if stored.Status != alarm.StatusUnprocessed {
		t.Errorf("record should be untouched, got %s", stored.Status)
	}
}

func TestRecords_UnknownIDReturns404(t *testing.T) {
	e := newTestEnv(t)
	expectStatus(t, e.do(t, http.MethodGet, "/api/v1/alarm/records/nope", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, http.MethodPut, "/api/v1/alarm/records/nope", map[string]any{"status": "processed"}), http.StatusNotFound)
}

// ---- access IPs -------------------------------------------------------------

func TestAccessIPs_RequestsAreTracked(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/api/v1/alarm/configs", nil)
	rec := e.do(t, http.MethodGet, "/api/v1/alarm/access-ips", nil)

	expectStatus(t, rec, http.StatusOK)
	ips := decode[[]alarm.AccessIP](t, rec)
	if len(ips) != 1 {
		t.Fatalf("expected 1 tracked address, got %d", len(ips))
	}
	// httptest.NewRequest uses 192.0.2.1 as the remote address.
	if ips[0].IPAddress != "192.0.2.1" {
		t.Errorf("unexpected address %q", ips[0].IPAddress)
	}
	if ips[0].TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", ips[0].TotalRequests)
	}
}

func TestAccessIPs_Blacklist(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/api/v1/alarm/statistics", nil)

	rec := e.do(t, http.MethodPut, "/api/v1/alarm/access-ips/192.0.2.1", map[string]any{"is_blacklisted": true})
	expectStatus(t, rec, http.StatusOK)
	if got := decode[alarm.AccessIP](t, rec); !got.IsBlacklisted {
		t.Error("expected address to be blacklisted")
	}

	rec = e.do(t, http.MethodGet, "/api/v1/alarm/access-ips/192.0.2.1", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[alarm.AccessIP](t, rec); !got.IsBlacklisted {
		t.Error("blacklist flag not persisted")
	}
}

func TestAccessIPs_BlacklistRequiresFlag(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPut, "/api/v1/alarm/access-ips/192.0.2.1", map[string]any{})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestAccessIPs_UnknownReturns404(t *testing.T) {
	e := newTestEnv(t)
	expectStatus(t, e.do(t, http.MethodGet, "/api/v1/alarm/access-ips/203.0.113.9", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, http.MethodPut, "/api/v1/alarm/access-ips/203.0.113.9",
		map[string]any{"is_blacklisted": true}), http.StatusNotFound)
}

// ---- statistics & detection -------------------------------------------------

func TestStatistics_CountsRecords(t *testing.T) {
	e := newTestEnv(t)
	seedRecords(t, e.store, 3)

	rec := e.do(t, http.MethodGet, "/api/v1/alarm/statistics", nil)
	expectStatus(t, rec, http.StatusOK)
	st := decode[alarm.Stats](t, rec)
	if st.Total != 3 {
		t.Errorf("expected total 3, got %d", st.Total)
	}
	if st.BySeverity["warning"] != 3 || st.BySeverity["critical"] != 0 {
		t.Errorf("unexpected severity counts: %v", st.BySeverity)
	}
	if st.ByType["system_cpu_high"] != 3 {
		t.Errorf("unexpected type counts: %v", st.ByType)
	}
}

func TestDetect_RunsWithClientIP(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/alarm/detect?client_ip=198.51.100.7", nil)
	expectStatus(t, rec, http.StatusOK)
	if msg := decode[map[string]string](t, rec)["message"]; msg == "" {
		t.Error("expected a message")
	}

	rec = e.do(t, http.MethodPost, "/api/v1/alarm/detect", nil)
	expectStatus(t, rec, http.StatusOK)

	e.detector.mu.Lock()
	defer e.detector.mu.Unlock()
	if len(e.detector.calls) != 2 || e.detector.calls[0] != "198.51.100.7" || e.detector.calls[1] != "" {
		t.Errorf("unexpected detector calls %q", e.detector.calls)
	}
}

func TestDetect_InvalidClientIPReturns400(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/alarm/detect?client_ip=not-an-ip", nil)
	expectStatus(t, rec, http.StatusBadRequest)
	if len(e.detector.calls) != 0 {
		t.Error("detector must not run for an invalid address")
	}
}

func TestDetect_CancelledReturns503(t *testing.T) {
	e := newTestEnv(t)
	e.detector.err = errors.New("detector: wait for running pass: context canceled")

	rec := e.do(t, http.MethodPost, "/api/v1/alarm/detect", nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)
}
