package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nasmon/nasmon/internal/alarm"
	"github.com/nasmon/nasmon/internal/audit"
)

// Store is the subset of alarm.Store used by the handlers.
type Store interface {
	AccessRecorder

	ListConfigs(ctx context.Context) []alarm.Config
	GetConfig(ctx context.Context, id string) (alarm.Config, error)
	CreateConfig(ctx context.Context, cfg alarm.Config) (alarm.Config, error)
	UpdateConfig(ctx context.Context, id string, patch alarm.ConfigPatch) (alarm.Config, error)
	DeleteConfig(ctx context.Context, id string) error

	ListRecords(ctx context.Context, limit, offset int) []alarm.Record
	GetRecord(ctx context.Context, id string) (alarm.Record, error)
	UpdateRecord(ctx context.Context, id string, patch alarm.RecordPatch) (alarm.Record, error)

	ListAccessIPs(ctx context.Context) []alarm.AccessIP
	GetAccessIP(ctx context.Context, ip string) (alarm.AccessIP, error)
	SetBlacklist(ctx context.Context, ip string, blacklisted bool) (alarm.AccessIP, error)

	Statistics() alarm.Stats
}

// Detector runs an on-demand detection pass.
type Detector interface {
	RunDetection(ctx context.Context, sourceIP string) (alarm.Result, error)
}

// Journal records operator actions.
type Journal interface {
	Record(ev audit.Event) (audit.Entry, error)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store    Store
	detector Detector
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithJournal records every mutation in j.
func WithJournal(j Journal) Option { return func(s *Server) { s.journal = j } }

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates a Server.
func NewServer(store Store, detector Detector, opts ...Option) *Server {
	s := &Server{
		store:    store,
		detector: detector,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ---- helpers ----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps alarm errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	var ve *alarm.ValidationError
	switch {
	case errors.Is(err, alarm.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, notFound)
	case errors.As(err, &ve):
		writeJSONError(w, http.StatusBadRequest, ve.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(dst)
}

// actor returns the authenticated caller, or "" when auth is disabled.
func actor(r *http.Request) string {
	return ClaimsFromContext(r.Context()).Identity()
}

// journalEvent appends an audit event. Failures are logged; the mutation has
// already been applied.
func (s *Server) journalEvent(r *http.Request, action, target string, detail any) {
	if s.journal == nil {
		return
	}
	ev := audit.Event{Action: action, Actor: actor(r), Target: target}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			ev.Detail = raw
		}
	}
	if _, err := s.journal.Record(ev); err != nil {
		s.logger.Error("audit journal write failed", slog.String("action", action), slog.Any("error", err))
	}
}

// ---- /healthz ---------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- configs ----------------------------------------------------------------

// createConfigRequest carries the create defaults: enabled, duration 30s,
// severity warning.
type createConfigRequest struct {
	AlarmType   alarm.Type      `json:"alarm_type"`
	SubType     string          `json:"sub_type"`
	Enabled     *bool           `json:"enabled"`
	Threshold   *float64        `json:"threshold"`
	Duration    *int            `json:"duration"`
	Severity    *alarm.Severity `json:"severity"`
	PushMethods []string        `json:"push_methods"`
}

func (req createConfigRequest) toConfig() alarm.Config {
	c := alarm.Config{
		AlarmType:   req.AlarmType,
		SubType:     req.SubType,
		Enabled:     true,
		Duration:    30,
		Severity:    alarm.SeverityWarning,
		PushMethods: req.PushMethods,
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}
	if req.Threshold != nil {
		c.Threshold = *req.Threshold
	}
	if req.Duration != nil {
		c.Duration = *req.Duration
	}
	if req.Severity != nil {
		c.Severity = *req.Severity
	}
	return c
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListConfigs(r.Context()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "alarm config not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req createConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON alarm config")
		return
	}
	c, err := s.store.CreateConfig(r.Context(), req.toConfig())
	if err != nil {
		writeStoreError(w, err, "alarm config not found")
		return
	}
	s.journalEvent(r, audit.ActionConfigCreate, c.ID, c)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch alarm.ConfigPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	c, err := s.store.UpdateConfig(r.Context(), id, patch)
	if err != nil {
		writeStoreError(w, err, "alarm config not found")
		return
	}
	s.journalEvent(r, audit.ActionConfigUpdate, id, patch)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteConfig(r.Context(), id); err != nil {
		writeStoreError(w, err, "alarm config not found")
		return
	}
	s.journalEvent(r, audit.ActionConfigDelete, id, nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "alarm config deleted"})
}

// ---- records ----------------------------------------------------------------

// handleListRecords responds to GET /records.
//
//	limit  – page size in [1, 1000], default 100
//	offset – non-negative, default 0
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := alarm.DefaultRecordLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > alarm.MaxRecordLimit {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be an integer between 1 and 1000")
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		offset = n
	}

	writeJSON(w, http.StatusOK, s.store.ListRecords(r.Context(), limit, offset))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "alarm record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type updateRecordRequest struct {
	Status      alarm.Status `json:"status"`
	ProcessedBy string       `json:"processed_by"`
}

// handleUpdateRecord responds to PUT /records/{id}. It stamps processed_at
// with the current time and processed_by with the body value, else the
// caller, else "system".
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRecordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if !req.Status.Valid() {
		writeJSONError(w, http.StatusBadRequest, "status must be one of unprocessed, processed, ignored")
		return
	}

	by := req.ProcessedBy
	if by == "" {
		by = actor(r)
	}
	if by == "" {
		by = "system"
	}
	now := s.now()
	rec, err := s.store.UpdateRecord(r.Context(), id, alarm.RecordPatch{
		Status:      &req.Status,
		ProcessedAt: &now,
		ProcessedBy: &by,
	})
	if err != nil {
		writeStoreError(w, err, "alarm record not found")
		return
	}
	s.journalEvent(r, audit.ActionRecordUpdate, id, req)
	writeJSON(w, http.StatusOK, rec)
}

// ---- access IPs -------------------------------------------------------------

func (s *Server) handleListAccessIPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListAccessIPs(r.Context()))
}

func (s *Server) handleGetAccessIP(w http.ResponseWriter, r *http.Request) {
	ip, err := s.store.GetAccessIP(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		writeStoreError(w, err, "access ip not found")
		return
	}
	writeJSON(w, http.StatusOK, ip)
}

type updateAccessIPRequest struct {
	IsBlacklisted *bool `json:"is_blacklisted"`
}

func (s *Server) handleUpdateAccessIP(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "ip")
	var req updateAccessIPRequest
	if err := decodeBody(w, r, &req); err != nil || req.IsBlacklisted == nil {
		writeJSONError(w, http.StatusBadRequest, "request body must carry is_blacklisted")
		return
	}
	ip, err := s.store.SetBlacklist(r.Context(), addr, *req.IsBlacklisted)
	if err != nil {
		writeStoreError(w, err, "access ip not found")
		return
	}
	s.journalEvent(r, audit.ActionIPBlacklist, addr, req)
	writeJSON(w, http.StatusOK, ip)
}

// ---- statistics & detection -------------------------------------------------

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Statistics())
}

// handleDetect responds to POST /detect. The optional client_ip query
// parameter enables the network checks for that address.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("client_ip")
	if ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'client_ip' must be an IP address")
			return
		}
		ip = addr.Unmap().String()
	}

	if _, err := s.detector.RunDetection(r.Context(), ip); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "detection did not start")
		return
	}
	s.journalEvent(r, audit.ActionDetect, ip, nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "alarm detection completed"})
}
