package alarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collection names under which the Store persists its state.
const (
	CollectionConfigs = "alarm_configs"
	CollectionRecords = "alarm_records"
	CollectionIPs     = "access_ips"
)

const (
	// MaxPersistedRecords is the number of most recent records written to
	// the backend. Older records survive in memory until the next restart.
	MaxPersistedRecords = 1000

	// DefaultRecordLimit is the page size used when the caller passes none.
	DefaultRecordLimit = 100

	// MaxRecordLimit is the largest accepted page size.
	MaxRecordLimit = 1000

	// DefaultDedupLookback is the number of most recent records scanned for
	// an open duplicate before a new record is inserted.
	DefaultDedupLookback = 10

	persistTimeout = 10 * time.Second
)

// Backend is the durable side of the Store. Load returns (nil, nil) for a
// collection that has never been saved.
type Backend interface {
	Load(ctx context.Context, collection string) ([]byte, error)
	Save(ctx context.Context, collection string, payload []byte) error
	Close() error
}

// Store holds alarm configurations, alarm records and access IPs in memory
// and writes every mutated collection through to a Backend.
//
// A single RWMutex guards all three collections. Persistence happens after
// the lock is released; each collection carries a generation number so that
// a slow write of an older snapshot can never overwrite a newer one.
type Store struct {
	mu      sync.RWMutex
	configs map[string]*Config
	order   []string // config ids in creation order
	records map[string]*Record
	ips     map[string]*AccessIP
	ipOrder []string

	backend Backend
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	persist map[string]*collectionWriter
}

// collectionWriter serialises backend writes for one collection.
type collectionWriter struct {
	mu    sync.Mutex
	gen   uint64 // last generation handed out, guarded by Store.mu
	saved uint64 // last generation written, guarded by mu
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock overrides the Store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithMetrics attaches Prometheus collectors to the Store.
func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns an empty Store writing through to backend. Call Load to
// restore persisted state.
func NewStore(backend Backend, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		configs: make(map[string]*Config),
		records: make(map[string]*Record),
		ips:     make(map[string]*AccessIP),
		backend: backend,
		logger:  logger.With(slog.String("component", "alarm_store")),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		persist: map[string]*collectionWriter{
			CollectionConfigs: {},
			CollectionRecords: {},
			CollectionIPs:     {},
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory state with the backend's collections. Missing
// or malformed collections are logged and leave that collection empty; Load
// only fails when ctx is done.
func (s *Store) Load(ctx context.Context) error {
	var (
		configs []Config
		records []Record
		ips     []AccessIP
	)
	s.loadCollection(ctx, CollectionConfigs, &configs)
	s.loadCollection(ctx, CollectionRecords, &records)
	s.loadCollection(ctx, CollectionIPs, &ips)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("alarm store: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = make(map[string]*Config, len(configs))
	s.order = s.order[:0]
	for i := range configs {
		c := configs[i].clone()
		if c.ID == "" {
			continue
		}
		if _, dup := s.configs[c.ID]; !dup {
			s.order = append(s.order, c.ID)
		}
		s.configs[c.ID] = &c
	}

	s.records = make(map[string]*Record, len(records))
	for i := range records {
		r := records[i].clone()
		if r.ID == "" {
			continue
		}
		s.records[r.ID] = &r
	}

	s.ips = make(map[string]*AccessIP, len(ips))
	s.ipOrder = s.ipOrder[:0]
	for i := range ips {
		ip := ips[i]
		if ip.IPAddress == "" {
			continue
		}
		if _, dup := s.ips[ip.IPAddress]; !dup {
			s.ipOrder = append(s.ipOrder, ip.IPAddress)
		}
		s.ips[ip.IPAddress] = &ip
	}

	s.logger.Info("alarm store loaded",
		slog.Int("configs", len(s.configs)),
		slog.Int("records", len(s.records)),
		slog.Int("access_ips", len(s.ips)),
	)
	return nil
}

func (s *Store) loadCollection(ctx context.Context, name string, dst any) {
	data, err := s.backend.Load(ctx, name)
	if err != nil {
		s.logger.Warn("load collection failed; starting empty",
			slog.String("collection", name), slog.Any("error", err))
		return
	}
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("malformed collection; starting empty",
			slog.String("collection", name), slog.Any("error", err))
	}
}

// Bootstrap inserts the default configurations when no configuration exists.
// It reports whether the defaults were inserted.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if len(s.configs) > 0 {
		s.mu.Unlock()
		return false, nil
	}
	now := s.now()
	for _, d := range DefaultConfigs() {
		d.ID = s.newID()
		d.CreatedAt, d.UpdatedAt = now, now
		c := d
		s.configs[c.ID] = &c
		s.order = append(s.order, c.ID)
	}
	payload, gen, err := s.snapshotLocked(CollectionConfigs)
	s.mu.Unlock()

	if err != nil {
		return true, err
	}
	s.write(ctx, CollectionConfigs, payload, gen)
	s.logger.Info("inserted default alarm configs", slog.Int("count", len(DefaultConfigs())))
	return true, nil
}

// DefaultConfigs returns the configuration set installed on first start.
func DefaultConfigs() []Config {
	return []Config{
		{AlarmType: TypeSystem, SubType: SubTypeCPUHigh, Enabled: true, Threshold: 80, Duration: 30, Severity: SeverityWarning, PushMethods: []string{}},
		{AlarmType: TypeSystem, SubType: SubTypeMemoryLow, Enabled: true, Threshold: 85, Duration: 30, Severity: SeverityWarning, PushMethods: []string{}},
		{AlarmType: TypeSystem, SubType: SubTypeDiskLow, Enabled: true, Threshold: 90, Duration: 0, Severity: SeverityCritical, PushMethods: []string{}},
		{AlarmType: TypeDocker, SubType: SubTypeContainerExited, Enabled: true, Threshold: 0, Duration: 0, Severity: SeverityWarning, PushMethods: []string{}},
		{AlarmType: TypeNetwork, SubType: SubTypeExternalIP, Enabled: true, Threshold: 0, Duration: 0, Severity: SeverityWarning, PushMethods: []string{}},
	}
}

// ---------------------------------------------------------------------------
// Configs
// ---------------------------------------------------------------------------

// ListConfigs returns every configuration in creation order.
func (s *Store) ListConfigs(_ context.Context) []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Config, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.configs[id].clone())
	}
	return out
}

// GetConfig returns the configuration with the given id or ErrNotFound.
func (s *Store) GetConfig(_ context.Context, id string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return c.clone(), nil
}

// CreateConfig validates and stores cfg. ID, CreatedAt and UpdatedAt are
// assigned when zero.
func (s *Store) CreateConfig(ctx context.Context, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	c := cfg.clone()
	now := s.now()
	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	s.mu.Lock()
	if _, exists := s.configs[c.ID]; !exists {
		s.order = append(s.order, c.ID)
	}
	s.configs[c.ID] = &c
	out := c.clone()
	payload, gen, err := s.snapshotLocked(CollectionConfigs)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionConfigs, payload, gen)
	}
	return out, nil
}

// UpdateConfig merges patch into the configuration with the given id and
// refreshes UpdatedAt.
func (s *Store) UpdateConfig(ctx context.Context, id string, patch ConfigPatch) (Config, error) {
	if err := patch.Validate(); err != nil {
		return Config{}, err
	}

	s.mu.Lock()
	c, ok := s.configs[id]
	if !ok {
		s.mu.Unlock()
		return Config{}, ErrNotFound
	}
	patch.apply(c)
	c.UpdatedAt = s.now()
	out := c.clone()
	payload, gen, err := s.snapshotLocked(CollectionConfigs)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionConfigs, payload, gen)
	}
	return out, nil
}

// DeleteConfig removes the configuration with the given id. Records created
// from it are kept.
func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.configs[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.configs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	payload, gen, err := s.snapshotLocked(CollectionConfigs)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionConfigs, payload, gen)
	}
	return nil
}

// EnabledConfigs returns the enabled configurations matching typ and subType.
func (s *Store) EnabledConfigs(typ Type, subType string) []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Config
	for _, id := range s.order {
		c := s.configs[id]
		if c.Enabled && c.AlarmType == typ && c.SubType == subType {
			out = append(out, c.clone())
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// ListRecords returns records newest first. limit is clamped to
// [1, MaxRecordLimit] with 0 meaning DefaultRecordLimit; a negative offset is
// treated as zero.
func (s *Store) ListRecords(_ context.Context, limit, offset int) []Record {
	switch {
	case limit == 0:
		limit = DefaultRecordLimit
	case limit < 1:
		limit = 1
	case limit > MaxRecordLimit:
		limit = MaxRecordLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := s.sortedRecordsLocked()
	if offset >= len(sorted) {
		return []Record{}
	}
	end := offset + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	out := make([]Record, 0, end-offset)
	for _, r := range sorted[offset:end] {
		out = append(out, r.clone())
	}
	return out
}

// GetRecord returns the record with the given id or ErrNotFound.
func (s *Store) GetRecord(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

// CreateRecord stores rec. ID, Timestamp and Status are defaulted when zero.
func (s *Store) CreateRecord(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	r := s.insertRecordLocked(rec)
	payload, gen, err := s.snapshotLocked(CollectionRecords)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionRecords, payload, gen)
	}
	return r, nil
}

// InsertRecordDeduped stores rec unless one of the lookback most recent
// records is unprocessed with the same alarm type and sub type. The check and
// the insert happen under one lock. It reports whether rec was inserted.
func (s *Store) InsertRecordDeduped(ctx context.Context, rec Record, lookback int) (Record, bool, error) {
	if lookback <= 0 {
		lookback = DefaultDedupLookback
	}

	s.mu.Lock()
	sorted := s.sortedRecordsLocked()
	if len(sorted) > lookback {
		sorted = sorted[:lookback]
	}
	for _, existing := range sorted {
		if existing.AlarmType == rec.AlarmType &&
			existing.SubType == rec.SubType &&
			existing.Status == StatusUnprocessed {
			s.mu.Unlock()
			return existing.clone(), false, nil
		}
	}
	r := s.insertRecordLocked(rec)
	payload, gen, err := s.snapshotLocked(CollectionRecords)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionRecords, payload, gen)
	}
	return r, true, nil
}

// UpdateRecord merges patch into the record with the given id. No timestamp
// is refreshed implicitly.
func (s *Store) UpdateRecord(ctx context.Context, id string, patch RecordPatch) (Record, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return Record{}, &ValidationError{Field: "status", Reason: "must be one of unprocessed, processed, ignored"}
	}

	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	patch.apply(r)
	out := r.clone()
	payload, gen, err := s.snapshotLocked(CollectionRecords)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionRecords, payload, gen)
	}
	return out, nil
}

// RecentRecords returns up to n records, newest first.
func (s *Store) RecentRecords(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := s.sortedRecordsLocked()
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]Record, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, r.clone())
	}
	return out
}

func (s *Store) insertRecordLocked(rec Record) Record {
	r := rec.clone()
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	if r.Status == "" {
		r.Status = StatusUnprocessed
	}
	s.records[r.ID] = &r
	return r.clone()
}

// sortedRecordsLocked returns the records newest first, ties broken by id so
// pagination is stable.
func (s *Store) sortedRecordsLocked() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// ---------------------------------------------------------------------------
// Access IPs
// ---------------------------------------------------------------------------

// ListAccessIPs returns every tracked address in first-seen order.
func (s *Store) ListAccessIPs(_ context.Context) []AccessIP {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AccessIP, 0, len(s.ipOrder))
	for _, ip := range s.ipOrder {
		out = append(out, *s.ips[ip])
	}
	return out
}

// GetAccessIP returns the entry for ip or ErrNotFound.
func (s *Store) GetAccessIP(_ context.Context, ip string) (AccessIP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.ips[ip]
	if !ok {
		return AccessIP{}, ErrNotFound
	}
	return *a, nil
}

// UpsertAccessIP records one request from ip. A new entry starts with
// TotalRequests 1; an existing one is incremented and its LastSeen refreshed.
// Location fields are only overwritten by non-empty values.
func (s *Store) UpsertAccessIP(ctx context.Context, ip, country, region, city string) (AccessIP, error) {
	if ip == "" {
		return AccessIP{}, &ValidationError{Field: "ip_address", Reason: "is required"}
	}
	now := s.now()

	s.mu.Lock()
	a, ok := s.ips[ip]
	if !ok {
		a = &AccessIP{
			ID:            s.newID(),
			IPAddress:     ip,
			FirstSeen:     now,
			LastSeen:      now,
			TotalRequests: 1,
		}
		s.ips[ip] = a
		s.ipOrder = append(s.ipOrder, ip)
	} else {
		a.TotalRequests++
		if now.After(a.LastSeen) {
			a.LastSeen = now
		}
	}
	if country != "" {
		a.Country = country
	}
	if region != "" {
		a.Region = region
	}
	if city != "" {
		a.City = city
	}
	out := *a
	payload, gen, err := s.snapshotLocked(CollectionIPs)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionIPs, payload, gen)
	}
	return out, nil
}

// SetBlacklist sets the blacklist flag of ip.
func (s *Store) SetBlacklist(ctx context.Context, ip string, blacklisted bool) (AccessIP, error) {
	s.mu.Lock()
	a, ok := s.ips[ip]
	if !ok {
		s.mu.Unlock()
		return AccessIP{}, ErrNotFound
	}
	a.IsBlacklisted = blacklisted
	out := *a
	payload, gen, err := s.snapshotLocked(CollectionIPs)
	s.mu.Unlock()

	if err == nil {
		s.write(ctx, CollectionIPs, payload, gen)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// Flush writes all three collections to the backend.
func (s *Store) Flush(ctx context.Context) error {
	var errs []error
	for _, name := range []string{CollectionConfigs, CollectionRecords, CollectionIPs} {
		s.mu.Lock()
		payload, gen, err := s.snapshotLocked(name)
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.save(ctx, name, payload, gen); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes every collection and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	closeErr := s.backend.Close()
	return errors.Join(flushErr, closeErr)
}

// snapshotLocked serialises collection and hands out its next generation.
// Caller must hold s.mu for writing.
func (s *Store) snapshotLocked(name string) ([]byte, uint64, error) {
	var v any
	switch name {
	case CollectionConfigs:
		list := make([]*Config, 0, len(s.order))
		for _, id := range s.order {
			list = append(list, s.configs[id])
		}
		v = list
	case CollectionRecords:
		sorted := s.sortedRecordsLocked()
		if len(sorted) > MaxPersistedRecords {
			sorted = sorted[:MaxPersistedRecords]
		}
		v = sorted
	case CollectionIPs:
		list := make([]*AccessIP, 0, len(s.ipOrder))
		for _, ip := range s.ipOrder {
			list = append(list, s.ips[ip])
		}
		v = list
	default:
		return nil, 0, fmt.Errorf("alarm store: unknown collection %q", name)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("serialise collection failed",
			slog.String("collection", name), slog.Any("error", err))
		s.metrics.persistFailed(name)
		return nil, 0, fmt.Errorf("alarm store: marshal %s: %w", name, err)
	}
	w := s.persist[name]
	w.gen++
	return payload, w.gen, nil
}

// write persists payload and logs failures. The write is detached from the
// caller's cancellation so that an aborted request does not drop it.
func (s *Store) write(ctx context.Context, name string, payload []byte, gen uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.save(ctx, name, payload, gen); err != nil {
		s.logger.Error("persist collection failed",
			slog.String("collection", name), slog.Any("error", err))
	}
}

func (s *Store) save(ctx context.Context, name string, payload []byte, gen uint64) error {
	w := s.persist[name]
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen <= w.saved {
		return nil // a newer snapshot is already on disk
	}
	if err := s.backend.Save(ctx, name, payload); err != nil {
		s.metrics.persistFailed(name)
		return fmt.Errorf("alarm store: save %s: %w", name, err)
	}
	w.saved = gen
	return nil
}
