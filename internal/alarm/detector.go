package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// DiskUsage is the fill level of one mounted filesystem.
type DiskUsage struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	Percent    float64 `json:"percent"`
}

// Container is the name and state of one container as reported by the
// container runtime. Status is "running" for healthy containers.
type Container struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SystemSampler reads host utilisation. Percentages are in [0, 100].
type SystemSampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	Disks(ctx context.Context) ([]DiskUsage, error)
}

// ContainerLister lists every container known to the runtime.
type ContainerLister interface {
	Containers(ctx context.Context) ([]Container, error)
}

// Trigger labels what started a detection pass.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
)

// Check categories, used in logs and metrics.
const (
	categorySystem  = "system"
	categoryDocker  = "docker"
	categoryNetwork = "network"
)

// DetectorOptions configures a Detector. Zero values select defaults.
type DetectorOptions struct {
	HistorySize   int
	DedupLookback int
	// Timeout bounds a single pass. Zero means no bound beyond the caller's
	// context.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
	// Clock overrides time.Now for history timestamps and window checks.
	Clock func() time.Time
}

// Result summarises one detection pass.
type Result struct {
	Created    []Record `json:"created"`
	Suppressed int      `json:"suppressed"`
}

// Detector samples host, container and network state, evaluates the
// enabled configurations and inserts deduplicated alarm records.
//
// At most one pass runs at a time, whatever triggered it.
type Detector struct {
	store      *Store
	system     SystemSampler
	containers ContainerLister

	history   *History
	evaluator *Evaluator
	sem       *semaphore.Weighted

	lookback int
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewDetector wires a Detector. containers may be nil, in which case the
// docker checks are skipped.
func NewDetector(store *Store, system SystemSampler, containers ContainerLister, opts DetectorOptions) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookback := opts.DedupLookback
	if lookback <= 0 {
		lookback = DefaultDedupLookback
	}
	history := NewHistory(opts.HistorySize)
	d := &Detector{
		store:      store,
		system:     system,
		containers: containers,
		history:    history,
		evaluator:  NewEvaluator(history),
		sem:        semaphore.NewWeighted(1),
		lookback:   lookback,
		timeout:    opts.Timeout,
		logger:     logger.With(slog.String("component", "alarm_detector")),
		metrics:    opts.Metrics,
		now:        time.Now,
	}
	if opts.Clock != nil {
		d.now = opts.Clock
		d.evaluator.now = opts.Clock
	}
	return d
}

// History exposes the detector's metric history.
func (d *Detector) History() *History { return d.history }

// RunDetection runs one pass, waiting for any pass already in progress.
// sourceIP enables the network checks when non-empty. The only error
// returned is ctx's, when it ends before the pass could start.
func (d *Detector) RunDetection(ctx context.Context, sourceIP string) (Result, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("detector: wait for running pass: %w", err)
	}
	defer d.sem.Release(1)
	return d.run(ctx, TriggerManual, sourceIP), nil
}

// TryRunDetection runs one pass unless another is in progress, in which
// case it returns immediately with ran == false.
func (d *Detector) TryRunDetection(ctx context.Context) (res Result, ran bool) {
	if !d.sem.TryAcquire(1) {
		return Result{}, false
	}
	defer d.sem.Release(1)
	return d.run(ctx, TriggerScheduler, ""), true
}

func (d *Detector) run(ctx context.Context, trigger Trigger, sourceIP string) Result {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()

	var res Result
	d.category(ctx, categorySystem, &res, d.checkSystem)
	d.category(ctx, categoryDocker, &res, d.checkDocker)
	if sourceIP != "" {
		d.category(ctx, categoryNetwork, &res, func(ctx context.Context, res *Result) error {
			return d.checkNetwork(ctx, sourceIP, res)
		})
	}

	elapsed := time.Since(start)
	d.metrics.passObserved(string(trigger), elapsed)
	d.logger.Debug("detection pass complete",
		slog.String("trigger", string(trigger)),
		slog.Int("created", len(res.Created)),
		slog.Int("suppressed", res.Suppressed),
		slog.Duration("elapsed", elapsed),
	)
	return res
}

// category runs one check and contains its failure.
func (d *Detector) category(ctx context.Context, name string, res *Result, check func(context.Context, *Result) error) {
	if err := check(ctx, res); err != nil {
		d.metrics.checkFailed(name)
		d.logger.Warn("detection check failed",
			slog.String("category", name), slog.Any("error", err))
	}
}

func (d *Detector) checkSystem(ctx context.Context, res *Result) error {
	cpu, err := d.system.CPUPercent(ctx)
	if err != nil {
		return fmt.Errorf("cpu: %w", err)
	}
	mem, err := d.system.MemoryPercent(ctx)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	disks, err := d.system.Disks(ctx)
	if err != nil {
		return fmt.Errorf("disks: %w", err)
	}

	now := d.now()
	d.history.Record(ChannelCPU, cpu, now)
	d.history.Record(ChannelMemory, mem, now)

	for _, cfg := range d.store.EnabledConfigs(TypeSystem, SubTypeCPUHigh) {
		if d.evaluator.Violates(ChannelCPU, cpu, cfg.Threshold, cfg.Duration) {
			d.attempt(ctx, res, cfg,
				fmt.Sprintf("CPU usage too high: %.1f%%", cpu),
				map[string]any{"cpu_usage": map[string]float64{"total_usage": cpu}})
		}
	}
	for _, cfg := range d.store.EnabledConfigs(TypeSystem, SubTypeMemoryLow) {
		if d.evaluator.Violates(ChannelMemory, mem, cfg.Threshold, cfg.Duration) {
			d.attempt(ctx, res, cfg,
				fmt.Sprintf("Memory usage too high: %.1f%%", mem),
				map[string]any{"memory_usage": map[string]float64{"percent": mem}})
		}
	}
	// Disk checks trigger on a single sample; duration is ignored.
	for _, cfg := range d.store.EnabledConfigs(TypeSystem, SubTypeDiskLow) {
		for _, disk := range disks {
			if disk.Percent > cfg.Threshold {
				d.attempt(ctx, res, cfg,
					fmt.Sprintf("Disk space low: %s %.1f%%", disk.Device, disk.Percent),
					map[string]any{"disk": disk})
			}
		}
	}
	return nil
}

func (d *Detector) checkDocker(ctx context.Context, res *Result) error {
	configs := d.store.EnabledConfigs(TypeDocker, SubTypeContainerExited)
	if len(configs) == 0 || d.containers == nil {
		return nil
	}
	containers, err := d.containers.Containers(ctx)
	if err != nil {
		return fmt.Errorf("containers: %w", err)
	}
	for _, cfg := range configs {
		for _, c := range containers {
			if c.Status != "running" {
				d.attempt(ctx, res, cfg,
					fmt.Sprintf("Container exited: %s (%s)", c.Name, c.Status),
					map[string]any{"container": c})
			}
		}
	}
	return nil
}

func (d *Detector) checkNetwork(ctx context.Context, ip string, res *Result) error {
	configs := d.store.EnabledConfigs(TypeNetwork, SubTypeExternalIP)
	if len(configs) == 0 {
		return nil
	}
	access, err := d.store.GetAccessIP(ctx, ip)
	if err != nil {
		// Unknown addresses cannot be blacklisted.
		return nil
	}
	if !access.IsBlacklisted {
		return nil
	}
	for _, cfg := range configs {
		d.attempt(ctx, res, cfg,
			fmt.Sprintf("Access from blacklisted IP: %s", ip),
			map[string]any{"ip_address": ip, "ip_info": access})
	}
	return nil
}

// attempt inserts a record for cfg unless an open duplicate exists.
func (d *Detector) attempt(ctx context.Context, res *Result, cfg Config, message string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		d.logger.Error("marshal alarm details", slog.String("message", message), slog.Any("error", err))
		raw = json.RawMessage(`{}`)
	}
	rec := Record{
		AlarmType: cfg.AlarmType,
		SubType:   cfg.SubType,
		Severity:  cfg.Severity,
		Message:   message,
		Details:   raw,
		Timestamp: d.now(),
		Status:    StatusUnprocessed,
	}
	stored, inserted, err := d.store.InsertRecordDeduped(ctx, rec, d.lookback)
	if err != nil {
		d.logger.Error("insert alarm record", slog.String("message", message), slog.Any("error", err))
		return
	}
	if !inserted {
		res.Suppressed++
		d.metrics.alarmSuppressed(cfg.AlarmType, cfg.SubType)
		return
	}
	res.Created = append(res.Created, stored)
	d.metrics.alarmCreated(cfg.AlarmType, cfg.SubType)
	d.logger.Info("alarm created",
		slog.String("id", stored.ID),
		slog.String("alarm_type", string(stored.AlarmType)),
		slog.String("sub_type", stored.SubType),
		slog.String("severity", string(stored.Severity)),
		slog.String("message", message),
	)
}
