package alarm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors exported by the alarm subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram
	ticksSkipped  prometheus.Counter
	alarmsCreated *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	checkErrors   *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
}

// NewMetrics registers the alarm collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// passes counts detection passes by trigger (scheduler, manual)
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nasmon_detection_passes_total",
			Help: "Total detection passes by trigger",
		}, []string{"trigger"}),

		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nasmon_detection_pass_duration_seconds",
			Help:    "Detection pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		ticksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "nasmon_scheduler_ticks_skipped_total",
			Help: "Scheduler ticks skipped because a pass was still running",
		}),

		alarmsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nasmon_alarms_created_total",
			Help: "Alarm records created by type and sub type",
		}, []string{"alarm_type", "sub_type"}),

		suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nasmon_alarms_suppressed_total",
			Help: "Alarm attempts suppressed by an open duplicate",
		}, []string{"alarm_type", "sub_type"}),

		checkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nasmon_detection_check_errors_total",
			Help: "Detection check categories aborted by a collaborator failure",
		}, []string{"category"}),

		persistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nasmon_store_persist_errors_total",
			Help: "Failed collection writes by collection",
		}, []string{"collection"}),
	}
}

func (m *Metrics) passObserved(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(trigger).Inc()
	m.passDuration.Observe(d.Seconds())
}

func (m *Metrics) tickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Metrics) alarmCreated(typ Type, sub string) {
	if m == nil {
		return
	}
	m.alarmsCreated.WithLabelValues(string(typ), sub).Inc()
}

func (m *Metrics) alarmSuppressed(typ Type, sub string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(string(typ), sub).Inc()
}

func (m *Metrics) checkFailed(category string) {
	if m == nil {
		return
	}
	m.checkErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) persistFailed(collection string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(collection).Inc()
}
