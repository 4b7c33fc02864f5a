package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SweepMetrics captures reset sweep health signals.
type SweepMetrics struct {
	sweepRuns      prometheus.Counter
	sweepDuration  prometheus.Observer
	sweepErrors    prometheus.Counter
	resetsApplied  prometheus.Counter
	resetsFailed   prometheus.Counter
	lockContention prometheus.Counter
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests.
func ResetSweepMetricsForTest() {
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditrail"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditrail_reset_sweep_runs_total",
		Help:        "Monthly reset sweep executions.",
		ConstLabels: constLabels,
	})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditrail_reset_sweep_duration_seconds",
		Help:        "Monthly reset sweep latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	})
	sweepErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditrail_reset_sweep_errors_total",
		Help:        "Monthly reset sweep failures.",
		ConstLabels: constLabels,
	})
	resetsApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditrail_resets_applied_total",
		Help:        "Balances reset by the sweep.",
		ConstLabels: constLabels,
	})
	resetsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditrail_resets_failed_total",
		Help:        "Balance resets the sweep could not apply.",
		ConstLabels: constLabels,
	})
	lockContention := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditrail_reset_sweep_lock_contention_total",
		Help:        "Sweep rounds skipped because another replica held the lock.",
		ConstLabels: constLabels,
	})

	for _, collector := range []prometheus.Collector{
		sweepRuns,
		sweepDuration,
		sweepErrors,
		resetsApplied,
		resetsFailed,
		lockContention,
	} {
		// Ignore duplicate registration so tests can rebuild the singleton.
		_ = registerer.Register(collector)
	}

	return &SweepMetrics{
		sweepRuns:      sweepRuns,
		sweepDuration:  sweepDuration,
		sweepErrors:    sweepErrors,
		resetsApplied:  resetsApplied,
		resetsFailed:   resetsFailed,
		lockContention: lockContention,
	}
}

func (m *SweepMetrics) IncSweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *SweepMetrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *SweepMetrics) IncSweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}

func (m *SweepMetrics) AddResetsApplied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resetsApplied.Add(float64(n))
}

func (m *SweepMetrics) AddResetsFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resetsFailed.Add(float64(n))
}

func (m *SweepMetrics) IncLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}
