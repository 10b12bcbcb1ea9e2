package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/michaelpento.lv/flashsettle/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultInterval is how often the process gauges are refreshed
const DefaultInterval = 5 * time.Second

// SystemMonitor samples process runtime statistics into gauges on a
// caller-supplied registry for as long as a node is running.
type SystemMonitor struct {
	cancel   context.CancelFunc
	logger   *zap.Logger
	interval time.Duration
	metrics  struct {
		goroutines  prometheus.Gauge
		heapObjects prometheus.Gauge
		heapAlloc   prometheus.Gauge
		gcPause     prometheus.Gauge
	}
	wg sync.WaitGroup
}

// NewSystemMonitor registers the gauges on reg, takes one sample and starts
// the sampling loop. A non-positive interval falls back to DefaultInterval.
func NewSystemMonitor(ctx context.Context, reg prometheus.Registerer, interval time.Duration, logger *zap.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &SystemMonitor{
		cancel:   cancel,
		logger:   logger,
		interval: interval,
	}

	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		})
	}
	m.metrics.goroutines = gauge("goroutines", "Current number of goroutines")
	m.metrics.heapObjects = gauge("heap_objects", "Current number of heap objects")
	m.metrics.heapAlloc = gauge("heap_alloc_bytes", "Current heap allocation in bytes")
	m.metrics.gcPause = gauge("gc_pause_seconds", "Duration of the most recent GC pause")

	m.collect()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()

	return m
}

func (m *SystemMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *SystemMonitor) collect() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
	m.metrics.heapObjects.Set(float64(memStats.HeapObjects))
	m.metrics.heapAlloc.Set(float64(memStats.HeapAlloc))
	m.metrics.gcPause.Set(time.Duration(memStats.PauseNs[(memStats.NumGC+255)%256]).Seconds())
}

// Snapshot returns the most recent readings keyed by gauge name
func (m *SystemMonitor) Snapshot() map[string]float64 {
	return map[string]float64{
		"goroutines":       metrics.GaugeValue(m.metrics.goroutines),
		"heap_objects":     metrics.GaugeValue(m.metrics.heapObjects),
		"heap_alloc_bytes": metrics.GaugeValue(m.metrics.heapAlloc),
		"gc_pause_seconds": metrics.GaugeValue(m.metrics.gcPause),
	}
}

// Cleanup stops the sampling loop and waits for it to exit
func (m *SystemMonitor) Cleanup() {
	m.cancel()
	m.wg.Wait()
	m.logger.Debug("System monitor stopped")
}
