// Package metrics provides Prometheus metrics export for trmv.
//
// A relocation job is a short-lived process, so nothing is served over HTTP.
// The registry is flushed into a node-exporter textfile when the job exits.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enabled         bool
	enabledMutex    sync.RWMutex
	defaultRegistry *Registry
)

// Init initializes the metrics system.
func Init() {
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	enabled = true
	defaultRegistry = NewRegistry()
}

// Enabled returns true if metrics are enabled.
func Enabled() bool {
	enabledMutex.RLock()
	defer enabledMutex.RUnlock()
	return enabled
}

// Default returns the default metrics registry.
func Default() *Registry {
	enabledMutex.RLock()
	r := defaultRegistry
	enabledMutex.RUnlock()
	if r == nil {
		Init()
		return Default()
	}
	return r
}

// Registry holds all trmv metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	moves          *prometheus.CounterVec
	moveDuration   prometheus.Histogram
	movedBytes     prometheus.Counter
	lockWait       prometheus.Histogram
	remoteAttempts *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		moves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trmv_moves_total",
				Help: "Relocation jobs by outcome",
			},
			[]string{"outcome"},
		),
		moveDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trmv_move_duration_seconds",
				Help:    "Wall time of a relocation job, lock wait included",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		movedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "trmv_moved_bytes_total",
				Help: "Payload bytes relocated",
			},
		),
		lockWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trmv_lock_wait_seconds",
				Help:    "Time spent waiting for device locks",
				Buckets: prometheus.ExponentialBuckets(0.01, 10, 7),
			},
		),
		remoteAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trmv_remote_attempts_total",
				Help: "Remote agent command attempts by command and result",
			},
			[]string{"command", "result"},
		),
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordMove records the outcome of one relocation job.
func (r *Registry) RecordMove(outcome string, duration time.Duration, bytes int64) {
	r.moves.WithLabelValues(outcome).Inc()
	r.moveDuration.Observe(duration.Seconds())
	if bytes > 0 {
		r.movedBytes.Add(float64(bytes))
	}
}

// RecordLockWait records how long device lock acquisition blocked.
func (r *Registry) RecordLockWait(d time.Duration) {
	r.lockWait.Observe(d.Seconds())
}

// RecordRemoteAttempt records one remote agent command attempt.
func (r *Registry) RecordRemoteAttempt(command string, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	r.remoteAttempts.WithLabelValues(command, result).Inc()
}

// WriteTextfile writes the registry in text exposition format to path.
// Empty path is a no-op.
func (r *Registry) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("metrics textfile dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
