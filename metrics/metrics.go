// Package metrics holds the prometheus collectors exported by shieldsync.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/colorfulnotion/shieldsync/walleterrors"
)

const namespace = "shieldsync"

// KernelMetrics records kernel bridge activity.
type KernelMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// SyncMetrics records block sync progress.
type SyncMetrics struct {
	height  prometheus.Gauge
	applied prometheus.Counter
	failed  prometheus.Counter
}

// TxMetrics records transaction lifecycle events.
type TxMetrics struct {
	pending prometheus.Gauge
	events  *prometheus.CounterVec
}

var (
	kernelOnce sync.Once
	kernelReg  *KernelMetrics

	syncOnce sync.Once
	syncReg  *SyncMetrics

	txOnce sync.Once
	txReg  *TxMetrics

	registerer prometheus.Registerer = prometheus.DefaultRegisterer
)

// Kernel returns the lazily-initialised kernel metrics.
func Kernel() *KernelMetrics {
	kernelOnce.Do(func() {
		kernelReg = &KernelMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kernel",
				Name:      "calls_total",
				Help:      "Kernel invocations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kernel",
				Name:      "call_duration_seconds",
				Help:      "Round trip latency of kernel invocations.",
				Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
			}, []string{"op"}),
		}
		registerer.MustRegister(kernelReg.calls, kernelReg.latency)
	})
	return kernelReg
}

// Observe records a completed kernel call.
func (m *KernelMetrics) Observe(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op, outcome(err)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, walleterrors.ErrBridgeClosed):
		return "closed"
	case walleterrors.IsKernelError(err):
		return "kernel_error"
	default:
		return "error"
	}
}

// Sync returns the lazily-initialised sync metrics.
func Sync() *SyncMetrics {
	syncOnce.Do(func() {
		syncReg = &SyncMetrics{
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "height",
				Help:      "Last processed block height.",
			}),
			applied: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "blocks_applied_total",
				Help:      "Blocks committed to wallet state.",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "blocks_failed_total",
				Help:      "Block applications rejected or aborted.",
			}),
		}
		registerer.MustRegister(syncReg.height, syncReg.applied, syncReg.failed)
	})
	return syncReg
}

// BlockApplied records a committed block.
func (m *SyncMetrics) BlockApplied(height uint64) {
	m.height.Set(float64(height))
	m.applied.Inc()
}

// BlockFailed records a block that was not committed.
func (m *SyncMetrics) BlockFailed() {
	m.failed.Inc()
}

// Tx returns the lazily-initialised transaction metrics.
func Tx() *TxMetrics {
	txOnce.Do(func() {
		txReg = &TxMetrics{
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "pending",
				Help:      "Transactions created but not yet finalized or discarded.",
			}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "lifecycle_total",
				Help:      "Transaction lifecycle transitions.",
			}, []string{"event"}),
		}
		registerer.MustRegister(txReg.pending, txReg.events)
	})
	return txReg
}

// Event records a lifecycle transition (created, finalized, discarded) and
// the resulting number of pending transactions.
func (m *TxMetrics) Event(event string, pending int) {
	m.events.WithLabelValues(event).Inc()
	m.pending.Set(float64(pending))
}
