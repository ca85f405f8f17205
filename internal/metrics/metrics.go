// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	conversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxsheet_conversion_duration_seconds",
			Help:    "Text-to-speech conversion duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"status"},
	)

	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxsheet_upload_duration_seconds",
			Help:    "Artifact upload duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"status"},
	)

	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxsheet_rows_total",
			Help: "Total rows handled by outcome",
		},
		[]string{"result"}, // "success", "failed", "skipped"
	)

	gateWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxsheet_gate_wait_duration_seconds",
			Help:    "Time spent waiting on a concurrency gate",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"gate"}, // "outer" or "inner"
	)

	flushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxsheet_window_flush_duration_seconds",
			Help:    "Window flush duration in seconds by write mode",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"mode"}, // "batch" or "fallback"
	)
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveConversion records one conversion call.
func ObserveConversion(d time.Duration, err error) {
	conversionDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// ObserveUpload records one artifact upload.
func ObserveUpload(d time.Duration, err error) {
	uploadDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// IncRow counts one row outcome: "success", "failed", or "skipped".
func IncRow(result string) {
	rowsTotal.WithLabelValues(result).Inc()
}

// ObserveGateWait records time spent blocked on the outer or inner gate.
func ObserveGateWait(gate string, d time.Duration) {
	gateWaitDuration.WithLabelValues(gate).Observe(d.Seconds())
}

// ObserveFlush records a window flush in "batch" or "fallback" mode.
func ObserveFlush(mode string, d time.Duration) {
	flushDuration.WithLabelValues(mode).Observe(d.Seconds())
}
