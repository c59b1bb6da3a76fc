package report

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/calkiosk/kiosk-sentinel/internal/filter"
	"github.com/calkiosk/kiosk-sentinel/internal/models"
)

// Metrics holds the pipeline's prometheus collectors on a private registry.
// It implements filter.Recorder so every decision is counted, and can write
// a textfile snapshot for a node-exporter textfile collector alongside the
// live /metrics handler.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed *prometheus.CounterVec
	eventsByLevel   *prometheus.CounterVec
	recoveryActions prometheus.Counter
	shipAttempts    prometheus.Counter
}

// NewMetrics registers the pipeline collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_pipeline_events_total",
			Help: "Events processed by the filter, by decision.",
		}, []string{"decision"}),
		eventsByLevel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_pipeline_events_by_level_total",
			Help: "Events processed by the filter, by level.",
		}, []string{"level"}),
		recoveryActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_pipeline_recovery_events_total",
			Help: "Events carrying a recovery level greater than zero.",
		}),
		shipAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_pipeline_forwarded_total",
			Help: "Events forwarded to the remote shipper.",
		}),
	}
	m.registry.MustRegister(m.eventsProcessed, m.eventsByLevel, m.recoveryActions, m.shipAttempts)
	return m
}

// Record implements filter.Recorder.
func (m *Metrics) Record(ev models.Event, decision filter.Decision) {
	m.eventsProcessed.WithLabelValues(string(decision)).Inc()
	m.eventsByLevel.WithLabelValues(string(ev.Level)).Inc()
	if ev.RecoveryLevel > 0 {
		m.recoveryActions.Inc()
	}
	if decision == filter.DecisionForwarded {
		m.shipAttempts.Inc()
	}
}

// Handler returns the live scrape endpoint for the status surface.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile snapshots the registry in exposition format, atomically, so
// a node-exporter textfile collector can pick it up between scrapes.
func (m *Metrics) WriteTextfile(path string) error {
	mfs, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	tmpName := tmp.Name()

	enc := expfmt.NewEncoder(tmp, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename metrics file: %w", err)
	}
	return nil
}
