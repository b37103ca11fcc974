// Package metrics exposes ingestion counters for Prometheus scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Page outcomes.
const (
	PageOK        = "ok"
	PageDuplicate = "duplicate"
	PageError     = "error"
)

// Ingest records ingestion health. A nil *Ingest is a valid no-op.
type Ingest struct {
	batches       *prometheus.CounterVec
	pages         *prometheus.CounterVec
	rowsInserted  *prometheus.CounterVec
	rowsDeleted   *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	cycleRunning  prometheus.Gauge
	lastCycle     prometheus.Gauge
}

// NewIngest creates and registers the ingestion metrics on reg.
func NewIngest(reg prometheus.Registerer) *Ingest {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Ingest{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demandsync_batches_total",
			Help: "Ingestion batches by principal and terminal state.",
		}, []string{"principal", "state"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demandsync_pages_total",
			Help: "Pages processed by principal and outcome.",
		}, []string{"principal", "outcome"}),
		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demandsync_rows_inserted_total",
			Help: "Rows inserted into the record store.",
		}, []string{"principal"}),
		rowsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demandsync_rows_deleted_total",
			Help: "Rows removed by batch rollback.",
		}, []string{"principal"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "demandsync_batch_duration_seconds",
			Help:    "Wall time of one principal batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"principal"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demandsync_notifications_total",
			Help: "Operator notifications by result.",
		}, []string{"result"}),
		cycleRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "demandsync_cycle_running",
			Help: "1 while an ingestion cycle is in flight.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "demandsync_last_cycle_timestamp_seconds",
			Help: "Unix time the last ingestion cycle finished.",
		}),
	}
	reg.MustRegister(m.batches, m.pages, m.rowsInserted, m.rowsDeleted,
		m.batchDuration, m.notifications, m.cycleRunning, m.lastCycle)
	return m
}

func (m *Ingest) CycleStarted() {
	if m == nil {
		return
	}
	m.cycleRunning.Set(1)
}

func (m *Ingest) CycleFinished(at time.Time) {
	if m == nil {
		return
	}
	m.cycleRunning.Set(0)
	m.lastCycle.Set(float64(at.Unix()))
}

func (m *Ingest) Page(principal, outcome string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(principal, outcome).Inc()
}

func (m *Ingest) RowsInserted(principal string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsInserted.WithLabelValues(principal).Add(float64(n))
}

func (m *Ingest) RowsDeleted(principal string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsDeleted.WithLabelValues(principal).Add(float64(n))
}

// Batch records a finished batch.
func (m *Ingest) Batch(principal, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(principal, state).Inc()
	m.batchDuration.WithLabelValues(principal).Observe(d.Seconds())
}

func (m *Ingest) Notification(sent bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "failed"
	}
	m.notifications.WithLabelValues(result).Inc()
}
