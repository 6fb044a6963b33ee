// Package metrics collects per-run Prometheus metrics and pushes them to a
// Pushgateway when the run ends.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Fetch outcomes.
const (
	FetchOK          = "ok"
	FetchUnavailable = "unavailable"
	FetchError       = "error"
)

// Delivery outcomes.
const (
	DeliverySent     = "sent"
	DeliveryRejected = "rejected"
	DeliveryFailed   = "failed"
)

// Entry states.
const (
	EntryNew       = "new"
	EntryDuplicate = "duplicate"
	EntryFiltered  = "filtered"
	EntryQueued    = "queued"
)

// Collector records pipeline metrics labelled by group.
type Collector struct {
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	entries       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	groupsSkipped *prometheus.CounterVec
	lastRun       prometheus.Gauge
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_fetch_total",
			Help: "Feed fetches by outcome.",
		}, []string{"group", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedrelay_fetch_duration_seconds",
			Help:    "Feed fetch latency including mirror fallback.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_entries_total",
			Help: "Fetched entries by processing state.",
		}, []string{"group", "state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_deliveries_total",
			Help: "Notification deliveries by outcome.",
		}, []string{"group", "outcome"}),
		groupsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_groups_skipped_total",
			Help: "Groups skipped because their interval had not elapsed.",
		}, []string{"group"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedrelay_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}

	reg.MustRegister(
		c.fetches,
		c.fetchLatency,
		c.entries,
		c.deliveries,
		c.groupsSkipped,
		c.lastRun,
	)
	return c
}

// RecordFetch records one source fetch.
func (c *Collector) RecordFetch(group, outcome string, d time.Duration) {
	c.fetches.WithLabelValues(group, outcome).Inc()
	c.fetchLatency.WithLabelValues(group).Observe(d.Seconds())
}

// RecordEntries adds n entries in the given state.
func (c *Collector) RecordEntries(group, state string, n int) {
	if n <= 0 {
		return
	}
	c.entries.WithLabelValues(group, state).Add(float64(n))
}

// RecordDelivery records one notification send.
func (c *Collector) RecordDelivery(group, outcome string) {
	c.deliveries.WithLabelValues(group, outcome).Inc()
}

// RecordGroupSkipped records a group gated by its interval.
func (c *Collector) RecordGroupSkipped(group string) {
	c.groupsSkipped.WithLabelValues(group).Inc()
}

// RecordRunFinished sets the last run timestamp.
func (c *Collector) RecordRunFinished(t time.Time) {
	c.lastRun.Set(float64(t.Unix()))
}

// Push sends everything in g to the Pushgateway at url under job.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
