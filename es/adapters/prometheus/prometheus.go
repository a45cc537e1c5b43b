// Package prometheus exports outbox worker and backlog metrics to Prometheus.
package prometheus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
	"github.com/getpup/puprelay/es/outbox/worker"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
}

// WorkerMetrics implements worker.Metrics.
type WorkerMetrics struct {
	tickDuration    *prometheus.HistogramVec
	claimed         *prometheus.CounterVec
	published       *prometheus.CounterVec
	failed          *prometheus.CounterVec
	lost            *prometheus.CounterVec
	publishLag      *prometheus.HistogramVec
	partitionsOwned *prometheus.GaugeVec
	rebalances      *prometheus.CounterVec
}

// NewWorkerMetrics creates the worker metrics and registers them with reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "puprelay_worker_tick_duration_seconds",
			Help:    "Outbox worker tick duration in seconds, idle backoff included",
			Buckets: defaultBuckets,
		}, []string{"worker_id"}),

		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puprelay_worker_messages_claimed_total",
			Help: "Total number of outbox messages claimed",
		}, []string{"worker_id"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puprelay_worker_messages_published_total",
			Help: "Total number of outbox messages dispatched and marked published",
		}, []string{"worker_id", "partition"}),

		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puprelay_worker_messages_failed_total",
			Help: "Total number of failed deliveries",
		}, []string{"worker_id", "partition"}),

		lost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puprelay_worker_claims_lost_total",
			Help: "Total number of claims taken over before the message was marked",
		}, []string{"worker_id"}),

		publishLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "puprelay_worker_publish_lag_seconds",
			Help:    "Time from enqueue to publish in seconds",
			Buckets: defaultBuckets,
		}, []string{"worker_id"}),

		partitionsOwned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "puprelay_worker_partitions_owned",
			Help: "Number of partitions leased by the worker",
		}, []string{"worker_id"}),

		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puprelay_worker_partition_changes_total",
			Help: "Total number of partitions acquired or released",
		}, []string{"worker_id", "change"}),
	}

	reg.MustRegister(
		m.tickDuration,
		m.claimed,
		m.published,
		m.failed,
		m.lost,
		m.publishLag,
		m.partitionsOwned,
		m.rebalances,
	)
	return m
}

// TickCompleted implements worker.Metrics.
//
//nolint:gocritic // hugeParam: matches worker.Metrics
func (m *WorkerMetrics) TickCompleted(workerID string, s worker.Summary, elapsed time.Duration) {
	m.tickDuration.WithLabelValues(workerID).Observe(elapsed.Seconds())
	m.claimed.WithLabelValues(workerID).Add(float64(s.Claimed))
	if s.Lost > 0 {
		m.lost.WithLabelValues(workerID).Add(float64(s.Lost))
	}
	if len(s.Acquired) > 0 {
		m.rebalances.WithLabelValues(workerID, "acquired").Add(float64(len(s.Acquired)))
	}
	if len(s.Released) > 0 {
		m.rebalances.WithLabelValues(workerID, "released").Add(float64(len(s.Released)))
	}
}

// MessagePublished implements worker.Metrics.
func (m *WorkerMetrics) MessagePublished(workerID string, msg outbox.Message, lag time.Duration) {
	m.published.WithLabelValues(workerID, msg.PartitionKey).Inc()
	if lag >= 0 {
		m.publishLag.WithLabelValues(workerID).Observe(lag.Seconds())
	}
}

// MessageFailed implements worker.Metrics.
func (m *WorkerMetrics) MessageFailed(workerID string, msg outbox.Message) {
	m.failed.WithLabelValues(workerID, msg.PartitionKey).Inc()
}

// PartitionsOwned implements worker.Metrics.
func (m *WorkerMetrics) PartitionsOwned(workerID string, n int) {
	m.partitionsOwned.WithLabelValues(workerID).Set(float64(n))
}

var _ worker.Metrics = (*WorkerMetrics)(nil)

// BacklogCollector reports outbox backlog gauges, queried from the store on every scrape.
type BacklogCollector struct {
	store   outbox.Store
	db      es.DBTX
	timeout time.Duration
	now     func() time.Time

	pending   *prometheus.Desc
	failing   *prometheus.Desc
	published *prometheus.Desc
	oldest    *prometheus.Desc
	up        *prometheus.Desc
}

// NewBacklogCollector creates a collector reading store through db.
// Register it with prometheus.Registerer.MustRegister.
func NewBacklogCollector(store outbox.Store, db es.DBTX, now func() time.Time) *BacklogCollector {
	if now == nil {
		now = time.Now
	}
	return &BacklogCollector{
		store:   store,
		db:      db,
		timeout: 5 * time.Second,
		now:     now,
		pending: prometheus.NewDesc("puprelay_outbox_pending_messages",
			"Number of unpublished outbox messages", nil, nil),
		failing: prometheus.NewDesc("puprelay_outbox_failing_messages",
			"Number of unpublished outbox messages with at least one failed attempt", nil, nil),
		published: prometheus.NewDesc("puprelay_outbox_published_messages",
			"Number of published outbox messages not purged yet", nil, nil),
		oldest: prometheus.NewDesc("puprelay_outbox_oldest_pending_age_seconds",
			"Age of the oldest unpublished outbox message in seconds", nil, nil),
		up: prometheus.NewDesc("puprelay_outbox_stats_up",
			"Whether the last outbox stats query succeeded", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *BacklogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.failing
	ch <- c.published
	ch <- c.oldest
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *BacklogCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.store.Stats(ctx, c.db)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stats.Pending))
	ch <- prometheus.MustNewConstMetric(c.failing, prometheus.GaugeValue, float64(stats.Failing))
	ch <- prometheus.MustNewConstMetric(c.published, prometheus.GaugeValue, float64(stats.Published))

	var age float64
	if stats.OldestPending != nil {
		age = c.now().Sub(*stats.OldestPending).Seconds()
	}
	ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, age)
}

var _ prometheus.Collector = (*BacklogCollector)(nil)
