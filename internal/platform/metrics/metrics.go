// Package metrics exports service metrics to Prometheus.
package metrics

import (
	"aidstock/internal/core"
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ core.MetricsRecorder = (*Recorder)(nil)

// Recorder implements core.MetricsRecorder with a counter and a latency
// histogram per operation.
type Recorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewRecorder registers the operation metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aidstock_operations_total",
			Help: "Service operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aidstock_operation_duration_seconds",
			Help:    "Service operation latency, including conflict retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(r.operations, r.latency)
	return r
}

// Observe implements core.MetricsRecorder.
func (r *Recorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// UtilizationSource lists current deposit utilization.
type UtilizationSource func(ctx context.Context) ([]core.DepositUtilization, error)

// DepositCollector reports deposit stock and capacity at scrape time.
type DepositCollector struct {
	source   UtilizationSource
	timeout  time.Duration
	stored   *prometheus.Desc
	capacity *prometheus.Desc
	rate     *prometheus.Desc
	failures prometheus.Counter
}

// NewDepositCollector builds a collector reading from source.
func NewDepositCollector(source UtilizationSource) *DepositCollector {
	labels := []string{"deposit_id", "deposit"}
	return &DepositCollector{
		source:   source,
		timeout:  5 * time.Second,
		stored:   prometheus.NewDesc("aidstock_deposit_stored_units", "Units currently stored in the deposit.", labels, nil),
		capacity: prometheus.NewDesc("aidstock_deposit_capacity_units", "Deposit capacity in units.", labels, nil),
		rate:     prometheus.NewDesc("aidstock_deposit_utilization_ratio", "Stored units divided by capacity.", labels, nil),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aidstock_deposit_scrape_failures_total",
			Help: "Scrapes that could not read deposit utilization.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *DepositCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stored
	ch <- c.capacity
	ch <- c.rate
	c.failures.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *DepositCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	rows, err := c.source(ctx)
	if err != nil {
		c.failures.Inc()
	}
	for _, row := range rows {
		ch <- prometheus.MustNewConstMetric(c.stored, prometheus.GaugeValue, float64(row.CurrentQuantity), row.DepositID, row.Name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(row.Capacity), row.DepositID, row.Name)
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, row.UtilizationRate, row.DepositID, row.Name)
	}
	c.failures.Collect(ch)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
