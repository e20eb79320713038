package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const jobName = "c2sync"

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// feedPagesTotal tracks feed pages by outcome
	feedPagesTotal *prometheus.CounterVec

	// feedRetriesTotal tracks page retries by error kind
	feedRetriesTotal *prometheus.CounterVec

	// feedUniqueIPs is the running unique count of the current collection pass
	feedUniqueIPs prometheus.Gauge

	// firewallOperationsTotal tracks firewall API calls by operation and result
	firewallOperationsTotal *prometheus.CounterVec

	// httpErrorsTotal tracks transport errors by client and type
	httpErrorsTotal *prometheus.CounterVec

	// syncFailuresTotal tracks state machine stops by reason
	syncFailuresTotal *prometheus.CounterVec

	// ledgerEntries tracks ledger sizes for the current run
	ledgerEntries *prometheus.GaugeVec

	// runDuration tracks how long a daily run takes
	runDuration prometheus.Histogram

	// lastRunTimestamp is the unix time of the last finished run
	lastRunTimestamp prometheus.Gauge
)

// InitMetrics registers all Prometheus metrics for the sync job
// This should be called once at application startup
func InitMetrics() {
	metricsOnce.Do(func() {
		feedPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2sync_feed_pages_total",
				Help: "Total number of feed pages by result (ok, abandoned)",
			},
			[]string{"result"},
		)

		feedRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2sync_feed_retries_total",
				Help: "Total number of feed page retries by error kind",
			},
			[]string{"kind"},
		)

		feedUniqueIPs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "c2sync_feed_unique_ips",
				Help: "Unique indicator IPs seen in the current collection pass",
			},
		)

		firewallOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2sync_firewall_operations_total",
				Help: "Total number of firewall API operations by operation and result",
			},
			[]string{"operation", "result"},
		)

		httpErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2sync_http_errors_total",
				Help: "Total number of HTTP transport errors by client and error type",
			},
			[]string{"client", "error_type"},
		)

		syncFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "c2sync_sync_failures_total",
				Help: "Total number of firewall sync failures by reason",
			},
			[]string{"reason"},
		)

		ledgerEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "c2sync_ledger_entries",
				Help: "Number of entries per ledger set in the current run",
			},
			[]string{"set"},
		)

		runDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "c2sync_run_duration_seconds",
				Help:    "Duration of a daily reconciliation run in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400},
			},
		)

		lastRunTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "c2sync_last_run_timestamp_seconds",
				Help: "Unix time of the last finished run",
			},
		)
	})
}

// RecordFeedPage records a page outcome
// result: "ok", "abandoned"
func RecordFeedPage(result string) {
	if feedPagesTotal != nil {
		feedPagesTotal.WithLabelValues(result).Inc()
	}
}

// RecordFeedRetry records a retried page by error kind
func RecordFeedRetry(kind string) {
	if feedRetriesTotal != nil {
		feedRetriesTotal.WithLabelValues(kind).Inc()
	}
}

func SetUniqueIPs(n int) {
	if feedUniqueIPs != nil {
		feedUniqueIPs.Set(float64(n))
	}
}

// RecordFirewallOperation records a firewall API call
// result: "ok", "exists", "not_found", "error"
func RecordFirewallOperation(operation, result string) {
	if firewallOperationsTotal != nil {
		firewallOperationsTotal.WithLabelValues(operation, result).Inc()
	}
}

// RecordHTTPError records a transport error by type
// errorType: "timeout", "auth", "rate_limit", "server_error", "connection", "circuit_open"
func RecordHTTPError(client, errorType string) {
	if httpErrorsTotal != nil {
		httpErrorsTotal.WithLabelValues(client, errorType).Inc()
	}
}

func RecordSyncFailure(reason string) {
	if syncFailuresTotal != nil {
		syncFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// SetLedgerEntries records a ledger set size
// set: "observed", "yesterday", "new", "expired", "carried"
func SetLedgerEntries(set string, n int) {
	if ledgerEntries != nil {
		ledgerEntries.WithLabelValues(set).Set(float64(n))
	}
}

// RecordRun records the duration and completion time of a run
func RecordRun(duration time.Duration, finished time.Time) {
	if runDuration != nil {
		runDuration.Observe(duration.Seconds())
	}
	if lastRunTimestamp != nil {
		lastRunTimestamp.Set(float64(finished.Unix()))
	}
}

// Push sends the default registry to a Pushgateway under the c2sync job.
// An empty URL disables pushing.
func Push(ctx context.Context, gatewayURL string) error {
	if gatewayURL == "" {
		return nil
	}
	err := push.New(gatewayURL, jobName).
		Gatherer(prometheus.DefaultGatherer).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
