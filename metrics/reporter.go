// Package metrics records the connection core's observability surface:
// two connection gauges/counters, two subscription gauges, a
// subscription-message counter, command success/failure counters, and a
// command round-trip timer.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// reportMetrics gates every write below. It defaults to true and is
// process-wide, flipped with a single atomic store.
var reportMetrics int32 = 1

// SetReportMetrics toggles whether Reporter methods actually record
// anything. Safe to call concurrently with reporting.
func SetReportMetrics(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&reportMetrics, v)
}

func metricsEnabled() bool {
	return atomic.LoadInt32(&reportMetrics) != 0
}

// Reporter records the connection core's counters and gauges under a
// "redistack_" metric name prefix, with underscores in place of dots since
// Prometheus metric names disallow '.'.
type Reporter struct {
	totalConnectionCount              prometheus.Counter
	activeConnectionCount             prometheus.Gauge
	activeChannelSubscriptions        prometheus.Gauge
	activePatternSubscriptions        prometheus.Gauge
	subscriptionMessagesReceivedCount prometheus.Counter
	commandSuccessCount               prometheus.Counter
	commandFailureCount               prometheus.Counter
	commandRoundTripTime              prometheus.Histogram
}

// NewReporter constructs a Reporter and registers its collectors with reg.
// Passing a fresh prometheus.NewRegistry() (rather than the global default
// registry) is recommended for tests so suites don't collide on repeated
// registration.
func NewReporter(reg prometheus.Registerer) *Reporter {
	r := &Reporter{
		totalConnectionCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redistack_total_connection_count",
			Help: "Total number of connections ever established.",
		}),
		activeConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redistack_active_connection_count",
			Help: "Number of connections currently open.",
		}),
		activeChannelSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redistack_active_channel_subscriptions",
			Help: "Number of channel subscriptions currently registered.",
		}),
		activePatternSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redistack_active_pattern_subscriptions",
			Help: "Number of pattern subscriptions currently registered.",
		}),
		subscriptionMessagesReceivedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redistack_subscription_messages_received_count",
			Help: "Total number of message/pmessage frames routed to receivers.",
		}),
		commandSuccessCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redistack_command_success_count",
			Help: "Total number of command replies that were not RESP errors.",
		}),
		commandFailureCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redistack_command_failure_count",
			Help: "Total number of command replies that were RESP errors.",
		}),
		commandRoundTripTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redistack_command_round_trip_time_seconds",
			Help:    "Time from command submission to its reply being resolved.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.totalConnectionCount,
			r.activeConnectionCount,
			r.activeChannelSubscriptions,
			r.activePatternSubscriptions,
			r.subscriptionMessagesReceivedCount,
			r.commandSuccessCount,
			r.commandFailureCount,
			r.commandRoundTripTime,
		)
	}

	return r
}

// NewUnregisteredReporter builds a Reporter whose collectors are not
// attached to any registry: values are still recorded, but nothing exposes
// them for reading. Use NewReporter with a local prometheus.Registry to
// read them back.
func NewUnregisteredReporter() *Reporter {
	return NewReporter(nil)
}

// ConnectionOpened increments totalConnectionCount and activeConnectionCount.
func (r *Reporter) ConnectionOpened() {
	if !metricsEnabled() {
		return
	}
	r.totalConnectionCount.Inc()
	r.activeConnectionCount.Inc()
}

// ConnectionClosed decrements activeConnectionCount.
func (r *Reporter) ConnectionClosed() {
	if !metricsEnabled() {
		return
	}
	r.activeConnectionCount.Dec()
}

// ChannelSubscriptionsChanged sets activeChannelSubscriptions to count.
func (r *Reporter) ChannelSubscriptionsChanged(count int) {
	if !metricsEnabled() {
		return
	}
	r.activeChannelSubscriptions.Set(float64(count))
}

// PatternSubscriptionsChanged sets activePatternSubscriptions to count.
func (r *Reporter) PatternSubscriptionsChanged(count int) {
	if !metricsEnabled() {
		return
	}
	r.activePatternSubscriptions.Set(float64(count))
}

// SubscriptionMessageReceived increments subscriptionMessagesReceivedCount.
func (r *Reporter) SubscriptionMessageReceived() {
	if !metricsEnabled() {
		return
	}
	r.subscriptionMessagesReceivedCount.Inc()
}

// CommandSucceeded increments commandSuccessCount.
func (r *Reporter) CommandSucceeded() {
	if !metricsEnabled() {
		return
	}
	r.commandSuccessCount.Inc()
}

// CommandFailed increments commandFailureCount. Called even when the
// command's Future resolves successfully with an in-band RESP error value:
// accounting tracks the error regardless of whether the Future itself
// failed.
func (r *Reporter) CommandFailed() {
	if !metricsEnabled() {
		return
	}
	r.commandFailureCount.Inc()
}

// RoundTripRecorded records the elapsed time between submission and
// resolution of a command's oldest pending Future.
func (r *Reporter) RoundTripRecorded(elapsed time.Duration) {
	if !metricsEnabled() {
		return
	}
	r.commandRoundTripTime.Observe(elapsed.Seconds())
}
