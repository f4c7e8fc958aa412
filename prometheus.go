package ipcbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exposes a service's Metrics as prometheus series.
// Register it with a prometheus.Registerer:
//
//	prometheus.MustRegister(ipcbus.NewPrometheusCollector(svc.Metrics(), "myservice"))
type PrometheusCollector struct {
	metrics *Metrics

	callsSent       *prometheus.Desc
	repliesReceived *prometheus.Desc
	errorReplies    *prometheus.Desc
	callTimeouts    *prometheus.Desc
	signalsEmitted  *prometheus.Desc

	methodsDispatched *prometheus.Desc
	methodsDenied     *prometheus.Desc
	methodsUnknown    *prometheus.Desc
	signalsDispatched *prometheus.Desc
	repliesSent       *prometheus.Desc
	parseErrors       *prometheus.Desc

	handlerLatency *prometheus.Desc
}

// NewPrometheusCollector wraps metrics under the given namespace.
func NewPrometheusCollector(m *Metrics, namespace string) *PrometheusCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "ipc", name), help, nil, nil)
	}
	return &PrometheusCollector{
		metrics:           m,
		callsSent:         desc("calls_sent_total", "Method calls sent on the bus."),
		repliesReceived:   desc("replies_received_total", "Successful method replies consumed."),
		errorReplies:      desc("error_replies_total", "Error replies consumed."),
		callTimeouts:      desc("call_timeouts_total", "Method calls that timed out."),
		signalsEmitted:    desc("signals_emitted_total", "Signals emitted on the bus."),
		methodsDispatched: desc("method_calls_dispatched_total", "Inbound method calls dispatched to handlers."),
		methodsDenied:     desc("method_calls_denied_total", "Inbound method calls dropped by the entitlement gate."),
		methodsUnknown:    desc("method_calls_unknown_total", "Inbound method calls with no registered handler."),
		signalsDispatched: desc("signals_dispatched_total", "Signal handler invocations."),
		repliesSent:       desc("replies_sent_total", "Replies produced by method handlers."),
		parseErrors:       desc("parse_errors_total", "Inbound messages that failed to parse."),
		handlerLatency:    desc("handler_latency_seconds", "Handler pool run time distribution."),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsSent
	ch <- c.repliesReceived
	ch <- c.errorReplies
	ch <- c.callTimeouts
	ch <- c.signalsEmitted
	ch <- c.methodsDispatched
	ch <- c.methodsDenied
	ch <- c.methodsUnknown
	ch <- c.signalsDispatched
	ch <- c.repliesSent
	ch <- c.parseErrors
	ch <- c.handlerLatency
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.callsSent, snap.CallsSent)
	counter(c.repliesReceived, snap.RepliesReceived)
	counter(c.errorReplies, snap.ErrorReplies)
	counter(c.callTimeouts, snap.CallTimeouts)
	counter(c.signalsEmitted, snap.SignalsEmitted)
	counter(c.methodsDispatched, snap.MethodCallsDispatched)
	counter(c.methodsDenied, snap.MethodCallsDenied)
	counter(c.methodsUnknown, snap.MethodCallsUnknown)
	counter(c.signalsDispatched, snap.SignalsDispatched)
	counter(c.repliesSent, snap.RepliesSent)
	counter(c.parseErrors, snap.ParseErrors)

	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, bound := range LatencyBuckets {
		buckets[float64(bound)/1e9] = snap.HandlerLatency[i]
	}
	ch <- prometheus.MustNewConstHistogram(c.handlerLatency,
		snap.HandlerCount, float64(snap.AvgHandlerNs)/1e9*float64(snap.HandlerCount), buckets)
}
