// ============================================================================
// fieldbus-bridge metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose the bridge's runtime metrics for Prometheus
//
// Metrics:
//
//   1. Counters:
//      - bridge_reads_total{result}                 scheduled reads (ok|error)
//      - bridge_writes_total{result}                writes (ok|retried|failed|rejected)
//      - bridge_reconnect_attempts_total{result}    link re-opens (ok|error)
//      - bridge_echo_suppressed_total               inbound echoes dropped
//      - bridge_inbound_frames_total                inbound frames dispatched
//      - bridge_listener_errors_total               listener failures during fan-out
//
//   2. Histogram:
//      - bridge_tick_duration_seconds               scheduler tick (read + bookkeeping)
//
//   3. Gauges:
//      - bridge_read_jobs                           scheduled read jobs
//      - bridge_link_online                         1 while the link is up
//
// Example queries:
//
//   # failing reads per minute
//   rate(bridge_reads_total{result="error"}[1m])
//
//   # link flaps
//   changes(bridge_link_online[1h])
//
// HTTP endpoint:
//   /metrics on the configured port (default 9090)
//
// Every Record/Set method is safe on a nil *Collector, so components can be
// built without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write results.
const (
	WriteOK       = "ok"
	WriteRetried  = "retried"
	WriteFailed   = "failed"
	WriteRejected = "rejected"
)

// Collector holds the bridge metrics.
type Collector struct {
	reads          *prometheus.CounterVec
	writes         *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	echoSuppressed prometheus.Counter
	inboundFrames  prometheus.Counter
	listenerErrors prometheus.Counter
	tickDuration   prometheus.Histogram
	readJobs       prometheus.Gauge
	linkOnline     prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg
// (prometheus.DefaultRegisterer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_reads_total",
			Help: "Scheduled datapoint reads by result",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_writes_total",
			Help: "Outbound writes by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_reconnect_attempts_total",
			Help: "Automatic link re-open attempts by result",
		}, []string{"result"}),
		echoSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_echo_suppressed_total",
			Help: "Inbound frames recognised as echoes of our own writes",
		}),
		inboundFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_inbound_frames_total",
			Help: "Inbound frames fanned out to listeners",
		}),
		listenerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_listener_errors_total",
			Help: "Listener failures during dispatch",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_tick_duration_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		}),
		readJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_read_jobs",
			Help: "Currently scheduled read jobs",
		}),
		linkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_link_online",
			Help: "1 while the bus link is open",
		}),
	}

	reg.MustRegister(
		c.reads, c.writes, c.reconnects,
		c.echoSuppressed, c.inboundFrames, c.listenerErrors,
		c.tickDuration, c.readJobs, c.linkOnline,
	)
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRead counts a fired read.
func (c *Collector) RecordRead(err error) {
	if c == nil {
		return
	}
	c.reads.WithLabelValues(result(err)).Inc()
}

// RecordWrite counts a write outcome (WriteOK, WriteRetried, ...).
func (c *Collector) RecordWrite(outcome string) {
	if c == nil {
		return
	}
	c.writes.WithLabelValues(outcome).Inc()
}

// RecordReconnect counts an automatic re-open attempt.
func (c *Collector) RecordReconnect(err error) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(result(err)).Inc()
}

// RecordEchoSuppressed counts a dropped echo.
func (c *Collector) RecordEchoSuppressed() {
	if c == nil {
		return
	}
	c.echoSuppressed.Inc()
}

// RecordInbound counts a dispatched inbound frame.
func (c *Collector) RecordInbound() {
	if c == nil {
		return
	}
	c.inboundFrames.Inc()
}

// RecordListenerError counts a failing listener.
func (c *Collector) RecordListenerError() {
	if c == nil {
		return
	}
	c.listenerErrors.Inc()
}

// ObserveTick records one scheduler tick.
func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.tickDuration.Observe(d.Seconds())
}

// SetReadJobs updates the job gauge.
func (c *Collector) SetReadJobs(n int) {
	if c == nil {
		return
	}
	c.readJobs.Set(float64(n))
}

// SetLinkOnline updates the link gauge.
func (c *Collector) SetLinkOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.linkOnline.Set(1)
	} else {
		c.linkOnline.Set(0)
	}
}

// NewServer builds the /metrics HTTP server for g
// (prometheus.DefaultGatherer when nil).
//
// Parameters:
//   - port: HTTP listen port
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
