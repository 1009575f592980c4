// Package metrics exposes Prometheus collectors for the control channel and
// the datagram receiver. All methods are safe on a nil *Collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config selects the metric name prefix
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig returns the default metric naming
func DefaultConfig() Config {
	return Config{Namespace: "isee", Subsystem: "rtsp"}
}

// Collector owns a private registry so several clients can coexist in one process
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	transportErrors *prometheus.CounterVec
	responseErrors  *prometheus.CounterVec
	packetsTotal    prometheus.Counter
	bytesTotal      prometheus.Counter
	packetsLost     prometheus.Counter
	rtcpPackets     *prometheus.CounterVec
	receiversActive prometheus.Gauge
}

// New creates and registers all collectors
func New(cfg Config) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "requests_total",
		Help:      "RTSP requests by method and response status",
	}, []string{"method", "status"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "request_duration_seconds",
		Help:      "Round trip time of a single RTSP exchange",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	c.transportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "transport_errors_total",
		Help:      "Control channel I/O failures",
	}, []string{"method"})

	c.responseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "response_errors_total",
		Help:      "Responses that could not be parsed",
	}, []string{"method"})

	c.packetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "rtp_packets_total",
		Help:      "Datagrams received on the RTP port",
	})

	c.bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "rtp_bytes_total",
		Help:      "Bytes received on the RTP port",
	})

	c.packetsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "rtp_packets_lost_total",
		Help:      "Sequence number gaps observed on the RTP port",
	})

	c.rtcpPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "rtcp_packets_total",
		Help:      "RTCP packets received by type",
	}, []string{"type"})

	c.receiversActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "receivers_active",
		Help:      "Streaming receivers currently running",
	})

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.transportErrors,
		c.responseErrors,
		c.packetsTotal,
		c.bytesTotal,
		c.packetsLost,
		c.rtcpPackets,
		c.receiversActive,
	)

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveExchange records one completed request/response exchange
func (c *Collector) ObserveExchange(method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// TransportError records a control channel I/O failure
func (c *Collector) TransportError(method string) {
	if c == nil {
		return
	}
	c.transportErrors.WithLabelValues(method).Inc()
}

// Packet records one RTP datagram of n bytes
func (c *Collector) Packet(n int) {
	if c == nil {
		return
	}
	c.packetsTotal.Inc()
	c.bytesTotal.Add(float64(n))
}

// Lost records n missing sequence numbers
func (c *Collector) Lost(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.packetsLost.Add(float64(n))
}

// ResponseError counts a response to method that could not be parsed
func (c *Collector) ResponseError(method string) {
	if c == nil {
		return
	}
	c.responseErrors.WithLabelValues(method).Inc()
}

// RTCP records one RTCP packet of the given type name
func (c *Collector) RTCP(kind string) {
	if c == nil {
		return
	}
	c.rtcpPackets.WithLabelValues(kind).Inc()
}

// ReceiverStarted increments the active receiver gauge
func (c *Collector) ReceiverStarted() {
	if c == nil {
		return
	}
	c.receiversActive.Inc()
}

// ReceiverStopped decrements the active receiver gauge
func (c *Collector) ReceiverStopped() {
	if c == nil {
		return
	}
	c.receiversActive.Dec()
}
