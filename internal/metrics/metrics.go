// Package metrics implements nbd.MetricsSink against Prometheus
// collectors and exposes them over HTTP for scraping.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// cmdLabel maps an nbd command code to the label value used on the
// per-command metric vectors; kept here rather than importing nbd's
// constants so this package has no dependency on the protocol package
// beyond the int it's handed.
func cmdLabel(cmd int) string {
	switch cmd {
	case 0:
		return "read"
	case 1:
		return "write"
	case 2:
		return "disc"
	case 3:
		return "flush"
	case 4:
		return "trim"
	default:
		return "unknown"
	}
}

// Metrics wraps the Prometheus collectors backing the server's
// MetricsSink implementation.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestErrors     *prometheus.CounterVec
	inflightRequests  prometheus.Gauge
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
}

// New registers the collectors against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nbd",
			Name:      "connections_total",
			Help:      "Total accepted client connections.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nbd",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbd",
			Name:      "requests_total",
			Help:      "Total requests processed, by command.",
		}, []string{"command"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbd",
			Name:      "request_errors_total",
			Help:      "Total requests that finished with a non-zero NBD error code.",
		}, []string{"command", "code"}),
		inflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nbd",
			Name:      "inflight_requests",
			Help:      "Requests currently dispatched to a backend.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nbd",
			Name:      "bytes_read_total",
			Help:      "Total bytes served to NBD_CMD_READ requests.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nbd",
			Name:      "bytes_written_total",
			Help:      "Total bytes accepted by NBD_CMD_WRITE requests.",
		}),
	}
	registry.MustRegister(
		m.connectionsTotal, m.connectionsActive,
		m.requestsTotal, m.requestErrors,
		m.inflightRequests, m.bytesRead, m.bytesWritten,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *Metrics) RequestStarted(cmd int) {
	m.requestsTotal.WithLabelValues(cmdLabel(cmd)).Inc()
	m.inflightRequests.Inc()
}

func (m *Metrics) RequestFinished(cmd int, nbdErrCode uint32) {
	m.inflightRequests.Dec()
	if nbdErrCode != 0 {
		m.requestErrors.WithLabelValues(cmdLabel(cmd), strconv.FormatUint(uint64(nbdErrCode), 10)).Inc()
	}
}

func (m *Metrics) BytesTransferred(read, written int) {
	if read > 0 {
		m.bytesRead.Add(float64(read))
	}
	if written > 0 {
		m.bytesWritten.Add(float64(written))
	}
}

// Serve runs a /metrics HTTP endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
