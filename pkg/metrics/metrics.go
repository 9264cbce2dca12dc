package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "etfarb"

// Metrics owns a private registry and the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	Tenders         *prometheus.CounterVec
	Signals         *prometheus.CounterVec
	AdmissionDenied prometheus.Counter
	AdmissionWindow prometheus.Gauge
	VenueRequests   *prometheus.CounterVec
	VenueLatency    *prometheus.HistogramVec
	BreakerState    prometheus.Gauge

	Tick           prometheus.Gauge
	TickDuration   prometheus.Histogram
	Position       *prometheus.GaugeVec
	Cash           *prometheus.GaugeVec
	PortfolioValue prometheus.Gauge
	GrossExposure  prometheus.Gauge
	NetExposure    prometheus.Gauge
	Unhedged       *prometheus.GaugeVec
	ConsoleClients prometheus.Gauge
}

// New builds the collectors. withRuntime adds the Go and process collectors,
// which tests leave out.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &Metrics{registry: reg}

	m.OrdersSubmitted = m.counterVec("orders_submitted_total", "Orders accepted by the venue.", "ticker", "type", "action")
	m.OrdersRejected = m.counterVec("orders_rejected_total", "Orders refused locally or by the venue.", "ticker", "reason")
	m.Fills = m.counterVec("fills_total", "Orders that reached FILLED.", "ticker")
	m.Tenders = m.counterVec("tenders_total", "Tender decisions.", "ticker", "decision")
	m.Signals = m.counterVec("signals_total", "Strategy signals that asked for a trade.", "strategy", "direction")
	m.AdmissionDenied = m.counter("admission_denied_total", "Actions refused by the per-second window.")
	m.AdmissionWindow = m.gauge("admission_window", "Actions recorded in the current one-second window.")
	m.VenueRequests = m.counterVec("venue_requests_total", "REST calls to the venue.", "endpoint", "code")
	m.VenueLatency = m.histogramVec("venue_request_duration_seconds", "REST call latency.", "endpoint")
	m.BreakerState = m.gauge("venue_breaker_state", "Read path breaker: 0 closed, 1 half-open, 2 open.")

	m.Tick = m.gauge("case_tick", "Last tick seen on the venue clock.")
	m.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "loop_iteration_duration_seconds",
		Help:      "Time spent in one trading loop iteration.",
		Buckets:   prometheus.DefBuckets,
	})
	reg.MustRegister(m.TickDuration)
	m.Position = m.gaugeVec("position", "Signed position per instrument.", "ticker")
	m.Cash = m.gaugeVec("cash_balance", "Cash balance per currency.", "currency")
	m.PortfolioValue = m.gauge("portfolio_value", "Portfolio value in the main currency.")
	m.GrossExposure = m.gauge("gross_exposure", "Weighted gross position.")
	m.NetExposure = m.gauge("net_exposure", "Weighted net position.")
	m.Unhedged = m.gaugeVec("unhedged_residual", "Residual volume left after a failed unwind.", "ticker")
	m.ConsoleClients = m.gauge("console_clients", "Connected operator consoles.")
	return m
}

func (m *Metrics) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	m.registry.MustRegister(c)
	return c
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	m.registry.MustRegister(g)
	return g
}

func (m *Metrics) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(gv)
	return gv
}

func (m *Metrics) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
	m.registry.MustRegister(hv)
	return hv
}

// Registry exposes the registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
