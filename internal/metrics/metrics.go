package metrics

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Fluffy9/Gasless-Runner/internal/relay"
)

const namespace = "gasless_runner"

// PoolSource exposes the relay wallet pool state.
type PoolSource interface {
	Snapshot() []relay.WalletState
}

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	webhooks *prometheus.CounterVec
}

func New(pool PoolSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "API requests by route and outcome kind.",
		}, []string{"route", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Billing webhook deliveries by event type and result.",
		}, []string{"type", "result"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.webhooks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pool != nil {
		m.registry.MustRegister(newPoolCollector(pool))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one API call. kind is "ok" or an error kind.
func (m *Metrics) ObserveRequest(route, kind string, took time.Duration) {
	m.requests.WithLabelValues(route, kind).Inc()
	m.duration.WithLabelValues(route).Observe(took.Seconds())
}

// ObserveWebhook records one webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, result string) {
	m.webhooks.WithLabelValues(eventType, result).Inc()
}

// ── pool collector ────────────────────────────────────────────────────────────

type poolCollector struct {
	pool    PoolSource
	balance *prometheus.Desc
	leased  *prometheus.Desc
}

func newPoolCollector(pool PoolSource) *poolCollector {
	return &poolCollector{
		pool: pool,
		balance: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "wallet", "balance_wei"),
			"Relay wallet balance at the last refresh.",
			[]string{"wallet"}, nil,
		),
		leased: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "wallet", "leased"),
			"1 while the relay wallet is leased for a broadcast.",
			[]string{"wallet"}, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.balance
	ch <- c.leased
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, w := range c.pool.Snapshot() {
		addr := w.Address.Hex()
		bal, _ := new(big.Float).SetInt(w.Balance).Float64()
		ch <- prometheus.MustNewConstMetric(c.balance, prometheus.GaugeValue, bal, addr)
		leased := 0.0
		if w.Leased {
			leased = 1
		}
		ch <- prometheus.MustNewConstMetric(c.leased, prometheus.GaugeValue, leased, addr)
	}
}
