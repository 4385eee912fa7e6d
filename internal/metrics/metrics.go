package metrics

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the relay's private prometheus registry.
type Registry struct {
	registry        *prometheus.Registry
	intentsTotal    *prometheus.CounterVec
	broadcastsTotal *prometheus.CounterVec
	quotesTotal     *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	inFlight        prometheus.Gauge
	feeRate         prometheus.Gauge
	feeRateElevated prometheus.Gauge
	degraded        prometheus.Gauge
}

func New() *Registry {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_intents_total",
		Help: "Intent status transitions by resulting status",
	}, []string{"status"})

	broadcasts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcast_attempts_total",
		Help: "Settlement submissions by outcome",
	}, []string{"outcome"})

	quotes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_quote_requests_total",
		Help: "Price quote lookups by source and result",
	}, []string{"source", "result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Intents waiting in the dispatch queue",
	})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_in_flight",
		Help: "Intents handed to a broadcaster",
	})
	rate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_fee_rate_wei",
		Help: "Latest sampled settlement fee rate",
	})
	elevated := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_fee_rate_elevated",
		Help: "1 while the fee rate is beyond its normal variance",
	})
	degraded := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_degraded",
		Help: "1 while broadcasting is halted and intents are only queued",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, broadcasts, quotes, requests, depth, inflight, rate, elevated, degraded)

	return &Registry{
		registry:        r,
		intentsTotal:    intents,
		broadcastsTotal: broadcasts,
		quotesTotal:     quotes,
		requestsTotal:   requests,
		queueDepth:      depth,
		inFlight:        inflight,
		feeRate:         rate,
		feeRateElevated: elevated,
		degraded:        degraded,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncIntent(status string) {
	m.intentsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncBroadcast(outcome string) {
	m.broadcastsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuote matches quote.Chain's Observe hook.
func (m *Registry) ObserveQuote(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.quotesTotal.WithLabelValues(source, result).Inc()
}

func (m *Registry) IncRequest(route, code string) {
	m.requestsTotal.WithLabelValues(route, code).Inc()
}

func (m *Registry) SetQueue(depth, inFlight int) {
	m.queueDepth.Set(float64(depth))
	m.inFlight.Set(float64(inFlight))
}

func (m *Registry) SetFeeRate(rate *big.Int, elevated bool) {
	if rate != nil {
		f, _ := new(big.Float).SetInt(rate).Float64()
		m.feeRate.Set(f)
	}
	m.feeRateElevated.Set(boolGauge(elevated))
}

func (m *Registry) SetDegraded(on bool) {
	m.degraded.Set(boolGauge(on))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
