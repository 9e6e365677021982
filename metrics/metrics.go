// Package metrics owns the process's Prometheus registry. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	attemptsOpened    *prometheus.CounterVec
	attemptOutcomes   *prometheus.CounterVec
	unpins            *prometheus.CounterVec
	disclosureResults *prometheus.CounterVec
	fanoutDropped     prometheus.Counter
	fanoutClients     prometheus.Gauge
	fanoutWatched     prometheus.Gauge
	httpRequests      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		attemptsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseflow", Name: "attempts_opened_total",
			Help: "Prepared transactions handed to clients, by operation.",
		}, []string{"kind"}),
		attemptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseflow", Name: "attempt_outcomes_total",
			Help: "Client-reported attempt outcomes.",
		}, []string{"outcome", "code"}),
		unpins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseflow", Name: "compensation_unpins_total",
			Help: "Compensating unpins, by artifact kind and result.",
		}, []string{"kind", "result"}),
		disclosureResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseflow", Name: "disclosure_polls_total",
			Help: "Disclosure poll results by status.",
		}, []string{"status"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leaseflow", Name: "fanout_dropped_events_total",
			Help: "Events dropped from full subscriber queues.",
		}),
		fanoutClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaseflow", Name: "fanout_clients",
			Help: "Connected realtime clients.",
		}),
		fanoutWatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaseflow", Name: "fanout_watched_accounts",
			Help: "Ledger accounts polled by the watcher.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseflow", Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attemptsOpened, m.attemptOutcomes, m.unpins, m.disclosureResults,
		m.fanoutDropped, m.fanoutClients, m.fanoutWatched, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AttemptOpened(kind string) {
	if m != nil {
		m.attemptsOpened.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) AttemptOutcome(outcome, code string) {
	if m != nil {
		m.attemptOutcomes.WithLabelValues(outcome, code).Inc()
	}
}

func (m *Metrics) Unpin(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "cleaned"
	if !ok {
		result = "failed"
	}
	m.unpins.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) DisclosurePoll(status string) {
	if m != nil {
		m.disclosureResults.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) FanoutDropped() {
	if m != nil {
		m.fanoutDropped.Inc()
	}
}

func (m *Metrics) FanoutClients(n int) {
	if m != nil {
		m.fanoutClients.Set(float64(n))
	}
}

func (m *Metrics) FanoutWatched(n int) {
	if m != nil {
		m.fanoutWatched.Set(float64(n))
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	}
}
