package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Assignments      *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	ActiveSchedulers prometheus.Gauge
	HumanMessages    prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. Passing a fresh registry per
// test keeps registrations from colliding.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_assignments_total",
			Help: "Group assignments by outcome (joined, created, failed).",
		}, []string{"outcome"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_scripted_dispatches_total",
			Help: "Scripted message dispatch attempts by outcome (sent, skipped, failed).",
		}, []string{"outcome"}),
		ActiveSchedulers: f.NewGauge(prometheus.GaugeOpts{
			Name: "groupchat_active_schedulers",
			Help: "Automation schedulers currently running in this process.",
		}),
		HumanMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_human_messages_total",
			Help: "Participant chat messages appended.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
	}
}

// NewProcessMetrics is NewMetrics on a registry that also carries the Go
// runtime and process collectors.
func NewProcessMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetrics(reg)
}

func (m *Metrics) ObserveAssignment(outcome string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SchedulerStarted() {
	if m == nil {
		return
	}
	m.ActiveSchedulers.Inc()
}

func (m *Metrics) SchedulerStopped() {
	if m == nil {
		return
	}
	m.ActiveSchedulers.Dec()
}

func (m *Metrics) ObserveHumanMessage() {
	if m == nil {
		return
	}
	m.HumanMessages.Inc()
}

func (m *Metrics) ObserveRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}
