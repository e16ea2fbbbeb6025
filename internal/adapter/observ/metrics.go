package observ

import (
	"time"

	"github.com/aq2208/zalo-notifier/internal/adapter/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var states = []queue.State{
	queue.StateDisconnected,
	queue.StateConnecting,
	queue.StateConnected,
	queue.StateConsuming,
	queue.StateReconnecting,
	queue.StateStopped,
}

// Metrics records dispatch outcomes and broker connection state.
type Metrics struct {
	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reconnects *prometheus.CounterVec
	state      *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_dispatch_total",
				Help: "Deliveries dispatched, by action type and outcome",
			},
			[]string{"action", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifier_dispatch_duration_ms",
				Help:    "Time from delivery to settlement in ms",
				Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600, 5000},
			},
			[]string{"action"},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_reconnects_total",
				Help: "Broker reconnect attempts by result",
			},
			[]string{"result"},
		),
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notifier_connection_state",
				Help: "1 for the current broker connection state",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) ObserveDispatch(action, outcome string, elapsed time.Duration) {
	if action == "" {
		action = "unknown"
	}
	m.dispatches.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveState(s queue.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) ObserveReconnect(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

var (
	_ queue.Metrics       = (*Metrics)(nil)
	_ queue.StateObserver = (*Metrics)(nil)
)
