package ec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы запроса для метки outcome.
const (
	outcomeOK           = "ok"
	outcomeSent         = "sent"
	outcomePeerError    = "peer_error"
	outcomeUnrecognized = "unrecognized"
	outcomeIDMismatch   = "id_mismatch"
	outcomeIOError      = "io_error"
	outcomeNotConnected = "not_connected"
)

// Роли соединения для метки role.
const (
	RoleCommand = "command"
	RoleMonitor = "monitor"
)

// Metrics содержит метрики командного канала.
// Nil *Metrics допустим: все методы в этом случае ничего не делают.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Connected *prometheus.GaugeVec
}

// NewMetrics создает метрики; регистрация выполняется отдельно через Register.
func NewMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elite",
				Subsystem: "channel",
				Name:      "requests_total",
				Help:      "Total number of commands sent to the robot controller",
			},
			[]string{"robot", "method", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "elite",
				Subsystem: "channel",
				Name:      "request_duration_seconds",
				Help:      "Command round trip duration in seconds",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"robot", "method"},
		),
		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "elite",
				Subsystem: "channel",
				Name:      "connected",
				Help:      "Connection state per role (1=connected, 0=disconnected)",
			},
			[]string{"robot", "role"},
		),
	}
}

// Register регистрирует все метрики в переданном реестре.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Requests, m.Duration, m.Connected} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(robot, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(robot, method, outcome).Inc()
	if outcome != outcomeNotConnected {
		m.Duration.WithLabelValues(robot, method).Observe(d.Seconds())
	}
}

func (m *Metrics) setConnected(robot, role string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.Connected.WithLabelValues(robot, role).Set(v)
}
