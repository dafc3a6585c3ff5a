package supersocket

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-role session statistics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessions   *prometheus.GaugeVec
	handshakes *prometheus.CounterVec
	messages   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supersocket",
			Name:      "sessions_active",
			Help:      "Number of open sessions.",
		}, []string{"role"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supersocket",
			Name:      "handshakes_total",
			Help:      "Session establishments by outcome.",
		}, []string{"role", "result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supersocket",
			Name:      "messages_total",
			Help:      "Messages sent and received.",
		}, []string{"role", "direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supersocket",
			Name:      "payload_bytes_total",
			Help:      "Application payload bytes sent and received.",
		}, []string{"role", "direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supersocket",
			Name:      "errors_total",
			Help:      "Failed session operations by kind.",
		}, []string{"role", "op", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.handshakes, m.messages, m.bytes, m.errors)
	}
	return m
}

func (m *Metrics) sessionOpened(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Inc()
}

func (m *Metrics) sessionClosed(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Dec()
}

func (m *Metrics) handshake(role string, state KeyState, err error) {
	if m == nil {
		return
	}
	result := state.String()
	if err != nil {
		result = "failed"
	}
	m.handshakes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) message(role, direction string, n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(role, direction).Inc()
	m.bytes.WithLabelValues(role, direction).Add(float64(n))
}

func (m *Metrics) failure(role, op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(role, op, errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake"
	case errors.Is(err, ErrDecryptionFailed):
		return "decrypt"
	case errors.Is(err, ErrEncryptionFailed):
		return "encrypt"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	}
	return "other"
}
