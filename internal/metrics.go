package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"huddle/internal/storage"
)

// Metrics owns a private Prometheus registry so several servers can live in
// one process (tests, local mode) without colliding on the default one.
type Metrics struct {
	registry        *prometheus.Registry
	activeConns     prometheus.Gauge
	messagesSent    prometheus.Counter
	sendFailures    prometheus.Counter
	signIns         prometheus.Counter
	signalsRelayed  *prometheus.CounterVec
	sessionsExpired prometheus.Counter
	messagesPruned  prometheus.Counter
	chatbotRequests *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_ws_active_connections",
			Help: "Open session feed websockets.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_messages_sent_total",
			Help: "Messages appended to a session log.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_message_send_failures_total",
			Help: "Sends rejected by validation or the store.",
		}),
		signIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_anonymous_signins_total",
			Help: "Anonymous identities issued.",
		}),
		signalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signals_relayed_total",
			Help: "Call signals forwarded by the relay.",
		}, []string{"type"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_sessions_expired_total",
			Help: "Sessions removed by the cleanup job.",
		}),
		messagesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_messages_pruned_total",
			Help: "Expired messages removed from live sessions.",
		}),
		chatbotRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_chatbot_requests_total",
			Help: "Chatbot proxy requests by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.activeConns,
		m.messagesSent,
		m.sendFailures,
		m.signIns,
		m.signalsRelayed,
		m.sessionsExpired,
		m.messagesPruned,
		m.chatbotRequests,
	)
	return m
}

func (m *Metrics) IncConn() {
	m.activeConns.Inc()
}

func (m *Metrics) DecConn() {
	m.activeConns.Dec()
}

func (m *Metrics) IncSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) IncSendFailure() {
	m.sendFailures.Inc()
}

func (m *Metrics) IncSignIn() {
	m.signIns.Inc()
}

// ObserveSignal is the relay hook.
func (m *Metrics) ObserveSignal(frameType string) {
	m.signalsRelayed.WithLabelValues(frameType).Inc()
}

// ObserveChatbot is the chatbot handler hook.
func (m *Metrics) ObserveChatbot(outcome string) {
	m.chatbotRequests.WithLabelValues(outcome).Inc()
}

// ObserveSweep is the cleanup job hook.
func (m *Metrics) ObserveSweep(result *storage.SweepResult) {
	if result == nil {
		return
	}
	m.sessionsExpired.Add(float64(len(result.SessionIDs)))
	m.messagesPruned.Add(float64(result.MessagesDeleted))
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
