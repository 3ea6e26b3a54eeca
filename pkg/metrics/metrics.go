// Package metrics собирает Prometheus метрики виртуальных телефонов и медиа сессий.
//
// Все методы Collector допускают nil получатель: компоненты без метрик
// передают nil и не проверяют его сами.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config конфигурация системы метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Registry регистр; nil создает новый
	Registry *prometheus.Registry
	// Runtime добавляет go и process коллекторы
	Runtime bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "vphone", Runtime: true}
}

// Collector набор метрик endpoint'ов и RTP сессий
type Collector struct {
	registry *prometheus.Registry

	stateTransitions *prometheus.CounterVec
	registrations    *prometheus.CounterVec
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callDuration     prometheus.Histogram
	transactionFails *prometheus.CounterVec
	authChallenges   *prometheus.CounterVec

	rtpSessions   *prometheus.GaugeVec
	rtpPackets    *prometheus.CounterVec
	rtpLost       *prometheus.CounterVec
	rtpLate       *prometheus.CounterVec
	rtpJitter     *prometheus.HistogramVec
	rtcpPackets   *prometheus.CounterVec
	mediaFailures *prometheus.CounterVec
}

// New создает Collector и регистрирует метрики в cfg.Registry
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "vphone"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if cfg.Runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ns := cfg.Namespace
	f := promauto.With(reg)
	return &Collector{
		registry: reg,

		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "endpoint",
			Name: "state_transitions_total",
			Help: "Endpoint state machine transitions",
		}, []string{"from_state", "to_state"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "endpoint",
			Name: "registrations_total",
			Help: "REGISTER attempts by result",
		}, []string{"result"}),
		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "endpoint",
			Name: "calls_total",
			Help: "Calls by direction and result",
		}, []string{"direction", "result"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "endpoint",
			Name: "calls_active",
			Help: "Calls currently established",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "endpoint",
			Name:    "call_duration_seconds",
			Help:    "Duration of established calls",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800},
		}),
		transactionFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transaction",
			Name: "failures_total",
			Help: "Client transactions that ended without a final response",
		}, []string{"method", "reason"}),
		authChallenges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "auth",
			Name: "challenges_total",
			Help: "Digest challenges by outcome",
		}, []string{"method", "outcome"}),

		rtpSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "rtp",
			Name: "sessions_active",
			Help: "Running RTP sessions by mode",
		}, []string{"mode"}),
		rtpPackets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rtp",
			Name: "packets_total",
			Help: "RTP packets by mode and direction",
		}, []string{"mode", "direction"}),
		rtpLost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rtp",
			Name: "packets_lost_total",
			Help: "RTP packets detected as lost",
		}, []string{"mode"}),
		rtpLate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rtp",
			Name: "packets_late_total",
			Help: "RTP packets that arrived after their slot was released",
		}, []string{"mode"}),
		rtpJitter: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "rtp",
			Name:    "jitter_milliseconds",
			Help:    "Interarrival jitter sampled at session stop",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}, []string{"mode"}),
		rtcpPackets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rtcp",
			Name: "packets_total",
			Help: "RTCP compound packets by direction",
		}, []string{"direction"}),
		mediaFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rtp",
			Name: "failures_total",
			Help: "Media errors by operation",
		}, []string{"op"}),
	}
}

// Registry возвращает регистр метрик
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler отдает метрики в формате Prometheus
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Registration(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

// CallEstablished отмечает переход вызова в InCall
func (c *Collector) CallEstablished(direction string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(direction, "established").Inc()
	c.callsActive.Inc()
}

// CallFailed отмечает вызов, не дошедший до InCall
func (c *Collector) CallFailed(direction, reason string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(direction, reason).Inc()
}

// CallEnded отмечает завершение установленного вызова
func (c *Collector) CallEnded(d time.Duration) {
	if c == nil {
		return
	}
	c.callsActive.Dec()
	c.callDuration.Observe(d.Seconds())
}

func (c *Collector) TransactionFailed(method, reason string) {
	if c == nil {
		return
	}
	c.transactionFails.WithLabelValues(method, reason).Inc()
}

func (c *Collector) AuthChallenge(method, outcome string) {
	if c == nil {
		return
	}
	c.authChallenges.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) SessionStarted(mode string) {
	if c == nil {
		return
	}
	c.rtpSessions.WithLabelValues(mode).Inc()
}

// SessionStopped снимает сессию с учета и фиксирует итоговый jitter
func (c *Collector) SessionStopped(mode string, jitterMs float64) {
	if c == nil {
		return
	}
	c.rtpSessions.WithLabelValues(mode).Dec()
	c.rtpJitter.WithLabelValues(mode).Observe(jitterMs)
}

func (c *Collector) PacketReceived(mode string) {
	if c == nil {
		return
	}
	c.rtpPackets.WithLabelValues(mode, "rx").Inc()
}

func (c *Collector) PacketSent(mode string) {
	if c == nil {
		return
	}
	c.rtpPackets.WithLabelValues(mode, "tx").Inc()
}

func (c *Collector) PacketsLost(mode string, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.rtpLost.WithLabelValues(mode).Add(float64(n))
}

func (c *Collector) PacketLate(mode string) {
	if c == nil {
		return
	}
	c.rtpLate.WithLabelValues(mode).Inc()
}

func (c *Collector) RTCP(direction string) {
	if c == nil {
		return
	}
	c.rtcpPackets.WithLabelValues(direction).Inc()
}

func (c *Collector) MediaFailure(op string) {
	if c == nil {
		return
	}
	c.mediaFailures.WithLabelValues(op).Inc()
}
