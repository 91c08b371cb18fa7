package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/p4net/model"
)

// LifecycleCollector exposes node lifecycle metrics. It satisfies
// lifecycle.MetricsRecorder.
type LifecycleCollector struct {
	gatherer prometheus.Gatherer

	Transitions     *prometheus.CounterVec
	CompileDuration *prometheus.HistogramVec
	BringUpDuration *prometheus.HistogramVec
	RebootDuration  *prometheus.HistogramVec
}

// NewLifecycleCollector registers lifecycle metrics against the provided registerer.
func NewLifecycleCollector(reg prometheus.Registerer) (*LifecycleCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p4net_node_transitions_total",
		Help: "Node lifecycle transitions, labeled by node kind and target state.",
	}, []string{"kind", "from", "to"}), "p4net_node_transitions_total")
	if err != nil {
		return nil, err
	}

	compile, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p4net_compile_duration_seconds",
		Help:    "Duration of data-plane program compilations.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"result"}), "p4net_compile_duration_seconds")
	if err != nil {
		return nil, err
	}

	bringUp, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p4net_node_bringup_duration_seconds",
		Help:    "Time from Unconfigured to Running or Failed for a node.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind", "result"}), "p4net_node_bringup_duration_seconds")
	if err != nil {
		return nil, err
	}

	reboot, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p4net_switch_reboot_duration_seconds",
		Help:    "Duration of in-place switch reboots.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"result"}), "p4net_switch_reboot_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &LifecycleCollector{
		gatherer:        gatherer,
		Transitions:     transitions,
		CompileDuration: compile,
		BringUpDuration: bringUp,
		RebootDuration:  reboot,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LifecycleCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *LifecycleCollector) ObserveTransition(kind model.NodeKind, from, to model.LifecycleState) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues(kind.String(), from.String(), to.String()).Inc()
}

func (c *LifecycleCollector) ObserveCompile(d time.Duration, err error) {
	if c == nil || c.CompileDuration == nil {
		return
	}
	c.CompileDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

func (c *LifecycleCollector) ObserveBringUp(kind model.NodeKind, d time.Duration, err error) {
	if c == nil || c.BringUpDuration == nil {
		return
	}
	c.BringUpDuration.WithLabelValues(kind.String(), result(err)).Observe(d.Seconds())
}

func (c *LifecycleCollector) ObserveReboot(d time.Duration, err error) {
	if c == nil || c.RebootDuration == nil {
		return
	}
	c.RebootDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

// ControlPlaneCollector exposes control-plane client metrics. It satisfies
// cpclient.MetricsRecorder.
type ControlPlaneCollector struct {
	Connects             *prometheus.CounterVec
	ConnectAttempts      prometheus.Histogram
	Requests             *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	OpenSessions         prometheus.Gauge
	NotificationsDropped prometheus.Counter
}

// NewControlPlaneCollector registers control-plane metrics against the
// provided registerer.
func NewControlPlaneCollector(reg prometheus.Registerer) (*ControlPlaneCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	connects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p4net_cp_connects_total",
		Help: "Control-plane connection outcomes.",
	}, []string{"result"}), "p4net_cp_connects_total")
	if err != nil {
		return nil, err
	}

	attempts, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "p4net_cp_connect_attempts",
		Help:    "Attempts needed to reach a switch's control endpoint.",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
	}), "p4net_cp_connect_attempts")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p4net_cp_requests_total",
		Help: "Control-plane requests, labeled by operation and result.",
	}, []string{"op", "result"}), "p4net_cp_requests_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p4net_cp_request_duration_seconds",
		Help:    "Control-plane request round-trip time.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"}), "p4net_cp_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "p4net_cp_sessions_open",
		Help: "Open control-plane sessions.",
	}), "p4net_cp_sessions_open")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "p4net_cp_notifications_dropped_total",
		Help: "Switch notifications dropped because no subscriber kept up.",
	}), "p4net_cp_notifications_dropped_total")
	if err != nil {
		return nil, err
	}

	return &ControlPlaneCollector{
		Connects:             connects,
		ConnectAttempts:      attempts,
		Requests:             requests,
		RequestDuration:      duration,
		OpenSessions:         sessions,
		NotificationsDropped: dropped,
	}, nil
}

func (c *ControlPlaneCollector) ObserveConnect(_ string, attempts int, err error) {
	if c == nil {
		return
	}
	c.Connects.WithLabelValues(result(err)).Inc()
	c.ConnectAttempts.Observe(float64(attempts))
}

func (c *ControlPlaneCollector) ObserveRequest(op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(op, result(err)).Inc()
	c.RequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *ControlPlaneCollector) SessionOpened() {
	if c != nil {
		c.OpenSessions.Inc()
	}
}

func (c *ControlPlaneCollector) SessionClosed() {
	if c != nil {
		c.OpenSessions.Dec()
	}
}

func (c *ControlPlaneCollector) NotificationDropped() {
	if c != nil {
		c.NotificationsDropped.Inc()
	}
}
