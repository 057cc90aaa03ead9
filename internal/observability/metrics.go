package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CoordinatorCollector bundles Prometheus metrics for the conflict manager
// and the ANQP scheduler. It satisfies the Metrics interfaces both consumers
// declare, so it can be injected directly.
type CoordinatorCollector struct {
	gatherer prometheus.Gatherer

	ConflictDecisions *prometheus.CounterVec
	DialogsLaunched   prometheus.Counter
	DialogsResolved   *prometheus.CounterVec

	ANQPRequests     *prometheus.CounterVec
	ANQPTimeouts     prometheus.Counter
	ANQPQueue        prometheus.Gauge
	ANQPHoldOff      prometheus.Gauge
	LiveIfacesByType *prometheus.GaugeVec
}

// NewCoordinatorCollector registers coordinator Prometheus metrics against
// the provided registerer, defaulting to the global Prometheus registry when
// nil.
func NewCoordinatorCollector(reg prometheus.Registerer) (*CoordinatorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wifi_conflict_decisions_total",
		Help: "Interface conflict arbitration verdicts, labeled by outcome.",
	}, []string{"outcome"})
	decisions, err := registerCounterVec(reg, decisions, "wifi_conflict_decisions_total")
	if err != nil {
		return nil, err
	}

	launched, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifi_conflict_dialogs_launched_total",
		Help: "Approval dialogs shown to the user.",
	}), "wifi_conflict_dialogs_launched_total")
	if err != nil {
		return nil, err
	}

	resolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wifi_conflict_dialogs_resolved_total",
		Help: "Approval dialog resolutions, labeled by the user's decision.",
	}, []string{"decision"})
	resolved, err = registerCounterVec(reg, resolved, "wifi_conflict_dialogs_resolved_total")
	if err != nil {
		return nil, err
	}

	anqpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wifi_anqp_requests_total",
		Help: "ANQP queue outcomes per dequeued request, labeled by result.",
	}, []string{"result"})
	anqpRequests, err = registerCounterVec(reg, anqpRequests, "wifi_anqp_requests_total")
	if err != nil {
		return nil, err
	}

	timeouts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifi_anqp_timeouts_total",
		Help: "ANQP queries abandoned by the retry alarm.",
	}), "wifi_anqp_timeouts_total")
	if err != nil {
		return nil, err
	}

	queueDepth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wifi_anqp_queue_depth",
		Help: "ANQP requests currently queued behind the in-flight query.",
	}), "wifi_anqp_queue_depth")
	if err != nil {
		return nil, err
	}

	holdOffPeers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wifi_anqp_holdoff_peers",
		Help: "Peers currently tracked with an active or expired hold-off entry.",
	}), "wifi_anqp_holdoff_peers")
	if err != nil {
		return nil, err
	}

	liveIfaces := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wifi_live_ifaces",
		Help: "Radio interfaces currently alive, labeled by interface type.",
	}, []string{"type"})
	liveIfaces, err = registerGaugeVec(reg, liveIfaces, "wifi_live_ifaces")
	if err != nil {
		return nil, err
	}

	return &CoordinatorCollector{
		gatherer:          gatherer,
		ConflictDecisions: decisions,
		DialogsLaunched:   launched,
		DialogsResolved:   resolved,
		ANQPRequests:      anqpRequests,
		ANQPTimeouts:      timeouts,
		ANQPQueue:         queueDepth,
		ANQPHoldOff:       holdOffPeers,
		LiveIfacesByType:  liveIfaces,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CoordinatorCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ConflictDecision records one arbitration verdict.
func (c *CoordinatorCollector) ConflictDecision(outcome string) {
	if c == nil || c.ConflictDecisions == nil {
		return
	}
	c.ConflictDecisions.WithLabelValues(outcome).Inc()
}

// DialogLaunched records one approval dialog shown.
func (c *CoordinatorCollector) DialogLaunched() {
	if c == nil || c.DialogsLaunched == nil {
		return
	}
	c.DialogsLaunched.Inc()
}

// DialogResolved records the user's decision.
func (c *CoordinatorCollector) DialogResolved(approved bool) {
	if c == nil || c.DialogsResolved == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	c.DialogsResolved.WithLabelValues(decision).Inc()
}

// ANQPRequest records the outcome of one dequeued ANQP request.
func (c *CoordinatorCollector) ANQPRequest(result string) {
	if c == nil || c.ANQPRequests == nil {
		return
	}
	c.ANQPRequests.WithLabelValues(result).Inc()
}

// ANQPTimeout records one abandoned in-flight query.
func (c *CoordinatorCollector) ANQPTimeout() {
	if c == nil || c.ANQPTimeouts == nil {
		return
	}
	c.ANQPTimeouts.Inc()
}

// ANQPQueueDepth updates the queue depth gauge.
func (c *CoordinatorCollector) ANQPQueueDepth(depth int) {
	if c == nil || c.ANQPQueue == nil {
		return
	}
	c.ANQPQueue.Set(float64(depth))
}

// ANQPHoldOffPeers updates the tracked-peer gauge.
func (c *CoordinatorCollector) ANQPHoldOffPeers(peers int) {
	if c == nil || c.ANQPHoldOff == nil {
		return
	}
	c.ANQPHoldOff.Set(float64(peers))
}

// SetLiveIfaces replaces the per-type live interface gauges.
func (c *CoordinatorCollector) SetLiveIfaces(countsByType map[string]int) {
	if c == nil || c.LiveIfacesByType == nil {
		return
	}
	c.LiveIfacesByType.Reset()
	for t, n := range countsByType {
		c.LiveIfacesByType.WithLabelValues(t).Set(float64(n))
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
