package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execution_core"

// Recorder exposes execution metrics to Prometheus. Each Recorder owns its
// registry so several can live in one process.
type Recorder struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	brokerLatency  *prometheus.HistogramVec
	orderRTT       *prometheus.HistogramVec
	riskDecisions  *prometheus.CounterVec
	tradeOutcomes  *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	drawdownLevel  prometheus.Gauge
	drawdownPct    prometheus.Gauge
	exposure       prometheus.Gauge
	psi            *prometheus.GaugeVec
	linkUp         prometheus.Gauge
	mode           *prometheus.GaugeVec
	halted         prometheus.Gauge
	droppedEvents  *prometheus.CounterVec
	idempotentHits prometheus.Counter
	apiRequests    *prometheus.HistogramVec
}

// NewRecorder creates a recorder with a private registry that also carries
// the Go runtime collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Requests handled by the gateway by type, status and error code.",
		}, []string{"type", "status", "code"}),
		brokerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_call_duration_seconds",
			Help:      "Duration of broker calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		orderRTT: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_round_trip_seconds",
			Help:      "Brain to gateway round trip per message type.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"type"}),
		riskDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_decisions_total",
			Help:      "Risk decisions by outcome and first reject code.",
		}, []string{"decision", "code"}),
		tradeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_outcomes_total",
			Help:      "Booked trade outcomes by status.",
		}, []string{"kind", "status"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per symbol (0 closed, 1 open, 2 half-open).",
		}, []string{"symbol"}),
		drawdownLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_level",
			Help:      "Drawdown level (0 normal, 1 warning, 2 critical, 3 halt).",
		}),
		drawdownPct: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_percent",
			Help:      "Drawdown from peak equity in percent.",
		}),
		exposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gross_exposure",
			Help:      "Gross open notional in account currency.",
		}),
		psi: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_psi",
			Help:      "Latest population stability index per feature.",
		}, []string{"feature"}),
		linkUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_link_up",
			Help:      "1 while the heartbeat considers the gateway link up.",
		}),
		mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_mode",
			Help:      "1 for the active execution mode.",
		}, []string{"mode"}),
		halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guardian_halted",
			Help:      "1 while the guardian halt latch is set.",
		}),
		droppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped for slow subscribers.",
		}, []string{"subscriber"}),
		idempotentHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_idempotent_replays_total",
			Help:      "Requests answered from the idempotency cache.",
		}),
		apiRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operator_api_request_duration_seconds",
			Help:      "Operator API request duration by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) RecordRequest(typ, status, code string) {
	r.requests.WithLabelValues(typ, status, code).Inc()
}

func (r *Recorder) RecordBrokerCall(op string, d time.Duration) {
	r.brokerLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) RecordRoundTrip(typ string, d time.Duration) {
	r.orderRTT.WithLabelValues(typ).Observe(d.Seconds())
}

func (r *Recorder) RecordDecision(decision, code string) {
	r.riskDecisions.WithLabelValues(decision, code).Inc()
}

func (r *Recorder) RecordOutcome(kind, status string) {
	r.tradeOutcomes.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) SetBreakerState(symbol string, state int) {
	r.breakerState.WithLabelValues(symbol).Set(float64(state))
}

func (r *Recorder) SetDrawdown(level int, pct float64) {
	r.drawdownLevel.Set(float64(level))
	r.drawdownPct.Set(pct)
}

func (r *Recorder) SetExposure(total float64) { r.exposure.Set(total) }

func (r *Recorder) SetPSI(feature string, psi float64) {
	r.psi.WithLabelValues(feature).Set(psi)
}

func (r *Recorder) SetLinkUp(up bool) { r.linkUp.Set(boolGauge(up)) }

// SetMode marks active as the only current mode.
func (r *Recorder) SetMode(active string, all ...string) {
	for _, m := range all {
		r.mode.WithLabelValues(m).Set(boolGauge(m == active))
	}
	r.mode.WithLabelValues(active).Set(1)
}

func (r *Recorder) SetHalted(h bool) { r.halted.Set(boolGauge(h)) }

func (r *Recorder) AddDropped(subscriber string, n float64) {
	if n > 0 {
		r.droppedEvents.WithLabelValues(subscriber).Add(n)
	}
}

func (r *Recorder) RecordIdempotentHit() { r.idempotentHits.Inc() }

func (r *Recorder) RecordAPIRequest(method, route string, status int, d time.Duration) {
	r.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
