package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects engine metrics. The no-op variant is used when metrics
// are disabled so callers never nil-check.
type Recorder interface {
	ObserveFetch(source, outcome string, attempts int)
	ObserveSweep(s Sweep)
	ObserveDispatch(outcome string)
	SetBreakerState(name string, state int)
	Handler() http.Handler
}

// Sweep summarises one evaluation pass.
type Sweep struct {
	Total     int
	Checked   int
	Triggered int
	Failed    int
	Duration  time.Duration
	Error     string
}

type promRecorder struct {
	gatherer prometheus.Gatherer

	fetchTotal    *prometheus.CounterVec
	fetchAttempts *prometheus.HistogramVec
	sweepTotal    *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	alarmsSeen    prometheus.Gauge
	alarmsChecked prometheus.Counter
	alarmsFired   prometheus.Counter
	alarmsFailed  prometheus.Counter
	dispatchTotal *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
}

// New returns a Prometheus-backed recorder registered on reg, or a no-op one
// when disabled. A nil reg uses a fresh private registry.
func New(enabled bool, reg *prometheus.Registry) Recorder {
	if !enabled {
		return Noop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &promRecorder{
		gatherer: reg,
		fetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratealarms_fetch_total",
			Help: "Rate source fetches by source and outcome",
		}, []string{"source", "outcome"}),
		fetchAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratealarms_fetch_attempts",
			Help:    "Attempts spent per source fetch",
			Buckets: []float64{1, 2, 3, 5},
		}, []string{"source"}),
		sweepTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratealarms_sweeps_total",
			Help: "Evaluation sweeps by result",
		}, []string{"result"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratealarms_sweep_duration_seconds",
			Help:    "Duration of evaluation sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		alarmsSeen: f.NewGauge(prometheus.GaugeOpts{
			Name: "ratealarms_alarms_last_sweep",
			Help: "Alarms enumerated by the most recent sweep",
		}),
		alarmsChecked: f.NewCounter(prometheus.CounterOpts{
			Name: "ratealarms_alarms_checked_total",
			Help: "Alarms evaluated against a current price",
		}),
		alarmsFired: f.NewCounter(prometheus.CounterOpts{
			Name: "ratealarms_alarms_triggered_total",
			Help: "Alarms whose notification was delivered",
		}),
		alarmsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "ratealarms_alarms_failed_total",
			Help: "Alarms that could not be evaluated or delivered",
		}),
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratealarms_dispatch_total",
			Help: "Push dispatches by outcome",
		}, []string{"outcome"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratealarms_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
	}
}

func (m *promRecorder) ObserveFetch(source, outcome string, attempts int) {
	m.fetchTotal.WithLabelValues(source, outcome).Inc()
	if attempts > 0 {
		m.fetchAttempts.WithLabelValues(source).Observe(float64(attempts))
	}
}

func (m *promRecorder) ObserveSweep(s Sweep) {
	result := "ok"
	if s.Error != "" {
		result = s.Error
	}
	m.sweepTotal.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(s.Duration.Seconds())
	m.alarmsSeen.Set(float64(s.Total))
	m.alarmsChecked.Add(float64(s.Checked))
	m.alarmsFired.Add(float64(s.Triggered))
	m.alarmsFailed.Add(float64(s.Failed))
}

func (m *promRecorder) ObserveDispatch(outcome string) {
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *promRecorder) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *promRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type noopRecorder struct{}

// Noop returns a recorder that discards everything.
func Noop() Recorder { return noopRecorder{} }

func (noopRecorder) ObserveFetch(_, _ string, _ int) {}
func (noopRecorder) ObserveSweep(_ Sweep)            {}
func (noopRecorder) ObserveDispatch(_ string)        {}
func (noopRecorder) SetBreakerState(_ string, _ int) {}
func (noopRecorder) Handler() http.Handler           { return http.NotFoundHandler() }
