package prometheus

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// Metrics holds the rate limiter collectors. Bucket events are labelled by
// limiter name, executor events by operation and outcome.
type Metrics struct {
	ConsumedTokens    *prometheus.CounterVec
	RejectedTokens    *prometheus.CounterVec
	ParkedSeconds     *prometheus.HistogramVec
	Interrupted       *prometheus.CounterVec
	DelayedSeconds    *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	CASAttempts       *prometheus.HistogramVec
	ExecutionDuration *prometheus.HistogramVec
}

var _ remote.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors under namespace and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		ConsumedTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_consumed_total",
				Help:      "Tokens consumed from buckets.",
			},
			[]string{"limiter"},
		),
		RejectedTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_rejected_total",
				Help:      "Tokens requested but refused.",
			},
			[]string{"limiter"},
		),
		ParkedSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "parked_seconds",
				Help:      "Time callers spent parked waiting for tokens.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
			},
			[]string{"limiter"},
		),
		Interrupted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interrupted_total",
				Help:      "Blocking waits interrupted before tokens became available.",
			},
			[]string{"limiter"},
		),
		DelayedSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delayed_seconds_total",
				Help:      "Delay handed to schedulers by reservations.",
			},
			[]string{"limiter"},
		),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Commands executed against the distributed store.",
			},
			[]string{"op", "result"},
		),
		CASAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cas_attempts",
				Help:      "Compare-and-swap attempts per command.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"op"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Time to execute a command including retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(
		m.ConsumedTokens,
		m.RejectedTokens,
		m.ParkedSeconds,
		m.Interrupted,
		m.DelayedSeconds,
		m.Executions,
		m.CASAttempts,
		m.ExecutionDuration,
	)

	return m
}

// Listener returns a ratelimiter.Listener recording events for the named limiter.
func (m *Metrics) Listener(limiter string) ratelimiter.Listener {
	return &listener{m: m, limiter: limiter}
}

// OnExecuted implements remote.Observer.
func (m *Metrics) OnExecuted(op ratelimiter.Op, attempts int, elapsed time.Duration, err error) {
	m.Executions.WithLabelValues(string(op), outcome(err)).Inc()
	if attempts > 0 {
		m.CASAttempts.WithLabelValues(string(op)).Observe(float64(attempts))
	}
	m.ExecutionDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	var exhausted *remote.RetryExhaustedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &exhausted):
		return "retries_exhausted"
	case errors.Is(err, ratelimiter.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ratelimiter.ErrContextCancelled):
		return "cancelled"
	}
	return "error"
}

// Handler returns the HTTP handler for the /metrics endpoint of reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

type listener struct {
	m       *Metrics
	limiter string
}

func (l *listener) OnConsumed(tokens int64) {
	l.m.ConsumedTokens.WithLabelValues(l.limiter).Add(float64(tokens))
}

func (l *listener) OnRejected(tokens int64) {
	l.m.RejectedTokens.WithLabelValues(l.limiter).Add(float64(tokens))
}

func (l *listener) OnParked(nanos int64) {
	l.m.ParkedSeconds.WithLabelValues(l.limiter).Observe(time.Duration(nanos).Seconds())
}

func (l *listener) OnInterrupted(error) {
	l.m.Interrupted.WithLabelValues(l.limiter).Inc()
}

func (l *listener) OnDelayed(nanos int64) {
	l.m.DelayedSeconds.WithLabelValues(l.limiter).Add(time.Duration(nanos).Seconds())
}
