// Package telemetry receives routing attempt events and circuit transitions
// from every stage of the gateway, exports them to Prometheus, and maintains
// the rolling per-provider statistics consumed by the performance and
// availability selection strategies.
package telemetry

import (
	"sync"
	"time"

	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/circuitbreaker"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives one event per routing attempt and per circuit transition.
type Sink interface {
	RecordAttempt(attempt models.RoutingAttempt)
	RecordTransition(provider string, from, to circuitbreaker.State)
}

// statWindow controls how much history the rolling averages retain. Values
// decay exponentially so a provider recovering from a bad patch regains
// routing preference within a few dozen requests.
const ewmaAlpha = 0.2

type providerStats struct {
	avgLatency time.Duration
	errorRate  float64
	samples    int64
}

// Service is the default Sink. It is safe for concurrent use.
type Service struct {
	mu    sync.RWMutex
	stats map[string]*providerStats

	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	circuitOpen *prometheus.GaugeVec
	tokens      *prometheus.CounterVec
}

// New creates a telemetry service and registers its collectors with the
// given registry. Pass prometheus.NewRegistry() in tests to avoid global
// registration conflicts.
func New(reg prometheus.Registerer) *Service {
	s := &Service{
		stats: make(map[string]*providerStats),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "routing_attempts_total",
				Help:      "Routing attempts by provider, capability and outcome",
			},
			[]string{"provider", "capability", "outcome", "error_kind"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modelgate",
				Name:      "attempt_latency_seconds",
				Help:      "Provider attempt latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "circuit_transitions_total",
				Help:      "Circuit breaker transitions by provider and target state",
			},
			[]string{"provider", "to"},
		),
		circuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "modelgate",
				Name:      "circuit_open",
				Help:      "1 while the provider circuit is open, 0 otherwise",
			},
			[]string{"provider"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "tokens_total",
				Help:      "Tokens consumed by provider, model and direction",
			},
			[]string{"provider", "model", "direction"},
		),
	}
	reg.MustRegister(s.attempts, s.latency, s.transitions, s.circuitOpen, s.tokens)
	return s
}

// RecordAttempt ingests one routing attempt.
func (s *Service) RecordAttempt(attempt models.RoutingAttempt) {
	s.attempts.WithLabelValues(
		attempt.ProviderID,
		string(attempt.Capability),
		string(attempt.Outcome),
		string(attempt.ErrorKind),
	).Inc()

	// Skipped and caller-canceled attempts carry no signal about provider
	// latency or health; count them and stop.
	if attempt.Outcome == models.OutcomeSkippedOpen || attempt.Outcome == models.OutcomeCanceled {
		return
	}

	s.latency.WithLabelValues(attempt.ProviderID, attempt.ModelID).Observe(attempt.Latency.Seconds())
	if attempt.Outcome == models.OutcomeSuccess {
		s.tokens.WithLabelValues(attempt.ProviderID, attempt.ModelID, "input").Add(float64(attempt.Usage.InputTokens))
		s.tokens.WithLabelValues(attempt.ProviderID, attempt.ModelID, "output").Add(float64(attempt.Usage.OutputTokens))
	}

	s.observe(attempt.ProviderID, attempt.Latency, attempt.Outcome != models.OutcomeSuccess)
}

// RecordTransition ingests one circuit breaker transition.
func (s *Service) RecordTransition(provider string, from, to circuitbreaker.State) {
	s.transitions.WithLabelValues(provider, to.String()).Inc()
	if to == circuitbreaker.Open {
		s.circuitOpen.WithLabelValues(provider).Set(1)
	} else {
		s.circuitOpen.WithLabelValues(provider).Set(0)
	}
	fiberlog.Infof("Telemetry: circuit for %s transitioned %s -> %s", provider, from, to)
}

func (s *Service) observe(provider string, latency time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[provider]
	if !ok {
		st = &providerStats{}
		s.stats[provider] = st
	}
	st.samples++

	failure := 0.0
	if failed {
		failure = 1.0
	}
	if st.samples == 1 {
		st.avgLatency = latency
		st.errorRate = failure
		return
	}
	st.avgLatency = time.Duration(float64(st.avgLatency)*(1-ewmaAlpha) + float64(latency)*ewmaAlpha)
	st.errorRate = st.errorRate*(1-ewmaAlpha) + failure*ewmaAlpha
}

// AvgLatency returns the rolling average latency for a provider. Providers
// with no observations report zero, which sorts them first so new providers
// get traffic.
func (s *Service) AvgLatency(provider string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stats[provider]; ok {
		return st.avgLatency
	}
	return 0
}

// ErrorRate returns the rolling error rate for a provider in [0, 1].
func (s *Service) ErrorRate(provider string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stats[provider]; ok {
		return st.errorRate
	}
	return 0
}
