package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Breaker service classes.
const (
	ServiceExchange = "exchange"
	ServiceLLM      = "llm"
	ServiceDatabase = "database"
)

// Per-class breaker tuning. LLM calls get the longest open timeout since
// provider incidents tend to outlast exchange blips; the database breaker
// recovers fastest.
var breakerSettings = map[string]struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}{
	ServiceExchange: {5, 0.6, 30 * time.Second, 3, 10 * time.Second},
	ServiceLLM:      {3, 0.6, 60 * time.Second, 2, 10 * time.Second},
	ServiceDatabase: {10, 0.6, 15 * time.Second, 5, 10 * time.Second},
}

type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "perparena_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				},
				[]string{"service"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "perparena_circuit_breaker_requests_total",
					Help: "Requests through each circuit breaker by result",
				},
				[]string{"service", "result"},
			),
		}
	})
}

// BreakerManager holds one circuit breaker per outbound service class.
type BreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *breakerMetrics
}

// NewBreakerManager builds breakers for all service classes.
func NewBreakerManager() *BreakerManager {
	initBreakerMetrics()

	m := &BreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(breakerSettings)),
		metrics:  globalBreakerMetrics,
	}
	for service, s := range breakerSettings {
		m.breakers[service] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        service,
			MaxRequests: s.HalfOpenMaxReqs,
			Interval:    s.CountInterval,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= s.MinRequests && ratio >= s.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.metrics.state.WithLabelValues(name).Set(float64(to))
			},
		})
		m.metrics.state.WithLabelValues(service).Set(float64(gobreaker.StateClosed))
	}
	return m
}

// Execute runs fn through the named service's breaker. An open breaker
// fails fast with gobreaker.ErrOpenState.
func (m *BreakerManager) Execute(service string, fn func() (interface{}, error)) (interface{}, error) {
	cb, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	result, err := cb.Execute(fn)
	if err != nil {
		m.metrics.requests.WithLabelValues(service, "failure").Inc()
		return nil, err
	}
	m.metrics.requests.WithLabelValues(service, "success").Inc()
	return result, nil
}

// State reports the named breaker's current state.
func (m *BreakerManager) State(service string) gobreaker.State {
	if cb, ok := m.breakers[service]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
