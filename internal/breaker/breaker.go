// Package breaker provides per-dependency circuit breakers for outbound
// calls. One Breaker guards one back-end (an execution venue, a reasoning
// provider); instances are independent and their state is process-local.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is short-circuited without invoking
// the wrapped function, either because the breaker is OPEN or because the
// single HALF_OPEN probe slot is taken.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Settings configures one breaker instance.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays OPEN before admitting a
	// single HALF_OPEN probe.
	RecoveryTimeout time.Duration
}

// DefaultSettings returns the default breaker configuration.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}
}

var (
	stateGauge *prometheus.GaugeVec
	gaugeOnce  sync.Once
)

func initGauge() {
	gaugeOnce.Do(func() {
		stateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"target"},
		)
	})
}

// Breaker guards one outbound dependency.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a breaker for the named dependency.
func New(name string, settings Settings) *Breaker {
	initGauge()

	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultSettings().RecoveryTimeout
	}

	threshold := uint32(settings.FailureThreshold)

	b := &Breaker{name: name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// Exactly one probe is admitted in HALF_OPEN; concurrent callers
		// get ErrTooManyRequests, which maps to ErrCircuitOpen.
		MaxRequests: 1,
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			stateGauge.WithLabelValues(name).Set(stateValue(to))
			log.Warn().
				Str("target", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	stateGauge.WithLabelValues(name).Set(stateValue(b.cb.State()))

	return b
}

// Call executes fn unless the breaker is OPEN. The outcome is recorded:
// a success in CLOSED resets the consecutive-failure counter, a success in
// HALF_OPEN closes the breaker, and a failure in HALF_OPEN re-opens it.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state as a string
// ("closed", "open", "half-open").
func (b *Breaker) State() string { return b.cb.State().String() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}

// Registry hands out one breaker per dependency name.
type Registry struct {
	settings Settings
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers all share settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it CLOSED on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings)
	r.breakers[name] = b
	return b
}
