// Package circuitbreaker guards upstream dependencies (ledger history API,
// price feed, storefront) with closed → open → half-open state per host.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Call when the circuit for an upstream is open.
var ErrOpen = errors.New("circuitbreaker: upstream circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by upstream, from-state, and to-state.",
	}, []string{"upstream", "from_state", "to_state"})

	rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "circuitbreaker",
		Name:      "rejections_total",
		Help:      "Calls rejected because the upstream circuit was open.",
	}, []string{"upstream"})
)

func init() {
	prometheus.MustRegister(stateTransitions, rejections)
}

type upstream struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per upstream and trips open when
// they reach the threshold. After openDuration one probe is let through.
type Breaker struct {
	mu           sync.Mutex
	upstreams    map[string]*upstream
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	// IsFailure decides whether an error returned through Call counts
	// against the upstream. Nil means every non-nil error counts.
	IsFailure func(error) bool
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		upstreams:    make(map[string]*upstream),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Call runs fn if the circuit for key allows it and records the outcome.
func (b *Breaker) Call(key string, fn func() error) error {
	if !b.Allow(key) {
		rejections.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	if err != nil && (b.IsFailure == nil || b.IsFailure(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a request to key may proceed. An open circuit whose
// openDuration has elapsed moves to half-open and admits a single probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[key]
	if !ok {
		return true
	}

	switch u.state {
	case StateOpen:
		if b.now().Sub(u.lastFailure) >= b.openDuration {
			b.transition(u, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[key]
	if !ok {
		return
	}
	if u.state == StateHalfOpen {
		b.transition(u, key, StateClosed)
	}
	u.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[key]
	if !ok {
		u = &upstream{state: StateClosed}
		b.upstreams[key] = u
	}

	u.failures++
	u.lastFailure = b.now()

	switch {
	case u.state == StateHalfOpen:
		b.transition(u, key, StateOpen)
	case u.state == StateClosed && u.failures >= b.threshold:
		b.transition(u, key, StateOpen)
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u, ok := b.upstreams[key]; ok {
		return u.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) transition(u *upstream, key string, to State) {
	from := u.state
	if from == to {
		return
	}
	u.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
