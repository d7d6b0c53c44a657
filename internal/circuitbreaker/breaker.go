// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
//
// The reconciler keys it by currency (e.g. "BTC/MAIN") so that an explorer
// outage stops hammering that explorer without affecting other currencies.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe allowed
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
		Namespace: "cryptohook",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	openCircuits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cryptohook",
		Subsystem: "circuitbreaker",
		Name:      "open",
		Help:      "1 while the circuit for a key is open or half-open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(stateTransitions, openCircuits)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key and trips open at threshold.
// After cooldown the key moves to half-open and one probe is let through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition sets a callback invoked (synchronously, without the lock
// held) on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.state == StateClosed {
		b.mu.Unlock()
		return true
	}
	if e.state == StateHalfOpen || b.now().Sub(e.lastFailure) < b.cooldown {
		b.mu.Unlock()
		return false
	}
	notify := b.transitionLocked(e, key, StateHalfOpen)
	b.mu.Unlock()
	notify()
	return true
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	notify := b.transitionLocked(e, key, StateClosed)
	b.mu.Unlock()
	notify()
}

// RecordFailure counts a failure. A failed half-open probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	notify := func() {}
	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		notify = b.transitionLocked(e, key, StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// transitionLocked changes state and returns the callback to run once the
// lock is released. Caller must hold b.mu.
func (b *Breaker) transitionLocked(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return func() {}
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if to == StateClosed {
		openCircuits.WithLabelValues(key).Set(0)
	} else {
		openCircuits.WithLabelValues(key).Set(1)
	}
	fn := b.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(key, from, to) }
}
