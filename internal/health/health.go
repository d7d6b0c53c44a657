// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds a single checker when the registry has none set.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-checker deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker concurrently and returns the
// aggregate health plus per-subsystem results in registration order.
// A checker that outlives the timeout is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = runOne(ctx, nc, timeout)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func runOne(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Healthy: false, Detail: "check timed out"}
	}
	s.Name = nc.name
	return s
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseCheck reports whether the database answers a ping.
func DatabaseCheck(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Heartbeat is implemented by background loops that record when they last
// completed a cycle.
type Heartbeat interface {
	Running() bool
	LastCycle() time.Time
}

// LoopCheck reports a background loop unhealthy when it is stopped or its
// last completed cycle is older than maxAge. A loop that has not finished a
// cycle yet is healthy.
func LoopCheck(hb Heartbeat, maxAge time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) Status {
		if !hb.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		last := hb.LastCycle()
		if last.IsZero() {
			return Status{Healthy: true, Detail: "no cycle completed yet"}
		}
		if age := now().Sub(last); age > maxAge {
			return Status{Healthy: false, Detail: fmt.Sprintf("last cycle %s ago", age.Round(time.Second))}
		}
		return Status{Healthy: true}
	}
}
