// Package breaker implements a three-state circuit breaker guarding the
// upstream cloud provider. One instance per upstream endpoint; state is
// process-local and a restart re-enters closed.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

type State string

const (
	StateClosed   = State("closed")
	StateOpen     = State("open")
	StateHalfOpen = State("half_open")
)

// ErrOpen is returned without calling through while the circuit is open.
type ErrOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	clock     func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
}

// New creates a closed breaker that opens after threshold consecutive
// failures and probes again timeout after the last failure.
func New(name string, threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		clock:     time.Now,
		state:     StateClosed,
	}
}

// Do runs fn under the breaker. While open it returns *ErrOpen without
// calling fn; in half-open a single probe decides whether to close.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	elapsed := b.clock().Sub(b.lastFailure)
	if elapsed < b.timeout {
		return &ErrOpen{Name: b.name, RetryAfter: b.timeout - elapsed}
	}
	klog.InfoS("circuit breaker probing", "breaker", b.name)
	b.state = StateHalfOpen
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state == StateHalfOpen {
			klog.InfoS("circuit breaker recovered", "breaker", b.name)
		}
		b.state = StateClosed
		b.failureCount = 0
		return
	}
	b.failureCount++
	b.lastFailure = b.clock()
	switch b.state {
	case StateHalfOpen:
		klog.InfoS("circuit breaker probe failed, reopening", "breaker", b.name)
		b.state = StateOpen
	case StateClosed:
		if b.failureCount >= b.threshold {
			klog.InfoS("circuit breaker opened", "breaker", b.name,
				"failures", b.failureCount, "threshold", b.threshold)
			b.state = StateOpen
		}
	}
}

// State returns the current state without advancing open -> half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker internals for the admin/stats surface.
func (b *Breaker) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := map[string]any{
		"name":          b.name,
		"state":         string(b.state),
		"failure_count": b.failureCount,
		"threshold":     b.threshold,
		"timeout_sec":   int(b.timeout.Seconds()),
	}
	if !b.lastFailure.IsZero() {
		snap["last_failure"] = b.lastFailure.Unix()
	}
	return snap
}
