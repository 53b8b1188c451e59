// Package breaker provides a three-state circuit breaker guarding calls to
// external dependencies. State is per process; each instance trips and
// recovers on its own observations.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"edbase/observability"
)

// State enumerates breaker states.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do when the breaker rejects a call.
type ErrOpen struct {
	Name string
}

func (e ErrOpen) Error() string {
	return fmt.Sprintf("circuit %s is open", e.Name)
}

// Settings tunes a breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenMax <= 0 {
		s.HalfOpenMax = 1
	}
	return s
}

// Breaker tracks consecutive failures against a single dependency.
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int

	nowFn func() time.Time
	log   *slog.Logger
}

// New constructs a breaker in the closed state.
func New(name string, settings Settings, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    Closed,
		nowFn:    time.Now,
		log:      log,
	}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open-to-half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow reports whether a call may proceed. In the half-open state only a
// bounded number of probes are admitted; each admitted probe must be matched
// by a Success or Failure call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probes < b.settings.HalfOpenMax {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case HalfOpen:
		b.log.Info("circuit closed after successful probe", "circuit", b.name)
		b.toClosedLocked()
	case Closed:
		b.failures = 0
	}
}

// Failure records a failed call. In the closed state the breaker opens once
// consecutive failures reach the threshold; in the half-open state a single
// failure reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case HalfOpen:
		b.log.Warn("probe failed, circuit reopened", "circuit", b.name)
		b.toOpenLocked()
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.log.Warn("failure threshold reached, circuit opened",
				"circuit", b.name, "failures", b.failures)
			b.toOpenLocked()
		}
	}
}

// Do runs fn under the breaker, recording the outcome. A rejected call
// returns ErrOpen without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen{Name: b.name}
	}
	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// refreshLocked moves an expired open state to half-open. Callers hold b.mu.
func (b *Breaker) refreshLocked() {
	if b.state == Open && b.nowFn().Sub(b.openedAt) >= b.settings.ResetTimeout {
		b.state = HalfOpen
		b.probes = 0
		b.publishLocked()
	}
}

func (b *Breaker) toOpenLocked() {
	b.state = Open
	b.openedAt = b.nowFn()
	b.probes = 0
	observability.Security().RecordBreakerTrip(b.name)
	b.publishLocked()
}

func (b *Breaker) toClosedLocked() {
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.publishLocked()
}

func (b *Breaker) publishLocked() {
	gaugeVal := 0
	switch b.state {
	case HalfOpen:
		gaugeVal = 1
	case Open:
		gaugeVal = 2
	}
	observability.Security().SetBreakerState(b.name, gaugeVal)
}

// Hub is a registry of named breakers sharing one Settings profile.
type Hub struct {
	mu       sync.Mutex
	settings Settings
	log      *slog.Logger
	circuits map[string]*Breaker
}

// NewHub constructs an empty registry.
func NewHub(settings Settings, log *slog.Logger) *Hub {
	return &Hub{
		settings: settings.withDefaults(),
		log:      log,
		circuits: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (h *Hub) Get(name string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.circuits[name]; ok {
		return b
	}
	b := New(name, h.settings, h.log)
	h.circuits[name] = b
	return b
}

// States snapshots the current state of every registered breaker.
func (h *Hub) States() map[string]State {
	h.mu.Lock()
	names := make([]*Breaker, 0, len(h.circuits))
	for _, b := range h.circuits {
		names = append(names, b)
	}
	h.mu.Unlock()

	out := make(map[string]State, len(names))
	for _, b := range names {
		out[b.Name()] = b.State()
	}
	return out
}
