// Package resilience provides the circuit breaker that shields the gateway
// from a failing remote synthesis backend.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open):
// consecutive failures trip it open, calls are then rejected immediately
// instead of stacking up against a dead backend, and after a cooldown a small
// number of probe calls decide whether to close it again. The remote TTS
// engine runs every request through a breaker and reports its state on the
// health endpoint.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls outright.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects all calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	StateHalfOpen
)

// String returns the state name used in logs and health output.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero values fall back to the defaults noted per
// field.
type Config struct {
	// Name labels the breaker in log lines. Default: "breaker".
	Name string

	// MaxFailures is how many consecutive failures trip the breaker open.
	// Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeMax bounds the number of half-open probe calls; that many
	// consecutive probe successes close the breaker. Default: 3.
	ProbeMax int

	// Logger receives state transition messages. Default: slog.Default().
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name     string
	maxFail  int
	cooldown time.Duration
	probeMax int
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	probeCalls   int
	probeSuccess int
}

// New creates a [Breaker] from cfg.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:     cfg.Name,
		maxFail:  cfg.MaxFailures,
		cooldown: cfg.Cooldown,
		probeMax: cfg.ProbeMax,
		logger:   cfg.Logger,
		state:    StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. The error from fn is
// returned unchanged; rejected calls return [ErrCircuitOpen] without invoking
// fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeSuccess = 0
		b.logger.Info("breaker half-open, probing backend", "name", b.name)

	case StateHalfOpen:
		if b.probeCalls >= b.probeMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		// One failed probe is enough to re-open.
		b.state = StateOpen
		b.failures = b.maxFail
		b.logger.Warn("breaker re-opened after failed probe", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.maxFail {
		b.state = StateOpen
		b.logger.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if !probing {
		b.failures = 0
		return
	}

	b.probeSuccess++
	if b.probeSuccess >= b.probeMax {
		b.state = StateClosed
		b.failures = 0
		b.probeCalls = 0
		b.probeSuccess = 0
		b.logger.Info("breaker closed after successful probes", "name", b.name)
	}
}

// State returns the breaker's current state. An open breaker whose cooldown
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probeCalls = 0
	b.probeSuccess = 0
	b.logger.Info("breaker reset", "name", b.name)
}
