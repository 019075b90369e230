package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls when a breaker trips and how long it stays open.
type Config struct {
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// MinSamples is the number of outcomes required before the rate is evaluated.
	MinSamples int
	// FailureRateThreshold in (0,1]; the breaker opens at or above it.
	FailureRateThreshold float64
	// Cooldown is the first open period. Each failed probe doubles it up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig returns the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WindowSize:           20,
		MinSamples:           5,
		FailureRateThreshold: 0.5,
		Cooldown:             10 * time.Second,
		MaxCooldown:          2 * time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// StateHook is notified after every state change, outside the breaker lock.
type StateHook func(name string, from, to State)

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

func WithStateHook(h StateHook) Option {
	return func(b *Breaker) { b.hook = h }
}

// Breaker tracks the health of one venue over a sliding window of outcomes.
//
// Closed admits every call. Open admits none until the cool-down elapses,
// after which the breaker is HalfOpen and admits exactly one probe. The
// probe's outcome closes the breaker or re-opens it with a longer cool-down.
type Breaker struct {
	name   string
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	hook   StateHook

	mu       sync.Mutex
	state    State
	window   []bool // true = failure
	next     int
	count    int
	failures int
	openedAt time.Time
	cooldown time.Duration
	probing  bool
	// gen changes on every state transition; tickets carry the gen they were issued in.
	gen uint64
}

// New builds a closed breaker named after the venue it guards.
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
		window:   make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving Open to HalfOpen once the cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.advanceLocked()
	s := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return s
}

// Ticket is one admission handed out by Allow. Its outcome counts only
// while the breaker is still in the phase that issued it, so a call that
// was admitted before a trip and finishes during HalfOpen cannot close,
// re-open or free the slot of the probe.
type Ticket struct {
	b     *Breaker
	gen   uint64
	probe bool
}

// Probe reports whether the ticket holds the HalfOpen probe slot.
func (t Ticket) Probe() bool { return t.probe }

// Success reports a successful call.
func (t Ticket) Success() { t.b.record(t, false) }

// Failure reports a failed call.
func (t Ticket) Failure() { t.b.record(t, true) }

// Release returns an admitted call that produced no outcome, such as a
// probe cancelled by the caller's own deadline. For the current probe this
// frees the slot; otherwise it is a no-op.
func (t Ticket) Release() {
	b := t.b
	if b == nil {
		return
	}
	b.mu.Lock()
	if t.probe && t.gen == b.gen && b.state == HalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// Allow reports whether a call may be made now. In HalfOpen it hands out
// the single probe slot. The caller must settle the ticket with Success,
// Failure or Release.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	from, to := b.advanceLocked()
	t := Ticket{b: b, gen: b.gen}
	ok := false
	switch b.state {
	case Closed:
		ok = true
	case HalfOpen:
		if !b.probing {
			b.probing = true
			t.probe = true
			ok = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return t, ok
}

func (b *Breaker) record(t Ticket, failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	from, to := b.recordLocked(t, failed)
	b.mu.Unlock()
	b.notify(from, to)
}

// Reset forces the breaker closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.closeLocked()
	b.mu.Unlock()
	b.notify(from, Closed)
}

// Stats is a point-in-time view used by health endpoints.
type Stats struct {
	Name        string        `json:"venue"`
	State       string        `json:"state"`
	Samples     int           `json:"samples"`
	Failures    int           `json:"failures"`
	FailureRate float64       `json:"failure_rate"`
	Cooldown    time.Duration `json:"cooldown_ns"`
	RetryAt     *time.Time    `json:"retry_at,omitempty"`
}

func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	from, to := b.advanceLocked()
	st := Stats{
		Name:     b.name,
		State:    b.state.String(),
		Samples:  b.count,
		Failures: b.failures,
		Cooldown: b.cooldown,
	}
	if b.count > 0 {
		st.FailureRate = float64(b.failures) / float64(b.count)
	}
	if b.state == Open {
		at := b.openedAt.Add(b.cooldown)
		st.RetryAt = &at
	}
	b.mu.Unlock()
	b.notify(from, to)
	return st
}

func (b *Breaker) advanceLocked() (State, State) {
	if b.state == Open && !b.now().Before(b.openedAt.Add(b.cooldown)) {
		b.state = HalfOpen
		b.probing = false
		b.gen++
		return Open, HalfOpen
	}
	return b.state, b.state
}

func (b *Breaker) recordLocked(t Ticket, failed bool) (State, State) {
	from, _ := b.advanceLocked()
	if t.gen != b.gen {
		// admitted in an earlier phase: carries no information about this one
		return from, b.state
	}
	switch b.state {
	case HalfOpen:
		if !t.probe || !b.probing {
			return from, b.state
		}
		if failed {
			next := b.cooldown * 2
			if next > b.cfg.MaxCooldown {
				next = b.cfg.MaxCooldown
			}
			b.openLocked(next)
		} else {
			b.closeLocked()
		}
	case Closed:
		b.push(failed)
		if b.count >= b.cfg.MinSamples &&
			float64(b.failures) >= b.cfg.FailureRateThreshold*float64(b.count) {
			b.openLocked(b.cfg.Cooldown)
		}
	}
	return from, b.state
}

func (b *Breaker) push(failed bool) {
	if b.count == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) openLocked(cooldown time.Duration) {
	b.state = Open
	b.openedAt = b.now()
	b.cooldown = cooldown
	b.probing = false
	b.gen++
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.probing = false
	b.gen++
	b.cooldown = b.cfg.Cooldown
	b.count, b.failures, b.next = 0, 0, 0
	for i := range b.window {
		b.window[i] = false
	}
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case Open:
		b.logger.Warn("breaker.opened",
			zap.String("venue", b.name),
			zap.String("from", from.String()))
	case HalfOpen:
		b.logger.Info("breaker.half_open", zap.String("venue", b.name))
	case Closed:
		b.logger.Info("breaker.closed",
			zap.String("venue", b.name),
			zap.String("from", from.String()))
	}
	if b.hook != nil {
		b.hook(b.name, from, to)
	}
}
