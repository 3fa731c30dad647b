// Package breaker guards calls to a backend with a three-state circuit
// breaker. The breaker trips on consecutive failures or on sustained
// latency, rejects calls while open, and probes with single trial calls
// once the retry timeout elapses. It performs no I/O and no retries; retry
// orchestration belongs to the caller.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// State is the breaker's current position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from CLOSED to OPEN.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count in HALF_OPEN that
	// closes the breaker.
	SuccessThreshold int

	// RetryTimeout is how long the breaker stays OPEN before allowing a
	// trial call.
	RetryTimeout time.Duration

	// LatencyThreshold enables latency-based tripping when positive:
	// LatencyConsecutiveChecks consecutive samples above the threshold
	// within LatencyWindow trip the breaker independently of failures.
	LatencyThreshold         time.Duration
	LatencyWindow            time.Duration
	LatencyConsecutiveChecks int
}

// DefaultConfig holds conservative defaults for local backends.
var DefaultConfig = Config{
	FailureThreshold:         5,
	SuccessThreshold:         2,
	RetryTimeout:             30 * time.Second,
	LatencyThreshold:         0,
	LatencyWindow:            time.Minute,
	LatencyConsecutiveChecks: 3,
}

// Listener observes state transitions, for logging and alerting.
type Listener func(name string, from, to State)

// Metrics is a point-in-time snapshot of the breaker.
type Metrics struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LatencyP50Ms         int64     `json:"latency_p50_ms"`
	LatencyP95Ms         int64     `json:"latency_p95_ms"`
	LatencyP99Ms         int64     `json:"latency_p99_ms"`
	NextAttempt          time.Time `json:"next_attempt,omitzero"`
}

type sample struct {
	at time.Time
	d  time.Duration
}

// Breaker is one circuit per backend target. Safe for concurrent use; a
// single mutex guards all state, and no lock is held across I/O since the
// breaker performs none.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	nextAttempt   time.Time
	trialInFlight bool
	lastTrip      time.Time
	window        []sample
	listeners     []Listener

	// now is swapped in tests to drive the clock.
	now func() time.Time
}

// New creates a breaker for the named backend.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultConfig.RetryTimeout
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultConfig.LatencyWindow
	}
	if cfg.LatencyConsecutiveChecks <= 0 {
		cfg.LatencyConsecutiveChecks = DefaultConfig.LatencyConsecutiveChecks
	}
	return &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
}

// OnStateChange registers a listener for state transitions.
func (b *Breaker) OnStateChange(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// ShouldAllowRequest reports whether a call may be dispatched. While OPEN it
// returns false until the retry timeout passes, then transitions to
// HALF_OPEN and admits exactly one trial call at a time.
func (b *Breaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	var fire func()

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.now().Before(b.nextAttempt) {
			fire = b.transition(StateHalfOpen)
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var fire func()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			fire = b.transition(StateClosed)
		}
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// RecordFailure records a failed call. In CLOSED it counts toward the
// failure threshold; in HALF_OPEN the trial failure reopens the breaker
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var fire func()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			fire = b.trip()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		fire = b.trip()
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// RecordLatency feeds a latency sample into the rolling window. When latency
// monitoring is enabled, enough consecutive over-threshold samples inside
// the window trip the breaker even without failures.
func (b *Breaker) RecordLatency(d time.Duration) {
	b.mu.Lock()
	var fire func()

	now := b.now()
	b.window = append(b.window, sample{at: now, d: d})
	b.prune(now)

	if b.cfg.LatencyThreshold > 0 && b.state == StateClosed {
		// The run is counted off the pruned window, so slow samples spread
		// wider than the window never combine into a trip. Samples from
		// before the last trip do not count toward a fresh run either.
		run := 0
		for i := len(b.window) - 1; i >= 0; i-- {
			if b.window[i].d <= b.cfg.LatencyThreshold || !b.window[i].at.After(b.lastTrip) {
				break
			}
			run++
		}
		if run >= b.cfg.LatencyConsecutiveChecks {
			fire = b.trip()
		}
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Metrics returns a snapshot including latency percentiles over the window.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())

	m := Metrics{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LatencyP50Ms:         b.percentile(0.50).Milliseconds(),
		LatencyP95Ms:         b.percentile(0.95).Milliseconds(),
		LatencyP99Ms:         b.percentile(0.99).Milliseconds(),
	}
	if b.state == StateOpen {
		m.NextAttempt = b.nextAttempt
	}
	return m
}

// trip moves to OPEN and schedules the next trial. Caller holds the lock.
func (b *Breaker) trip() func() {
	now := b.now()
	b.nextAttempt = now.Add(b.cfg.RetryTimeout)
	b.lastTrip = now
	return b.transition(StateOpen)
}

// transition changes state, resets counters, and returns a closure that
// fires listeners once the lock is released. Caller holds the lock.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.trialInFlight = false
	case StateHalfOpen:
		b.successes = 0
	case StateOpen:
		b.trialInFlight = false
	}

	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	name := b.name
	return func() {
		for _, fn := range listeners {
			fn(name, from, to)
		}
	}
}

// prune drops samples older than the latency window. Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.LatencyWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// percentile computes the q-th percentile of the window. Caller holds the
// lock.
func (b *Breaker) percentile(q float64) time.Duration {
	if len(b.window) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(b.window))
	for i, s := range b.window {
		sorted[i] = s.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
