package breaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold:         3,
		SuccessThreshold:         2,
		RetryTimeout:             10 * time.Second,
		LatencyThreshold:         500 * time.Millisecond,
		LatencyWindow:            time.Minute,
		LatencyConsecutiveChecks: 3,
	}
}

// fakeClock drives the breaker's notion of time.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New("local", cfg)
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clk.now
	return b, clk
}

func TestFailureThresholdTripsOpen(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		if !b.ShouldAllowRequest() {
			t.Fatalf("closed breaker rejected call %d", i)
		}
		b.RecordFailure()
	}

	if got := b.Metrics().State; got != "open" {
		t.Fatalf("expected open after threshold failures, got %s", got)
	}
	if b.ShouldAllowRequest() {
		t.Fatalf("open breaker allowed a call before retry timeout")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.Metrics().State; got != "closed" {
		t.Fatalf("success should reset failures, state %s", got)
	}
}

func TestOpenToHalfOpenAfterRetryTimeout(t *testing.T) {
	b, clk := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.advance(9 * time.Second)
	if b.ShouldAllowRequest() {
		t.Fatalf("breaker allowed a call inside the retry window")
	}

	clk.advance(2 * time.Second)
	if !b.ShouldAllowRequest() {
		t.Fatalf("breaker should allow one trial after retry timeout")
	}
	if got := b.Metrics().State; got != "half_open" {
		t.Fatalf("expected half_open, got %s", got)
	}

	// Only one trial may be in flight.
	if b.ShouldAllowRequest() {
		t.Fatalf("second concurrent trial allowed in half_open")
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clk := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.advance(11 * time.Second)

	for i := 0; i < 2; i++ {
		if !b.ShouldAllowRequest() {
			t.Fatalf("trial %d rejected", i)
		}
		b.RecordSuccess()
	}

	if got := b.Metrics().State; got != "closed" {
		t.Fatalf("expected closed after success threshold, got %s", got)
	}
	m := b.Metrics()
	if m.ConsecutiveFailures != 0 || m.ConsecutiveSuccesses != 0 {
		t.Fatalf("counters not reset on close: %+v", m)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.advance(11 * time.Second)

	if !b.ShouldAllowRequest() {
		t.Fatalf("trial rejected")
	}
	b.RecordFailure()

	if got := b.Metrics().State; got != "open" {
		t.Fatalf("trial failure should reopen, got %s", got)
	}

	// The retry window restarts from the trial failure.
	clk.advance(9 * time.Second)
	if b.ShouldAllowRequest() {
		t.Fatalf("reopened breaker allowed a call before the fresh retry timeout")
	}
}

func TestLatencyTrip(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.RecordLatency(700 * time.Millisecond)
	b.RecordLatency(800 * time.Millisecond)
	if got := b.Metrics().State; got != "closed" {
		t.Fatalf("breaker tripped before consecutive check count: %s", got)
	}

	b.RecordLatency(900 * time.Millisecond)
	if got := b.Metrics().State; got != "open" {
		t.Fatalf("three consecutive slow samples should trip, got %s", got)
	}
}

func TestFastSampleResetsLatencyRun(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	b.RecordLatency(700 * time.Millisecond)
	b.RecordLatency(800 * time.Millisecond)
	b.RecordLatency(100 * time.Millisecond)
	b.RecordLatency(900 * time.Millisecond)
	b.RecordLatency(900 * time.Millisecond)

	if got := b.Metrics().State; got != "closed" {
		t.Fatalf("fast sample should reset the slow run, got %s", got)
	}
}

func TestSlowRunSpreadPastWindowDoesNotTrip(t *testing.T) {
	b, clk := newTestBreaker(testConfig())

	// Three slow samples 40s apart span 80s, wider than the 60s window;
	// the oldest has always aged out by the time the newest arrives.
	b.RecordLatency(900 * time.Millisecond)
	clk.advance(40 * time.Second)
	b.RecordLatency(900 * time.Millisecond)
	clk.advance(40 * time.Second)
	b.RecordLatency(900 * time.Millisecond)

	if got := b.Metrics().State; got != "closed" {
		t.Fatalf("slow run wider than the window tripped the breaker: %s", got)
	}
}

func TestSlowRunInsideWindowTrips(t *testing.T) {
	b, clk := newTestBreaker(testConfig())

	b.RecordLatency(900 * time.Millisecond)
	clk.advance(20 * time.Second)
	b.RecordLatency(900 * time.Millisecond)
	clk.advance(20 * time.Second)
	b.RecordLatency(900 * time.Millisecond)

	if got := b.Metrics().State; got != "open" {
		t.Fatalf("three slow samples inside the window should trip, got %s", got)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	b, _ := newTestBreaker(Config{LatencyWindow: time.Minute})

	for i := 1; i <= 100; i++ {
		b.RecordLatency(time.Duration(i) * time.Millisecond)
	}

	m := b.Metrics()
	if m.LatencyP50Ms != 50 {
		t.Fatalf("p50 = %d, want 50", m.LatencyP50Ms)
	}
	if m.LatencyP95Ms != 95 {
		t.Fatalf("p95 = %d, want 95", m.LatencyP95Ms)
	}
	if m.LatencyP99Ms != 99 {
		t.Fatalf("p99 = %d, want 99", m.LatencyP99Ms)
	}
}

func TestWindowPruning(t *testing.T) {
	b, clk := newTestBreaker(Config{LatencyWindow: time.Minute})

	b.RecordLatency(10 * time.Millisecond)
	clk.advance(2 * time.Minute)
	b.RecordLatency(500 * time.Millisecond)

	m := b.Metrics()
	if m.LatencyP50Ms != 500 {
		t.Fatalf("stale sample kept in window, p50 = %d", m.LatencyP50Ms)
	}
}

func TestListenersObserveTransitions(t *testing.T) {
	b, clk := newTestBreaker(testConfig())

	var transitions []string
	b.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.advance(11 * time.Second)
	b.ShouldAllowRequest()
	b.RecordSuccess()
	b.RecordSuccess()

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
