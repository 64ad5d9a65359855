package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func newTestBreaker(threshold int) (*Breaker, *fakeClock, *[]string) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	b := New(Config{
		FailureThreshold: threshold,
		Cooldown:         10 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	return b, clock, &transitions
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(3)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Execute() error = %v, want errBoom", err)
		}
	}
	if b.State() != Closed {
		t.Fatalf("State() = %v after 2 failures, want closed", b.State())
	}

	_ = b.Execute(func() error { return errBoom })
	if b.State() != Open {
		t.Fatalf("State() = %v after 3 failures, want open", b.State())
	}

	called := false
	if err := b.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("open breaker invoked fn")
	}
	if len(*transitions) != 1 || (*transitions)[0] != "closed->open" {
		t.Errorf("transitions = %v", *transitions)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(2)
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errBoom })
	if b.State() != Closed {
		t.Errorf("State() = %v, want closed (failures were not consecutive)", b.State())
	}
	if b.Failures() != 1 {
		t.Errorf("Failures() = %d, want 1", b.Failures())
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clock, transitions := newTestBreaker(1)
	_ = b.Execute(func() error { return errBoom })

	clock.Advance(9 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() before cooldown = %v, want ErrOpen", err)
	}

	clock.Advance(2 * time.Second)
	probe, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() after cooldown = %v, want probe admitted", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("State() = %v, want half_open", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("second Allow() during probe = %v, want ErrOpen", err)
	}

	b.Record(probe, nil)
	if b.State() != Closed {
		t.Errorf("State() after successful probe = %v, want closed", b.State())
	}
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", *transitions, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, (*transitions)[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(1)
	_ = b.Execute(func() error { return errBoom })
	clock.Advance(11 * time.Second)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe Execute() = %v, want errBoom", err)
	}
	if b.State() != Open {
		t.Fatalf("State() = %v, want open", b.State())
	}
	// The cooldown restarts from the failed probe.
	clock.Advance(5 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	b, clock, _ := newTestBreaker(1)

	slow, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	_ = b.Execute(func() error { return errBoom })
	clock.Advance(11 * time.Second)

	probe, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() after cooldown = %v, want probe admitted", err)
	}

	// The call admitted while closed finishes during the probe.
	b.Record(slow, nil)
	if b.State() != HalfOpen {
		t.Fatalf("State() = %v after stale success, want half_open", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() during probe = %v, want ErrOpen", err)
	}

	b.Record(probe, errBoom)
	if b.State() != Open {
		t.Errorf("State() = %v after failed probe, want open", b.State())
	}
}

func TestBreaker_ConcurrentProbe(t *testing.T) {
	b, clock, _ := newTestBreaker(1)
	_ = b.Execute(func() error { return errBoom })
	clock.Advance(time.Minute)

	var admitted atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(func() error {
				admitted.Add(1)
				<-release
				return nil
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Errorf("admitted = %d, want exactly 1 probe", got)
	}
	if b.State() != Closed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _, _ := newTestBreaker(1)
	_ = b.Execute(func() error { return errBoom })
	b.Reset()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("after Reset() state = %v failures = %d", b.State(), b.Failures())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half_open", State(9): "unknown(9)"}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
