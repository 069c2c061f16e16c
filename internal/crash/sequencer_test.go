package crash

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReporter struct {
	calls int32
	lat   float64
	lon   float64
	done  chan struct{}
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{done: make(chan struct{}, 1)}
}

func (r *fakeReporter) ReportCrash(_ context.Context, lat, lon float64) error {
	atomic.AddInt32(&r.calls, 1)
	r.lat, r.lon = lat, lon
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	ticks     []int
	resolved  chan bool
	escalated bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{resolved: make(chan bool, 1)}
}

func (n *fakeNotifier) CrashCountdownTick(remaining int) {
	n.mu.Lock()
	n.ticks = append(n.ticks, remaining)
	n.mu.Unlock()
}

func (n *fakeNotifier) CrashResolved(escalated bool) {
	n.escalated = escalated
	select {
	case n.resolved <- escalated:
	default:
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCountdownExpiryReportsOnce(t *testing.T) {
	reporter := newFakeReporter()
	notifier := newFakeNotifier()
	s := NewSequencer(reporter, notifier, testLogger(), 3, 5*time.Millisecond)

	if !s.Trigger(context.Background(), 31.5204, 74.3587) {
		t.Fatal("Expected trigger to arm the countdown")
	}

	select {
	case escalated := <-notifier.resolved:
		if !escalated {
			t.Error("Expected countdown to resolve as escalated")
		}
	case <-time.After(time.Second):
		t.Fatal("Countdown never resolved")
	}

	if got := atomic.LoadInt32(&reporter.calls); got != 1 {
		t.Errorf("Expected exactly one incident report, got %d", got)
	}
	if reporter.lat != 31.5204 || reporter.lon != 74.3587 {
		t.Errorf("Expected crash position forwarded, got %f,%f", reporter.lat, reporter.lon)
	}
	if s.Active() {
		t.Error("Expected sequencer idle after escalation")
	}
}

func TestCancelDiscardsEvent(t *testing.T) {
	reporter := newFakeReporter()
	notifier := newFakeNotifier()
	s := NewSequencer(reporter, notifier, testLogger(), 10, 20*time.Millisecond)

	s.Trigger(context.Background(), 31.5204, 74.3587)
	s.Cancel()

	select {
	case escalated := <-notifier.resolved:
		if escalated {
			t.Error("Expected cancelled countdown to resolve without escalation")
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled countdown never resolved")
	}

	if got := atomic.LoadInt32(&reporter.calls); got != 0 {
		t.Errorf("Expected no incident report after cancel, got %d", got)
	}
	if s.Active() {
		t.Error("Expected sequencer idle after cancel")
	}
}

func TestDuplicateTriggerAbsorbed(t *testing.T) {
	reporter := newFakeReporter()
	notifier := newFakeNotifier()
	s := NewSequencer(reporter, notifier, testLogger(), 10, 50*time.Millisecond)

	if !s.Trigger(context.Background(), 1, 1) {
		t.Fatal("Expected first trigger to arm")
	}
	if s.Trigger(context.Background(), 2, 2) {
		t.Error("Expected second trigger to be absorbed while countdown is active")
	}

	s.Cancel()
	<-notifier.resolved
}

func TestCancelIdempotent(t *testing.T) {
	reporter := newFakeReporter()
	notifier := newFakeNotifier()
	s := NewSequencer(reporter, notifier, testLogger(), 10, 50*time.Millisecond)

	// Cancel with nothing armed must be a no-op.
	s.Cancel()

	s.Trigger(context.Background(), 1, 1)
	s.Cancel()
	s.Cancel()
	<-notifier.resolved
	s.Cancel()

	if got := atomic.LoadInt32(&reporter.calls); got != 0 {
		t.Errorf("Expected no incident report, got %d", got)
	}
}

func TestRemainingCountsDown(t *testing.T) {
	reporter := newFakeReporter()
	notifier := newFakeNotifier()
	s := NewSequencer(reporter, notifier, testLogger(), 3, 5*time.Millisecond)

	if got := s.Remaining(); got != 0 {
		t.Errorf("Expected 0 remaining while idle, got %d", got)
	}

	s.Trigger(context.Background(), 1, 1)
	<-notifier.resolved

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.ticks) == 0 || notifier.ticks[0] != 3 {
		t.Fatalf("Expected first tick notification at 3, got %v", notifier.ticks)
	}
	for i := 1; i < len(notifier.ticks); i++ {
		if notifier.ticks[i] != notifier.ticks[i-1]-1 {
			t.Errorf("Expected monotonically decreasing ticks, got %v", notifier.ticks)
			break
		}
	}
}

func TestRearmAfterResolution(t *testing.T) {
	reporter := newFakeReporter()
	notifier := newFakeNotifier()
	s := NewSequencer(reporter, notifier, testLogger(), 2, 5*time.Millisecond)

	s.Trigger(context.Background(), 1, 1)
	s.Cancel()
	<-notifier.resolved

	if !s.Trigger(context.Background(), 2, 2) {
		t.Error("Expected sequencer to rearm after the previous countdown resolved")
	}
	<-reporter.done
}
