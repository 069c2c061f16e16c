package crash

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultCountdownTicks is how many one-second ticks the driver gets to
	// cancel a detected crash before the incident is escalated.
	DefaultCountdownTicks = 10

	// DefaultTickInterval is the cadence of the countdown.
	DefaultTickInterval = time.Second
)

// Reporter delivers the escalated incident once the countdown expires
// without a cancellation.
type Reporter interface {
	ReportCrash(ctx context.Context, lat, lon float64) error
}

// Notifier receives countdown progress for display. Implementations must
// not block.
type Notifier interface {
	CrashCountdownTick(remaining int)
	CrashResolved(escalated bool)
}

// Sequencer runs the crash-response countdown. A detected crash arms a
// single countdown; further detections while one is active are absorbed.
// Either the driver cancels, which discards the event, or the countdown
// reaches zero and the incident is reported exactly once.
type Sequencer struct {
	reporter Reporter
	notifier Notifier
	logger   *log.Logger

	ticks    int
	interval time.Duration

	mu        sync.Mutex
	active    bool
	remaining int
	cancelCh  chan struct{}
}

func NewSequencer(reporter Reporter, notifier Notifier, logger *log.Logger, ticks int, interval time.Duration) *Sequencer {
	if ticks <= 0 {
		ticks = DefaultCountdownTicks
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Sequencer{
		reporter: reporter,
		notifier: notifier,
		logger:   logger,
		ticks:    ticks,
		interval: interval,
	}
}

// Trigger arms the countdown for a crash detected at the given position.
// It returns false when a countdown is already running; the duplicate
// detection is absorbed rather than restarting the timer.
func (s *Sequencer) Trigger(ctx context.Context, lat, lon float64) bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return false
	}
	s.active = true
	s.remaining = s.ticks
	s.cancelCh = make(chan struct{})
	cancelCh := s.cancelCh
	s.mu.Unlock()

	s.logger.Printf("Crash detected at %.6f,%.6f, escalating in %d seconds unless cancelled", lat, lon, s.ticks)
	s.notifier.CrashCountdownTick(s.ticks)

	go s.run(ctx, cancelCh, lat, lon)
	return true
}

func (s *Sequencer) run(ctx context.Context, cancelCh chan struct{}, lat, lon float64) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish(false)
			return
		case <-cancelCh:
			s.logger.Printf("Crash countdown cancelled by driver")
			s.finish(false)
			return
		case <-ticker.C:
			s.mu.Lock()
			s.remaining--
			remaining := s.remaining
			s.mu.Unlock()

			if remaining > 0 {
				s.notifier.CrashCountdownTick(remaining)
				continue
			}

			// Expired. Guard against a cancel that raced the last tick.
			select {
			case <-cancelCh:
				s.logger.Printf("Crash countdown cancelled by driver")
				s.finish(false)
			default:
				s.escalate(ctx, lat, lon)
			}
			return
		}
	}
}

func (s *Sequencer) escalate(ctx context.Context, lat, lon float64) {
	s.logger.Printf("Crash countdown expired, reporting incident")
	if err := s.reporter.ReportCrash(ctx, lat, lon); err != nil {
		s.logger.Printf("Failed to report crash incident: %v", err)
	}
	s.finish(true)
}

func (s *Sequencer) finish(escalated bool) {
	s.mu.Lock()
	s.active = false
	s.remaining = 0
	s.cancelCh = nil
	s.mu.Unlock()
	s.notifier.CrashResolved(escalated)
}

// Cancel stops an active countdown. Calling it with no countdown running
// is a no-op, as is calling it twice.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.cancelCh == nil {
		return
	}
	select {
	case <-s.cancelCh:
	default:
		close(s.cancelCh)
	}
}

// Active reports whether a countdown is currently running.
func (s *Sequencer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Remaining returns the seconds left on the countdown, zero when idle.
func (s *Sequencer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0
	}
	return s.remaining
}
