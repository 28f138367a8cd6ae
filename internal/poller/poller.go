package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"giftwatch/internal/eventbus"
	logx "giftwatch/pkg/logx"
)

// State of the scheduler.
type State int

const (
	Stopped State = iota
	Scheduled
	Running
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Runner executes one monitoring cycle.
type Runner func(ctx context.Context) error

// Scheduler drives periodic monitoring cycles.
//
// One cycle at a time: a tick arriving while a cycle is in flight is
// skipped, not queued. Stop prevents future ticks but does not interrupt a
// cycle already running. Lifecycle events on the bus suspend ticking while
// the host app is backgrounded (unless the background check allows it) and
// trigger an immediate catch-up cycle on return to foreground.
type Scheduler struct {
	run             Runner
	bus             eventbus.Bus
	log             logx.Logger
	allowBackground func() bool

	inFlight atomic.Bool

	mu        sync.Mutex
	state     State
	suspended bool
	interval  time.Duration
	cron      *cron.Cron
	entry     cron.EntryID
	ctx       context.Context
	cancel    context.CancelFunc
	unsub     func()
}

// New creates a scheduler. allowBackground reports whether cycles may keep
// running while the host app is backgrounded; nil means never.
func New(run Runner, bus eventbus.Bus, allowBackground func() bool, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{run: run, bus: bus, allowBackground: allowBackground, log: log}
}

// Start begins ticking at the given interval. Idempotent: starting a
// started scheduler only adjusts the interval.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poller: interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Stopped {
		return s.rescheduleLocked(interval)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()
	s.interval = interval

	id, err := s.cron.AddFunc(everySpec(interval), s.tick)
	if err != nil {
		s.cancel()
		s.cron = nil
		return fmt.Errorf("poller: schedule: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.state = Scheduled
	s.suspended = false

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(8)
		s.unsub = unsub
		go s.watchLifecycle(ch)
	}

	s.log.Info("polling started", logx.Duration("interval", interval))
	return nil
}

// SetInterval adjusts the tick period of a started scheduler. No-op while
// stopped; the next Start picks up its own interval.
func (s *Scheduler) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poller: interval must be positive, got %s", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return nil
	}
	return s.rescheduleLocked(interval)
}

func (s *Scheduler) rescheduleLocked(interval time.Duration) error {
	if interval == s.interval {
		return nil
	}
	s.cron.Remove(s.entry)
	id, err := s.cron.AddFunc(everySpec(interval), s.tick)
	if err != nil {
		return fmt.Errorf("poller: reschedule: %w", err)
	}
	s.entry = id
	s.interval = interval
	s.log.Info("polling interval changed", logx.Duration("interval", interval))
	return nil
}

// Stop prevents all future ticks. A cycle already in flight runs to
// completion under its own context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	s.suspended = false
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	cr := s.cron
	s.cron = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if cancel != nil {
		// A cycle in flight keeps its context alive until it returns;
		// cancelling here would cut off notifications still queued at the
		// dispatcher's rate limiter.
		go func() {
			for s.inFlight.Load() {
				time.Sleep(10 * time.Millisecond)
			}
			cancel()
		}()
	}
	s.log.Info("polling stopped")
}

// RunNow triggers a cycle immediately, subject to the same single-flight
// guard as scheduled ticks. Returns false if a cycle is already running or
// the scheduler is stopped.
func (s *Scheduler) RunNow() bool {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return false
	}
	ctx := s.ctx
	s.mu.Unlock()

	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	go s.cycle(ctx)
	return true
}

// State reports the scheduler state. Running while a cycle is in flight.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped && s.inFlight.Load() {
		return Running
	}
	return s.state
}

// Suspended reports whether ticks are currently paused by lifecycle.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	suspended := s.suspended
	stopped := s.state == Stopped
	ctx := s.ctx
	s.mu.Unlock()

	if stopped || suspended {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		// Previous cycle still running. Skip, never queue.
		s.log.Debug("tick skipped: cycle in flight")
		return
	}
	s.cycle(ctx)
}

func (s *Scheduler) cycle(ctx context.Context) {
	defer s.inFlight.Store(false)
	if ctx == nil || ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := s.run(ctx); err != nil {
		s.log.Warn("monitoring cycle failed", logx.Err(err), logx.Duration("took", time.Since(started)))
		return
	}
	s.log.Debug("monitoring cycle done", logx.Duration("took", time.Since(started)))
}

func (s *Scheduler) watchLifecycle(ch <-chan eventbus.Event) {
	for ev := range ch {
		if ev.Type != eventbus.TypeLifecycle {
			continue
		}
		lc, ok := ev.Data.(eventbus.LifecycleEvent)
		if !ok {
			continue
		}
		if lc.Foreground {
			s.resume()
		} else {
			s.suspend()
		}
	}
}

func (s *Scheduler) suspend() {
	if s.allowBackground != nil && s.allowBackground() {
		s.log.Debug("backgrounded; background monitoring allowed, polling continues")
		return
	}
	s.mu.Lock()
	changed := !s.suspended && s.state != Stopped
	if changed {
		s.suspended = true
	}
	s.mu.Unlock()
	if changed {
		s.log.Info("polling suspended")
	}
}

func (s *Scheduler) resume() {
	s.mu.Lock()
	changed := s.suspended && s.state != Stopped
	if changed {
		s.suspended = false
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	s.log.Info("polling resumed")
	// Catch-up cycle: don't make the user wait out a full interval after
	// returning to the foreground.
	s.RunNow()
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
