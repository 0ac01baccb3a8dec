package sched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrInvalidArgument is returned for timers that would expire before they
// were created.
var ErrInvalidArgument = fmt.Errorf("sched: invalid argument")

const (
	// ShortTimerThreshold is the horizon under which a timer is held purely
	// in process and never written to the store.
	ShortTimerThreshold = 120 * time.Second

	// maxWaitHorizon caps how far ahead the wait loop will look. Sleeping
	// much past ~48 days is not reliable on most runtimes, so timers beyond
	// it are left for a later pass over the store.
	maxWaitHorizon = 40 * 24 * time.Hour
)

// Handler receives a timer when it fires. The persisted row is already gone
// by then, so a panicking handler cannot cause a second delivery. Slow
// handlers delay the next timer; dispatch onto your own queue if that matters.
type Handler func(t Timer)

// Scheduler fires a handler at-or-after each scheduled timer's expiry,
// surviving restarts through the store. One background loop waits on the
// earliest pending timer at a time; scheduling an earlier timer or cancelling
// the current one interrupts the wait instead of letting it run out.
//
// The loop is not started on construction. Call Start and Stop explicitly.
type Scheduler struct {
	store   Store
	clock   Clock
	handler Handler

	mu      sync.Mutex
	current *Timer
	wake    chan struct{}
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// idleCtx owns short timers spawned while the loop is not running, so
	// Stop can drop those too.
	idleCtx    context.Context
	idleCancel context.CancelFunc
}

// New builds a stopped scheduler. A nil clock means the system clock.
func New(store Store, clock Clock, handler Handler) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	idleCtx, idleCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		clock:      clock,
		handler:    handler,
		wake:       make(chan struct{}, 1),
		idleCtx:    idleCtx,
		idleCancel: idleCancel,
	}
}

// Start launches the wait loop. Starting a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.runCtx = runCtx
	s.cancel = cancel
	s.done = done
	go s.dispatch(runCtx, done)
}

// Stop interrupts the current wait and waits for the loop to exit. In-flight
// short timers are dropped, including ones scheduled before Start. No timer
// fires because of Stop; a handler already running is left to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	idleCancel := s.idleCancel
	s.idleCtx, s.idleCancel = context.WithCancel(context.Background())
	if !s.running {
		s.mu.Unlock()
		idleCancel()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	idleCancel()
	cancel()
	<-done
}

// Schedule registers a timer firing at expiresAt. A zero createdAt means now.
// Timers within ShortTimerThreshold of creation are held in process only and
// never touch the store; everything else is persisted first. Either way, a
// timer earlier than the one currently being awaited preempts the wait.
func (s *Scheduler) Schedule(ctx context.Context, expiresAt time.Time, event string, payload []byte, createdAt time.Time) (*Timer, error) {
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	if expiresAt.Before(createdAt) {
		return nil, fmt.Errorf("timer %q expires %s before creation: %w", event, createdAt.Sub(expiresAt), ErrInvalidArgument)
	}

	t := &Timer{
		Event:     event,
		Payload:   payload,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}
	delta := expiresAt.Sub(createdAt)

	if delta <= ShortTimerThreshold {
		s.spawnShort(*t, delta)
		s.maybePreempt(t)
		return t, nil
	}

	id, err := s.store.Insert(ctx, t)
	if err != nil {
		return nil, err
	}
	t.ID = id

	// Only wake an idle loop if the timer is near enough to be waited on.
	if delta <= maxWaitHorizon {
		s.signal()
	}
	s.maybePreempt(t)
	return t, nil
}

// Cancel deletes a persisted timer, reporting whether a row was removed.
// Cancelling the timer currently being awaited restarts the wait loop.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (bool, error) {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.mu.Lock()
		cur := s.current
		s.mu.Unlock()
		if cur != nil && cur.ID == id {
			s.signal()
		}
	}
	return deleted, nil
}

// spawnShort fires a near-term timer off a plain delayed goroutine, bypassing
// the store and the wait loop. Stopping the scheduler drops it unfired.
func (s *Scheduler) spawnShort(t Timer, delay time.Duration) {
	s.mu.Lock()
	ctx := s.runCtx
	if ctx == nil {
		ctx = s.idleCtx
	}
	s.mu.Unlock()
	go func() {
		alarm := s.clock.NewTimer(delay)
		defer alarm.Stop()
		select {
		case <-ctx.Done():
			return
		case <-alarm.C():
		}
		if ctx.Err() != nil {
			return
		}
		s.fire(t)
	}()
}

func (s *Scheduler) maybePreempt(t *Timer) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil && t.ExpiresAt.Before(cur.ExpiresAt) {
		s.signal()
	}
}

// signal wakes the loop without blocking; a pending wake is enough.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) setCurrent(t *Timer) {
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
}

// dispatch runs one timer lifecycle per iteration: find the earliest pending
// timer, wait out its expiry, delete its row, hand it to the handler. Store
// failures restart the iteration; the loop itself never gives up. There is
// deliberately no retry backoff, matching the behavior this replaces.
func (s *Scheduler) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setCurrent(nil)

	// A sustained store outage would otherwise flood the log.
	errLog := rate.NewLimiter(rate.Every(5*time.Second), 1)

	for {
		if ctx.Err() != nil {
			return
		}

		timer, err := s.store.EarliestPending(ctx, s.clock.Now().Add(maxWaitHorizon))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errLog.Allow() {
				slog.Error(fmt.Sprintf("Failed to query pending timers, retrying: %v", err), slog.String("component", "scheduler"))
			}
			continue
		}

		if timer == nil {
			s.setCurrent(nil)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		s.setCurrent(timer)
		if d := timer.ExpiresAt.Sub(s.clock.Now()); d > 0 {
			alarm := s.clock.NewTimer(d)
			select {
			case <-ctx.Done():
				alarm.Stop()
				return
			case <-s.wake:
				// Preempted or cancelled: recompute the earliest timer
				// and release the abandoned wait's timer.
				alarm.Stop()
				continue
			case <-alarm.C():
			}
		}
		s.setCurrent(nil)

		// Delete before firing so a failing handler cannot be re-delivered.
		deleted, err := s.store.Delete(ctx, timer.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errLog.Allow() {
				slog.Error(fmt.Sprintf("Failed to claim timer %d, retrying: %v", timer.ID, err), slog.String("component", "scheduler"))
			}
			continue
		}
		if !deleted {
			// Lost a race with Cancel; the timer is no longer ours to fire.
			continue
		}
		s.fire(*timer)
	}
}

// fire hands a timer to the handler, containing panics so one bad firing
// cannot take the loop down.
func (s *Scheduler) fire(t Timer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("Timer handler panicked for %q: %v", t.Event, r), slog.String("component", "scheduler"))
			debug.PrintStack()
		}
	}()
	s.handler(t)
}
