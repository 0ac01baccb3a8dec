package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock. Alarms fire when Advance moves the
// clock past their deadline; a stopped alarm drops out of the waiter list.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeAlarm
}

type fakeAlarm struct {
	clock *fakeClock
	at    time.Time
	ch    chan time.Time
}

func (a *fakeAlarm) C() <-chan time.Time { return a.ch }

func (a *fakeAlarm) Stop() bool {
	a.clock.mu.Lock()
	defer a.clock.mu.Unlock()
	for i, w := range a.clock.waiters {
		if w == a {
			a.clock.waiters = append(a.clock.waiters[:i], a.clock.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Alarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &fakeAlarm{clock: c, ch: make(chan time.Time, 1)}
	if d <= 0 {
		a.ch <- c.now
		return a
	}
	a.at = c.now.Add(d)
	c.waiters = append(c.waiters, a)
	return a
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var pending []*fakeAlarm
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			pending = append(pending, w)
		}
	}
	c.waiters = pending
}

func (c *fakeClock) waiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *fakeClock) hasWaiterAt(at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		if w.at.Equal(at) {
			return true
		}
	}
	return false
}

// memStore is an in-memory Store with optional injected failures.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	rows        map[int64]Timer
	inserts     int
	failPending int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]Timer)}
}

func (s *memStore) Insert(_ context.Context, t *Timer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.inserts++
	row := *t
	row.ID = s.nextID
	s.rows[row.ID] = row
	return row.ID, nil
}

func (s *memStore) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	delete(s.rows, id)
	return ok, nil
}

func (s *memStore) EarliestPending(_ context.Context, before time.Time) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPending > 0 {
		s.failPending--
		return nil, errors.New("store offline")
	}
	var best *Timer
	for id := range s.rows {
		row := s.rows[id]
		if row.ExpiresAt.After(before) {
			continue
		}
		if best == nil || row.ExpiresAt.Before(best.ExpiresAt) {
			best = &row
		}
	}
	return best, nil
}

func (s *memStore) has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	return ok
}

func (s *memStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// firing records what the handler saw, including whether the persisted row
// was already gone when it ran.
type firing struct {
	timer   Timer
	rowGone bool
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectFire(t *testing.T, ch <-chan firing, event string) firing {
	t.Helper()
	select {
	case f := <-ch:
		if f.timer.Event != event {
			t.Fatalf("fired %q, want %q", f.timer.Event, event)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timer %q never fired", event)
		return firing{}
	}
}

func expectNoFire(t *testing.T, ch <-chan firing) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected firing of %q", f.timer.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestScheduler(st *memStore, clock *fakeClock) (*Scheduler, chan firing) {
	fired := make(chan firing, 16)
	s := New(st, clock, func(tm Timer) {
		fired <- firing{timer: tm, rowGone: !st.has(tm.ID)}
	})
	return s, fired
}

func TestScheduleValidation(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	s, _ := newTestScheduler(newMemStore(), clock)

	created := clock.Now()
	_, err := s.Schedule(context.Background(), created.Add(-time.Second), "x", nil, created)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestShortTimerNeverPersisted(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())
	defer s.Stop()

	_, err := s.Schedule(context.Background(), clock.Now().Add(5*time.Second), "ping", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if st.insertCount() != 0 {
		t.Fatalf("short timer hit the store (%d inserts)", st.insertCount())
	}

	waitUntil(t, "short timer to start sleeping", func() bool { return clock.waiterCount() >= 1 })
	clock.Advance(5 * time.Second)
	expectFire(t, fired, "ping")
	expectNoFire(t, fired)
	if st.insertCount() != 0 {
		t.Fatalf("short timer persisted after firing")
	}
}

func TestDurableTimerFiresOnce(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())
	defer s.Stop()

	timer, err := s.Schedule(context.Background(), clock.Now().Add(10*time.Minute), "ping", []byte(`{"n":1}`), time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if timer.ID == 0 {
		t.Fatalf("durable timer has no id")
	}
	if st.insertCount() != 1 {
		t.Fatalf("expected 1 insert, got %d", st.insertCount())
	}

	waitUntil(t, "loop to wait on the timer", func() bool { return clock.waiterCount() == 1 })
	clock.Advance(10 * time.Minute)

	f := expectFire(t, fired, "ping")
	if !f.rowGone {
		t.Fatalf("handler ran before the row was deleted")
	}
	if string(f.timer.Payload) != `{"n":1}` {
		t.Fatalf("payload mangled: %s", f.timer.Payload)
	}
	expectNoFire(t, fired)

	// Nothing left to deliver.
	clock.Advance(24 * time.Hour)
	expectNoFire(t, fired)
}

func TestEarlierTimerPreemptsWait(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())
	defer s.Stop()

	ctx := context.Background()
	base := clock.Now()
	if _, err := s.Schedule(ctx, base.Add(1000*time.Second), "late", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule late: %v", err)
	}
	waitUntil(t, "loop to wait on the late timer", func() bool { return clock.hasWaiterAt(base.Add(1000 * time.Second)) })

	if _, err := s.Schedule(ctx, base.Add(130*time.Second), "early", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule early: %v", err)
	}
	// The loop abandons the stale wait and sleeps on the earlier timer; the
	// abandoned wait's alarm is stopped, not left running.
	waitUntil(t, "loop to re-wait on the early timer", func() bool { return clock.hasWaiterAt(base.Add(130 * time.Second)) })
	if got := clock.waiterCount(); got != 1 {
		t.Fatalf("preempted wait leaked its timer: %d waiters", got)
	}

	// Only 130s pass: the early timer fires without waiting out the late one.
	clock.Advance(130 * time.Second)
	expectFire(t, fired, "early")

	waitUntil(t, "loop to wait on the late timer again", func() bool { return clock.hasWaiterAt(base.Add(1000 * time.Second)) })
	clock.Advance(870 * time.Second)
	expectFire(t, fired, "late")
	expectNoFire(t, fired)
}

func TestTimerBeyondHorizonDoesNotWakeLoop(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())
	defer s.Stop()

	// Far beyond the wait horizon: persisted, but the idle loop stays asleep.
	ctx := context.Background()
	if _, err := s.Schedule(ctx, clock.Now().Add(60*24*time.Hour), "far", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule far: %v", err)
	}
	if st.insertCount() != 1 {
		t.Fatalf("far timer not persisted (%d inserts)", st.insertCount())
	}
	time.Sleep(20 * time.Millisecond)
	if got := clock.waiterCount(); got != 0 {
		t.Fatalf("idle loop woke for a timer beyond the horizon (%d waiters)", got)
	}
	expectNoFire(t, fired)

	// A nearer timer still dispatches normally.
	near := clock.Now().Add(10 * time.Minute)
	if _, err := s.Schedule(ctx, near, "near", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule near: %v", err)
	}
	waitUntil(t, "loop to wait on the near timer", func() bool { return clock.hasWaiterAt(near) })
	clock.Advance(10 * time.Minute)
	expectFire(t, fired, "near")
	expectNoFire(t, fired)

	// The far timer stays in the store for a later pass.
	if len(st.rows) != 1 {
		t.Fatalf("far timer disturbed: %d rows", len(st.rows))
	}
}

func TestStopDropsPreStartShortTimer(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)

	// Scheduled before Start: held in process against the scheduler itself.
	if _, err := s.Schedule(context.Background(), clock.Now().Add(5*time.Second), "orphan", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitUntil(t, "short timer to start sleeping", func() bool { return clock.waiterCount() == 1 })

	s.Stop()
	clock.Advance(5 * time.Second)
	expectNoFire(t, fired)
	if st.insertCount() != 0 {
		t.Fatalf("short timer hit the store (%d inserts)", st.insertCount())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())
	defer s.Stop()

	ctx := context.Background()
	timer, err := s.Schedule(ctx, clock.Now().Add(300*time.Second), "doomed", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitUntil(t, "loop to wait on the timer", func() bool { return clock.waiterCount() == 1 })

	deleted, err := s.Cancel(ctx, timer.ID)
	if err != nil || !deleted {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", deleted, err)
	}

	clock.Advance(301 * time.Second)
	expectNoFire(t, fired)
}

func TestCancelUnknownID(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	s, fired := newTestScheduler(newMemStore(), clock)
	s.Start(context.Background())
	defer s.Stop()

	deleted, err := s.Cancel(context.Background(), 9999)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if deleted {
		t.Fatalf("Cancel of unknown id reported a deletion")
	}
	expectNoFire(t, fired)
}

func TestLoopSurvivesStoreFailures(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	st.failPending = 3
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())
	defer s.Stop()

	// The loop retries through the outage, then handles timers as usual.
	if _, err := s.Schedule(context.Background(), clock.Now().Add(10*time.Minute), "after-outage", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitUntil(t, "loop to recover and wait", func() bool { return clock.waiterCount() == 1 })
	clock.Advance(10 * time.Minute)
	expectFire(t, fired, "after-outage")
}

func TestStopWithoutFiring(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	s, fired := newTestScheduler(st, clock)
	s.Start(context.Background())

	if _, err := s.Schedule(context.Background(), clock.Now().Add(300*time.Second), "never", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitUntil(t, "loop to wait on the timer", func() bool { return clock.waiterCount() == 1 })

	s.Stop()
	if got := clock.waiterCount(); got != 0 {
		t.Fatalf("stop leaked the wait's timer: %d waiters", got)
	}
	clock.Advance(301 * time.Second)
	expectNoFire(t, fired)

	// The row is still there for the next run.
	if st.insertCount() != 1 || len(st.rows) != 1 {
		t.Fatalf("stop disturbed the persisted timer")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	s, _ := newTestScheduler(newMemStore(), clock)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	// Stopping an already stopped scheduler is a no-op.
	s.Stop()
}

func TestHandlerPanicDoesNotKillLoop(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	st := newMemStore()
	fired := make(chan firing, 16)
	s := New(st, clock, func(tm Timer) {
		if tm.Event == "bad" {
			panic(fmt.Sprintf("boom: %s", tm.Event))
		}
		fired <- firing{timer: tm}
	})
	s.Start(context.Background())
	defer s.Stop()

	ctx := context.Background()
	if _, err := s.Schedule(ctx, clock.Now().Add(200*time.Second), "bad", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule bad: %v", err)
	}
	if _, err := s.Schedule(ctx, clock.Now().Add(400*time.Second), "good", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule good: %v", err)
	}

	waitUntil(t, "loop to wait on the first timer", func() bool { return clock.waiterCount() >= 1 })
	// Push past both expiries at once: the panicking firing is contained
	// and the loop moves straight on to the next timer.
	clock.Advance(400 * time.Second)
	expectFire(t, fired, "good")
}
