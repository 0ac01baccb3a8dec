package sched

import (
	"context"
	"encoding/json"
	"time"
)

// Timer is one scheduled future event. ID is zero until the timer has been
// persisted; short-lived timers are never persisted and keep a zero ID.
type Timer struct {
	ID        int64
	Event     string
	Payload   json.RawMessage
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store is the durable side of the scheduler. Any key-sorted store works;
// the host supplies a sqlite-backed one.
type Store interface {
	// Insert persists a timer and returns its assigned id.
	Insert(ctx context.Context, t *Timer) (int64, error)
	// Delete removes a timer, reporting whether a row existed.
	Delete(ctx context.Context, id int64) (bool, error)
	// EarliestPending returns the soonest-expiring timer with
	// ExpiresAt <= before, or nil if there is none.
	EarliestPending(ctx context.Context, before time.Time) (*Timer, error)
}

// Clock abstracts time so the wait loop can be driven by tests.
type Clock interface {
	Now() time.Time
	// NewTimer returns a single-shot alarm firing after d.
	NewTimer(d time.Duration) Alarm
}

// Alarm is one pending wait against a Clock. Stop releases the underlying
// timer when the wait is abandoned before it fires.
type Alarm interface {
	C() <-chan time.Time
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) NewTimer(d time.Duration) Alarm { return systemAlarm{time.NewTimer(d)} }

type systemAlarm struct{ t *time.Timer }

func (a systemAlarm) C() <-chan time.Time { return a.t.C }

func (a systemAlarm) Stop() bool { return a.t.Stop() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
