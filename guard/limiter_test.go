package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func testEvent(author, channel uint64) Event {
	return Event{
		GuildID:   1,
		ChannelID: snowflake.ID(channel),
		AuthorID:  snowflake.ID(author),
	}
}

func TestNewLimiterValidation(t *testing.T) {
	if _, err := NewLimiter("bad", 0, time.Second, KeyByUser); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("rate=0: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewLimiter("bad", 1, 0, KeyByUser); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("per=0: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewLimiter("bad", 1, time.Second, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil keyFn: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewLimiter("ok", 1, time.Second, KeyByUser); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestFixedWindowExactRateNeverTrips(t *testing.T) {
	lim, err := NewLimiter("t", 10, 12*time.Second, KeyByUser)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	ev := testEvent(1, 1)
	now := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		if lim.Check(ev, now) {
			t.Fatalf("hit %d of 10 tripped", i+1)
		}
	}
	if !lim.Check(ev, now) {
		t.Fatalf("11th hit did not trip")
	}
}

func TestFixedWindowResets(t *testing.T) {
	lim, _ := NewLimiter("t", 10, 12*time.Second, KeyByUser)
	ev := testEvent(1, 1)
	now := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		if lim.Check(ev, now) {
			t.Fatalf("first window tripped early at hit %d", i+1)
		}
	}

	// Full window elapsed: counter starts over.
	later := now.Add(12 * time.Second)
	for i := 0; i < 10; i++ {
		if lim.Check(ev, later) {
			t.Fatalf("second window tripped early at hit %d", i+1)
		}
	}
}

func TestFixedWindowIndependentKeys(t *testing.T) {
	lim, _ := NewLimiter("t", 2, time.Minute, KeyByUser)
	now := time.Unix(1000, 0)

	a := testEvent(1, 1)
	b := testEvent(2, 1)
	lim.Check(a, now)
	lim.Check(a, now)
	if lim.Check(b, now) {
		t.Fatalf("actor b tripped on actor a's hits")
	}
	if !lim.Check(a, now) {
		t.Fatalf("actor a did not trip on 3rd hit")
	}
}

func TestCheckNMatchesRepeatedCheck(t *testing.T) {
	single, _ := NewLimiter("single", 6, 10*time.Second, KeyByUser)
	weighted, _ := NewLimiter("weighted", 6, 10*time.Second, KeyByUser)
	ev := testEvent(1, 1)
	now := time.Unix(1000, 0)

	var tripSingle bool
	for i := 0; i < 7; i++ {
		tripSingle = single.Check(ev, now)
	}
	tripWeighted := weighted.CheckN(ev, now, 7)

	if tripSingle != tripWeighted {
		t.Fatalf("CheckN(7)=%v but 7x Check=%v", tripWeighted, tripSingle)
	}
	if !tripWeighted {
		t.Fatalf("7 tokens against rate 6 did not trip")
	}
}

func TestCheckNZeroTokens(t *testing.T) {
	lim, _ := NewLimiter("t", 1, time.Second, KeyByUser)
	if lim.CheckN(testEvent(1, 1), time.Unix(1000, 0), 0) {
		t.Fatalf("zero tokens tripped")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	lim, _ := NewLimiter("t", 5, time.Second, KeyByUser)
	now := time.Unix(1000, 0)

	for i := uint64(1); i <= 10; i++ {
		lim.Check(testEvent(i, 1), now)
	}
	if lim.Len() != 10 {
		t.Fatalf("expected 10 buckets, got %d", lim.Len())
	}

	// Push past the sweep interval well after every window expired.
	later := now.Add(time.Hour)
	for i := 0; i < sweepInterval; i++ {
		lim.Check(testEvent(99, 1), later)
	}
	if got := lim.Len(); got != 1 {
		t.Fatalf("expected idle buckets evicted down to 1, got %d", got)
	}
}

func TestRegistryConfigure(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Configure("a", 0, time.Second, KeyByUser); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	lim, err := reg.Configure("a", 3, time.Second, KeyByUser)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if reg.Get("a") != lim {
		t.Fatalf("Get returned a different limiter")
	}
	if reg.Get("missing") != nil {
		t.Fatalf("Get of unknown name returned a limiter")
	}
}

func TestExpiringSet(t *testing.T) {
	s := NewExpiringSet(30 * time.Minute)
	now := time.Unix(1000, 0)

	s.Put(1, now)
	if !s.Contains(1, now.Add(29*time.Minute)) {
		t.Fatalf("entry expired before TTL")
	}
	if s.Contains(1, now.Add(31*time.Minute)) {
		t.Fatalf("entry survived past TTL")
	}
	if s.Contains(2, now) {
		t.Fatalf("unknown entry reported present")
	}
}
