package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ErrInvalidArgument is returned for limiter configurations that can never
// admit an event (rate < 1, non-positive window, missing key function).
var ErrInvalidArgument = fmt.Errorf("guard: invalid argument")

// Mention is a single user mention carried by an event.
type Mention struct {
	ID  snowflake.ID
	Bot bool
}

// Event is one discrete thing an actor did, with everything the spam policy
// needs already extracted by the caller. GuildID of zero means the event has
// no guild context and is never classified as spam.
type Event struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	AuthorID  snowflake.ID
	Content   string
	Mentions  []Mention

	// AccountAge is how old the actor's account is. MembershipAge is how
	// long the actor has been a member of the guild; negative means unknown.
	AccountAge    time.Duration
	MembershipAge time.Duration

	Timestamp time.Time
}

// KeyFunc derives the bucket key for an event.
type KeyFunc func(Event) string

// KeyByUser buckets events per actor.
func KeyByUser(ev Event) string {
	return "user:" + ev.AuthorID.String()
}

// KeyByChannel buckets events per channel.
func KeyByChannel(ev Event) string {
	return "chan:" + ev.ChannelID.String()
}

// KeyByMember buckets events per (guild, actor) pair.
func KeyByMember(ev Event) string {
	return "member:" + ev.GuildID.String() + ":" + ev.AuthorID.String()
}

// KeyByContent buckets events per (channel, exact content) pair.
func KeyByContent(ev Event) string {
	return "content:" + ev.ChannelID.String() + ":" + ev.Content
}

// bucket is a fixed-window counter. The window starts on first touch and
// resets once it is older than the limiter's period.
type bucket struct {
	windowStart time.Time
	hits        int
	lastTouch   time.Time
}

// Limiter is a named fixed-window rate limiter. Buckets are created lazily
// per key and evicted opportunistically once their window has long expired.
//
// The window is fixed, not sliding: a burst straddling a window boundary can
// pass up to twice the configured rate. That matches the behavior this was
// tuned against and the thresholds assume it.
type Limiter struct {
	name  string
	rate  int
	per   time.Duration
	keyFn KeyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	ops     int
}

// sweepInterval is how many bucket touches pass between eviction sweeps.
const sweepInterval = 512

// NewLimiter builds a limiter admitting rate events per window.
func NewLimiter(name string, rate int, per time.Duration, keyFn KeyFunc) (*Limiter, error) {
	if rate < 1 {
		return nil, fmt.Errorf("limiter %q: rate %d: %w", name, rate, ErrInvalidArgument)
	}
	if per <= 0 {
		return nil, fmt.Errorf("limiter %q: window %s: %w", name, per, ErrInvalidArgument)
	}
	if keyFn == nil {
		return nil, fmt.Errorf("limiter %q: nil key function: %w", name, ErrInvalidArgument)
	}
	return &Limiter{
		name:    name,
		rate:    rate,
		per:     per,
		keyFn:   keyFn,
		buckets: make(map[string]*bucket),
	}, nil
}

// Check records one hit for the event's bucket and reports whether the bucket
// has exceeded its rate within the current window.
func (l *Limiter) Check(ev Event, now time.Time) bool {
	return l.CheckN(ev, now, 1)
}

// CheckN records tokens hits at once. Tripping is equivalent to calling Check
// tokens times at the same instant; a non-positive token count never trips.
func (l *Limiter) CheckN(ev Event, now time.Time, tokens int) bool {
	if tokens <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops++
	if l.ops%sweepInterval == 0 {
		l.sweep(now)
	}

	key := l.keyFn(ev)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	b.lastTouch = now

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= l.per {
		b.windowStart = now
		b.hits = tokens
	} else {
		b.hits += tokens
	}
	return b.hits > l.rate
}

// sweep drops buckets whose window expired and that have not been touched
// since. Caller holds l.mu.
func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastTouch) >= l.per {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Registry holds independently configured limiters by name so a composed
// policy can be assembled from plain values instead of decorator stacks.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Configure registers a named limiter, replacing any previous one with the
// same name (and dropping its buckets).
func (r *Registry) Configure(name string, rate int, per time.Duration, keyFn KeyFunc) (*Limiter, error) {
	l, err := NewLimiter(name, rate, per, keyFn)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.limiters[name] = l
	r.mu.Unlock()
	return l, nil
}

// Get returns the limiter registered under name, or nil.
func (r *Registry) Get(name string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiters[name]
}
