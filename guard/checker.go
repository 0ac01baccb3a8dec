package guard

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Reason says which limiter flagged an event as spam.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonFastJoinBurst
	ReasonNewAccountBurst
	ReasonUserBurst
	ReasonContentRepeat
	ReasonMentionBurst
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonFastJoinBurst:
		return "fast_join_burst"
	case ReasonNewAccountBurst:
		return "new_account_burst"
	case ReasonUserBurst:
		return "user_burst"
	case ReasonContentRepeat:
		return "content_repeat"
	case ReasonMentionBurst:
		return "mention_burst"
	default:
		return "unknown"
	}
}

// Spam thresholds. From experience these values aren't reached unless someone
// is actively spamming.
const (
	userBurstRate    = 10
	userBurstWindow  = 12 * time.Second
	contentRate      = 15
	contentWindow    = 17 * time.Second
	newUserRate      = 30
	newUserWindow    = 35 * time.Second
	hitAndRunRate    = 10
	hitAndRunWindow  = 12 * time.Second
	mentionWindow    = 12 * time.Second
	newAccountAge    = 90 * 24 * time.Hour
	newMembershipAge = 7 * 24 * time.Hour
	fastJoinGap      = 2 * time.Second
	fastJoinerTTL    = 30 * time.Minute
)

// FastJoinTracker watches the stream of member joins for a guild. Two joins
// within fastJoinGap of each other flag the later member as a fast joiner for
// fastJoinerTTL. The check is sequential and global to the guild, so joins
// must be fed in arrival order.
type FastJoinTracker struct {
	mu       sync.Mutex
	lastJoin time.Time
	flagged  *ExpiringSet
}

// NewFastJoinTracker returns an empty tracker.
func NewFastJoinTracker() *FastJoinTracker {
	return &FastJoinTracker{flagged: NewExpiringSet(fastJoinerTTL)}
}

// ProcessJoin records a join and reports whether it was a fast join. The last
// join time advances either way.
func (t *FastJoinTracker) ProcessJoin(memberID snowflake.ID, joinedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastJoin.IsZero() {
		t.lastJoin = joinedAt
		return false
	}
	fast := joinedAt.Sub(t.lastJoin) <= fastJoinGap
	t.lastJoin = joinedAt
	if fast {
		t.flagged.Put(memberID, joinedAt)
	}
	return fast
}

// IsFlagged reports whether memberID is currently a fast joiner.
func (t *FastJoinTracker) IsFlagged(memberID snowflake.ID, now time.Time) bool {
	return t.flagged.Contains(memberID, now)
}

// Checker composes the spam limiters for one guild.
//
// It checks, in order:
//  1. fast joiners spamming 10 times in 12 seconds per channel
//  2. new members spamming 30 times in 35 seconds per channel
//  3. any member spamming 10 times in 12 seconds
//  4. the same content repeated 15 times in 17 seconds per channel
//  5. mention spam past twice the configured per-guild threshold in 12 seconds
//
// The content check is meant to catch alternating spam bots, the per-user one
// regular singular spam bots. The first limiter to trip decides the reason;
// later limiters do not consume hits for that event.
type Checker struct {
	byUser    *Limiter
	byContent *Limiter
	newUser   *Limiter
	hitAndRun *Limiter
	joins     *FastJoinTracker

	mu             sync.Mutex
	byMentions     *Limiter
	byMentionsRate int
}

// NewChecker builds a checker with the standard thresholds.
func NewChecker() *Checker {
	reg := NewRegistry()
	byUser, _ := reg.Configure("by_user", userBurstRate, userBurstWindow, KeyByUser)
	byContent, _ := reg.Configure("by_content", contentRate, contentWindow, KeyByContent)
	newUser, _ := reg.Configure("new_user", newUserRate, newUserWindow, KeyByChannel)
	hitAndRun, _ := reg.Configure("hit_and_run", hitAndRunRate, hitAndRunWindow, KeyByChannel)

	return &Checker{
		byUser:    byUser,
		byContent: byContent,
		newUser:   newUser,
		hitAndRun: hitAndRun,
		joins:     NewFastJoinTracker(),
	}
}

// Joins exposes the fast-join tracker so the host can feed member joins.
func (c *Checker) Joins() *FastJoinTracker {
	return c.joins
}

// isNew reports whether the actor both has a young account and joined the
// guild recently. An unknown membership age never counts as new.
func isNew(ev Event) bool {
	return ev.AccountAge < newAccountAge && ev.MembershipAge >= 0 && ev.MembershipAge < newMembershipAge
}

// Check classifies one event. mentionThreshold is the guild's configured
// mention count; zero or less disables the mention check. Events without a
// guild are never spam.
func (c *Checker) Check(ev Event, mentionThreshold int) Reason {
	if ev.GuildID == 0 {
		return ReasonNone
	}
	now := ev.Timestamp

	if c.joins.IsFlagged(ev.AuthorID, now) && c.hitAndRun.Check(ev, now) {
		return ReasonFastJoinBurst
	}
	if isNew(ev) && c.newUser.Check(ev, now) {
		return ReasonNewAccountBurst
	}
	if c.byUser.Check(ev, now) {
		return ReasonUserBurst
	}
	if c.byContent.Check(ev, now) {
		return ReasonContentRepeat
	}
	if c.isMentionSpam(ev, mentionThreshold, now) {
		return ReasonMentionBurst
	}
	return ReasonNone
}

// isMentionSpam feeds the weighted mention limiter with the number of
// distinct users mentioned, excluding bots and the author.
func (c *Checker) isMentionSpam(ev Event, threshold int, now time.Time) bool {
	lim := c.mentionLimiter(threshold)
	if lim == nil {
		return false
	}
	count := CountMentions(ev)
	if count == 0 {
		return false
	}
	return lim.CheckN(ev, now, count)
}

// mentionLimiter lazily builds the mention limiter at twice the configured
// threshold, rebuilding (and dropping its buckets) when the threshold moves.
func (c *Checker) mentionLimiter(threshold int) *Limiter {
	if threshold <= 0 {
		return nil
	}
	rate := threshold * 2

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byMentionsRate != rate {
		c.byMentions, _ = NewLimiter("by_mentions", rate, mentionWindow, KeyByMember)
		c.byMentionsRate = rate
	}
	return c.byMentions
}

// CountMentions counts the distinct non-bot users an event mentions, not
// counting the author mentioning themselves.
func CountMentions(ev Event) int {
	seen := make(map[snowflake.ID]struct{}, len(ev.Mentions))
	for _, m := range ev.Mentions {
		if m.Bot || m.ID == ev.AuthorID {
			continue
		}
		seen[m.ID] = struct{}{}
	}
	return len(seen)
}
