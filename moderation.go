package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"

	"github.com/leeineian/zen/guard"
	"github.com/leeineian/zen/sys"
)

// RaidMode controls how aggressively joins and messages are policed.
type RaidMode int

const (
	// RaidModeOff disables raid protection.
	RaidModeOff RaidMode = iota
	// RaidModeOn raises alerts for suspicious activity without acting on it.
	RaidModeOn
	// RaidModeStrict auto-bans spammers and flagged fast joiners.
	RaidModeStrict
)

func (m RaidMode) String() string {
	switch m {
	case RaidModeOff:
		return "off"
	case RaidModeOn:
		return "on"
	case RaidModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseRaidMode maps the user-facing spelling of a raid mode to its value.
func ParseRaidMode(s string) (RaidMode, error) {
	switch strings.ToLower(s) {
	case "off":
		return RaidModeOff, nil
	case "on":
		return RaidModeOn, nil
	case "strict":
		return RaidModeStrict, nil
	}
	return RaidModeOff, fmt.Errorf("unknown raid mode %q", s)
}

// defaultRaidModeKey is the bot_config key holding the raid mode applied to
// guilds that have no stored config of their own.
const defaultRaidModeKey = "default_raid_mode"

// Actioner carries out moderation decisions against the chat platform.
type Actioner interface {
	Ban(ctx context.Context, guildID, userID snowflake.ID, reason string) error
}

// Notifier delivers batched moderation notices to a guild's broadcast channel.
type Notifier interface {
	Notify(ctx context.Context, channelID snowflake.ID, lines []string) error
}

// Guild configs rarely change, so they are cached and refetched lazily.
const modConfigTTL = 5 * time.Minute

type cachedModConfig struct {
	cfg     *sys.ModConfig
	fetched time.Time
}

// Moderator ties the spam checkers to per-guild configuration and turns their
// verdicts into bans, audit rows and broadcast notices.
type Moderator struct {
	store   *sys.ModConfigStore
	actions *sys.ModActionLog
	act     Actioner
	notify  Notifier

	mu       sync.Mutex
	checkers map[snowflake.ID]*guard.Checker
	configs  map[snowflake.ID]cachedModConfig

	noticeMu sync.Mutex
	notices  map[snowflake.ID][]string

	// pace throttles outgoing notice deliveries across all guilds.
	pace *rate.Limiter

	flusherRunning int32
}

func NewModerator(store *sys.ModConfigStore, actions *sys.ModActionLog, act Actioner, notify Notifier) *Moderator {
	return &Moderator{
		store:    store,
		actions:  actions,
		act:      act,
		notify:   notify,
		checkers: make(map[snowflake.ID]*guard.Checker),
		configs:  make(map[snowflake.ID]cachedModConfig),
		notices:  make(map[snowflake.ID][]string),
		pace:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// checker returns the guild's spam checker, creating it on first use. Checkers
// are never evicted; their buckets expire on their own.
func (m *Moderator) checker(guildID snowflake.ID) *guard.Checker {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkers[guildID]
	if !ok {
		c = guard.NewChecker()
		m.checkers[guildID] = c
	}
	return c
}

// GuildConfig returns the guild's moderation config, using a cached copy when
// fresh enough. A guild with no stored row gets an all-defaults config.
func (m *Moderator) GuildConfig(ctx context.Context, guildID snowflake.ID) (*sys.ModConfig, error) {
	m.mu.Lock()
	if entry, ok := m.configs[guildID]; ok && time.Since(entry.fetched) < modConfigTTL {
		m.mu.Unlock()
		return entry.cfg, nil
	}
	m.mu.Unlock()

	cfg, err := m.store.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &sys.ModConfig{GuildID: guildID, RaidMode: m.defaultRaidMode(ctx)}
	}

	m.mu.Lock()
	m.configs[guildID] = cachedModConfig{cfg: cfg, fetched: time.Now()}
	m.mu.Unlock()
	return cfg, nil
}

// defaultRaidMode reads the bot-wide fallback raid mode. An unset or
// unreadable value means off.
func (m *Moderator) defaultRaidMode(ctx context.Context) int {
	v, err := sys.GetBotConfig(ctx, defaultRaidModeKey)
	if err != nil || v == "" {
		return int(RaidModeOff)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return int(RaidModeOff)
	}
	return n
}

// SetDefaultRaidMode persists the bot-wide fallback raid mode.
func SetDefaultRaidMode(ctx context.Context, mode RaidMode) error {
	if err := sys.SetBotConfig(ctx, defaultRaidModeKey, strconv.Itoa(int(mode))); err != nil {
		return err
	}
	sys.LogMod("Default raid mode set to %s", mode)
	return nil
}

// InvalidateConfig drops the cached config so the next read hits the store.
func (m *Moderator) InvalidateConfig(guildID snowflake.ID) {
	m.mu.Lock()
	delete(m.configs, guildID)
	m.mu.Unlock()
}

// SetRaidMode persists the raid mode and where its notices go.
func (m *Moderator) SetRaidMode(ctx context.Context, guildID snowflake.ID, mode RaidMode, broadcastChannelID snowflake.ID) error {
	if err := m.store.SetRaidMode(ctx, guildID, int(mode), broadcastChannelID); err != nil {
		return err
	}
	m.InvalidateConfig(guildID)
	sys.LogMod(sys.MsgModRaidModeChanged, guildID, mode)
	return nil
}

// SetMentionThreshold persists the mention auto-ban threshold. Zero disables it.
func (m *Moderator) SetMentionThreshold(ctx context.Context, guildID snowflake.ID, count int) error {
	if err := m.store.SetMentionCount(ctx, guildID, count); err != nil {
		return err
	}
	m.InvalidateConfig(guildID)
	return nil
}

// SetSafeChannels persists the channels exempt from mention spam checks.
func (m *Moderator) SetSafeChannels(ctx context.Context, guildID snowflake.ID, channelIDs []snowflake.ID) error {
	if err := m.store.SetSafeChannels(ctx, guildID, channelIDs); err != nil {
		return err
	}
	m.InvalidateConfig(guildID)
	return nil
}

// HandleMessage runs one message through the guild's mention and spam checks.
// It returns the reason the message was flagged, or ReasonNone.
func (m *Moderator) HandleMessage(ctx context.Context, ev guard.Event) (guard.Reason, error) {
	if ev.GuildID == 0 {
		return guard.ReasonNone, nil
	}

	cfg, err := m.GuildConfig(ctx, ev.GuildID)
	if err != nil {
		sys.LogMod(sys.MsgModConfigLoadFail, ev.GuildID, err)
		return guard.ReasonNone, err
	}

	// The spam check runs first so every message feeds the limiter buckets,
	// mass-mention ones included.
	reason := m.checker(ev.GuildID).Check(ev, cfg.MentionCount)
	if reason != guard.ReasonNone {
		sys.LogMod(sys.MsgModSpamDetected, ev.GuildID, ev.AuthorID, reason)
		if RaidMode(cfg.RaidMode) == RaidModeStrict {
			m.autoban(ctx, ev.GuildID, ev.AuthorID, sys.ErrModAutobanSpam)
		} else {
			m.queueNotice(ev.GuildID, fmt.Sprintf("Flagged member %s for %s", ev.AuthorID, reason))
		}
	}

	// Mass mentions are banned outright, independent of raid mode. Three or
	// fewer mentions are never worth looking at.
	if cfg.MentionCount > 0 && !cfg.IsSafeChannel(ev.ChannelID) {
		if count := guard.CountMentions(ev); count > 3 && count >= cfg.MentionCount {
			m.autoban(ctx, ev.GuildID, ev.AuthorID, fmt.Sprintf(sys.ErrModAutobanMentions, count))
			if reason == guard.ReasonNone {
				reason = guard.ReasonMentionBurst
			}
		}
	}
	return reason, nil
}

// HandleJoin feeds a member join into the guild's fast-join tracker. In strict
// raid mode a fast joiner is banned on the spot.
func (m *Moderator) HandleJoin(ctx context.Context, guildID, memberID snowflake.ID, joinedAt time.Time) error {
	fast := m.checker(guildID).Joins().ProcessJoin(memberID, joinedAt)
	if !fast {
		return nil
	}
	sys.LogMod(sys.MsgModJoinFlagged, memberID, guildID)

	cfg, err := m.GuildConfig(ctx, guildID)
	if err != nil {
		sys.LogMod(sys.MsgModConfigLoadFail, guildID, err)
		return err
	}
	if RaidMode(cfg.RaidMode) == RaidModeStrict {
		m.autoban(ctx, guildID, memberID, sys.ErrModAutobanRaid)
	} else {
		m.queueNotice(guildID, fmt.Sprintf("Member %s joined suspiciously fast", memberID))
	}
	return nil
}

func (m *Moderator) autoban(ctx context.Context, guildID, userID snowflake.ID, reason string) {
	sys.LogMod(sys.MsgModAutoban, userID, guildID, reason)
	if err := m.act.Ban(ctx, guildID, userID, reason); err != nil {
		sys.LogMod(sys.MsgModAutobanFail, userID, err)
		return
	}
	if err := m.actions.Insert(ctx, &sys.ModAction{
		GuildID: guildID,
		UserID:  userID,
		Action:  "ban",
		Reason:  reason,
	}); err != nil {
		sys.LogMod(sys.MsgModActionLogFail, err)
	}
	m.queueNotice(guildID, fmt.Sprintf("Banned %s: %s", userID, reason))
}

func (m *Moderator) queueNotice(guildID snowflake.ID, line string) {
	m.noticeMu.Lock()
	m.notices[guildID] = append(m.notices[guildID], line)
	m.noticeMu.Unlock()
}

// StartNoticeFlusher runs the broadcast daemon that drains queued notices
// every 10 seconds, pacing deliveries so a raid cannot flood the channel.
func (m *Moderator) StartNoticeFlusher(ctx context.Context) (bool, func(), func()) {
	if !atomic.CompareAndSwapInt32(&m.flusherRunning, 0, 1) {
		return false, nil, nil
	}

	return true, func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					m.flushNotices(ctx)
				case <-ctx.Done():
					return
				}
			}
		}, func() {
			sys.LogMod("Shutting down mod notice flusher...")
		}
}

func (m *Moderator) flushNotices(ctx context.Context) {
	m.noticeMu.Lock()
	pending := m.notices
	m.notices = make(map[snowflake.ID][]string)
	m.noticeMu.Unlock()

	for guildID, lines := range pending {
		cfg, err := m.GuildConfig(ctx, guildID)
		if err != nil {
			sys.LogMod(sys.MsgModConfigLoadFail, guildID, err)
			continue
		}
		if cfg.BroadcastChannelID == 0 {
			continue
		}
		if err := m.pace.Wait(ctx); err != nil {
			return
		}
		if err := m.notify.Notify(ctx, cfg.BroadcastChannelID, lines); err != nil {
			sys.LogMod(sys.MsgModNoticeFlushFail, len(lines), err)
		}
	}
}

// LogActioner writes bans to the log instead of a chat platform. It stands in
// for a real gateway client when running headless.
type LogActioner struct{}

func (LogActioner) Ban(_ context.Context, guildID, userID snowflake.ID, reason string) error {
	sys.LogMod("Ban issued for %s in guild %s (%s)", userID, guildID, reason)
	return nil
}

// LogNotifier prints broadcast notices to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, channelID snowflake.ID, lines []string) error {
	for _, line := range lines {
		sys.LogMod("[notice -> %s] %s", channelID, line)
	}
	return nil
}
