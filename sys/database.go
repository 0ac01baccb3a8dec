package sys

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/leeineian/zen/sched"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS timers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_expires_at ON timers (expires_at)`,
		`CREATE TABLE IF NOT EXISTS guild_mod_config (
			guild_id TEXT PRIMARY KEY,
			raid_mode INTEGER NOT NULL DEFAULT 0,
			broadcast_channel_id TEXT,
			mention_count INTEGER NOT NULL DEFAULT 0,
			safe_mention_channel_ids TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS mod_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers hold loose key/value state that has no table of its own.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Timers ---

// TimerStore backs the scheduler with the timers table.
type TimerStore struct {
	db *sql.DB
}

func NewTimerStore(db *sql.DB) *TimerStore {
	return &TimerStore{db: db}
}

func (s *TimerStore) Insert(ctx context.Context, t *sched.Timer) (int64, error) {
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (event, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, t.Event, payload, t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *TimerStore) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM timers WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *TimerStore) EarliestPending(ctx context.Context, before time.Time) (*sched.Timer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event, payload, expires_at, created_at
		FROM timers WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT 1
	`, before.UTC())

	t := &sched.Timer{}
	var payload string
	err := row.Scan(&t.ID, &t.Event, &payload, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	return t, nil
}

// ListPending returns every stored timer for one event, soonest first.
func (s *TimerStore) ListPending(ctx context.Context, event string) ([]*sched.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event, payload, expires_at, created_at
		FROM timers WHERE event = ? ORDER BY expires_at ASC
	`, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*sched.Timer
	for rows.Next() {
		t := &sched.Timer{}
		var payload string
		if err := rows.Scan(&t.ID, &t.Event, &payload, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Payload = json.RawMessage(payload)
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// --- Guild moderation config ---

type ModConfig struct {
	GuildID               snowflake.ID
	RaidMode              int
	BroadcastChannelID    snowflake.ID
	MentionCount          int
	SafeMentionChannelIDs []snowflake.ID
	UpdatedAt             time.Time
}

// IsSafeChannel reports whether mention spam checks are disabled for a channel.
func (c *ModConfig) IsSafeChannel(channelID snowflake.ID) bool {
	for _, id := range c.SafeMentionChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// ModConfigStore persists per-guild moderation settings.
type ModConfigStore struct {
	db *sql.DB
}

func NewModConfigStore(db *sql.DB) *ModConfigStore {
	return &ModConfigStore{db: db}
}

// Get returns nil without error when the guild has no stored config.
func (s *ModConfigStore) Get(ctx context.Context, guildID snowflake.ID) (*ModConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, raid_mode, broadcast_channel_id, mention_count, safe_mention_channel_ids, updated_at
		FROM guild_mod_config WHERE guild_id = ?
	`, guildID.String())

	cfg := &ModConfig{}
	var gid string
	var broadcast, safeChannels sql.NullString
	err := row.Scan(&gid, &cfg.RaidMode, &broadcast, &cfg.MentionCount, &safeChannels, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cfg.GuildID, err = snowflake.Parse(gid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse guild ID '%s' in mod config: %w", gid, err)
	}
	if broadcast.Valid && broadcast.String != "" {
		cfg.BroadcastChannelID, err = snowflake.Parse(broadcast.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse broadcast channel ID '%s' for guild %s: %w", broadcast.String, gid, err)
		}
	}
	if safeChannels.Valid && safeChannels.String != "" {
		for _, part := range strings.Split(safeChannels.String, ",") {
			id, err := snowflake.Parse(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("failed to parse safe channel ID '%s' for guild %s: %w", part, gid, err)
			}
			cfg.SafeMentionChannelIDs = append(cfg.SafeMentionChannelIDs, id)
		}
	}
	return cfg, nil
}

// SetRaidMode updates the raid mode and the channel raid notices go to.
func (s *ModConfigStore) SetRaidMode(ctx context.Context, guildID snowflake.ID, mode int, broadcastChannelID snowflake.ID) error {
	broadcast := ""
	if broadcastChannelID != 0 {
		broadcast = broadcastChannelID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_mod_config (guild_id, raid_mode, broadcast_channel_id) VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			raid_mode = excluded.raid_mode,
			broadcast_channel_id = excluded.broadcast_channel_id,
			updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), mode, broadcast)
	return err
}

// SetMentionCount sets the auto-ban threshold for mention spam. Zero disables it.
func (s *ModConfigStore) SetMentionCount(ctx context.Context, guildID snowflake.ID, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_mod_config (guild_id, mention_count) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			mention_count = excluded.mention_count,
			updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), count)
	return err
}

// SetSafeChannels replaces the list of channels exempt from mention spam checks.
func (s *ModConfigStore) SetSafeChannels(ctx context.Context, guildID snowflake.ID, channelIDs []snowflake.ID) error {
	parts := make([]string, len(channelIDs))
	for i, id := range channelIDs {
		parts[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_mod_config (guild_id, safe_mention_channel_ids) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			safe_mention_channel_ids = excluded.safe_mention_channel_ids,
			updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), strings.Join(parts, ","))
	return err
}

// --- Moderation audit log ---

type ModAction struct {
	ID        int64
	GuildID   snowflake.ID
	UserID    snowflake.ID
	Action    string
	Reason    string
	CreatedAt time.Time
}

// ModActionLog records automated moderation decisions for later review.
type ModActionLog struct {
	db *sql.DB
}

func NewModActionLog(db *sql.DB) *ModActionLog {
	return &ModActionLog{db: db}
}

func (l *ModActionLog) Insert(ctx context.Context, a *ModAction) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO mod_actions (guild_id, user_id, action, reason) VALUES (?, ?, ?, ?)
	`, a.GuildID.String(), a.UserID.String(), a.Action, a.Reason)
	return err
}

func (l *ModActionLog) Recent(ctx context.Context, guildID snowflake.ID, limit int) ([]*ModAction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, action, reason, created_at
		FROM mod_actions WHERE guild_id = ? ORDER BY id DESC LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*ModAction
	for rows.Next() {
		a := &ModAction{}
		var gid, uid string
		if err := rows.Scan(&a.ID, &gid, &uid, &a.Action, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s' for mod action %d: %w", gid, a.ID, err)
		}
		a.UserID, err = snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user ID '%s' for mod action %d: %w", uid, a.ID, err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
