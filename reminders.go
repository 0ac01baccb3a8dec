package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/sho0pi/naturaltime"

	"github.com/leeineian/zen/sched"
	"github.com/leeineian/zen/sys"
)

// reminderEvent is the timer event name reminders are stored under.
const reminderEvent = "reminder"

const (
	MsgReminderRelLessMinute = "in less than a minute"
	MsgReminderRelMinute     = "in 1 minute"
	MsgReminderRelMinutes    = "in %d minutes"
	MsgReminderRelHour       = "in 1 hour"
	MsgReminderRelHours      = "in %d hours"
	MsgReminderRelDay        = "tomorrow"
	MsgReminderRelDays       = "in %d days"
	MsgReminderRelWeek       = "in 1 week"
	MsgReminderRelWeeks      = "in %d weeks"
	MsgReminderRelMonth      = "in 1 month"
	MsgReminderRelMonths     = "in %d months"
	MsgReminderRelYear       = "in 1 year"
	MsgReminderRelYears      = "in %d years"
)

var reminderParser *naturaltime.Parser

// initReminderParser initializes the natural language time parser
func initReminderParser() {
	var err error
	reminderParser, err = naturaltime.New()
	if err != nil {
		sys.LogFatal(sys.MsgReminderNaturalTimeFail, err)
	}
}

// parseNaturalTime parses natural language time expressions into a time.Time
func parseNaturalTime(input string) (time.Time, error) {
	now := time.Now().UTC()

	result, err := reminderParser.ParseDate(input, now)
	if err == nil && result != nil {
		return *result, nil
	}

	if d, err := time.ParseDuration(input); err == nil {
		return now.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", input)
}

type reminderPayload struct {
	UserID    snowflake.ID `json:"user_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id,omitempty"`
	Message   string       `json:"message"`
}

// Reminder is one pending reminder as shown to the user.
type Reminder struct {
	ID        int64
	UserID    snowflake.ID
	ChannelID snowflake.ID
	GuildID   snowflake.ID
	Message   string
	RemindAt  time.Time
}

// ReminderDeliverer gets a reminder in front of its user.
type ReminderDeliverer interface {
	Deliver(ctx context.Context, userID, channelID snowflake.ID, message string) error
}

// LogDeliverer prints reminders to the log for headless runs.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, userID, channelID snowflake.ID, message string) error {
	sys.LogReminder("Reminder for %s in channel %s: %s", userID, channelID, message)
	return nil
}

// ReminderService puts reminders on the shared timer scheduler and delivers
// them when their timers fire.
type ReminderService struct {
	scheduler *sched.Scheduler
	store     *sys.TimerStore
	deliver   ReminderDeliverer
}

func NewReminderService(scheduler *sched.Scheduler, store *sys.TimerStore, deliver ReminderDeliverer) *ReminderService {
	return &ReminderService{
		scheduler: scheduler,
		store:     store,
		deliver:   deliver,
	}
}

func marshalReminderPayload(userID, channelID, guildID snowflake.ID, message string) ([]byte, error) {
	return json.Marshal(reminderPayload{
		UserID:    userID,
		ChannelID: channelID,
		GuildID:   guildID,
		Message:   message,
	})
}

// Remind schedules a reminder for when.
func (s *ReminderService) Remind(ctx context.Context, userID, channelID, guildID snowflake.ID, message string, when time.Time) (*sched.Timer, error) {
	payload, err := marshalReminderPayload(userID, channelID, guildID, message)
	if err != nil {
		return nil, err
	}
	timer, err := s.scheduler.Schedule(ctx, when, reminderEvent, payload, time.Time{})
	if err != nil {
		sys.LogReminder(sys.MsgReminderFailedToSave, err)
		return nil, err
	}
	return timer, nil
}

// ListAll returns every pending reminder, soonest first. Short reminders live
// only in memory and do not show up here.
func (s *ReminderService) ListAll(ctx context.Context) ([]*Reminder, error) {
	timers, err := s.store.ListPending(ctx, reminderEvent)
	if err != nil {
		return nil, err
	}

	var reminders []*Reminder
	for _, t := range timers {
		var p reminderPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			sys.LogReminder(sys.MsgReminderBadPayload, err)
			continue
		}
		reminders = append(reminders, &Reminder{
			ID:        t.ID,
			UserID:    p.UserID,
			ChannelID: p.ChannelID,
			GuildID:   p.GuildID,
			Message:   p.Message,
			RemindAt:  t.ExpiresAt,
		})
	}
	return reminders, nil
}

// List returns one user's pending reminders, soonest first.
func (s *ReminderService) List(ctx context.Context, userID snowflake.ID) ([]*Reminder, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var reminders []*Reminder
	for _, r := range all {
		if r.UserID == userID {
			reminders = append(reminders, r)
		}
	}
	return reminders, nil
}

// Dismiss cancels one of the user's reminders. Reminders belonging to someone
// else are left alone.
func (s *ReminderService) Dismiss(ctx context.Context, id int64, userID snowflake.ID) (bool, error) {
	reminders, err := s.List(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range reminders {
		if r.ID == id {
			return s.scheduler.Cancel(ctx, id)
		}
	}
	return false, nil
}

// HandleTimer delivers a fired reminder timer.
func (s *ReminderService) HandleTimer(t sched.Timer) {
	var p reminderPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		sys.LogReminder(sys.MsgReminderBadPayload, err)
		return
	}

	ctx := AppContext
	if ctx == nil {
		ctx = context.Background()
	}
	line := p.Message
	if !t.CreatedAt.IsZero() {
		line = fmt.Sprintf("%s: %s", reminderAge(t.CreatedAt, time.Now().UTC()), p.Message)
	}
	sys.LogReminder(sys.MsgReminderFired, t.ID, p.UserID)
	if err := s.deliver.Deliver(ctx, p.UserID, p.ChannelID, line); err != nil {
		sys.LogReminder("Failed to deliver reminder %d: %v", t.ID, err)
	}
}

// reminderAge says how long ago a reminder was set.
func reminderAge(from, to time.Time) string {
	d := to.Sub(from)
	switch {
	case d < time.Minute:
		return "moments ago"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatReminderRelativeTime formats a duration as a human-readable relative time string
func formatReminderRelativeTime(from, to time.Time) string {
	duration := to.Sub(from)

	if duration < time.Minute {
		return MsgReminderRelLessMinute
	}

	if duration < time.Hour {
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return MsgReminderRelMinute
		}
		return fmt.Sprintf(MsgReminderRelMinutes, minutes)
	}

	if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return MsgReminderRelHour
		}
		return fmt.Sprintf(MsgReminderRelHours, hours)
	}

	days := int(duration.Hours() / 24)
	if days == 1 {
		return MsgReminderRelDay
	}
	if days < 7 {
		return fmt.Sprintf(MsgReminderRelDays, days)
	}

	weeks := days / 7
	if weeks == 1 {
		return MsgReminderRelWeek
	}
	if weeks < 4 {
		return fmt.Sprintf(MsgReminderRelWeeks, weeks)
	}

	months := days / 30
	if months == 1 {
		return MsgReminderRelMonth
	}
	if months < 12 {
		return fmt.Sprintf(MsgReminderRelMonths, months)
	}

	years := days / 365
	if years == 1 {
		return MsgReminderRelYear
	}
	return fmt.Sprintf(MsgReminderRelYears, years)
}

// Truncate truncates a string to the specified length with ellipsis at the end.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
