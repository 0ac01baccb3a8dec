package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/zen/sched"
	"github.com/leeineian/zen/sys"
)

func main() {
	// 0. Recover from panics (LogFatal uses panic to ensure defers run)
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	// 1. Load configuration early
	cfg, err := sys.LoadConfig()
	if err != nil {
		sys.LogFatal(sys.MsgConfigFailedToLoad, err)
	}

	silent := flag.Bool("silent", false, "Disable all log output")
	dbPath := flag.String("db", "", "Override the database path")
	remindWhen := flag.String("remind", "", "Schedule a reminder (e.g. 'in 2 hours') and exit")
	remindMessage := flag.String("message", "", "Reminder message for -remind")
	remindUser := flag.String("user", "", "User ID for -remind and -list-reminders")
	remindChannel := flag.String("channel", "", "Channel ID for -remind")
	listReminders := flag.Bool("list-reminders", false, "List pending reminders and exit")
	dismissID := flag.Int64("dismiss", 0, "Dismiss a reminder by ID (requires -user) and exit")
	defaultRaid := flag.String("default-raid-mode", "", "Set the fallback raid mode for unconfigured guilds (off/on/strict) and exit")
	flag.Parse()

	// 2. Initialize Logger (handle flags)
	sys.InitLogger(*silent, true)

	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	// 3. Initialize Database
	if err := sys.InitDatabase(context.Background(), cfg.DatabasePath); err != nil {
		sys.LogFatal("Failed to initialize database: %v", err)
	}
	defer sys.CloseDatabase()

	// 4. One-shot CLI modes run against the store directly, no daemons.
	if *remindWhen != "" {
		if err := scheduleReminderCLI(context.Background(), *remindWhen, *remindMessage, *remindUser, *remindChannel); err != nil {
			sys.LogFatal(sys.MsgGenericError, err)
		}
		return
	}
	if *listReminders {
		if err := listRemindersCLI(context.Background(), *remindUser); err != nil {
			sys.LogFatal(sys.MsgGenericError, err)
		}
		return
	}
	if *dismissID != 0 {
		if err := dismissReminderCLI(context.Background(), *dismissID, *remindUser); err != nil {
			sys.LogFatal(sys.MsgGenericError, err)
		}
		return
	}
	if *defaultRaid != "" {
		mode, err := ParseRaidMode(*defaultRaid)
		if err != nil {
			sys.LogFatal(sys.MsgGenericError, err)
		}
		if err := SetDefaultRaidMode(context.Background(), mode); err != nil {
			sys.LogFatal(sys.MsgGenericError, err)
		}
		return
	}

	botName := sys.GetProjectName()
	sys.LogInfo(sys.MsgBotStarting, botName)

	// 5. Open or create the PID file
	f, err := os.OpenFile(".bot.pid", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		sys.LogFatal("Failed to open PID file: %v", err)
	}
	defer f.Close()

	// 6. Try to acquire an exclusive lock
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}

		if err != syscall.EWOULDBLOCK {
			sys.LogFatal("Failed to lock PID file: %v", err)
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil {
			_ = f.Close()
			<-ticker.C
			f, _ = os.OpenFile(".bot.pid", os.O_RDWR|os.O_CREATE, 0644)
			continue
		}

		if oldPid == os.Getpid() {
			break
		}

		process, procErr := os.FindProcess(oldPid)
		if procErr != nil {
			<-ticker.C
			continue
		}

		sys.LogInfo(sys.MsgBotKillingOld, oldPid)
		_ = process.Signal(syscall.SIGTERM)

		terminated := false
		timeout := time.After(5 * time.Second)
	waitLoop:
		for {
			select {
			case <-ticker.C:
				if err := process.Signal(syscall.Signal(0)); err != nil {
					terminated = true
					break waitLoop
				}
			case <-timeout:
				break waitLoop
			}
		}

		if !terminated {
			sys.LogWarn("Old process %d is stubborn. Sending SIGKILL...", oldPid)
			_ = process.Signal(syscall.SIGKILL)

			killTimeout := time.After(2 * time.Second)
			killTicker := time.NewTicker(50 * time.Millisecond)
			defer killTicker.Stop()

		killWait:
			for {
				select {
				case <-killTicker.C:
					if err := process.Signal(syscall.Signal(0)); err != nil {
						break killWait
					}
				case <-killTimeout:
					sys.LogWarn("Process %d still exists after SIGKILL", oldPid)
					break killWait
				}
			}
		}

		sys.LogInfo(sys.MsgBotOldTerminated)
	}

	// 7. We have the lock. Write our PID.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		sys.LogWarn(sys.MsgBotPIDWriteFail, err)
	}
	_ = f.Sync()

	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = os.Remove(".bot.pid")
	}()

	// 8. Run (blocks until shutdown signal)
	if err := run(cfg, *silent); err != nil {
		sys.LogFatal(sys.MsgGenericError, err)
	}
}

func run(cfg *sys.Config, silent bool) error {
	// 1. Setup global context that responds to shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	SetAppContext(ctx)
	initReminderParser()

	// 2. Wire stores and services over the shared database
	timerStore := sys.NewTimerStore(sys.DB)
	modStore := sys.NewModConfigStore(sys.DB)
	actionLog := sys.NewModActionLog(sys.DB)

	moderator := NewModerator(modStore, actionLog, LogActioner{}, LogNotifier{})

	var reminders *ReminderService
	scheduler := sched.New(timerStore, nil, func(t sched.Timer) {
		switch t.Event {
		case reminderEvent:
			reminders.HandleTimer(t)
		default:
			sys.LogScheduler("Dropping timer %d with unknown event %q", t.ID, t.Event)
		}
	})
	reminders = NewReminderService(scheduler, timerStore, LogDeliverer{})

	// 3. Daemons
	RegisterDaemon(sys.LogScheduler, func(ctx context.Context) (bool, func(), func()) {
		return true, func() {
			scheduler.Start(ctx)
			<-ctx.Done()
		}, scheduler.Stop
	})
	RegisterDaemon(sys.LogMod, moderator.StartNoticeFlusher)
	StartDaemons(ctx)

	sys.LogInfo(sys.MsgBotReady, sys.GetProjectName(), os.Getpid())

	<-ctx.Done()
	if !silent {
		fmt.Println()
	}

	// Graceful Shutdown
	sys.LogInfo(MsgDaemonsStopping)
	ShutdownDaemons(context.Background())
	sys.LogInfo(sys.MsgBotShutdown, sys.GetProjectName())

	return nil
}

// scheduleReminderCLI inserts a reminder straight into the store so the next
// daemon run picks it up. Unlike the service path it always persists, even
// for short delays.
func scheduleReminderCLI(ctx context.Context, when, message, user, channel string) error {
	if message == "" {
		return fmt.Errorf("-remind requires -message")
	}
	if user == "" {
		return fmt.Errorf("-remind requires -user")
	}
	userID, err := snowflake.Parse(user)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}
	var channelID snowflake.ID
	if channel != "" {
		channelID, err = snowflake.Parse(channel)
		if err != nil {
			return fmt.Errorf("invalid -channel: %w", err)
		}
	}

	initReminderParser()
	remindAt, err := parseNaturalTime(when)
	if err != nil {
		return fmt.Errorf("%s", sys.ErrReminderParseFailed)
	}
	now := time.Now().UTC()
	if remindAt.Before(now) {
		return fmt.Errorf("%s", sys.ErrReminderPastTime)
	}

	payload, err := marshalReminderPayload(userID, channelID, 0, message)
	if err != nil {
		return err
	}
	store := sys.NewTimerStore(sys.DB)
	id, err := store.Insert(ctx, &sched.Timer{
		Event:     reminderEvent,
		Payload:   payload,
		ExpiresAt: remindAt,
		CreatedAt: now,
	})
	if err != nil {
		sys.LogReminder(sys.MsgReminderFailedToSave, err)
		return fmt.Errorf("%s", sys.ErrReminderSaveFailed)
	}

	sys.LogReminder("Saved reminder %d for %s %s: %q", id, userID, formatReminderRelativeTime(now, remindAt), Truncate(message, 50))
	return nil
}

func listRemindersCLI(ctx context.Context, user string) error {
	store := sys.NewTimerStore(sys.DB)
	svc := NewReminderService(nil, store, LogDeliverer{})

	var reminders []*Reminder
	var err error
	if user != "" {
		userID, parseErr := snowflake.Parse(user)
		if parseErr != nil {
			return fmt.Errorf("invalid -user: %w", parseErr)
		}
		reminders, err = svc.List(ctx, userID)
	} else {
		reminders, err = svc.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	if len(reminders) == 0 {
		sys.LogReminder(sys.MsgReminderNoActive)
		return nil
	}

	now := time.Now().UTC()
	for i, r := range reminders {
		sys.LogReminder("%d. [%d] %q for %s %s", i+1, r.ID, Truncate(r.Message, 50), r.UserID, formatReminderRelativeTime(now, r.RemindAt))
	}
	return nil
}

// dismissReminderCLI deletes a stored reminder after checking it belongs to
// the given user. No scheduler is running here, so the store is enough.
func dismissReminderCLI(ctx context.Context, id int64, user string) error {
	if user == "" {
		return fmt.Errorf("-dismiss requires -user")
	}
	userID, err := snowflake.Parse(user)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}

	store := sys.NewTimerStore(sys.DB)
	svc := NewReminderService(nil, store, LogDeliverer{})
	reminders, err := svc.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, r := range reminders {
		if r.ID != id {
			continue
		}
		deleted, err := store.Delete(ctx, id)
		if err != nil {
			sys.LogReminder(sys.MsgReminderFailedToDelete, id, err)
			return err
		}
		if deleted {
			sys.LogReminder(sys.MsgReminderDismissed)
			return nil
		}
		break
	}
	sys.LogReminder(sys.MsgReminderNoActive)
	return nil
}
