package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	// Style definitions
	infoColor      = color.New(color.FgHiBlack)
	warnColor      = color.New(color.FgHiYellow)
	errorColor     = color.New(color.FgHiRed)
	fatalColor     = color.New(color.FgHiRed, color.Bold)
	databaseColor  = color.New(color.FgHiBlack)
	schedulerColor = color.New(color.FgHiMagenta)
	modColor       = color.New(color.FgHiRed)
	reminderColor  = color.New(color.FgHiMagenta)

	IsSilent  = false
	LogToFile = false

	// Global default logger
	Logger *slog.Logger

	// Log file handling
	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	// Initialize with a default handler immediately (Stdout only)
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	// Clean up previous file if it exists (e.g. during reload)
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	// Open log file if requested
	if LogToFile {
		// Determine log file name from executable name
		exePath, exeErr := os.Executable()
		logName := "zen.log" // Fallback
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		// Open log file
		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, logFile)
		}
	}

	// Force colors to be enabled even if writing to a file/pipe avoids detection
	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Log Functions (Signatures preserved for compatibility) ---

func LogInfo(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg) // Custom Fatal level
	os.Exit(1)
}

func LogDatabase(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogScheduler(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "scheduler"))
}

func LogMod(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "mod"))
}

func LogReminder(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "reminder"))
}

// --- Custom Slog Handler ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format("15:04:05")
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4: // Fatal
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	}

	// Extract component if present
	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	// Output: 15:04:05 [INFO] [COMPONENT] Message
	// Timestamp is always printed in default color.
	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		// Component-specific logs: Level tag (if not INFO) is isolated, Message bleeds component color
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		// General logs: Level tag color bleeds into the message
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, fmt.Sprintf("[%s] %s", levelStr, r.Message)))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "SCHEDULER":
		return schedulerColor
	case "MOD":
		return modColor
	case "REMINDER":
		return reminderColor
	default:
		return color.New(color.FgCyan)
	}
}

// colorizeWithResets ensures that if the text contains ANSI reset codes,
// the starting color of the Color object is re-applied after each reset.
// This allows nested coloring to work within component logs.
func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	// Extract starting ANSI sequence
	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text // No color applied or something went wrong
	}
	startSeq := wrapped[:idx]

	// Re-apply start sequences after each reset to maintain the outer color
	// Also re-apply it at the beginning of the string to be safe (Sprint handles it)
	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// @sys
const (
	// Configuration
	MsgConfigFailedToLoad    = "Failed to load config: %v"
	MsgConfigMissingDatabase = "DATABASE_PATH resolved to an empty path"
	MsgConfigInvalidOwnerID  = "invalid OWNER_IDS entry %q: must be a valid Snowflake"

	// Data layer
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"

	// Bot Lifecycle
	MsgBotStarting      = "Starting %s..."
	MsgBotReady         = "%s is ready! (PID: %d)"
	MsgBotShutdown      = "Shutting down %s..."
	MsgBotKillingOld    = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated = "Old instance terminated."
	MsgBotPIDWriteFail  = "Failed to write PID file: %v"
	MsgGenericError     = "%v"
)

// @mod
const (
	// System logs
	MsgModConfigLoadFail  = "Failed to load mod config for guild %s: %v"
	MsgModActionLogFail   = "Failed to record mod action: %v"
	MsgModSpamDetected    = "Spam detected in guild %s: user %s flagged for %s"
	MsgModAutoban         = "Auto-banning member %s in guild %s: %s"
	MsgModAutobanFail     = "Failed to auto-ban member %s: %v"
	MsgModRaidModeChanged = "Raid mode for guild %s set to %s"
	MsgModJoinFlagged     = "Member %s joined guild %s too quickly after the previous member"
	MsgModNoticeFlushFail = "Failed to deliver %d mod notices: %v"

	// User-facing messages
	ErrModAutobanSpam     = "Auto-ban for spamming"
	ErrModAutobanMentions = "Spamming mentions over %d users"
	ErrModAutobanRaid     = "Auto-ban for suspicious join pattern"
)

// @reminder
const (
	// System logs
	MsgReminderFailedToSave    = "Failed to save reminder: %v"
	MsgReminderFailedToDelete  = "Failed to delete reminder %d: %v"
	MsgReminderFired           = "Delivering reminder %d for user %s"
	MsgReminderBadPayload      = "Dropping reminder timer with malformed payload: %v"
	MsgReminderNaturalTimeFail = "Failed to initialize naturaltime parser: %v"

	// User-facing messages
	ErrReminderParseFailed = "Failed to parse the date/time. Try formats like 'tomorrow', 'in 2 hours', 'next friday at 3pm'."
	ErrReminderPastTime    = "The reminder time must be in the future!"
	ErrReminderSaveFailed  = "Failed to save reminder. Please try again."
	MsgReminderNoActive    = "You have no active reminders."
	MsgReminderDismissed   = "Reminder dismissed!"
)
