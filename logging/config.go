package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFilePrefix names the log files: <prefix>-<YYYY-Www>[_NN].log
const DefaultFilePrefix = "symptom-engine"

// Options configures the console and file loggers.
type Options struct {
	Dir            string
	FilePrefix     string
	RetentionWeeks int
	MaxFileSize    int64 // bytes, 0 disables size rotation
	Level          slog.Level
}

func (o Options) withDefaults() Options {
	if o.FilePrefix == "" {
		o.FilePrefix = DefaultFilePrefix
	}
	if o.RetentionWeeks <= 0 {
		o.RetentionWeeks = 4
	}
	return o
}

// RotatingLogger manages rotating log files with weekly retention
type RotatingLogger struct {
	logDir      string
	prefix      string
	numbered    *regexp.Regexp
	currentFile *os.File
	currentPath string
	currentWeek string
	retention   time.Duration
	maxFileSize int64
	currentSize atomic.Int64
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	started     atomic.Bool
	cleanupDone chan struct{}
}

// NewRotatingLogger creates a new rotating logger instance
func NewRotatingLogger(opts Options) *RotatingLogger {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RotatingLogger{
		logDir:      opts.Dir,
		prefix:      opts.FilePrefix,
		numbered:    regexp.MustCompile(`^` + regexp.QuoteMeta(opts.FilePrefix) + `-\d{4}-W\d{2}_(\d{2})\.log$`),
		retention:   time.Duration(opts.RetentionWeeks) * 7 * 24 * time.Hour,
		maxFileSize: opts.MaxFileSize,
		ctx:         ctx,
		cancel:      cancel,
		cleanupDone: make(chan struct{}),
	}
}

// getWeekKey returns the week key in YYYY-Www format (ISO week)
func getWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func (rl *RotatingLogger) baseName(week string) string {
	return fmt.Sprintf("%s-%s.log", rl.prefix, week)
}

// doRotate performs actual rotation (caller must hold write lock). pending
// is the length of the write that triggered it.
func (rl *RotatingLogger) doRotate(targetWeek string, pending int64) error {
	if rl.currentFile != nil {
		if err := rl.currentFile.Close(); err != nil {
			slog.Warn("Failed to close log file during rotation", "error", err)
		}
	}

	isSizeRotation := rl.maxFileSize > 0 && rl.currentSize.Load() >= rl.maxFileSize
	fileName, resetSize := rl.pickLogFile(targetWeek, isSizeRotation, pending)

	logPath := filepath.Join(rl.logDir, fileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	rl.currentFile = file
	rl.currentPath = logPath
	rl.currentWeek = targetWeek

	if resetSize {
		rl.currentSize.Store(0)
	} else if info, err := os.Stat(logPath); err == nil {
		rl.currentSize.Store(info.Size())
	}

	return nil
}

// pickLogFile determines which log file to use for the week. An existing
// file is reused only if pending more bytes still fit under the size cap.
// The bool is true when a fresh numbered file was chosen.
func (rl *RotatingLogger) pickLogFile(targetWeek string, isSizeRotation bool, pending int64) (string, bool) {
	base := rl.baseName(targetWeek)
	fits := func(size int64) bool {
		return rl.maxFileSize == 0 || size+pending <= rl.maxFileSize
	}

	if !isSizeRotation {
		info, err := os.Stat(filepath.Join(rl.logDir, base))
		if err != nil || fits(info.Size()) {
			return base, false
		}
	}

	highest, lastPath, lastSize := rl.highestNumberedFile(targetWeek)
	if lastPath != "" && lastPath != rl.currentPath && fits(lastSize) {
		return filepath.Base(lastPath), false
	}

	return fmt.Sprintf("%s-%s_%02d.log", rl.prefix, targetWeek, highest+1), true
}

// highestNumberedFile returns the highest sequence number for the week,
// with the path and size of that file
func (rl *RotatingLogger) highestNumberedFile(targetWeek string) (int, string, int64) {
	pattern := fmt.Sprintf("%s-%s_??.log", rl.prefix, targetWeek)
	matches, _ := filepath.Glob(filepath.Join(rl.logDir, pattern))

	highest := 0
	var lastPath string
	var lastSize int64

	for _, match := range matches {
		m := rl.numbered.FindStringSubmatch(filepath.Base(match))
		if len(m) < 2 {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		if num <= highest {
			continue
		}
		highest = num
		lastPath = match
		lastSize = 0
		if info, err := os.Stat(match); err == nil {
			lastSize = info.Size()
		}
	}

	return highest, lastPath, lastSize
}

// Write writes data to the current log file
func (rl *RotatingLogger) Write(p []byte) (n int, err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	currentWeek := getWeekKey(time.Now())
	needsRotation := rl.currentWeek != currentWeek
	if rl.maxFileSize > 0 && !needsRotation {
		currentSize := rl.currentSize.Load()
		if currentSize+int64(len(p)) > rl.maxFileSize {
			needsRotation = true
			// Force a numbered file on rotation
			rl.currentSize.Store(rl.maxFileSize)
		}
	}

	if needsRotation {
		if err = rl.doRotate(currentWeek, int64(len(p))); err != nil {
			return 0, err
		}
	}

	if rl.currentFile == nil {
		return 0, fmt.Errorf("no log file available")
	}

	n, err = rl.currentFile.Write(p)
	rl.currentSize.Add(int64(n))
	return n, err
}

// ownsFile reports whether name is one of this logger's files
func (rl *RotatingLogger) ownsFile(name string) bool {
	return strings.HasPrefix(name, rl.prefix+"-") && strings.HasSuffix(name, ".log")
}

// cleanupOldLogs removes log files older than the retention period
func (rl *RotatingLogger) cleanupOldLogs() (int, error) {
	entries, err := os.ReadDir(rl.logDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := time.Now().Add(-rl.retention)
	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !rl.ownsFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(rl.logDir, entry.Name())); err == nil {
				deleted++
			}
		}
	}

	return deleted, nil
}

// Close stops background cleanup and closes the current file
func (rl *RotatingLogger) Close() error {
	rl.cancel()

	if rl.started.Load() {
		select {
		case <-rl.cleanupDone:
		case <-time.After(2 * time.Second):
			fmt.Fprintln(os.Stderr, "Warning: log cleanup goroutine did not shut down in time")
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.currentFile != nil {
		err := rl.currentFile.Close()
		rl.currentFile = nil
		return err
	}
	return nil
}

// startCleanup runs retention cleanup once a day until Close
func (rl *RotatingLogger) startCleanup() {
	if !rl.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		defer close(rl.cleanupDone)

		for {
			select {
			case <-rl.ctx.Done():
				return
			case <-ticker.C:
				// Console only, writing through slog here would recurse
				if n, err := rl.cleanupOldLogs(); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to cleanup old logs: %v\n", err)
				} else if n > 0 {
					fmt.Printf("Cleaned up %d old log files\n", n)
				}
			}
		}
	}()
}

// SetupLogger configures slog to log to both console and rotating file.
// When the log directory cannot be used it falls back to console only and
// the returned RotatingLogger is nil.
func SetupLogger(opts Options) (*slog.Logger, *RotatingLogger) {
	opts = opts.withDefaults()
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: opts.Level})

	if opts.Dir == "" {
		return slog.New(consoleHandler), nil
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		logger := slog.New(consoleHandler)
		logger.Error("Failed to create logs directory", "error", err)
		return logger, nil
	}

	rotatingLogger := NewRotatingLogger(opts)

	rotatingLogger.mu.Lock()
	rotateErr := rotatingLogger.doRotate(getWeekKey(time.Now()), 0)
	rotatingLogger.mu.Unlock()
	if rotateErr != nil {
		logger := slog.New(consoleHandler)
		logger.Error("Failed to initialize rotating logger", "error", rotateErr)
		return logger, nil
	}
	rotatingLogger.startCleanup()

	// Console gets text, file gets JSON
	fileHandler := slog.NewJSONHandler(rotatingLogger, &slog.HandlerOptions{Level: opts.Level})

	return slog.New(&multiHandler{handlers: []slog.Handler{consoleHandler, fileHandler}}), rotatingLogger
}

// ParseLevel maps a LOG_LEVEL value to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// multiHandler implements slog.Handler to write to multiple handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}
