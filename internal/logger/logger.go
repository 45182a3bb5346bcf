package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gatekeep/internal/constants"
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Logger provides leveled logging with optional file output and daily
// rotation. A single log file per day holds all levels.
type Logger struct {
	mu            sync.Mutex
	level         string
	workDir       string // empty = stdout only
	file          *os.File
	currentDay    int // year*1000 + yday, tracks rotation
	writeToStdout bool
}

// Options configures the logger behavior.
type Options struct {
	Level         string
	WorkDir       string // if set, enables file logging
	WriteToStdout bool
}

// New creates a logger writing to stdout only.
func New(level string) *Logger {
	return NewWithOptions(Options{Level: level, WriteToStdout: true})
}

// NewWithOptions creates a logger with full configuration.
func NewWithOptions(opts Options) *Logger {
	level := opts.Level
	if _, ok := levelOrder[level]; !ok {
		level = LevelInfo
	}
	return &Logger{
		level:         level,
		workDir:       opts.WorkDir,
		writeToStdout: opts.WriteToStdout,
	}
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := levelOrder[level]; ok {
		l.level = level
	}
}

// Close closes the current log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFileUnsafe()
}

func (l *Logger) closeFileUnsafe() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func dayKey(t time.Time) int {
	return t.Year()*1000 + t.YearDay()
}

// logFilename names the file after midnight UTC of the given day.
func logFilename(t time.Time) string {
	year, month, day := t.UTC().Date()
	startOfDay := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%d%s", startOfDay.Unix(), constants.LogFileExtension)
}

// fileHandleUnsafe returns the current day's log file, opening or rotating
// as needed. Caller must hold the mutex.
func (l *Logger) fileHandleUnsafe() (*os.File, error) {
	now := time.Now()
	if l.file != nil && dayKey(now) == l.currentDay {
		return l.file, nil
	}
	l.closeFileUnsafe()

	logDir := filepath.Join(l.workDir, constants.InternalDir, constants.LogsDir)
	if err := os.MkdirAll(logDir, constants.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	path := filepath.Join(logDir, logFilename(now))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, constants.FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	l.file = file
	l.currentDay = dayKey(now)
	return file, nil
}

func (l *Logger) log(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelOrder[level] < levelOrder[l.level] {
		return
	}

	timestamp := time.Now().Format(constants.LogTimestampFormat)
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s | %s\n", level, timestamp, message)

	if l.writeToStdout {
		fmt.Print(line)
	}

	if l.workDir != "" {
		handle, err := l.fileHandleUnsafe()
		if err != nil {
			if l.writeToStdout {
				fmt.Printf("[LOGGER_ERROR] %v\n", err)
			}
			return
		}
		if _, err := handle.WriteString(line); err != nil && l.writeToStdout {
			fmt.Printf("[LOGGER_ERROR] failed to write log line: %v\n", err)
		}
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}
