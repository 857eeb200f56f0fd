// Package logging provides structured debug logging for bot components.
// All components of one process write to a single session-specific file
// under ~/.gembot/logs/, tagged with the component name.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes component-tagged log lines to the shared session file.
// All log methods write unconditionally; there is no level filtering.
type Logger struct {
	sessionID string
	component string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	closeOnce sync.Once
}

var (
	// Session ID shared by every component in this process.
	sessionID     string
	sessionIDOnce sync.Once

	logDir   string
	initOnce sync.Once
	initErr  error
)

func getSessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.New().String()
	})
	return sessionID
}

func initLogDirectory() error {
	initOnce.Do(func() {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			initErr = fmt.Errorf("failed to get home directory: %w", err)
			return
		}

		logDir = filepath.Join(homeDir, ".gembot", "logs")
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
		}
	})
	return initErr
}

// NewLogger creates a logger for one component. The logger writes to
// ~/.gembot/logs/<session-id>.log; if the file cannot be opened it falls
// back to stderr and returns the error alongside the usable logger.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, err), err
	}

	sessID := getSessionID()
	logPath := filepath.Join(logDir, sessID+".log")

	// Append mode: every component shares the session file.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		wrapped := fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, wrapped), wrapped
	}

	return &Logger{
		sessionID: sessID,
		component: component,
		file:      file,
		logger:    log.New(file, "", 0),
	}, nil
}

func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags)
	logger.Printf("WARNING: file logging unavailable, using stderr: %v", err)

	return &Logger{
		sessionID: getSessionID(),
		component: component,
		logger:    logger,
	}
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s", timestamp, level, l.component, message)
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.write("DEBUG", format, args...)
}

// Infof logs an info-level message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

// Warnf logs a warning-level message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}
