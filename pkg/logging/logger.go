// Package logging provides structured debug logging for tabwarden components.
// All components of one process share a single rotated log file under
// ~/.tabwarden/logs/, tagged with a per-run id so interleaved runs can be
// told apart.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes [timestamp] [component] [LEVEL] lines for one component.
// All log methods write unconditionally; there is no level filtering.
type Logger struct {
	runID     string
	component string
	mu        sync.Mutex
	logger    *log.Logger
	logPath   string
}

var (
	// Per-run id shared by every component logger in the process
	runID     string
	runIDOnce sync.Once

	// Shared rotated writer; components append to the same file
	writer     io.Writer
	writerPath string
	writerOnce sync.Once
	writerErr  error
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()[:8]
	})
	return runID
}

func initWriter() (io.Writer, string, error) {
	writerOnce.Do(func() {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			writerErr = fmt.Errorf("failed to get home directory: %w", err)
			return
		}
		dir := filepath.Join(homeDir, ".tabwarden", "logs")
		if err := os.MkdirAll(dir, 0750); err != nil {
			writerErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
		writerPath = filepath.Join(dir, "tabwarden.log")
		writer = &lumberjack.Logger{
			Filename:   writerPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	})
	return writer, writerPath, writerErr
}

// NewLogger creates a logger for a specific component.
//
// If the log directory cannot be created it returns a fallback logger that
// writes to stderr along with the error, so callers can detect fallback mode.
func NewLogger(component string) (*Logger, error) {
	w, path, err := initWriter()
	if err != nil {
		return newFallbackLogger(component, err), err
	}

	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    log.New(w, "", 0), // timestamps are formatted by us
		logPath:   path,
	}, nil
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails.
func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags)
	logger.Printf("WARNING: failed to initialize file logging: %v", err)

	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    logger,
	}
}

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, v...)
	l.logger.Printf("[%s] [%s] [%s] [%s] %s", timestamp, l.runID, l.component, level, message)
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write("DEBUG", format, v...)
}

// Infof logs an info-level message.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Warnf logs a warning-level message.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write("WARN", format, v...)
}

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write("ERROR", format, v...)
}

// RunID returns the per-run id shared by all loggers in this process.
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file, or "" in fallback mode.
func (l *Logger) LogPath() string {
	return l.logPath
}
