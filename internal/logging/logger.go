package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel string

const (
	DEBUG          LogLevel = "debug"
	INFO           LogLevel = "info"
	WARN           LogLevel = "warn"
	ERROR          LogLevel = "error"
	USER_GENERATED LogLevel = "user-generated"
)

var levelRank = map[LogLevel]int{
	DEBUG:          0,
	INFO:           1,
	USER_GENERATED: 1,
	WARN:           2,
	ERROR:          3,
}

// Fields is structured data attached to a log entry.
type Fields map[string]interface{}

type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type Logger struct {
	mu       sync.RWMutex
	logDir   string
	file     *os.File
	day      string
	minLevel LogLevel
	console  io.Writer
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// InitializeLogger points the global logger at logDir. Entries go to one
// JSON-L file per day.
func InitializeLogger(logDir string) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	// reconfigure in place so component loggers handed out earlier follow
	if globalLogger == nil {
		globalLogger = &Logger{minLevel: DEBUG, console: os.Stdout}
	}
	l := globalLogger
	l.Close()
	l.mu.Lock()
	l.logDir = logDir
	l.mu.Unlock()

	// Create log directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := l.openLogFile(time.Now()); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	return nil
}

// NewLogger returns a logger writing to its own daily files in logDir,
// separate from the global one.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	l := &Logger{minLevel: DEBUG, console: os.Stdout, logDir: logDir}
	if err := l.openLogFile(time.Now()); err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return l, nil
}

// GetLogger returns the global logger. Before InitializeLogger it is a
// logger without a file, so entries are dropped.
func GetLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = &Logger{minLevel: DEBUG, console: os.Stdout}
	}
	return globalLogger
}

// SetLevel drops entries below level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := levelRank[level]; ok {
		l.minLevel = level
	}
}

// SetConsole redirects the console echo of timed projection events.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = w
}

// Close closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// openLogFile opens or creates the log file for now's date. Caller must not
// hold l.mu.
func (l *Logger) openLogFile(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked(now)
}

func (l *Logger) openLocked(now time.Time) error {
	if l.logDir == "" {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	day := now.Format("2006-01-02")
	filename := filepath.Join(l.logDir, fmt.Sprintf("%s.jsonl", day))

	// Open file in append mode, create if it doesn't exist
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = file
	l.day = day
	return nil
}

func (l *Logger) Log(level LogLevel, message string, source string, data map[string]interface{}) {
	l.mu.RLock()
	min := l.minLevel
	console := l.console
	l.mu.RUnlock()
	if levelRank[level] < levelRank[min] {
		return
	}

	// Console output for projection timing
	if source == "projection" && data != nil && console != nil {
		if duration, ok := data["durationMs"]; ok {
			if durationMs, ok := duration.(int64); !ok || durationMs > 0 {
				if op, ok := data["operation"]; ok {
					name := data["projection"]
					if level == ERROR {
						fmt.Fprintf(console, "[%s] ❌ %s on %s - %vms - ERROR: %v\n",
							time.Now().Format("15:04:05"), op, name, duration, data["error"])
					} else {
						fmt.Fprintf(console, "[%s] ✅ %s on %s - %vms\n",
							time.Now().Format("15:04:05"), op, name, duration)
					}
				}
			}
		}
	}

	// Write to JSON-L log file
	l.writeLogEntry(level, message, source, data)
}

func (l *Logger) writeLogEntry(level LogLevel, message string, source string, data map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	now := time.Now()
	if day := now.Format("2006-01-02"); day != l.day {
		if err := l.openLocked(now); err != nil {
			return
		}
	}

	entry := LogEntry{
		Timestamp: now,
		Level:     level,
		Message:   message,
		Source:    source,
		Data:      data,
	}

	if jsonData, err := json.Marshal(entry); err == nil {
		l.file.WriteString(string(jsonData) + "\n")
		l.file.Sync()
	}
}

func (l *Logger) Debug(message string, source string, data map[string]interface{}) {
	l.Log(DEBUG, message, source, data)
}

func (l *Logger) Info(message string, source string, data map[string]interface{}) {
	l.Log(INFO, message, source, data)
}

func (l *Logger) Warn(message string, source string, data map[string]interface{}) {
	l.Log(WARN, message, source, data)
}

func (l *Logger) Error(message string, source string, data map[string]interface{}) {
	l.Log(ERROR, message, source, data)
}

func (l *Logger) UserGenerated(message string, source string, data map[string]interface{}) {
	l.Log(USER_GENERATED, message, source, data)
}

// ComponentLogger tags every entry with a fixed source.
type ComponentLogger struct {
	parent    *Logger
	component string
}

// WithComponent returns a logger whose entries carry component as source.
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{parent: l, component: component}
}

func (c *ComponentLogger) Debug(message string, fields Fields) {
	c.parent.Log(DEBUG, message, c.component, fields)
}

func (c *ComponentLogger) Info(message string, fields Fields) {
	c.parent.Log(INFO, message, c.component, fields)
}

func (c *ComponentLogger) Warn(message string, fields Fields) {
	c.parent.Log(WARN, message, c.component, fields)
}

func (c *ComponentLogger) Error(message string, fields Fields) {
	c.parent.Log(ERROR, message, c.component, fields)
}

// UserGenerated records output produced by user scripts, e.g. log() calls
// inside a projection.
func (c *ComponentLogger) UserGenerated(message string, fields Fields) {
	c.parent.Log(USER_GENERATED, message, c.component, fields)
}

func (l *Logger) GetLogFiles() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.logDir == "" {
		return []string{}, nil
	}

	files, err := os.ReadDir(l.logDir)
	if err != nil {
		return []string{}, err
	}

	var logFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".jsonl") {
			logFiles = append(logFiles, file.Name())
		}
	}

	// Sort files by name (which includes date)
	sort.Strings(logFiles)
	return logFiles, nil
}

func (l *Logger) ReadLogs(filename string, level LogLevel) ([]LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if filename == "" {
		filename = fmt.Sprintf("%s.jsonl", time.Now().Format("2006-01-02"))
	}
	logFile := filepath.Join(l.logDir, filepath.Base(filename))

	file, err := os.Open(logFile)
	if err != nil {
		return []LogEntry{}, nil // Return empty if file doesn't exist
	}
	defer file.Close()

	var logs []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // Skip invalid JSON lines
		}

		if level != "" && entry.Level != level {
			continue
		}

		logs = append(logs, entry)
	}

	return logs, nil
}

func (l *Logger) GetLogPath(filename string) string {
	if filename == "" {
		today := time.Now().Format("2006-01-02")
		filename = fmt.Sprintf("%s.jsonl", today)
	}
	return filepath.Join(l.logDir, filename)
}

// Global convenience functions
func Debug(message string, source string, data map[string]interface{}) {
	GetLogger().Debug(message, source, data)
}

func Info(message string, source string, data map[string]interface{}) {
	GetLogger().Info(message, source, data)
}

func Warn(message string, source string, data map[string]interface{}) {
	GetLogger().Warn(message, source, data)
}

func Error(message string, source string, data map[string]interface{}) {
	GetLogger().Error(message, source, data)
}

func UserGenerated(message string, source string, data map[string]interface{}) {
	GetLogger().UserGenerated(message, source, data)
}
