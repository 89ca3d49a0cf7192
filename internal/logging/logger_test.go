package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	console := &bytes.Buffer{}
	l := &Logger{minLevel: DEBUG, console: console, logDir: t.TempDir()}
	require.NoError(t, l.openLogFile(time.Now()))
	t.Cleanup(l.Close)
	return l, console
}

func TestWritesJSONLines(t *testing.T) {
	l, _ := newTestLogger(t)
	log := l.WithComponent("projection")

	log.Info("Projection created", Fields{"projection": "orders"})
	log.Error("Handler failed", Fields{"projection": "orders", "error": "boom"})
	log.UserGenerated("hello from script", nil)

	files, err := l.GetLogFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, time.Now().Format("2006-01-02")+".jsonl", files[0])

	entries, err := l.ReadLogs("", "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "projection", entries[0].Source)
	assert.Equal(t, "orders", entries[0].Data["projection"])
	assert.Equal(t, ERROR, entries[1].Level)

	errorsOnly, err := l.ReadLogs(files[0], ERROR)
	require.NoError(t, err)
	require.Len(t, errorsOnly, 1)
	assert.Equal(t, "Handler failed", errorsOnly[0].Message)
}

func TestLevelFilter(t *testing.T) {
	l, _ := newTestLogger(t)
	l.SetLevel(WARN)
	l.SetLevel("bogus")

	l.Debug("dropped", "test", nil)
	l.Info("dropped", "test", nil)
	l.Warn("kept", "test", nil)

	entries, err := l.ReadLogs("", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

func TestConsoleEchoesTimings(t *testing.T) {
	l, console := newTestLogger(t)
	log := l.WithComponent("projection")

	log.Debug("Event processed", Fields{"projection": "orders", "operation": "process", "durationMs": int64(3)})
	log.Error("Event failed", Fields{"projection": "orders", "operation": "process", "durationMs": int64(1), "error": "boom"})
	log.Info("No timing", Fields{"projection": "orders"})

	out := console.String()
	assert.Contains(t, out, "process on orders - 3ms")
	assert.Contains(t, out, "ERROR: boom")
	assert.NotContains(t, out, "No timing")
}

func TestLoggerWithoutDirectoryWritesNothing(t *testing.T) {
	l := &Logger{minLevel: DEBUG}
	l.Info("nowhere", "test", nil)

	files, err := l.GetLogFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReadLogsSkipsGarbage(t *testing.T) {
	l, _ := newTestLogger(t)
	l.Info("first", "test", nil)

	path := l.GetLogPath("")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n\n")
	require.NoError(t, err)
	f.Close()

	entries, err := l.ReadLogs(filepath.Base(path), "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	missing, err := l.ReadLogs("1999-01-01.jsonl", "")
	require.NoError(t, err)
	assert.Empty(t, missing)
}
