package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/weavesync/internal/events"
)

// LogEntry represents a captured log entry for testing.
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Fields  map[string]interface{} `json:"-"`
}

// TestContext creates a context with timeout for tests.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WaitForCondition waits for a condition to be true.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, message)
}

// LogOutput captures JSON log lines for assertions.
type LogOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (l *LogOutput) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Logger returns a debug level JSON logger writing into l.
func (l *LogOutput) Logger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", l)
}

// Entries parses the captured lines.
func (l *LogOutput) Entries(t *testing.T) []LogEntry {
	t.Helper()
	l.mu.Lock()
	data := append([]byte(nil), l.buf.Bytes()...)
	l.mu.Unlock()

	var entries []LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry LogEntry
		require.NoError(t, json.Unmarshal(line, &entry))
		require.NoError(t, json.Unmarshal(line, &entry.Fields))
		entries = append(entries, entry)
	}
	return entries
}

// AssertLogged checks that a message containing substr was logged at level.
func (l *LogOutput) AssertLogged(t *testing.T, level, substr string) {
	t.Helper()
	for _, entry := range l.Entries(t) {
		if entry.Level == level && strings.Contains(entry.Message, substr) {
			return
		}
	}
	assert.Failf(t, "log entry not found", "no %s entry containing %q", level, substr)
}
