package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/systmms/kvrotate/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger captures log entries for validation in tests.
//
// Example usage:
//
//	logs := NewTestLogger(t)
//	pipeline := rotation.NewPipeline(..., rotation.WithLogger(logs.Logger))
//	logs.AssertMessage(t, "rotation completed")
type TestLogger struct {
	*logging.Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a TestLogger recording every level.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()

	core, observed := observer.New(zapcore.DebugLevel)
	return &TestLogger{Logger: logging.Wrap(zap.New(core)), observed: observed}
}

// GetOutput renders every entry as "message key=value ..." lines.
func (l *TestLogger) GetOutput() string {
	var b strings.Builder
	for _, entry := range l.observed.All() {
		b.WriteString(entry.Message)
		for k, v := range entry.ContextMap() {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(stringify(v))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Entries returns entries with the given message.
func (l *TestLogger) Entries(message string) []observer.LoggedEntry {
	return l.observed.FilterMessage(message).All()
}

// AssertMessage fails unless at least one entry has the given message.
func (l *TestLogger) AssertMessage(t *testing.T, message string) {
	t.Helper()
	if len(l.Entries(message)) == 0 {
		t.Errorf("expected log message %q, got:\n%s", message, l.GetOutput())
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case error:
		return s.Error()
	default:
		return strings.TrimSpace(strings.ReplaceAll(fmt.Sprintf("%v", v), "\n", " "))
	}
}
