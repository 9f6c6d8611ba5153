package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger captures calls for assertions.
type mockLogger struct {
	infos  []string
	warns  []string
	errors []string
	fields [][]interface{}
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	m.infos = append(m.infos, msg)
	m.fields = append(m.fields, fields)
}

func (m *mockLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {
	m.warns = append(m.warns, msg)
	m.fields = append(m.fields, fields)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	m.errors = append(m.errors, msg)
	m.fields = append(m.fields, fields)
}

func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...interface{}) {
	m.Error(ctx, err, msg, fields...)
}

func (m *mockLogger) With(fields ...interface{}) Logger        { return m }
func (m *mockLogger) WithComponent(component string) Logger    { return m }

func fieldsToMap(fields []interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			result[key] = fields[i+1]
		}
	}
	return result
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "FATAL", LevelFatal.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestGateLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewLogger(&LoggerConfig{Level: LevelDebug, Format: "json", Output: &buf})
	defer closer.Close()

	logger.WithComponent("security").With("remote_addr", "10.0.0.1").
		Warn(context.Background(), errors.New("quota"), "rate limit exceeded", "scope", "connection")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "rate limit exceeded", record["msg"])
	assert.Equal(t, "security", record["component"])
	assert.Equal(t, "10.0.0.1", record["remote_addr"])
	assert.Equal(t, "connection", record["scope"])
	assert.Equal(t, "quota", record["error"])
}

func TestGateLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(&LoggerConfig{Level: LevelWarn, Format: "text", Output: &buf})

	logger.Debug(context.Background(), "hidden debug")
	logger.Info(context.Background(), "hidden info")
	logger.Error(context.Background(), nil, "visible error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible error")
}

func TestGateLoggerWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent, _ := NewLogger(&LoggerConfig{Level: LevelInfo, Format: "text", Output: &buf})
	_ = parent.With("child_only", "yes")

	parent.Info(context.Background(), "parent line")
	assert.NotContains(t, buf.String(), "child_only")
}

func TestNewLoggerRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livegate.log")
	logger, closer := NewLogger(&LoggerConfig{Level: LevelInfo, Format: "json", File: path, MaxSizeMB: 1})
	logger.Info(context.Background(), "to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestSanitizeForLog(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeForLog("Bearer token=abc"))
	assert.Equal(t, "plain", SanitizeForLog("plain"))

	long := strings.Repeat("a", 1500)
	out := SanitizeForLog(long)
	assert.True(t, strings.HasSuffix(out, "...[TRUNCATED]"))
	assert.Len(t, out, 1000+len("...[TRUNCATED]"))
}

func TestLogSecurityEventSeverityRouting(t *testing.T) {
	tests := []struct {
		severity string
		check    func(t *testing.T, m *mockLogger)
	}{
		{"critical", func(t *testing.T, m *mockLogger) { assert.Len(t, m.errors, 1) }},
		{"high", func(t *testing.T, m *mockLogger) { assert.Len(t, m.errors, 1) }},
		{"medium", func(t *testing.T, m *mockLogger) { assert.Len(t, m.warns, 1) }},
		{"low", func(t *testing.T, m *mockLogger) { assert.Len(t, m.infos, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			m := &mockLogger{}
			LogSecurityEvent(context.Background(), m, "ip_blocked", tt.severity, map[string]interface{}{
				"remote_addr": "10.0.0.1",
				"auth_token":  "abc",
			})
			tt.check(t, m)

			fields := fieldsToMap(m.fields[0])
			assert.Equal(t, "ip_blocked", fields["event"])
			assert.Equal(t, "10.0.0.1", fields["remote_addr"])
			assert.Equal(t, "[REDACTED]", fields["auth_token"])
		})
	}
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, NopLogger{}, OrNop(nil))
	m := &mockLogger{}
	assert.Same(t, m, OrNop(m))
}
