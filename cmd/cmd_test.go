package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/logging"
	"github.com/conneroisu/livegate/internal/version"
)

func captured() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)
	c.SetErr(&buf)
	return c, &buf
}

func TestOutputFormat(t *testing.T) {
	f, err := outputFormat(" JSON ", "text", "json")
	require.NoError(t, err)
	assert.Equal(t, "json", f)

	_, err = outputFormat("xml", "text", "json")
	assert.ErrorContains(t, err, "supported: text, json")
}

func TestWriteVersion(t *testing.T) {
	info := version.BuildInfo{
		Version:   "v1.4.0",
		GitCommit: "0123456789abcdef",
		GoVersion: "go1.24.4",
		Platform:  "linux/amd64",
	}

	var buf bytes.Buffer
	require.NoError(t, writeVersion(&buf, info, "text", true, false))
	assert.Equal(t, "v1.4.0\n", buf.String())

	buf.Reset()
	require.NoError(t, writeVersion(&buf, info, "text", false, false))
	assert.Equal(t, "livegate v1.4.0 (0123456)\n", buf.String())

	buf.Reset()
	require.NoError(t, writeVersion(&buf, info, "text", false, true))
	assert.Contains(t, buf.String(), "Commit: 0123456789abcdef")
	assert.Contains(t, buf.String(), "Build type: release")

	buf.Reset()
	require.NoError(t, writeVersion(&buf, info, "json", false, false))
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "v1.4.0", out["version"])
	assert.Equal(t, true, out["is_release"])
}

func TestListenFlagsAreBound(t *testing.T) {
	fs := listenFlags()
	for name, key := range map[string]string{
		"port":       "server.port",
		"path":       "server.path",
		"admin-port": "admin.port",
		"redis":      "redis.enabled",
	} {
		f := fs.Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, []string{key}, f.Annotations["viper-key"], name)
	}
	assert.Equal(t, "p", fs.Lookup("port").Shorthand)
}

func TestWriteConfigMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.Token = "hunter2"
	cfg.Auth.Secret = "jwt-secret"

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg, "yaml"))
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "max_payload_bytes: 1048576")

	buf.Reset()
	require.NoError(t, writeConfig(&buf, cfg, "json"))
	assert.NotContains(t, buf.String(), "jwt-secret")

	var out map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "********", out["admin"]["token"])
	assert.Equal(t, "/ws", out["server"]["path"])
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() {
		configValidateFile = ""
		configValidateStrict = false
	})

	valid := filepath.Join(dir, "valid.yml")
	require.NoError(t, os.WriteFile(valid, []byte(`
server:
  port: 8081
admin:
  token: secret
security:
  cors:
    allowed_origins: ["https://shop.example"]
`), 0o600))

	c, buf := captured()
	configValidateFile = valid
	require.NoError(t, runConfigValidate(c, nil))
	assert.Contains(t, buf.String(), "is valid")

	invalid := filepath.Join(dir, "invalid.yml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
server:
  path: ws
logging:
  format: xml
`), 0o600))

	c, buf = captured()
	configValidateFile = invalid
	err := runConfigValidate(c, nil)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "server.path")
	assert.Contains(t, buf.String(), "logging.format")

	// Missing admin token is only a warning.
	warn := filepath.Join(dir, "warn.yml")
	require.NoError(t, os.WriteFile(warn, []byte("server:\n  port: 8082\n"), 0o600))

	c, _ = captured()
	configValidateFile = warn
	require.NoError(t, runConfigValidate(c, nil))

	configValidateStrict = true
	assert.Error(t, runConfigValidate(c, nil))
}

func resetAuditFlags(t *testing.T) {
	t.Cleanup(func() {
		auditFile, auditSeverity, auditAddress, auditSince = "", "", "", ""
		auditTypes = nil
		auditLimit = 50
		auditFormat = "table"
	})
}

func TestAuditFilterFromFlags(t *testing.T) {
	resetAuditFlags(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	auditTypes = []string{"auth_failure", " ip_blocked "}
	auditSeverity = "HIGH"
	auditSince = "90m"
	auditLimit = 5

	f, err := auditFilter(now)
	require.NoError(t, err)
	assert.Len(t, f.Types, 2)
	assert.EqualValues(t, "ip_blocked", f.Types[1])
	assert.EqualValues(t, "high", f.MinSeverity)
	assert.Equal(t, now.Add(-90*time.Minute), f.Since)
	assert.Equal(t, 5, f.Limit)

	auditSince = "2026-02-28T00:00:00Z"
	f, err = auditFilter(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), f.Since)

	auditSince = "yesterday"
	_, err = auditFilter(now)
	assert.Error(t, err)

	auditSince = ""
	auditSeverity = "severe"
	_, err = auditFilter(now)
	assert.Error(t, err)
}

func TestRunAuditReadsFile(t *testing.T) {
	resetAuditFlags(t)

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	lines := []string{
		`{"id":"a","timestamp":"2026-03-01T10:00:00Z","event_type":"connection_attempt","remote_address":"10.0.0.1","message":"connected","severity":"low"}`,
		`{"id":"b","timestamp":"2026-03-01T10:01:00Z","event_type":"auth_failure","remote_address":"10.0.0.2","message":"bad token","severity":"medium"}`,
		`not json`,
		`{"id":"c","timestamp":"2026-03-01T10:02:00Z","event_type":"ip_blocked","remote_address":"10.0.0.2","message":"blocked","severity":"critical"}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	auditFile = path
	auditAddress = "10.0.0.2"
	auditFormat = "json"

	c, buf := captured()
	require.NoError(t, runAudit(c, nil))

	out := buf.String()
	assert.Contains(t, out, "Skipped 1 malformed lines")
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out[strings.Index(out, "["):]), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0]["id"])
	assert.Equal(t, "b", entries[1]["id"])

	auditFormat = "table"
	auditSeverity = "critical"
	c, buf = captured()
	require.NoError(t, runAudit(c, nil))
	assert.Contains(t, buf.String(), "ip_blocked")
	assert.NotContains(t, buf.String(), "auth_failure")

	auditAddress = "192.0.2.1"
	c, buf = captured()
	require.NoError(t, runAudit(c, nil))
	assert.Contains(t, buf.String(), "No matching audit entries")
}

func TestNewAppWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Audit.File = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Admin.Token = "token"

	a, err := newApp(context.Background(), cfg, logging.NopLogger{})
	require.NoError(t, err)
	defer a.close()

	require.NotNil(t, a.admin)
	assert.Positive(t, testutil.CollectAndCount(a.registry, "livegate_gateway_sessions"))

	next := config.Default()
	next.Security.CORS.AllowedOrigins = []string{"https://shop.example"}
	a.reload(context.Background(), next)
	assert.Equal(t, []string{"https://shop.example"}, a.sec.Config().CORS.AllowedOrigins)
}

func TestNewAppWithoutAdmin(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.Enabled = false
	cfg.Audit.LogEntries = false

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.admin)
}

func TestNewAppRejectsBadAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.Algorithm = "RS256"
	cfg.Auth.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err := newApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Admin.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, nil, "") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
