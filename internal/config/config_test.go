package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matrixvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
cells:
  backend: badger
  badger_path: /tmp/cells
history:
  cap: 10
  ttl: 5m
gate:
  require_app_code: true
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, BackendBadger, cfg.Cells.Backend)
	assert.Equal(t, 10, cfg.History.Cap)
	assert.Equal(t, 5*time.Minute, cfg.History.TTL)
	assert.True(t, cfg.Gate.RequireAppCode)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10_000, cfg.Viewport.MaxCells)
	assert.Equal(t, 30*time.Minute, cfg.Gate.SessionTTL)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "history:\n  capacity: 3\n"))
	assert.ErrorContains(t, err, "capacity")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvTokenKey, strings.Repeat("k", 32))
	t.Setenv(EnvDatabaseDSN, "postgres://localhost/mv")
	t.Setenv(EnvDialect, "postgres")
	t.Setenv(EnvIterations, "200000")

	cfg, err := Load(writeConfig(t, "auth:\n  token_key: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("k", 32), cfg.Auth.TokenKey)
	assert.Equal(t, "postgres://localhost/mv", cfg.Database.DSN)
	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, 200_000, cfg.Crypto.Iterations)
	assert.NoError(t, cfg.RequireTokenKey())
}

func TestEnvOverrideParseError(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, func(k string) string {
		if k == EnvIterations {
			return "many"
		}
		return ""
	})
	assert.ErrorContains(t, err, EnvIterations)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"dialect", func(c *Config) { c.Database.Dialect = "mysql" }, "unknown sql dialect"},
		{"dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"backend", func(c *Config) { c.Cells.Backend = "s3" }, "cells.backend"},
		{"badger path", func(c *Config) { c.Cells.Backend = BackendBadger; c.Cells.BadgerPath = "" }, "badger_path"},
		{"iterations", func(c *Config) { c.Crypto.Iterations = 1000 }, "crypto.iterations"},
		{"history cap", func(c *Config) { c.History.Cap = 0 }, "history.cap"},
		{"max cells", func(c *Config) { c.Viewport.MaxCells = 0 }, "viewport.max_cells"},
		{"attempts", func(c *Config) { c.Gate.AttemptBurst = 0 }, "gate.attempt_burst"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestRequireTokenKey(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.RequireTokenKey(), EnvTokenKey)
	cfg.Auth.TokenKey = "short"
	assert.Error(t, cfg.RequireTokenKey())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.Logger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "debug", Format: "json"}.Logger(&buf).Debug("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestLoadAppDevices(t *testing.T) {
	path := writeConfig(t, `
gate:
  app_devices:
    alice: JBSWY3DPEHPK3PXP
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "JBSWY3DPEHPK3PXP"}, cfg.Gate.AppDevices)
}

func TestLoadAccessRestrictions(t *testing.T) {
	path := writeConfig(t, `
server:
  trusted_proxies: [10.0.0.0/8, 192.168.1.10]
gate:
  allowed_actors: [alice, bob]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.10"}, cfg.Server.TrustedProxies)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Gate.AllowedActors)

	bad := Default()
	bad.Server.TrustedProxies = []string{"proxy.internal"}
	assert.ErrorContains(t, bad.Validate(), "server.trusted_proxies")

	bad = Default()
	bad.Gate.AllowedActors = []string{"alice", " "}
	assert.ErrorContains(t, bad.Validate(), "gate.allowed_actors")
}
