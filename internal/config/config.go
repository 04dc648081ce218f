// Package config loads matrixvault settings from a YAML file, environment
// overrides and defaults, in that order of precedence from last to first.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/db"
)

// Cell backends.
const (
	BackendSQL    = "sql"
	BackendBadger = "badger"
)

// Environment overrides.
const (
	EnvTokenKey    = "MATRIXVAULT_TOKEN_KEY"
	EnvDatabaseDSN = "MATRIXVAULT_DATABASE_DSN"
	EnvDialect     = "MATRIXVAULT_DATABASE_DIALECT"
	EnvListenAddr  = "MATRIXVAULT_ADDR"
	EnvLogLevel    = "MATRIXVAULT_LOG_LEVEL"
	EnvIterations  = "MATRIXVAULT_KDF_ITERATIONS"
)

// Config is the full configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cells    CellsConfig    `yaml:"cells"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	History  HistoryConfig  `yaml:"history"`
	Viewport ViewportConfig `yaml:"viewport"`
	Gate     GateConfig     `yaml:"gate"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SecureCookies bool          `yaml:"secure_cookies"`

	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DatabaseConfig holds the SQL database used for the registry and access
// log, and for cells when Cells.Backend is "sql".
type DatabaseConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

type CellsConfig struct {
	Backend    string        `yaml:"backend"`
	BadgerPath string        `yaml:"badger_path"`
	BadgerGC   time.Duration `yaml:"badger_gc_interval"`
}

type CryptoConfig struct {
	Iterations int `yaml:"iterations"`
	Workers    int `yaml:"workers"`
}

type HistoryConfig struct {
	Cap int           `yaml:"cap"`
	TTL time.Duration `yaml:"ttl"`
}

type ViewportConfig struct {
	MaxCells int `yaml:"max_cells"`
}

type GateConfig struct {
	SessionTTL     time.Duration `yaml:"session_ttl"`
	RequireAppCode bool          `yaml:"require_app_code"`
	EmailCodeTTL   time.Duration `yaml:"email_code_ttl"`

	// AttemptBurst unlock attempts are allowed at once, then one per
	// AttemptInterval.
	AttemptBurst    int           `yaml:"attempt_burst"`
	AttemptInterval time.Duration `yaml:"attempt_interval"`

	// AppDevices maps actors to base32 TOTP secrets enrolled at startup.
	AppDevices map[string]string `yaml:"app_devices"`

	// AllowedActors limits the gate to these actors. Empty allows any actor
	// with a valid identity token.
	AllowedActors []string `yaml:"allowed_actors"`
}

type AuthConfig struct {
	// TokenKey signs identity tokens. Prefer the environment override.
	TokenKey string        `yaml:"token_key"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Dialect: db.SQLite.String(),
			DSN:     "data/matrixvault.db",
		},
		Cells: CellsConfig{
			Backend:    BackendSQL,
			BadgerPath: "data/cells",
			BadgerGC:   10 * time.Minute,
		},
		Crypto: CryptoConfig{
			Iterations: cellcrypt.DefaultIterations,
		},
		History: HistoryConfig{
			Cap: 50,
			TTL: 30 * time.Minute,
		},
		Viewport: ViewportConfig{
			MaxCells: 10_000,
		},
		Gate: GateConfig{
			SessionTTL:      30 * time.Minute,
			EmailCodeTTL:    120 * time.Second,
			AttemptBurst:    5,
			AttemptInterval: 12 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvTokenKey); v != "" {
		cfg.Auth.TokenKey = v
	}
	if v := getenv(EnvDatabaseDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := getenv(EnvDialect); v != "" {
		cfg.Database.Dialect = v
	}
	if v := getenv(EnvListenAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv(EnvIterations); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvIterations, err)
		}
		cfg.Crypto.Iterations = n
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if _, err := db.ParseDialect(c.Database.Dialect); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Cells.Backend {
	case BackendSQL:
	case BackendBadger:
		if c.Cells.BadgerPath == "" {
			return fmt.Errorf("cells.badger_path is required for the badger backend")
		}
	default:
		return fmt.Errorf("cells.backend must be %q or %q, got %q", BackendSQL, BackendBadger, c.Cells.Backend)
	}
	if c.Crypto.Iterations < cellcrypt.MinProductionIterations {
		return fmt.Errorf("crypto.iterations must be >= %d", cellcrypt.MinProductionIterations)
	}
	if c.History.Cap < 1 {
		return fmt.Errorf("history.cap must be >= 1")
	}
	if c.History.TTL <= 0 {
		return fmt.Errorf("history.ttl must be positive")
	}
	if c.Viewport.MaxCells < 1 {
		return fmt.Errorf("viewport.max_cells must be >= 1")
	}
	if c.Gate.SessionTTL <= 0 || c.Gate.EmailCodeTTL <= 0 {
		return fmt.Errorf("gate.session_ttl and gate.email_code_ttl must be positive")
	}
	if c.Gate.AttemptBurst < 1 || c.Gate.AttemptInterval <= 0 {
		return fmt.Errorf("gate.attempt_burst must be >= 1 and gate.attempt_interval positive")
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: invalid address or prefix %q", p)
		}
	}
	for _, a := range c.Gate.AllowedActors {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("gate.allowed_actors must not contain empty names")
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// RequireTokenKey reports an error when no identity token key is set. Only
// commands that serve or issue tokens need one.
func (c Config) RequireTokenKey() error {
	if len(c.Auth.TokenKey) < 32 {
		return fmt.Errorf("auth.token_key must be at least 32 characters; set %s", EnvTokenKey)
	}
	return nil
}

// Logger builds the process logger.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
