// Package config provides configuration management for livegate using Viper
// for flexible loading from files, environment variables, and command-line
// flags.
//
// Configuration is read from .livegate.yml (or an explicit --config path),
// with environment overrides under the LIVEGATE_ prefix. The security section
// is published to running components as an immutable snapshot through Store,
// and Watcher swaps in a new snapshot whenever the file changes on disk.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	gateerrors "github.com/conneroisu/livegate/internal/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "LIVEGATE"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	Path              string        `mapstructure:"path" yaml:"path"`
	TrustedProxies    int           `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	SendBuffer        int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	SendRate          float64       `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst         int           `mapstructure:"send_burst" yaml:"send_burst"`
	MaxSubscriptions  int           `mapstructure:"max_subscriptions" yaml:"max_subscriptions"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// RelayEvents names the client events forwarded to subscribers of a key.
	RelayEvents []string `mapstructure:"relay_events" yaml:"relay_events"`
}

// Quota is a fixed-window allowance: MaxPoints consumptions per Window.
type Quota struct {
	MaxPoints int           `mapstructure:"max_points" yaml:"max_points"`
	Window    time.Duration `mapstructure:"window" yaml:"window"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitsConfig struct {
	Connection Quota `mapstructure:"connection" yaml:"connection"`
	Message    Quota `mapstructure:"message" yaml:"message"`
	Event      Quota `mapstructure:"event" yaml:"event"`
}

// SecurityConfig is the security snapshot consumed by the admission gates.
// Once published through a Store it must not be mutated; use Clone to derive
// a modified copy.
type SecurityConfig struct {
	Environment                 string           `mapstructure:"environment" yaml:"environment"`
	CORS                        CORSConfig       `mapstructure:"cors" yaml:"cors"`
	RateLimits                  RateLimitsConfig `mapstructure:"rate_limits" yaml:"rate_limits"`
	MaxPayloadBytes             int              `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxMessageLength            int              `mapstructure:"max_message_length" yaml:"max_message_length"`
	RequireAuthentication       []string         `mapstructure:"require_authentication" yaml:"require_authentication"`
	AllowedEvents               []string         `mapstructure:"allowed_events" yaml:"allowed_events,omitempty"`
	AllowAnonymous              bool             `mapstructure:"allow_anonymous" yaml:"allow_anonymous"`
	MaxAnonymousConnections     int              `mapstructure:"max_anonymous_connections" yaml:"max_anonymous_connections"`
	AllowMissingOrigin          bool             `mapstructure:"allow_missing_origin" yaml:"allow_missing_origin"`
	PermissiveOriginsInDev      bool             `mapstructure:"permissive_origins_in_dev" yaml:"permissive_origins_in_dev"`
	SuspiciousActivityThreshold int              `mapstructure:"suspicious_activity_threshold" yaml:"suspicious_activity_threshold"`
	RejectOverlongText          bool             `mapstructure:"reject_overlong_text" yaml:"reject_overlong_text"`
	Sanitizer                   string           `mapstructure:"sanitizer" yaml:"sanitizer"`
	ReputationTTL               time.Duration    `mapstructure:"reputation_ttl" yaml:"reputation_ttl"`
	CleanupInterval             time.Duration    `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	IdentityTimeout             time.Duration    `mapstructure:"identity_timeout" yaml:"identity_timeout"`
}

// IsDevelopment reports whether the snapshot describes a development deployment.
func (s *SecurityConfig) IsDevelopment() bool {
	env := strings.ToLower(s.Environment)
	return env == "development" || env == "dev"
}

// Clone returns a deep copy so callers can derive a new snapshot.
func (s *SecurityConfig) Clone() *SecurityConfig {
	if s == nil {
		return nil
	}
	c := *s
	c.CORS.AllowedOrigins = cloneStrings(s.CORS.AllowedOrigins)
	c.CORS.AllowedMethods = cloneStrings(s.CORS.AllowedMethods)
	c.CORS.AllowedHeaders = cloneStrings(s.CORS.AllowedHeaders)
	c.RequireAuthentication = cloneStrings(s.RequireAuthentication)
	c.AllowedEvents = cloneStrings(s.AllowedEvents)
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ThrottleRule overrides the priority and minimum interval of one event type.
type ThrottleRule struct {
	Priority    string        `mapstructure:"priority" yaml:"priority"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

type ThrottleConfig struct {
	MaxDelayCritical time.Duration           `mapstructure:"max_delay_critical" yaml:"max_delay_critical"`
	MaxDelayHigh     time.Duration           `mapstructure:"max_delay_high" yaml:"max_delay_high"`
	MaxDelayMedium   time.Duration           `mapstructure:"max_delay_medium" yaml:"max_delay_medium"`
	MaxDelayLow      time.Duration           `mapstructure:"max_delay_low" yaml:"max_delay_low"`
	HistorySize      int                     `mapstructure:"history_size" yaml:"history_size"`
	Rules            map[string]ThrottleRule `mapstructure:"rules" yaml:"rules"`
}

type AuditConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	LogEntries bool   `mapstructure:"log_entries" yaml:"log_entries"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Algorithm     string `mapstructure:"algorithm" yaml:"algorithm"`
	Secret        string `mapstructure:"secret" yaml:"secret"`
	PublicKeyFile string `mapstructure:"public_key_file" yaml:"public_key_file"`
	Issuer        string `mapstructure:"issuer" yaml:"issuer"`
	Audience      string `mapstructure:"audience" yaml:"audience"`
	RoleClaim     string `mapstructure:"role_claim" yaml:"role_claim"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Token   string `mapstructure:"token" yaml:"token"`
}

// DefaultRequireAuthentication lists the events that need a resolved identity
// unless configured otherwise.
var DefaultRequireAuthentication = []string{
	"stream:start",
	"stream:stop",
	"stream:update",
	"chat:moderate",
	"product:feature",
}

// DefaultSecurityConfig returns the production security posture.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		Environment: "production",
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
		RateLimits: RateLimitsConfig{
			Connection: Quota{MaxPoints: 50, Window: 60 * time.Second},
			Message:    Quota{MaxPoints: 100, Window: 60 * time.Second},
			Event:      Quota{MaxPoints: 1000, Window: 60 * time.Second},
		},
		MaxPayloadBytes:             1_048_576,
		MaxMessageLength:            10_000,
		RequireAuthentication:       cloneStrings(DefaultRequireAuthentication),
		AllowAnonymous:              true,
		MaxAnonymousConnections:     1000,
		AllowMissingOrigin:          true,
		PermissiveOriginsInDev:      true,
		SuspiciousActivityThreshold: 10,
		Sanitizer:                   "regex",
		ReputationTTL:               24 * time.Hour,
		CleanupInterval:             5 * time.Minute,
		IdentityTimeout:             2 * time.Second,
	}
}

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			Path:              "/ws",
			ReadHeaderTimeout: 10 * time.Second,
			MaxFrameBytes:     2 << 20,
			SendBuffer:        256,
			SendRate:          200,
			SendBurst:         50,
			MaxSubscriptions:  32,
			WriteTimeout:      10 * time.Second,
			RelayEvents:       []string{"chat:message"},
		},
		Security: *DefaultSecurityConfig(),
		Throttle: ThrottleConfig{
			MaxDelayCritical: 0,
			MaxDelayHigh:     100 * time.Millisecond,
			MaxDelayMedium:   500 * time.Millisecond,
			MaxDelayLow:      1000 * time.Millisecond,
			HistorySize:      50,
			Rules:            map[string]ThrottleRule{},
		},
		Audit: AuditConfig{
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			LogEntries: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "livegate:rl:",
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
			RoleClaim: "role",
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}

// Load builds a Config from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom builds a Config from v, starting from Default so that keys absent
// from every source keep their default values.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	// Viper does not split comma-separated env values into slices.
	for key, target := range map[string]*[]string{
		"security.cors.allowed_origins":   &cfg.Security.CORS.AllowedOrigins,
		"security.require_authentication": &cfg.Security.RequireAuthentication,
		"security.allowed_events":         &cfg.Security.AllowedEvents,
		"server.relay_events":             &cfg.Server.RelayEvents,
	} {
		if v.IsSet(key) {
			*target = splitList(v.GetStringSlice(key))
		}
	}

	fillDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile reads path into a fresh viper instance, applying LIVEGATE_ env
// overrides, and returns the resulting configuration.
func LoadFile(path string) (*Config, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, gateerrors.WrapConfig(err, gateerrors.ErrCodeConfigInvalid, "reading config file "+path)
	}
	return LoadFrom(v)
}

// NewViper returns a viper instance wired for LIVEGATE_ env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	ConfigureEnv(v)
	return v
}

// ConfigureEnv applies the env prefix and key replacer to v.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, so register
	// every default key.
	for key, value := range defaultKeys() {
		v.SetDefault(key, value)
	}
}

func defaultKeys() map[string]interface{} {
	d := Default()
	s := d.Security
	return map[string]interface{}{
		"server.host":                                d.Server.Host,
		"server.port":                                d.Server.Port,
		"server.path":                                d.Server.Path,
		"server.trusted_proxies":                     d.Server.TrustedProxies,
		"server.relay_events":                        d.Server.RelayEvents,
		"security.environment":                       s.Environment,
		"security.cors.allowed_origins":              s.CORS.AllowedOrigins,
		"security.rate_limits.connection.max_points": s.RateLimits.Connection.MaxPoints,
		"security.rate_limits.connection.window":     s.RateLimits.Connection.Window,
		"security.rate_limits.message.max_points":    s.RateLimits.Message.MaxPoints,
		"security.rate_limits.message.window":        s.RateLimits.Message.Window,
		"security.rate_limits.event.max_points":      s.RateLimits.Event.MaxPoints,
		"security.rate_limits.event.window":          s.RateLimits.Event.Window,
		"security.max_payload_bytes":                 s.MaxPayloadBytes,
		"security.max_message_length":                s.MaxMessageLength,
		"security.require_authentication":            s.RequireAuthentication,
		"security.allow_anonymous":                   s.AllowAnonymous,
		"security.max_anonymous_connections":         s.MaxAnonymousConnections,
		"security.allow_missing_origin":              s.AllowMissingOrigin,
		"security.permissive_origins_in_dev":         s.PermissiveOriginsInDev,
		"security.suspicious_activity_threshold":     s.SuspiciousActivityThreshold,
		"security.reject_overlong_text":              s.RejectOverlongText,
		"security.sanitizer":                         s.Sanitizer,
		"logging.level":                              d.Logging.Level,
		"logging.format":                             d.Logging.Format,
		"logging.file":                               d.Logging.File,
		"audit.file":                                 d.Audit.File,
		"redis.enabled":                              d.Redis.Enabled,
		"redis.addr":                                 d.Redis.Addr,
		"redis.password":                             d.Redis.Password,
		"auth.enabled":                               d.Auth.Enabled,
		"auth.algorithm":                             d.Auth.Algorithm,
		"auth.secret":                                d.Auth.Secret,
		"auth.public_key_file":                       d.Auth.PublicKeyFile,
		"admin.enabled":                              d.Admin.Enabled,
		"admin.host":                                 d.Admin.Host,
		"admin.port":                                 d.Admin.Port,
		"admin.token":                                d.Admin.Token,
	}
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// fillDefaults replaces zero values that would otherwise disable a control.
func fillDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Path == "" {
		cfg.Server.Path = def.Server.Path
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = def.Server.SendBuffer
	}
	if cfg.Server.SendRate <= 0 {
		cfg.Server.SendRate = def.Server.SendRate
	}
	if cfg.Server.SendBurst <= 0 {
		cfg.Server.SendBurst = def.Server.SendBurst
	}
	if cfg.Server.MaxFrameBytes <= 0 {
		cfg.Server.MaxFrameBytes = def.Server.MaxFrameBytes
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}

	FillSecurityDefaults(&cfg.Security)

	if cfg.Throttle.HistorySize <= 0 {
		cfg.Throttle.HistorySize = def.Throttle.HistorySize
	}
	if cfg.Throttle.Rules == nil {
		cfg.Throttle.Rules = map[string]ThrottleRule{}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Auth.RoleClaim == "" {
		cfg.Auth.RoleClaim = def.Auth.RoleClaim
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
}

// FillSecurityDefaults fills zero-valued limits in s with the defaults. It is
// also applied to snapshots replaced through the admin API.
func FillSecurityDefaults(s *SecurityConfig) {
	def := DefaultSecurityConfig()

	fillQuota(&s.RateLimits.Connection, def.RateLimits.Connection)
	fillQuota(&s.RateLimits.Message, def.RateLimits.Message)
	fillQuota(&s.RateLimits.Event, def.RateLimits.Event)

	if s.MaxPayloadBytes <= 0 {
		s.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if s.MaxMessageLength <= 0 {
		s.MaxMessageLength = def.MaxMessageLength
	}
	if s.SuspiciousActivityThreshold <= 0 {
		s.SuspiciousActivityThreshold = def.SuspiciousActivityThreshold
	}
	if s.Sanitizer == "" {
		s.Sanitizer = def.Sanitizer
	}
	if s.ReputationTTL <= 0 {
		s.ReputationTTL = def.ReputationTTL
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = def.CleanupInterval
	}
	if s.IdentityTimeout <= 0 {
		s.IdentityTimeout = def.IdentityTimeout
	}
	if s.Environment == "" {
		s.Environment = def.Environment
	}
}

func fillQuota(q *Quota, def Quota) {
	if q.MaxPoints <= 0 {
		q.MaxPoints = def.MaxPoints
	}
	if q.Window <= 0 {
		q.Window = def.Window
	}
}
