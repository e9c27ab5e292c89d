// Package config handles loading and validating Discreet gateway configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the gateway.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.discreet/data. Override: DISCREET_DATA_DIR env var.
	Log           LogConfig            `json:"log" yaml:"log"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Calls         CallsConfig          `json:"calls" yaml:"calls"`
	Billing       BillingConfig        `json:"billing" yaml:"billing"`
	Messaging     MessagingConfig      `json:"messaging" yaml:"messaging"`
	Directory     DirectoryConfig      `json:"directory" yaml:"directory"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Sweeper       *SweeperConfig       `json:"sweeper,omitempty" yaml:"sweeper,omitempty"`             // nil = orphan sweeper disabled
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `json:"level" yaml:"level"` // "debug", "info" (default), "warn", "error". Override: DISCREET_LOG_LEVEL.
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: DISCREET_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "discreet"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures billing error-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0–1.0. 0 disables alerting.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300.
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5.
}

// GatewaysConfig defines which gateways are enabled and their settings.
// A nil HTTP section disables the operator API. A nil WebSocket section
// enables the WebSocket endpoint with defaults.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// WebSocketGatewayConfig configures the client-facing WebSocket server.
type WebSocketGatewayConfig struct {
	Enabled                  bool              `json:"enabled" yaml:"enabled"`
	ListenAddr               string            `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`           // Standalone listen address (when HTTP gateway is disabled). Default: ":8081".
	Path                     string            `json:"path" yaml:"path"`                                             // URL path for WebSocket endpoint. Default: "/ws".
	Tokens                   map[string]string `json:"tokens,omitempty" yaml:"tokens,omitempty"`                     // Connection token → user ID. Override: DISCREET_WS_TOKENS.
	UserHeader               string            `json:"user_header" yaml:"user_header"`                               // Header set by the upstream auth proxy. Default: "X-User-ID".
	AllowQueryUser           bool              `json:"allow_query_user" yaml:"allow_query_user"`                     // Accept ?userId= (development only).
	HeartbeatIntervalSeconds int               `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	SendQueueSize            int               `json:"send_queue_size" yaml:"send_queue_size"`                       // Per-connection outbound buffer. Default: 64.
	WriteTimeoutSeconds      int               `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`           // Default: 10.
	MaxMessageBytes          int64             `json:"max_message_bytes" yaml:"max_message_bytes"`                   // Default: 65536.
	OriginPatterns           []string          `json:"origin_patterns,omitempty" yaml:"origin_patterns,omitempty"`   // Allowed cross-origin hosts, e.g. "app.example.com".
}

// WSPath returns the WebSocket path with a default of "/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws"
}

// WSUserHeader returns the identity header name with a default of "X-User-ID".
func (w *WebSocketGatewayConfig) WSUserHeader() string {
	if w != nil && w.UserHeader != "" {
		return w.UserHeader
	}
	return "X-User-ID"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WSSendQueueSize returns the per-connection outbound queue size with a default of 64.
func (w *WebSocketGatewayConfig) WSSendQueueSize() int {
	if w != nil && w.SendQueueSize > 0 {
		return w.SendQueueSize
	}
	return 64
}

// WSWriteTimeout returns the per-frame write timeout with a default of 10s.
func (w *WebSocketGatewayConfig) WSWriteTimeout() time.Duration {
	if w != nil && w.WriteTimeoutSeconds > 0 {
		return time.Duration(w.WriteTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// WSMaxMessageBytes returns the inbound frame size limit with a default of 64 KiB.
func (w *WebSocketGatewayConfig) WSMaxMessageBytes() int64 {
	if w != nil && w.MaxMessageBytes > 0 {
		return w.MaxMessageBytes
	}
	return 64 << 10
}

// HTTPGatewayConfig configures the HTTP admin API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → operator ID. Override: DISCREET_API_KEYS.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// CallsConfig configures the call session state machine.
type CallsConfig struct {
	WaitroomTimeoutSeconds int `json:"waitroom_timeout_seconds" yaml:"waitroom_timeout_seconds"` // Default: 300.
	BillingIntervalSeconds int `json:"billing_interval_seconds" yaml:"billing_interval_seconds"` // Default: 60.
	MinimumCallMinutes     int `json:"minimum_call_minutes" yaml:"minimum_call_minutes"`         // Funds reserved at initiation. Default: 1.
	DisconnectGraceSeconds int `json:"disconnect_grace_seconds" yaml:"disconnect_grace_seconds"` // 0 = a disconnect never ends a call.
}

// WaitroomTimeout returns the waitroom window with a default of 5 minutes.
func (c CallsConfig) WaitroomTimeout() time.Duration {
	if c.WaitroomTimeoutSeconds > 0 {
		return time.Duration(c.WaitroomTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// BillingInterval returns the charge interval with a default of one minute.
func (c CallsConfig) BillingInterval() time.Duration {
	if c.BillingIntervalSeconds > 0 {
		return time.Duration(c.BillingIntervalSeconds) * time.Second
	}
	return time.Minute
}

// MinimumMinutes returns the reservation size in minutes with a default of 1.
func (c CallsConfig) MinimumMinutes() int {
	if c.MinimumCallMinutes > 0 {
		return c.MinimumCallMinutes
	}
	return 1
}

// DisconnectGrace returns how long a party may stay offline before the call ends.
// Zero disables disconnect-driven teardown.
func (c CallsConfig) DisconnectGrace() time.Duration {
	if c.DisconnectGraceSeconds > 0 {
		return time.Duration(c.DisconnectGraceSeconds) * time.Second
	}
	return 0
}

// BillingConfig configures wallets and call pricing.
type BillingConfig struct {
	Backend              string `json:"backend" yaml:"backend"`                                 // "store" (default) or "memory".
	Currency             string `json:"currency" yaml:"currency"`                               // ISO code. Default: "USD".
	DefaultRatePerMinute int64  `json:"default_rate_per_minute" yaml:"default_rate_per_minute"` // Minor units. Default: 100.
	InitialBalance       int64  `json:"initial_balance" yaml:"initial_balance"`                 // Minor units credited to new wallets.
}

// BillingBackend returns the configured ledger backend, defaulting to "store".
func (b BillingConfig) BillingBackend() string {
	if b.Backend != "" {
		return b.Backend
	}
	return "store"
}

// BillingCurrency returns the configured currency with a default of "USD".
func (b BillingConfig) BillingCurrency() string {
	if b.Currency != "" {
		return strings.ToUpper(b.Currency)
	}
	return "USD"
}

// RatePerMinute returns the default per-minute rate with a default of 100 minor units.
func (b BillingConfig) RatePerMinute() int64 {
	if b.DefaultRatePerMinute > 0 {
		return b.DefaultRatePerMinute
	}
	return 100
}

// MessagingConfig configures chat routing.
type MessagingConfig struct {
	MaxTextBytes int             `json:"max_text_bytes" yaml:"max_text_bytes"` // Default: 4096.
	RateLimit    RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`         // Applied to message.send per user.
}

// TextLimit returns the maximum message size with a default of 4096 bytes.
func (m MessagingConfig) TextLimit() int {
	if m.MaxTextBytes > 0 {
		return m.MaxTextBytes
	}
	return 4096
}

// DirectoryConfig configures user lookup.
type DirectoryConfig struct {
	AutoRegister bool         `json:"auto_register" yaml:"auto_register"` // Create unknown users on first connect.
	Users        []UserConfig `json:"users,omitempty" yaml:"users,omitempty"`
}

// UserConfig seeds a user and wallet at startup.
type UserConfig struct {
	ID            string `json:"id" yaml:"id"`
	DisplayName   string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	RatePerMinute int64  `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"` // 0 = billing.default_rate_per_minute.
	Balance       int64  `json:"balance,omitempty" yaml:"balance,omitempty"`
}

// SweeperConfig configures the orphaned call sweeper.
type SweeperConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Schedule          string `json:"schedule" yaml:"schedule"`                       // Standard 5-field cron expression. Default: "*/5 * * * *".
	StaleAfterMinutes int    `json:"stale_after_minutes" yaml:"stale_after_minutes"` // Default: 10.
}

// CronSchedule returns the cron expression with a default of every five minutes.
func (s *SweeperConfig) CronSchedule() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "*/5 * * * *"
}

// StaleAfter returns the age after which an open call is considered orphaned.
func (s *SweeperConfig) StaleAfter() time.Duration {
	if s != nil && s.StaleAfterMinutes > 0 {
		return time.Duration(s.StaleAfterMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// DefaultConfigPath returns the default config file path (~/.discreet/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/discreet.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".discreet", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file at the default path yields the built-in defaults.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath():
		// Run on defaults.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".discreet", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DISCREET_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DISCREET_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DISCREET_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("DISCREET_API_KEYS"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for key, operator := range ParsePairs(v) {
			c.Gateways.HTTP.APIKeyUserMapping[key] = operator
		}
	}
	if v := os.Getenv("DISCREET_WS_TOKENS"); v != "" {
		if c.Gateways.WebSocket == nil {
			c.Gateways.WebSocket = &WebSocketGatewayConfig{Enabled: true}
		}
		if c.Gateways.WebSocket.Tokens == nil {
			c.Gateways.WebSocket.Tokens = make(map[string]string)
		}
		for token, user := range ParsePairs(v) {
			c.Gateways.WebSocket.Tokens[token] = user
		}
	}
}

// ParsePairs parses "key:value,key:value" into a map, skipping malformed entries.
func ParsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".discreet", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "discreet.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set DISCREET_DB_DSN)")
	}
	switch c.Billing.BillingBackend() {
	case "store", "memory":
	default:
		return fmt.Errorf("billing.backend %q is not supported (use store or memory)", c.Billing.Backend)
	}
	if len(c.Billing.BillingCurrency()) != 3 {
		return fmt.Errorf("billing.currency %q must be a three-letter code", c.Billing.Currency)
	}
	if c.Billing.DefaultRatePerMinute < 0 {
		return fmt.Errorf("billing.default_rate_per_minute must not be negative")
	}
	if c.Billing.InitialBalance < 0 {
		return fmt.Errorf("billing.initial_balance must not be negative")
	}
	if c.Calls.WaitroomTimeoutSeconds < 0 || c.Calls.BillingIntervalSeconds < 0 ||
		c.Calls.MinimumCallMinutes < 0 || c.Calls.DisconnectGraceSeconds < 0 {
		return fmt.Errorf("calls settings must not be negative")
	}
	seen := make(map[string]bool, len(c.Directory.Users))
	for i, u := range c.Directory.Users {
		if u.ID == "" {
			return fmt.Errorf("directory.users[%d].id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("directory.users[%d]: duplicate user id %q", i, u.ID)
		}
		seen[u.ID] = true
		if u.RatePerMinute < 0 || u.Balance < 0 {
			return fmt.Errorf("directory.users[%d] (%q): rate and balance must not be negative", i, u.ID)
		}
	}
	return nil
}
