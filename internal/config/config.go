// Package config handles loading and validating tutorbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for tutorbox.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.tutorbox/workspace. Override: TUTORBOX_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: <workspace>/data. Override: TUTORBOX_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info (default), warn or error. Override: TUTORBOX_LOG_LEVEL env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite default (derived from data dir)
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Flows         FlowsConfig          `json:"flows" yaml:"flows"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
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
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TUTORBOX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig selects and bounds the sandbox backend.
type SandboxConfig struct {
	Type                string              `json:"type" yaml:"type"`                                   // "virtual" (default), "process" or "docker". Override: TUTORBOX_SANDBOX_TYPE.
	MaxCPUSeconds       int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // process: ulimit -t. Default: 10.
	MaxMemoryMB         int                 `json:"max_memory_mb" yaml:"max_memory_mb"`                 // process: ulimit -v, docker: --memory. Default: 256.
	MaxExecutionSeconds int                 `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Per-command wall clock bound. Default: 10.
	KillGraceMS         int                 `json:"kill_grace_ms" yaml:"kill_grace_ms"`                 // Extra wait before a hung backend is abandoned. Default: 2000.
	MaxOutputBytes      int                 `json:"max_output_bytes" yaml:"max_output_bytes"`           // Per-stream capture cap. Default: 65536.
	NetworkAllowed      bool                `json:"network_allowed" yaml:"network_allowed"`             // docker only.
	AllowExternal       bool                `json:"allow_external" yaml:"allow_external"`               // virtual only: permit host programs.
	Docker              DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// SandboxType returns the backend name, defaulting to "virtual".
func (s SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "virtual"
}

// ExecTimeout returns the per-command time bound with a default of 10s.
func (s SandboxConfig) ExecTimeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 10 * time.Second
}

// KillGrace returns the grace period after the time bound with a default of 2s.
func (s SandboxConfig) KillGrace() time.Duration {
	if s.KillGraceMS > 0 {
		return time.Duration(s.KillGraceMS) * time.Millisecond
	}
	return 2 * time.Second
}

// OutputLimit returns the per-stream capture cap with a default of 64 KiB.
func (s SandboxConfig) OutputLimit() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 64 << 10
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	DefaultImage string            `json:"default_image" yaml:"default_image"` // Image for the empty template. Default: "tutorbox-base:latest".
	ImagePrefix  string            `json:"image_prefix" yaml:"image_prefix"`   // Template T maps to <prefix>T:latest. Default: "tutorbox-".
	Templates    map[string]string `json:"templates" yaml:"templates"`         // Explicit template → image overrides.
	CPUCores     float64           `json:"cpu_cores" yaml:"cpu_cores"`         // Docker --cpus flag (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit    int               `json:"pids_limit" yaml:"pids_limit"`       // Docker --pids-limit flag. 0 = 64 default.
}

// SessionsConfig tunes the session registry.
type SessionsConfig struct {
	IdleTimeoutSeconds   int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`           // Default: 900. Negative disables idle eviction.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`       // Default: 30.
	MaxActive            int `json:"max_active" yaml:"max_active"`                               // 0 = unlimited.
	ProvisionTimeoutSec  int `json:"provision_timeout_seconds" yaml:"provision_timeout_seconds"` // Default: 120.
}

// IdleTimeout returns the idle eviction threshold with a default of 15m.
// Zero means idle eviction is disabled.
func (s SessionsConfig) IdleTimeout() time.Duration {
	switch {
	case s.IdleTimeoutSeconds > 0:
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	case s.IdleTimeoutSeconds < 0:
		return 0
	}
	return 15 * time.Minute
}

// SweepInterval returns the reaper interval with a default of 30s.
func (s SessionsConfig) SweepInterval() time.Duration {
	if s.SweepIntervalSeconds > 0 {
		return time.Duration(s.SweepIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// ProvisionTimeout bounds starting a flow with a default of 2m.
func (s SessionsConfig) ProvisionTimeout() time.Duration {
	if s.ProvisionTimeoutSec > 0 {
		return time.Duration(s.ProvisionTimeoutSec) * time.Second
	}
	return 2 * time.Minute
}

// FlowsConfig configures the flow catalog.
type FlowsConfig struct {
	Dirs           []string `json:"dirs,omitempty" yaml:"dirs,omitempty"`   // Extra flow bundle directories. The workspace flows dir is always loaded.
	DisableBuiltin bool     `json:"disable_builtin" yaml:"disable_builtin"` // Skip the built-in simple_bash flow.
}

// ObservabilityConfig configures metrics, tracing, and health checks.
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tutorbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for the readiness endpoint.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection on sandbox operations.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewaysConfig defines which front ends are enabled.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	CLI       *CLIGatewayConfig       `json:"cli,omitempty" yaml:"cli,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool            `json:"sse" yaml:"sse"` // Enable the streaming submit endpoint.
	// APIKeyOperatorMapping maps operator API keys to operator names for the
	// /v1/admin routes. Learner routes are not authenticated.
	APIKeyOperatorMapping map[string]string `json:"api_key_operator_mapping,omitempty" yaml:"api_key_operator_mapping,omitempty"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the interactive WebSocket terminal.
// It is mounted on the HTTP gateway's server.
type WebSocketGatewayConfig struct {
	Enabled               bool     `json:"enabled" yaml:"enabled"`
	Path                  string   `json:"path" yaml:"path"`                                       // URL path. Default: "/v1/ws".
	PingIntervalSeconds   int      `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`     // Default: 30.
	MaxMessageSizeBytes   int64    `json:"max_message_size_bytes" yaml:"max_message_size_bytes"`   // Default: 65536.
	AllowedOriginPatterns []string `json:"allowed_origin_patterns" yaml:"allowed_origin_patterns"` // Empty = same origin only.
}

// WSPath returns the WebSocket path with a default of "/v1/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/ws"
}

// WSPingInterval returns the keepalive ping interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSPingInterval() time.Duration {
	if w != nil && w.PingIntervalSeconds > 0 {
		return time.Duration(w.PingIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WSMaxMessageSize returns the read limit with a default of 64 KiB.
func (w *WebSocketGatewayConfig) WSMaxMessageSize() int64 {
	if w != nil && w.MaxMessageSizeBytes > 0 {
		return w.MaxMessageSizeBytes
	}
	return 64 << 10
}

// CLIGatewayConfig configures the interactive terminal front end.
type CLIGatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	SessionID string `json:"session_id" yaml:"session_id"` // Default: "local".
}

// RateLimitConfig configures per-session submission rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultConfigPath returns the default config file path (~/.tutorbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/tutorbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".tutorbox", "config.yaml")
}

// Default returns a runnable configuration that needs no file: the virtual
// sandbox, SQLite storage under the workspace, and the HTTP and WebSocket
// gateways on :8080. Environment overrides are applied.
func Default() (*Config, error) {
	cfg := Config{
		Sandbox: SandboxConfig{Type: "virtual"},
		Gateways: GatewaysConfig{
			HTTP:      &HTTPGatewayConfig{Enabled: true, ListenAddr: ":8080"},
			WebSocket: &WebSocketGatewayConfig{Enabled: true},
		},
		Observability: &ObservabilityConfig{
			Metrics: &MetricsConfig{Enabled: true},
			Health:  &HealthConfig{IncludeDB: true, IncludeSandbox: true},
		},
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if envWS := os.Getenv("TUTORBOX_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envDD := os.Getenv("TUTORBOX_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envLL := os.Getenv("TUTORBOX_LOG_LEVEL"); envLL != "" {
		cfg.LogLevel = envLL
	}
	if envST := os.Getenv("TUTORBOX_SANDBOX_TYPE"); envST != "" {
		cfg.Sandbox.Type = envST
	}
	// A DSN in the environment implies postgres unless a driver was chosen.
	if envDSN := os.Getenv("TUTORBOX_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
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

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "workspace"
		}
		return filepath.Join(home, ".tutorbox", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return filepath.Join(c.ResolvedWorkspace(), "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "tutorbox.db")
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
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

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Sandbox.SandboxType() {
	case "virtual", "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use virtual, process, or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Sessions.MaxActive < 0 {
		return fmt.Errorf("sessions.max_active must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "memory":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set TUTORBOX_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres, or memory)", c.Storage.Driver)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	if ws := c.Gateways.WebSocket; ws != nil && ws.Enabled {
		if !strings.HasPrefix(ws.WSPath(), "/") {
			return fmt.Errorf("gateways.websocket.path must start with /")
		}
	}
	return nil
}
