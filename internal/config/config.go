// Package config handles loading and validating isolab configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
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

// Config is the root configuration for isolab.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.isolab/data. Override: ISOLAB_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Labs          LabsConfig           `json:"labs" yaml:"labs"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = SQLite under the data dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	ListenAddr    string           `json:"listen_addr" yaml:"listen_addr"` // Default: ":8000". Override: ISOLAB_LISTEN_ADDR env var.
	EnableDocs    bool             `json:"enable_docs" yaml:"enable_docs"`
	LoginLimit    *RateLimitConfig `json:"login_limit,omitempty" yaml:"login_limit,omitempty"`   // Default: 5 per 60s.
	CreateLimit   *RateLimitConfig `json:"create_limit,omitempty" yaml:"create_limit,omitempty"` // Default: 10 per 60s.
	SweepSchedule string           `json:"sweep_schedule" yaml:"sweep_schedule"`                 // Cron spec for rate-limit sweeps. Default: "*/5 * * * *".
}

// Addr returns the listen address with a default of ":8000".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8000"
}

// SweepCron returns the rate-limit sweep schedule with a default of
// every five minutes.
func (s *ServerConfig) SweepCron() string {
	if s != nil && s.SweepSchedule != "" {
		return s.SweepSchedule
	}
	return "*/5 * * * *"
}

// Login returns the login rate limit with a default of 5 per minute.
func (s *ServerConfig) Login() (int, time.Duration) {
	if s == nil {
		return 5, time.Minute
	}
	return s.LoginLimit.limit(5, 60)
}

// Create returns the create rate limit with a default of 10 per minute.
func (s *ServerConfig) Create() (int, time.Duration) {
	if s == nil {
		return 10, time.Minute
	}
	return s.CreateLimit.limit(10, 60)
}

// RateLimitConfig overrides one sliding-window rate limit.
type RateLimitConfig struct {
	Requests      int `json:"requests" yaml:"requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (r *RateLimitConfig) limit(defRequests, defWindowSeconds int) (int, time.Duration) {
	requests, window := defRequests, defWindowSeconds
	if r != nil && r.Requests > 0 {
		requests = r.Requests
	}
	if r != nil && r.WindowSeconds > 0 {
		window = r.WindowSeconds
	}
	return requests, time.Duration(window) * time.Second
}

// AuthConfig configures the operator credential and sessions.
type AuthConfig struct {
	CredentialPath  string `json:"credential_path,omitempty" yaml:"credential_path,omitempty"` // Default: <data_dir>/credential.env. Override: ISOLAB_CREDENTIAL_PATH env var.
	SessionTTLHours int    `json:"session_ttl_hours" yaml:"session_ttl_hours"`                 // Default: 12.
}

// SessionTTL returns the session lifetime with a default of 12h.
func (a *AuthConfig) SessionTTL() time.Duration {
	if a != nil && a.SessionTTLHours > 0 {
		return time.Duration(a.SessionTTLHours) * time.Hour
	}
	return 12 * time.Hour
}

// LabsConfig configures the lab containers.
type LabsConfig struct {
	Image              string  `json:"image" yaml:"image"`                               // Default: "isolab-base:latest". Override: ISOLAB_IMAGE env var.
	Prefix             string  `json:"prefix" yaml:"prefix"`                             // Container name prefix. Default: "iso-".
	SSHKeyPath         string  `json:"ssh_key_path" yaml:"ssh_key_path"`                 // Default: "~/.ssh/id_ed25519.pub".
	BasePort           int     `json:"base_port" yaml:"base_port"`                       // Default: 2200.
	PortSpan           int     `json:"port_span" yaml:"port_span"`                       // Default: 100.
	BindIP             string  `json:"bind_ip,omitempty" yaml:"bind_ip,omitempty"`       // Default: tailnet address, falling back to loopback. Override: ISOLAB_BIND_IP env var.
	Runtime            string  `json:"runtime" yaml:"runtime"`                           // Default: "runsc".
	MemoryMB           int     `json:"memory_mb" yaml:"memory_mb"`                       // Default: 4096.
	CPUs               float64 `json:"cpus" yaml:"cpus"`                                 // Default: 2.0.
	StopTimeoutSeconds int     `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"` // Default: 5.
	PackagesNetwork    string  `json:"packages_network" yaml:"packages_network"`         // Network for packages mode. Default: "isolab-packages".
	ModeDir            string  `json:"mode_dir,omitempty" yaml:"mode_dir,omitempty"`     // Default: <data_dir>/net.
	NetHelper          string  `json:"net_helper,omitempty" yaml:"net_helper,omitempty"` // Host firewall helper command. Empty = no helper.
}

// LabImage returns the lab image with a default of "isolab-base:latest".
func (l *LabsConfig) LabImage() string {
	if l != nil && l.Image != "" {
		return l.Image
	}
	return "isolab-base:latest"
}

// LabPrefix returns the container name prefix with a default of "iso-".
func (l *LabsConfig) LabPrefix() string {
	if l != nil && l.Prefix != "" {
		return l.Prefix
	}
	return "iso-"
}

// KeyPath returns the SSH public key path with a default of
// "~/.ssh/id_ed25519.pub".
func (l *LabsConfig) KeyPath() string {
	if l != nil && l.SSHKeyPath != "" {
		return l.SSHKeyPath
	}
	return "~/.ssh/id_ed25519.pub"
}

// Base returns the first SSH host port with a default of 2200.
func (l *LabsConfig) Base() int {
	if l != nil && l.BasePort > 0 {
		return l.BasePort
	}
	return 2200
}

// Span returns the port scan range size with a default of 100.
func (l *LabsConfig) Span() int {
	if l != nil && l.PortSpan > 0 {
		return l.PortSpan
	}
	return 100
}

// LabRuntime returns the container runtime with a default of "runsc".
func (l *LabsConfig) LabRuntime() string {
	if l != nil && l.Runtime != "" {
		return l.Runtime
	}
	return "runsc"
}

// Memory returns the per-lab memory limit in bytes with a default of 4 GiB.
func (l *LabsConfig) Memory() int64 {
	if l != nil && l.MemoryMB > 0 {
		return int64(l.MemoryMB) << 20
	}
	return 4 << 30
}

// NanoCPUs returns the per-lab CPU limit in nano-CPUs with a default of
// two cores.
func (l *LabsConfig) NanoCPUs() int64 {
	if l != nil && l.CPUs > 0 {
		return int64(l.CPUs * 1e9)
	}
	return 2_000_000_000
}

// StopTimeout returns the stop grace period in seconds with a default of 5.
func (l *LabsConfig) StopTimeout() int {
	if l != nil && l.StopTimeoutSeconds > 0 {
		return l.StopTimeoutSeconds
	}
	return 5
}

// PackagesNet returns the packages-mode network with a default of
// "isolab-packages".
func (l *LabsConfig) PackagesNet() string {
	if l != nil && l.PackagesNetwork != "" {
		return l.PackagesNetwork
	}
	return "isolab-packages"
}

// AuditConfig configures the audit event store.
// When nil, events go to SQLite under the data directory.
type AuditConfig struct {
	Driver   string               `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteAuditConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresAuditConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// AuditDriver returns the configured driver, defaulting to "sqlite".
func (a *AuditConfig) AuditDriver() string {
	if a != nil && a.Driver != "" {
		return a.Driver
	}
	return "sqlite"
}

// SQLiteAuditConfig holds SQLite-specific settings.
type SQLiteAuditConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/audit.db.
}

// PostgresAuditConfig holds PostgreSQL-specific settings.
type PostgresAuditConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: ISOLAB_AUDIT_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and
// anomaly detection. When nil, all observability features are disabled.
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "isolab"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeEngine bool `json:"include_engine" yaml:"include_engine"`
	IncludeAudit  bool `json:"include_audit" yaml:"include_audit"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`       // e.g. 0.5 = 50% errors
	LoginFailureThreshold int     `json:"login_failure_threshold" yaml:"login_failure_threshold"` // Failed logins per window. Default: 10.
	WindowSeconds         int     `json:"window_seconds" yaml:"window_seconds"`                   // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.isolab/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/isolab.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".isolab", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over config values.
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

	applyEnvOverrides(&cfg)

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".isolab", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but treats a missing config file as an
// empty one, so a fresh install runs on defaults and ISOLAB_* environment
// variables alone.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}

	cfg = &Config{}
	applyEnvOverrides(cfg)
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".isolab", "data")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies ISOLAB_* environment variables on top of the
// parsed file. Environment variables take precedence over config values.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("ISOLAB_DATA_DIR"); env != "" {
		cfg.DataDir = env
	}
	if env := os.Getenv("ISOLAB_LISTEN_ADDR"); env != "" {
		cfg.Server.ListenAddr = env
	}
	if env := os.Getenv("ISOLAB_CREDENTIAL_PATH"); env != "" {
		cfg.Auth.CredentialPath = env
	}
	if env := os.Getenv("ISOLAB_IMAGE"); env != "" {
		cfg.Labs.Image = env
	}
	if env := os.Getenv("ISOLAB_BIND_IP"); env != "" {
		cfg.Labs.BindIP = env
	}
	if env := os.Getenv("ISOLAB_AUDIT_DSN"); env != "" {
		if cfg.Audit == nil {
			cfg.Audit = &AuditConfig{Driver: "postgres"}
		}
		if cfg.Audit.Postgres == nil {
			cfg.Audit.Postgres = &PostgresAuditConfig{}
		}
		cfg.Audit.Postgres.DSN = env
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

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".isolab", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// ResolvedCredentialPath returns the operator credential path, derived
// from the data directory when unset.
func (c *Config) ResolvedCredentialPath() string {
	if c.Auth.CredentialPath != "" {
		resolved, err := resolvePath(c.Auth.CredentialPath)
		if err != nil {
			return c.Auth.CredentialPath
		}
		return resolved
	}
	return filepath.Join(c.ResolvedDataDir(), "credential.env")
}

// ResolvedModeDir returns the network mode directory, derived from the
// data directory when unset.
func (c *Config) ResolvedModeDir() string {
	if c.Labs.ModeDir != "" {
		resolved, err := resolvePath(c.Labs.ModeDir)
		if err != nil {
			return c.Labs.ModeDir
		}
		return resolved
	}
	return filepath.Join(c.ResolvedDataDir(), "net")
}

// AuditDBPath returns the default SQLite audit database path under the
// data directory.
func (c *Config) AuditDBPath() string {
	if c.Audit != nil && c.Audit.SQLite != nil && c.Audit.SQLite.Path != "" {
		return c.Audit.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.db")
}

func (c *Config) validate() error {
	if c.Labs.BasePort < 0 || c.Labs.BasePort > 65535 {
		return fmt.Errorf("labs.base_port must be between 0 and 65535")
	}
	if c.Labs.PortSpan < 0 {
		return fmt.Errorf("labs.port_span must not be negative")
	}
	if c.Labs.BasePort > 0 && c.Labs.BasePort+c.Labs.Span() > 65536 {
		return fmt.Errorf("labs.base_port plus labs.port_span exceeds the port range")
	}
	if c.Labs.MemoryMB < 0 {
		return fmt.Errorf("labs.memory_mb must not be negative")
	}
	if c.Labs.CPUs < 0 {
		return fmt.Errorf("labs.cpus must not be negative")
	}
	if c.Auth.SessionTTLHours < 0 {
		return fmt.Errorf("auth.session_ttl_hours must not be negative")
	}
	if err := validateLimit("server.login_limit", c.Server.LoginLimit); err != nil {
		return err
	}
	if err := validateLimit("server.create_limit", c.Server.CreateLimit); err != nil {
		return err
	}
	// Audit driver validation.
	if c.Audit != nil && c.Audit.Driver != "" {
		switch c.Audit.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("audit.driver %q is not supported (use sqlite or postgres)", c.Audit.Driver)
		}
	}
	if c.Audit.AuditDriver() == "postgres" {
		if c.Audit.Postgres == nil || c.Audit.Postgres.DSN == "" {
			return fmt.Errorf("audit.postgres.dsn is required for the postgres driver (set ISOLAB_AUDIT_DSN env var)")
		}
	}
	return nil
}

func validateLimit(name string, r *RateLimitConfig) error {
	if r == nil {
		return nil
	}
	if r.Requests < 0 {
		return fmt.Errorf("%s.requests must not be negative", name)
	}
	if r.WindowSeconds < 0 {
		return fmt.Errorf("%s.window_seconds must not be negative", name)
	}
	return nil
}
