// Package config provides configuration loading, validation, and hot-reload
// for the taskmesh orchestrator. Configuration is layered: defaults, then an
// optional YAML/JSON file, then TASKMESH_-prefixed environment variables,
// then explicit overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	App        AppConfig        `mapstructure:"app" validate:"required"`
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
	Queue      QueueConfig      `mapstructure:"queue" validate:"required"`
	Storage    StorageConfig    `mapstructure:"storage" validate:"required"`
	Router     RouterConfig     `mapstructure:"router" validate:"required"`
	Pools      PoolsConfig      `mapstructure:"pools" validate:"required"`
	Autoscaler AutoscalerConfig `mapstructure:"autoscaler"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Saga       SagaConfig       `mapstructure:"saga"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"required,env"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig contains the control-plane HTTP server settings.
type ServerConfig struct {
	Host string     `mapstructure:"host" validate:"required"`
	Port int        `mapstructure:"port" validate:"required,min=1,max=65535"`
	HTTP HTTPConfig `mapstructure:"http"`
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig contains HTTP server tuning.
type HTTPConfig struct {
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// CORSConfig controls cross-origin access to the control-plane API.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
	Output string `mapstructure:"output" validate:"required"`
}

// QueueConfig selects and tunes the durable task queue.
type QueueConfig struct {
	// Type is "redis" for production or "memory" for single-process runs.
	Type  string      `mapstructure:"type" validate:"required,oneof=redis memory"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings for the stream queue
// and signal bus.
type RedisConfig struct {
	Address      string        `mapstructure:"address" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// StorageConfig contains the embedded store settings. Badger holds task
// results, idempotency bindings, saga state, and the audit chain.
type StorageConfig struct {
	Badger          BadgerConfig  `mapstructure:"badger"`
	ResultRetention time.Duration `mapstructure:"result_retention"`
}

// BadgerConfig contains Badger database settings.
type BadgerConfig struct {
	Path              string `mapstructure:"path" validate:"required"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	ValueLogFileSize  int64  `mapstructure:"value_log_file_size"`
	NumVersionsToKeep int    `mapstructure:"num_versions_to_keep"`
}

// RouterConfig contains task admission settings.
type RouterConfig struct {
	// RejectThreshold is the total queue depth above which low-priority
	// submissions are rejected with a backpressure error.
	RejectThreshold    int                     `mapstructure:"reject_threshold" validate:"min=1"`
	DefaultTaskTimeout time.Duration           `mapstructure:"default_task_timeout"`
	AppendRetries      int                     `mapstructure:"append_retries" validate:"min=0"`
	DefaultTenant      TenantConfig            `mapstructure:"default_tenant"`
	Tenants            map[string]TenantConfig `mapstructure:"tenants"`
}

// TenantConfig contains per-tenant admission policy.
type TenantConfig struct {
	// MaxPriority is the highest class a tenant may request; higher
	// requests are clamped, not rejected.
	MaxPriority string  `mapstructure:"max_priority" validate:"omitempty,oneof=critical high normal low"`
	SubmitRate  float64 `mapstructure:"submit_rate" validate:"min=0"`
	Burst       int     `mapstructure:"burst" validate:"min=0"`
}

// PoolsConfig maps capability names to worker pool settings.
type PoolsConfig map[string]PoolConfig

// PoolConfig contains worker pool settings for one capability.
type PoolConfig struct {
	// Endpoint is the HTTP address of the agent that executes tasks for
	// this capability. When empty the orchestrator runs no local pool
	// and the capability is served by external workers over the worker
	// API. The sandbox capability ignores this and always runs locally.
	Endpoint          string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Min               int           `mapstructure:"min" validate:"min=0"`
	Max               int           `mapstructure:"max" validate:"min=1"`
	Initial           int           `mapstructure:"initial" validate:"min=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Grace             time.Duration `mapstructure:"grace"`
	MaxPreempts       int           `mapstructure:"max_preempts" validate:"min=0"`
	FairnessN         int           `mapstructure:"fairness_n" validate:"min=1"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// AutoscalerConfig contains pool autoscaling settings.
type AutoscalerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	UpThreshold   float64       `mapstructure:"up_threshold" validate:"gte=0,lte=1"`
	DownThreshold float64       `mapstructure:"down_threshold" validate:"gte=0,lte=1"`
	K             int           `mapstructure:"k" validate:"min=1"`
	KDown         int           `mapstructure:"k_down" validate:"min=1"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	Step          int           `mapstructure:"step" validate:"min=1"`
}

// RecoveryConfig contains the recovery supervisor settings.
type RecoveryConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	IdleReclaim  time.Duration `mapstructure:"idle_reclaim"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
}

// SandboxConfig contains sandbox execution policy.
type SandboxConfig struct {
	// ImageAllowlist lists images permitted to run. Empty denies all.
	ImageAllowlist []string `mapstructure:"image_allowlist"`
	// EgressAllowlist lists host:port destinations jobs may request.
	EgressAllowlist []string           `mapstructure:"egress_allowlist"`
	Grace           time.Duration      `mapstructure:"grace"`
	Defaults        SandboxLimitConfig `mapstructure:"defaults"`
}

// SandboxLimitConfig contains the ceiling resource limits applied to
// sandbox jobs. Requested limits above these are clamped down.
type SandboxLimitConfig struct {
	CPUCores       float64       `mapstructure:"cpu_cores" validate:"gte=0"`
	MemoryBytes    int64         `mapstructure:"memory_bytes" validate:"gte=0"`
	Wallclock      time.Duration `mapstructure:"wallclock"`
	Pids           int64         `mapstructure:"pids" validate:"gte=0"`
	TmpfsBytes     int64         `mapstructure:"tmpfs_bytes" validate:"gte=0"`
	OutputBytesCap int64         `mapstructure:"output_bytes_cap" validate:"gte=0"`
}

// SagaConfig contains saga engine settings.
type SagaConfig struct {
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	CompensateRetries int           `mapstructure:"compensate_retries" validate:"min=0"`
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
}

// AuthConfig maps bearer tokens to roles for the control-plane API.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Tokens maps a bearer token to its role ("operator" or "submitter").
	Tokens map[string]string `mapstructure:"tokens"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Exporter   string            `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`
	Endpoint   string            `mapstructure:"endpoint"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Headers    map[string]string `mapstructure:"headers"`
	Sampler    string            `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`
	SampleRate float64           `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return err
	}
	return c.validateRelations()
}

// validateRelations checks cross-field constraints the tag validator
// cannot express.
func (c *Config) validateRelations() error {
	for name, p := range c.Pools {
		if p.Min > p.Max {
			return fmt.Errorf("pool %s: min (%d) exceeds max (%d)", name, p.Min, p.Max)
		}
		if p.Initial < p.Min || p.Initial > p.Max {
			return fmt.Errorf("pool %s: initial (%d) outside [%d, %d]", name, p.Initial, p.Min, p.Max)
		}
	}
	if c.Autoscaler.Enabled && c.Autoscaler.DownThreshold >= c.Autoscaler.UpThreshold {
		return fmt.Errorf("autoscaler: down_threshold (%v) must be below up_threshold (%v)",
			c.Autoscaler.DownThreshold, c.Autoscaler.UpThreshold)
	}
	return nil
}

// Address returns the server listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a printable summary of the configuration. Secrets are
// not included.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s v%s (%s), Server: %s, Queue: %s, Pools: %d, Badger: %s}",
		c.App.Name, c.App.Version, c.App.Environment,
		c.Server.Address(), c.Queue.Type, len(c.Pools), c.Storage.Badger.Path)
}
