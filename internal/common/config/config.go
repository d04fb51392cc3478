// Package config provides configuration management for Nexus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/nexus/internal/common/logger"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// Config holds all configuration sections for Nexus.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
	Agent    AgentConfig          `mapstructure:"agent"`
	Security SecurityConfig       `mapstructure:"security"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
}

// ServerConfig holds the operator HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds execution engine configuration.
type AgentConfig struct {
	MaxConcurrentAgents    int                  `mapstructure:"maxConcurrentAgents"`
	DefaultTimeoutSecs     int                  `mapstructure:"defaultTimeoutSecs"`
	HealthCheckTimeoutSecs int                  `mapstructure:"healthCheckTimeoutSecs"`
	CommandQueueSize       int                  `mapstructure:"commandQueueSize"`
	TaskQueueSize          int                  `mapstructure:"taskQueueSize"`
	ResultBufferSize       int                  `mapstructure:"resultBufferSize"` // 0 = unbounded
	PollIntervalMs         int                  `mapstructure:"pollIntervalMs"`
	DefaultResourceLimits  ResourceLimitsConfig `mapstructure:"defaultResourceLimits"`
	Pool                   []PoolEntry          `mapstructure:"pool"`
}

// ResourceLimitsConfig is the file representation of v1.ResourceLimits.
type ResourceLimitsConfig struct {
	MaxMemoryMB              uint64  `mapstructure:"maxMemoryMb"`
	MaxCPUPercent            float64 `mapstructure:"maxCpuPercent"`
	MaxFileOpsPerSec         uint32  `mapstructure:"maxFileOpsPerSec"`
	MaxNetworkRequestsPerMin uint32  `mapstructure:"maxNetworkRequestsPerMin"`
}

// PoolEntry declares orchestrator instances created at startup.
type PoolEntry struct {
	Agent        string         `mapstructure:"agent"`
	Count        int            `mapstructure:"count"`
	Type         string         `mapstructure:"type"`
	Capabilities []string       `mapstructure:"capabilities"`
	WorkingDir   string         `mapstructure:"workingDir"`
	Permissions  v1.Permissions `mapstructure:"permissions"`
}

// SecurityConfig configures the default security service.
type SecurityConfig struct {
	RateLimit  RateLimitConfig  `mapstructure:"rateLimit"`
	Validation ValidationConfig `mapstructure:"validation"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// RateLimitConfig configures the sliding-window rate limiter.
type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxRequests    int  `mapstructure:"maxRequests"`
	TimeWindowSecs int  `mapstructure:"timeWindowSecs"`
}

// ValidationConfig configures input validation.
type ValidationConfig struct {
	MaxInputLength          int  `mapstructure:"maxInputLength"`
	PathTraversalProtection bool `mapstructure:"pathTraversalProtection"`
}

// AuditConfig toggles security event logging.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig toggles the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (a *AgentConfig) DefaultTimeout() time.Duration {
	return time.Duration(a.DefaultTimeoutSecs) * time.Second
}

func (a *AgentConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(a.HealthCheckTimeoutSecs) * time.Second
}

func (a *AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalMs) * time.Millisecond
}

// ResourceLimits returns the configured defaults with the default timeout as
// the execution bound.
func (a *AgentConfig) ResourceLimits() v1.ResourceLimits {
	return v1.ResourceLimits{
		MaxMemoryBytes:           a.DefaultResourceLimits.MaxMemoryMB * 1024 * 1024,
		MaxExecutionTime:         a.DefaultTimeout(),
		MaxCPUPercent:            a.DefaultResourceLimits.MaxCPUPercent,
		MaxFileOpsPerSec:         a.DefaultResourceLimits.MaxFileOpsPerSec,
		MaxNetworkRequestsPerMin: a.DefaultResourceLimits.MaxNetworkRequestsPerMin,
	}
}

// TimeWindow returns the rate limit window as a time.Duration.
func (r *RateLimitConfig) TimeWindow() time.Duration {
	return time.Duration(r.TimeWindowSecs) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "nexus")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("agent.maxConcurrentAgents", 10)
	v.SetDefault("agent.defaultTimeoutSecs", 300)
	v.SetDefault("agent.healthCheckTimeoutSecs", 10)
	v.SetDefault("agent.commandQueueSize", 1024)
	v.SetDefault("agent.taskQueueSize", 1000)
	v.SetDefault("agent.resultBufferSize", 10000)
	v.SetDefault("agent.pollIntervalMs", 100)
	v.SetDefault("agent.defaultResourceLimits.maxMemoryMb", 100)
	v.SetDefault("agent.defaultResourceLimits.maxCpuPercent", 50.0)
	v.SetDefault("agent.defaultResourceLimits.maxFileOpsPerSec", 100)
	v.SetDefault("agent.defaultResourceLimits.maxNetworkRequestsPerMin", 1000)

	v.SetDefault("security.rateLimit.enabled", true)
	v.SetDefault("security.rateLimit.maxRequests", 100)
	v.SetDefault("security.rateLimit.timeWindowSecs", 60)
	v.SetDefault("security.validation.maxInputLength", 10000)
	v.SetDefault("security.validation.pathTraversalProtection", true)
	v.SetDefault("security.audit.enabled", true)

	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NEXUS_.
// The config file is config.yaml in the current directory or /etc/nexus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE.
	_ = v.BindEnv("agent.maxConcurrentAgents", "NEXUS_AGENT_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("agent.defaultTimeoutSecs", "NEXUS_AGENT_DEFAULT_TIMEOUT_SECS")
	_ = v.BindEnv("agent.healthCheckTimeoutSecs", "NEXUS_AGENT_HEALTH_CHECK_TIMEOUT_SECS")
	_ = v.BindEnv("agent.commandQueueSize", "NEXUS_AGENT_COMMAND_QUEUE_SIZE")
	_ = v.BindEnv("agent.resultBufferSize", "NEXUS_AGENT_RESULT_BUFFER_SIZE")
	_ = v.BindEnv("logging.outputPath", "NEXUS_LOGGING_OUTPUT_PATH")
	_ = v.BindEnv("security.rateLimit.enabled", "NEXUS_SECURITY_RATE_LIMIT_ENABLED")
	_ = v.BindEnv("security.rateLimit.maxRequests", "NEXUS_SECURITY_RATE_LIMIT_MAX_REQUESTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nexus/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	a := cfg.Agent
	if a.MaxConcurrentAgents <= 0 {
		errs = append(errs, "agent.maxConcurrentAgents must be positive")
	}
	if a.DefaultTimeoutSecs <= 0 {
		errs = append(errs, "agent.defaultTimeoutSecs must be positive")
	}
	if a.HealthCheckTimeoutSecs <= 0 {
		errs = append(errs, "agent.healthCheckTimeoutSecs must be positive")
	}
	if a.CommandQueueSize <= 0 {
		errs = append(errs, "agent.commandQueueSize must be positive")
	}
	if a.TaskQueueSize <= 0 {
		errs = append(errs, "agent.taskQueueSize must be positive")
	}
	if a.ResultBufferSize < 0 {
		errs = append(errs, "agent.resultBufferSize must not be negative")
	}
	if a.PollIntervalMs <= 0 {
		errs = append(errs, "agent.pollIntervalMs must be positive")
	}
	for i, p := range a.Pool {
		if p.Agent == "" {
			errs = append(errs, fmt.Sprintf("agent.pool[%d].agent is required", i))
		}
		if p.Count <= 0 {
			errs = append(errs, fmt.Sprintf("agent.pool[%d].count must be positive", i))
		}
	}

	rl := cfg.Security.RateLimit
	if rl.Enabled {
		if rl.MaxRequests <= 0 {
			errs = append(errs, "security.rateLimit.maxRequests must be positive")
		}
		if rl.TimeWindowSecs <= 0 {
			errs = append(errs, "security.rateLimit.timeWindowSecs must be positive")
		}
	}
	if cfg.Security.Validation.MaxInputLength <= 0 {
		errs = append(errs, "security.validation.maxInputLength must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
