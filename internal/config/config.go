// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Advertised address for published container SSH ports.
	SandboxHost string

	Pool       PoolConfig
	Session    SessionConfig
	Monitor    MonitorConfig
	SSHTimeout time.Duration
}

// PoolConfig controls the container pool.
type PoolConfig struct {
	DefaultType      string
	DefaultImage     string
	MinPoolSize      int
	MaxPoolSize      int
	IdleTimeout      time.Duration // eviction age for pooled (unleased) entries
	ReadyTimeout     time.Duration
	MaintainInterval time.Duration
}

// SessionConfig controls the session state machine timers.
type SessionConfig struct {
	IdleTimeout     time.Duration // active -> disconnected demotion
	TTL             time.Duration // absolute session lifetime
	PersistDebounce time.Duration // minimum gap between activity persists
	SweepInterval   time.Duration
}

// MonitorConfig controls resource collection and alerting.
type MonitorConfig struct {
	Interval       time.Duration
	Retention      time.Duration
	CPUWarning     float64
	CPUCritical    float64
	MemWarning     float64
	MemCritical    float64
	DiskWarningGB  float64
	DiskCriticalGB float64
	MaxContainers  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sandpool.db"),
		SandboxHost: getEnv("SANDBOX_HOST", "127.0.0.1"),
		SSHTimeout:  getEnvDuration("SSH_CONNECT_TIMEOUT", 30*time.Second),
		Pool: PoolConfig{
			DefaultType:      getEnv("POOL_DEFAULT_TYPE", "ssh-terminal"),
			DefaultImage:     getEnv("POOL_DEFAULT_IMAGE", "sandpool/sandbox:latest"),
			MinPoolSize:      getEnvInt("POOL_MIN_SIZE", 2),
			MaxPoolSize:      getEnvInt("POOL_MAX_SIZE", 5),
			IdleTimeout:      getEnvDuration("POOL_IDLE_TIMEOUT", 60*time.Minute),
			ReadyTimeout:     getEnvDuration("POOL_READY_TIMEOUT", 30*time.Second),
			MaintainInterval: getEnvDuration("POOL_MAINTAIN_INTERVAL", time.Minute),
		},
		Session: SessionConfig{
			IdleTimeout:     getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			TTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
			PersistDebounce: getEnvDuration("SESSION_PERSIST_DEBOUNCE", 5*time.Minute),
			SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Monitor: MonitorConfig{
			Interval:       getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
			Retention:      getEnvDuration("MONITOR_RETENTION", 24*time.Hour),
			CPUWarning:     getEnvFloat("ALERT_CPU_WARNING", 75),
			CPUCritical:    getEnvFloat("ALERT_CPU_CRITICAL", 90),
			MemWarning:     getEnvFloat("ALERT_MEM_WARNING", 80),
			MemCritical:    getEnvFloat("ALERT_MEM_CRITICAL", 95),
			DiskWarningGB:  getEnvFloat("ALERT_DISK_WARNING_GB", 40),
			DiskCriticalGB: getEnvFloat("ALERT_DISK_CRITICAL_GB", 50),
			MaxContainers:  getEnvInt("ALERT_MAX_CONTAINERS", 50),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Pool.DefaultImage == "" {
		return fmt.Errorf("POOL_DEFAULT_IMAGE cannot be empty")
	}
	if c.Pool.MinPoolSize < 0 {
		return fmt.Errorf("POOL_MIN_SIZE cannot be negative")
	}
	if c.Pool.MaxPoolSize < c.Pool.MinPoolSize {
		return fmt.Errorf("POOL_MAX_SIZE must be >= POOL_MIN_SIZE")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.TTL <= 0 {
		return fmt.Errorf("session timers must be positive")
	}
	if c.Session.IdleTimeout >= c.Session.TTL {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be shorter than SESSION_TTL")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
