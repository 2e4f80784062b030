package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the fs-runner service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	// BuildCronSpec schedules the daily queue build over all enabled
	// campaigns. Standard 5-field cron, evaluated in UTC.
	BuildCronSpec string `json:"build_cron_spec"`

	// Reclaim settings: background sweep returning stale leases to pending.
	// ReclaimStaleAfter must comfortably exceed the executor's worst-case
	// run time.
	ReclaimInterval      time.Duration `json:"-"`
	ReclaimIntervalStr   string        `json:"reclaim_interval"`
	ReclaimStaleAfter    time.Duration `json:"-"`
	ReclaimStaleAfterStr string        `json:"reclaim_stale_after"`

	ReconcileEnabled bool   `json:"reconcile_enabled"`
	ReconcileCron    string `json:"reconcile_cron"`

	// ReconcileThreshold must exceed the dispatcher's maximum retry window
	// (currently 12s across three attempts, plus the fallback pass).
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`

	// Backend endpoints. An empty URL disables that backend.
	QuickServerlessURL string `json:"quick_serverless_url"`
	BatchPoolURL       string `json:"batch_pool_url"`
	BackendSecret      string `json:"-"`

	// Credential settings for signed configuration references.
	CredentialBaseURL      string        `json:"credential_base_url"`
	CredentialSecret       string        `json:"-"`
	CredentialTTL          time.Duration `json:"-"`
	CredentialTTLStr       string        `json:"credential_ttl"`
	CredentialThreshold    time.Duration `json:"-"`
	CredentialThresholdStr string        `json:"credential_threshold"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:         os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:   os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		BuildCronSpec:          os.Getenv("BUILD_CRON_SPEC"),
		ReclaimIntervalStr:     os.Getenv("RECLAIM_INTERVAL"),
		ReclaimStaleAfterStr:   os.Getenv("RECLAIM_STALE_AFTER"),
		ReconcileEnabled:       os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileCron:          os.Getenv("RECONCILE_CRON"),
		ReconcileThresholdStr:  os.Getenv("RECONCILE_THRESHOLD"),
		QuickServerlessURL:     os.Getenv("QUICK_SERVERLESS_URL"),
		BatchPoolURL:           os.Getenv("BATCH_POOL_URL"),
		BackendSecret:          os.Getenv("BACKEND_SECRET"),
		CredentialBaseURL:      os.Getenv("CREDENTIAL_BASE_URL"),
		CredentialSecret:       os.Getenv("CREDENTIAL_SECRET"),
		CredentialTTLStr:       os.Getenv("CREDENTIAL_TTL"),
		CredentialThresholdStr: os.Getenv("CREDENTIAL_THRESHOLD"),
	}

	if batchStr := os.Getenv("RECONCILE_BATCH_SIZE"); batchStr != "" {
		if batch, err := parseInt(batchStr); err == nil && batch > 0 {
			cfg.ReconcileBatchSize = batch
		} else {
			log.Printf("config: invalid RECONCILE_BATCH_SIZE %q (must be a positive integer), using default 100", batchStr)
		}
	}
	if cfg.ReconcileBatchSize == 0 {
		cfg.ReconcileBatchSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")

	cfg.LeaderRetryIntervalStr = os.Getenv("LEADER_RETRY_INTERVAL")
	cfg.LeaderHeartbeatIntervalStr = os.Getenv("LEADER_HEARTBEAT_INTERVAL")

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 918462", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 918462
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.BuildCronSpec == "" {
		cfg.BuildCronSpec = "0 6 * * *"
	}
	if cfg.ReclaimIntervalStr == "" {
		cfg.ReclaimIntervalStr = "1m"
	}
	if cfg.ReclaimStaleAfterStr == "" {
		cfg.ReclaimStaleAfterStr = "10m"
	}
	if cfg.ReconcileCron == "" {
		cfg.ReconcileCron = "*/5 * * * *"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "10m"
	}
	if cfg.CredentialTTLStr == "" {
		cfg.CredentialTTLStr = "1h"
	}
	if cfg.CredentialThresholdStr == "" {
		cfg.CredentialThresholdStr = "10m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ReclaimIntervalStr); err == nil {
		cfg.ReclaimInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReclaimStaleAfterStr); err == nil {
		cfg.ReclaimStaleAfter = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}
	if d, err := time.ParseDuration(cfg.CredentialTTLStr); err == nil {
		cfg.CredentialTTL = d
	}
	if d, err := time.ParseDuration(cfg.CredentialThresholdStr); err == nil {
		cfg.CredentialThreshold = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		BuildCronSpec           string `json:"build_cron_spec"`
		ReclaimInterval         string `json:"reclaim_interval"`
		ReclaimStaleAfter       string `json:"reclaim_stale_after"`
		ReconcileEnabled        bool   `json:"reconcile_enabled"`
		ReconcileCron           string `json:"reconcile_cron"`
		ReconcileThreshold      string `json:"reconcile_threshold"`
		ReconcileBatchSize      int    `json:"reconcile_batch_size"`
		QuickServerlessURL      string `json:"quick_serverless_url"`
		BatchPoolURL            string `json:"batch_pool_url"`
		BackendSecret           string `json:"backend_secret"`
		CredentialBaseURL       string `json:"credential_base_url"`
		CredentialSecret        string `json:"credential_secret"`
		CredentialTTL           string `json:"credential_ttl"`
		CredentialThreshold     string `json:"credential_threshold"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		BuildCronSpec:           c.BuildCronSpec,
		ReclaimInterval:         c.ReclaimIntervalStr,
		ReclaimStaleAfter:       c.ReclaimStaleAfterStr,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileCron:           c.ReconcileCron,
		ReconcileThreshold:      c.ReconcileThresholdStr,
		ReconcileBatchSize:      c.ReconcileBatchSize,
		QuickServerlessURL:      c.QuickServerlessURL,
		BatchPoolURL:            c.BatchPoolURL,
		BackendSecret:           maskSecret(c.BackendSecret),
		CredentialBaseURL:       c.CredentialBaseURL,
		CredentialSecret:        maskSecret(c.CredentialSecret),
		CredentialTTL:           c.CredentialTTLStr,
		CredentialThreshold:     c.CredentialThresholdStr,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
