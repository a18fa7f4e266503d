package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds control-plane daemon configuration paths, listeners, and
// timing knobs.
type Config struct {
	ConfigPath        string
	DataDir           string
	LogDir            string
	RunDir            string
	SocketPath        string
	DBPath            string
	WorkerListen      string
	MetricsListen     string
	PolicyPath        string
	AuditExportDir    string
	AuditRecipients   []string
	LeaseDuration     time.Duration
	ReclaimInterval   time.Duration
	MaxQueueAge       time.Duration
	HeartbeatTimeout  time.Duration
	RetentionInterval time.Duration
	Retention         RetentionPolicy
}

// RetentionPolicy holds per-record-type retention windows. A zero window
// disables pruning for that record type.
type RetentionPolicy struct {
	CompletedTaskTTL time.Duration
	FailedTaskTTL    time.Duration
	ExpiredTaskTTL   time.Duration
	ResultTTL        time.Duration
	EventTTL         time.Duration
	AuditHotTTL      time.Duration
	DryRun           bool
}

// FileConfig represents supported YAML config overrides. Durations are
// given in minutes except where the key says otherwise.
type FileConfig struct {
	DataDir                   string   `yaml:"data_dir"`
	LogDir                    string   `yaml:"log_dir"`
	RunDir                    string   `yaml:"run_dir"`
	SocketPath                string   `yaml:"socket_path"`
	DBPath                    string   `yaml:"db_path"`
	WorkerListen              string   `yaml:"worker_listen"`
	MetricsListen             string   `yaml:"metrics_listen"`
	PolicyPath                string   `yaml:"policy_path"`
	AuditExportDir            string   `yaml:"audit_export_dir"`
	AuditRecipients           []string `yaml:"audit_age_recipients"`
	LeaseMinutes              int      `yaml:"lease_minutes"`
	ReclaimSeconds            int      `yaml:"reclaim_seconds"`
	MaxQueueAgeMinutes        int      `yaml:"max_queue_age_minutes"`
	HeartbeatTimeoutSeconds   int      `yaml:"heartbeat_timeout_seconds"`
	RetentionIntervalMinutes  int      `yaml:"retention_interval_minutes"`
	CompletedTaskTTLDays      int      `yaml:"completed_task_ttl_days"`
	FailedTaskTTLDays         int      `yaml:"failed_task_ttl_days"`
	ExpiredTaskTTLDays        int      `yaml:"expired_task_ttl_days"`
	ResultTTLDays             int      `yaml:"result_ttl_days"`
	EventTTLDays              int      `yaml:"event_ttl_days"`
	AuditHotTTLDays           int      `yaml:"audit_hot_ttl_days"`
	RetentionDryRun           *bool    `yaml:"retention_dry_run"`
}

const day = 24 * time.Hour

func DefaultConfig() Config {
	dataDir := "/var/lib/labpilot"
	runDir := "/run/labpilot"
	return Config{
		ConfigPath:        "/etc/labpilot/config.yaml",
		DataDir:           dataDir,
		LogDir:            "/var/log/labpilot",
		RunDir:            runDir,
		SocketPath:        filepath.Join(runDir, "labpilotd.sock"),
		DBPath:            filepath.Join(dataDir, "labpilot.db"),
		WorkerListen:      "0.0.0.0:8870",
		MetricsListen:     "",
		PolicyPath:        "/etc/labpilot/policy.yaml",
		AuditExportDir:    filepath.Join(dataDir, "audit-exports"),
		LeaseDuration:     10 * time.Minute,
		ReclaimInterval:   30 * time.Second,
		MaxQueueAge:       6 * time.Hour,
		HeartbeatTimeout:  90 * time.Second,
		RetentionInterval: time.Hour,
		Retention: RetentionPolicy{
			CompletedTaskTTL: 7 * day,
			FailedTaskTTL:    30 * day,
			ExpiredTaskTTL:   7 * day,
			ResultTTL:        30 * day,
			EventTTL:         14 * day,
			AuditHotTTL:      90 * day,
			DryRun:           true,
		},
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "labpilot.db")
	}
	if fileCfg.DataDir != "" && fileCfg.AuditExportDir == "" {
		cfg.AuditExportDir = filepath.Join(cfg.DataDir, "audit-exports")
	}
	if fileCfg.RunDir != "" && fileCfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.RunDir, "labpilotd.sock")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.LogDir != "" {
		cfg.LogDir = fileCfg.LogDir
	}
	if fileCfg.RunDir != "" {
		cfg.RunDir = fileCfg.RunDir
	}
	if fileCfg.SocketPath != "" {
		cfg.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.WorkerListen != "" {
		cfg.WorkerListen = fileCfg.WorkerListen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.PolicyPath != "" {
		cfg.PolicyPath = fileCfg.PolicyPath
	}
	if fileCfg.AuditExportDir != "" {
		cfg.AuditExportDir = fileCfg.AuditExportDir
	}
	if len(fileCfg.AuditRecipients) > 0 {
		cfg.AuditRecipients = fileCfg.AuditRecipients
	}
	if fileCfg.LeaseMinutes > 0 {
		cfg.LeaseDuration = time.Duration(fileCfg.LeaseMinutes) * time.Minute
	}
	if fileCfg.ReclaimSeconds > 0 {
		cfg.ReclaimInterval = time.Duration(fileCfg.ReclaimSeconds) * time.Second
	}
	if fileCfg.MaxQueueAgeMinutes > 0 {
		cfg.MaxQueueAge = time.Duration(fileCfg.MaxQueueAgeMinutes) * time.Minute
	}
	if fileCfg.HeartbeatTimeoutSeconds > 0 {
		cfg.HeartbeatTimeout = time.Duration(fileCfg.HeartbeatTimeoutSeconds) * time.Second
	}
	if fileCfg.RetentionIntervalMinutes > 0 {
		cfg.RetentionInterval = time.Duration(fileCfg.RetentionIntervalMinutes) * time.Minute
	}
	if fileCfg.CompletedTaskTTLDays > 0 {
		cfg.Retention.CompletedTaskTTL = time.Duration(fileCfg.CompletedTaskTTLDays) * day
	}
	if fileCfg.FailedTaskTTLDays > 0 {
		cfg.Retention.FailedTaskTTL = time.Duration(fileCfg.FailedTaskTTLDays) * day
	}
	if fileCfg.ExpiredTaskTTLDays > 0 {
		cfg.Retention.ExpiredTaskTTL = time.Duration(fileCfg.ExpiredTaskTTLDays) * day
	}
	if fileCfg.ResultTTLDays > 0 {
		cfg.Retention.ResultTTL = time.Duration(fileCfg.ResultTTLDays) * day
	}
	if fileCfg.EventTTLDays > 0 {
		cfg.Retention.EventTTL = time.Duration(fileCfg.EventTTLDays) * day
	}
	if fileCfg.AuditHotTTLDays > 0 {
		cfg.Retention.AuditHotTTL = time.Duration(fileCfg.AuditHotTTLDays) * day
	}
	if fileCfg.RetentionDryRun != nil {
		cfg.Retention.DryRun = *fileCfg.RetentionDryRun
	}
}

// Validate performs basic validation of paths and listeners.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.WorkerListen == "" {
		return fmt.Errorf("worker_listen is required")
	}
	if c.AuditExportDir == "" {
		return fmt.Errorf("audit_export_dir is required")
	}
	if _, _, err := net.SplitHostPort(c.WorkerListen); err != nil {
		return fmt.Errorf("worker_listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	if c.ReclaimInterval <= 0 {
		return fmt.Errorf("reclaim interval must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
