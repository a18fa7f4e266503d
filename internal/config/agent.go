package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds site worker configuration.
type AgentConfig struct {
	ConfigPath        string
	ControlPlaneURL   string
	WorkerID          string
	SiteName          string
	Capabilities      []string
	SpoolDir          string
	MetricsListen     string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReplayInterval    time.Duration
	MaxConcurrent     int
	ScriptTimeout     time.Duration
}

// AgentFileConfig represents supported YAML overrides for the agent.
type AgentFileConfig struct {
	ControlPlaneURL          string   `yaml:"control_plane_url"`
	WorkerID                 string   `yaml:"worker_id"`
	SiteName                 string   `yaml:"site_name"`
	Capabilities             []string `yaml:"capabilities"`
	SpoolDir                 string   `yaml:"spool_dir"`
	MetricsListen            string   `yaml:"metrics_listen"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	PollIntervalSeconds      int      `yaml:"poll_interval_seconds"`
	ReplayIntervalSeconds    int      `yaml:"replay_interval_seconds"`
	MaxConcurrent            int      `yaml:"max_concurrent"`
	ScriptTimeoutSeconds     int      `yaml:"script_timeout_seconds"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ConfigPath:        "/etc/labpilot/agent.yaml",
		SpoolDir:          filepath.Join("/var/lib/labpilot-agent", "spool"),
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      5 * time.Second,
		ReplayInterval:    15 * time.Second,
		MaxConcurrent:     2,
		ScriptTimeout:     5 * time.Minute,
	}
}

// LoadAgent reads the agent YAML config file and applies overrides to
// defaults.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read agent config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg AgentFileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse agent config %s: %w", cfg.ConfigPath, err)
	}
	if fileCfg.ControlPlaneURL != "" {
		cfg.ControlPlaneURL = fileCfg.ControlPlaneURL
	}
	if fileCfg.WorkerID != "" {
		cfg.WorkerID = fileCfg.WorkerID
	}
	if fileCfg.SiteName != "" {
		cfg.SiteName = fileCfg.SiteName
	}
	if len(fileCfg.Capabilities) > 0 {
		cfg.Capabilities = fileCfg.Capabilities
	}
	if fileCfg.SpoolDir != "" {
		cfg.SpoolDir = fileCfg.SpoolDir
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.HeartbeatIntervalSeconds > 0 {
		cfg.HeartbeatInterval = time.Duration(fileCfg.HeartbeatIntervalSeconds) * time.Second
	}
	if fileCfg.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(fileCfg.PollIntervalSeconds) * time.Second
	}
	if fileCfg.ReplayIntervalSeconds > 0 {
		cfg.ReplayInterval = time.Duration(fileCfg.ReplayIntervalSeconds) * time.Second
	}
	if fileCfg.MaxConcurrent > 0 {
		cfg.MaxConcurrent = fileCfg.MaxConcurrent
	}
	if fileCfg.ScriptTimeoutSeconds > 0 {
		cfg.ScriptTimeout = time.Duration(fileCfg.ScriptTimeoutSeconds) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the agent configuration.
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.ControlPlaneURL) == "" {
		return fmt.Errorf("control_plane_url is required")
	}
	parsed, err := url.Parse(c.ControlPlaneURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("control_plane_url must be an absolute URL (got %q)", c.ControlPlaneURL)
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		return fmt.Errorf("worker_id is required")
	}
	if strings.TrimSpace(c.SiteName) == "" {
		return fmt.Errorf("site_name is required")
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("spool_dir is required")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.MetricsListen != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port (got %q)", c.MetricsListen)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must bind a loopback address (got %q)", c.MetricsListen)
		}
	}
	return nil
}
