package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration, loaded from an optional YAML
// file and overridable per-field via GANTRY_* environment variables.
type Config struct {
	NodeID           string `yaml:"node_id"`
	DataDir          string `yaml:"data_dir"`
	ListenAddr       string `yaml:"listen_addr"`
	MetricsAddr      string `yaml:"metrics_addr"`
	ControlPlaneAddr string `yaml:"control_plane_addr"`
	WorkspaceRoot    string `yaml:"workspace_root"`

	MaxSlots int `yaml:"max_slots"`

	AllowedImages  []string          `yaml:"allowed_images"`
	HarnessImages  map[string]string `yaml:"harness_images"`
	SecretPatterns []string          `yaml:"secret_patterns"`
	OpencodeURL    string            `yaml:"opencode_url"`

	MaxCommandLength int   `yaml:"max_command_length"`
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
	MaxTimeoutSecs   int   `yaml:"max_timeout_seconds"`

	Outbox   OutboxConfig   `yaml:"outbox"`
	Health   HealthConfig   `yaml:"health"`
	Terminal TerminalConfig `yaml:"terminal"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// OutboxConfig bounds durable event retention.
type OutboxConfig struct {
	RetentionCeiling int `yaml:"retention_ceiling"`
	RetentionFloor   int `yaml:"retention_floor"`
	MaxBacklogRead   int `yaml:"max_backlog_read"`
}

// HealthConfig holds the supervisor thresholds.
type HealthConfig struct {
	ProbeFailureThreshold int           `yaml:"probe_failure_threshold"`
	ProbeInterval         time.Duration `yaml:"probe_interval"`
	StalenessWindow       time.Duration `yaml:"staleness_window"`
	OfflineWindow         time.Duration `yaml:"offline_window"`
	RemediationCooldown   time.Duration `yaml:"remediation_cooldown"`
}

// TerminalConfig bounds interactive sessions.
type TerminalConfig struct {
	MaxSessions  int           `yaml:"max_sessions"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ResumeGrace  time.Duration `yaml:"resume_grace"`
	ReplayBuffer int           `yaml:"replay_buffer"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		NodeID:           "",
		DataDir:          "/var/lib/gantry",
		ListenAddr:       ":7420",
		MetricsAddr:      ":9420",
		ControlPlaneAddr: "",
		WorkspaceRoot:    "/var/lib/gantry/workspaces",
		MaxSlots:         4,
		AllowedImages:    nil,
		HarnessImages:    map[string]string{},
		SecretPatterns:   []string{"*_API_KEY", "*_TOKEN", "*_SECRET", "*_PASSWORD"},
		OpencodeURL:      "http://127.0.0.1:4096",
		MaxCommandLength: 100000,
		MaxFileSizeBytes: 10 << 20,
		MaxTimeoutSecs:   3600,
		Outbox: OutboxConfig{
			RetentionCeiling: 10000,
			RetentionFloor:   1000,
			MaxBacklogRead:   500,
		},
		Health: HealthConfig{
			ProbeFailureThreshold: 2,
			ProbeInterval:         15 * time.Second,
			StalenessWindow:       30 * time.Second,
			OfflineWindow:         2 * time.Minute,
			RemediationCooldown:   10 * time.Minute,
		},
		Terminal: TerminalConfig{
			MaxSessions:  16,
			IdleTimeout:  15 * time.Minute,
			ResumeGrace:  2 * time.Minute,
			ReplayBuffer: 1024,
		},
		HeartbeatInterval: 5 * time.Second,
		ReconcileInterval: 30 * time.Second,
		CancelGracePeriod: 10 * time.Second,
		LogLevel:          "info",
		LogJSON:           false,
	}
}

// Load reads configuration from path (optional, may be empty), applies
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from GANTRY_* environment variables.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	setStr("GANTRY_NODE_ID", &c.NodeID)
	setStr("GANTRY_DATA_DIR", &c.DataDir)
	setStr("GANTRY_LISTEN_ADDR", &c.ListenAddr)
	setStr("GANTRY_METRICS_ADDR", &c.MetricsAddr)
	setStr("GANTRY_CONTROL_PLANE_ADDR", &c.ControlPlaneAddr)
	setStr("GANTRY_WORKSPACE_ROOT", &c.WorkspaceRoot)
	setStr("GANTRY_OPENCODE_URL", &c.OpencodeURL)
	setStr("GANTRY_LOG_LEVEL", &c.LogLevel)
	setInt("GANTRY_MAX_SLOTS", &c.MaxSlots)
	setInt("GANTRY_MAX_COMMAND_LENGTH", &c.MaxCommandLength)
	setInt("GANTRY_MAX_TIMEOUT_SECONDS", &c.MaxTimeoutSecs)
	setInt("GANTRY_OUTBOX_CEILING", &c.Outbox.RetentionCeiling)
	setInt("GANTRY_OUTBOX_FLOOR", &c.Outbox.RetentionFloor)
	setInt("GANTRY_OUTBOX_MAX_READ", &c.Outbox.MaxBacklogRead)
	setInt("GANTRY_PROBE_FAILURE_THRESHOLD", &c.Health.ProbeFailureThreshold)
	setInt("GANTRY_TERMINAL_MAX_SESSIONS", &c.Terminal.MaxSessions)
	setDur("GANTRY_STALENESS_WINDOW", &c.Health.StalenessWindow)
	setDur("GANTRY_OFFLINE_WINDOW", &c.Health.OfflineWindow)
	setDur("GANTRY_REMEDIATION_COOLDOWN", &c.Health.RemediationCooldown)
	setDur("GANTRY_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	setDur("GANTRY_RECONCILE_INTERVAL", &c.ReconcileInterval)
	setDur("GANTRY_CANCEL_GRACE_PERIOD", &c.CancelGracePeriod)
	setDur("GANTRY_TERMINAL_IDLE_TIMEOUT", &c.Terminal.IdleTimeout)
	setList("GANTRY_ALLOWED_IMAGES", &c.AllowedImages)
	setList("GANTRY_SECRET_PATTERNS", &c.SecretPatterns)

	if v := os.Getenv("GANTRY_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("GANTRY_MAX_FILE_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxFileSizeBytes = n
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.MaxSlots < 1 {
		return fmt.Errorf("max_slots must be at least 1, got %d", c.MaxSlots)
	}
	if c.Outbox.RetentionFloor < 1 {
		return fmt.Errorf("outbox retention_floor must be at least 1, got %d", c.Outbox.RetentionFloor)
	}
	if c.Outbox.RetentionCeiling < c.Outbox.RetentionFloor {
		return fmt.Errorf("outbox retention_ceiling %d is below retention_floor %d",
			c.Outbox.RetentionCeiling, c.Outbox.RetentionFloor)
	}
	if c.Outbox.MaxBacklogRead < 1 {
		return fmt.Errorf("outbox max_backlog_read must be at least 1, got %d", c.Outbox.MaxBacklogRead)
	}
	if c.Health.ProbeFailureThreshold < 1 {
		return fmt.Errorf("probe_failure_threshold must be at least 1, got %d", c.Health.ProbeFailureThreshold)
	}
	if c.Health.OfflineWindow <= c.Health.StalenessWindow {
		return fmt.Errorf("offline_window %v must exceed staleness_window %v",
			c.Health.OfflineWindow, c.Health.StalenessWindow)
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root must be set")
	}
	if c.Terminal.MaxSessions < 1 {
		return fmt.Errorf("terminal max_sessions must be at least 1, got %d", c.Terminal.MaxSessions)
	}
	return nil
}
