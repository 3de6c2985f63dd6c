// Package config loads and validates the agent configuration file.
//
// The file is YAML, decoded strictly: unknown keys are an error so typos
// surface at startup instead of silently falling back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	MachineID string `yaml:"machine_id"`
	StateDir  string `yaml:"state_dir"`

	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	History   HistoryConfig   `yaml:"history"`
	CronSync  CronSyncConfig  `yaml:"cron_sync"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Pprof     PprofConfig     `yaml:"pprof"`
}

type PprofConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

type SchedulerConfig struct {
	MaxConcurrentRuns int        `yaml:"max_concurrent_runs"`
	DefaultTimeout    Duration   `yaml:"default_timeout"`
	RearmHorizon      Duration   `yaml:"rearm_horizon"`
	JitterFraction    float64    `yaml:"jitter_fraction"`
	BackoffLadder     []Duration `yaml:"backoff_ladder"`
	SnapshotCap       int        `yaml:"snapshot_cap"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"` // "file" or "sqlite"
	Path   string `yaml:"path"`
	Cap    int    `yaml:"cap"`
}

type CronSyncConfig struct {
	Enabled    bool     `yaml:"enabled"`
	JobsPath   string   `yaml:"jobs_path"`
	Interval   Duration `yaml:"interval"`
	MaxBackoff Duration `yaml:"max_backoff"`
	Watch      bool     `yaml:"watch"`
}

type BridgeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	BaseURL        string   `yaml:"base_url"`
	PollPath       string   `yaml:"poll_path"`
	AckPath        string   `yaml:"ack_path"`    // contains {commandId}
	ResultPath     string   `yaml:"result_path"` // contains {commandId}
	Token          string   `yaml:"token"`
	PollInterval   Duration `yaml:"poll_interval"`
	LeaseTTL       Duration `yaml:"lease_ttl"`
	RequestTimeout Duration `yaml:"request_timeout"`
	ReceiptCap     int      `yaml:"receipt_cap"`
}

type ExecutorConfig struct {
	Program        string   `yaml:"program"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	DefaultTimeout Duration `yaml:"default_timeout"`
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every knob at its documented default.
func Default() *Config {
	cfg := &Config{
		StateDir: "./state",
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentRuns: 3,
			DefaultTimeout:    Duration(60 * time.Second),
			RearmHorizon:      Duration(60 * time.Second),
			JitterFraction:    0.1,
			BackoffLadder: []Duration{
				Duration(30 * time.Second),
				Duration(time.Minute),
				Duration(5 * time.Minute),
				Duration(15 * time.Minute),
				Duration(time.Hour),
			},
			SnapshotCap: 100,
		},
		History: HistoryConfig{
			Driver: "file",
			Cap:    500,
		},
		CronSync: CronSyncConfig{
			Interval:   Duration(30 * time.Second),
			MaxBackoff: Duration(time.Hour),
			Watch:      true,
		},
		Bridge: BridgeConfig{
			PollPath:       "/api/bridge/commands/poll",
			AckPath:        "/api/bridge/commands/{commandId}/ack",
			ResultPath:     "/api/bridge/commands/{commandId}/result",
			PollInterval:   Duration(5 * time.Second),
			LeaseTTL:       Duration(30 * time.Second),
			RequestTimeout: Duration(3 * time.Second),
			ReceiptCap:     500,
		},
		Executor: ExecutorConfig{
			MaxOutputBytes: 64 * 1024,
			DefaultTimeout: Duration(60 * time.Second),
		},
	}
	return cfg
}

// applyDefaults fills zero values that strict decoding may have left behind
// when a section is present but partially specified.
func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = def.StateDir
	}
	if c.Scheduler.MaxConcurrentRuns == 0 {
		c.Scheduler.MaxConcurrentRuns = def.Scheduler.MaxConcurrentRuns
	}
	if c.Scheduler.DefaultTimeout == 0 {
		c.Scheduler.DefaultTimeout = def.Scheduler.DefaultTimeout
	}
	if c.Scheduler.RearmHorizon == 0 {
		c.Scheduler.RearmHorizon = def.Scheduler.RearmHorizon
	}
	if c.Scheduler.JitterFraction == 0 {
		c.Scheduler.JitterFraction = def.Scheduler.JitterFraction
	}
	if len(c.Scheduler.BackoffLadder) == 0 {
		c.Scheduler.BackoffLadder = def.Scheduler.BackoffLadder
	}
	if c.Scheduler.SnapshotCap == 0 {
		c.Scheduler.SnapshotCap = def.Scheduler.SnapshotCap
	}
	if strings.TrimSpace(c.History.Driver) == "" {
		c.History.Driver = def.History.Driver
	}
	if c.History.Cap == 0 {
		c.History.Cap = def.History.Cap
	}
	if c.CronSync.Interval == 0 {
		c.CronSync.Interval = def.CronSync.Interval
	}
	if c.CronSync.MaxBackoff == 0 {
		c.CronSync.MaxBackoff = def.CronSync.MaxBackoff
	}
	if strings.TrimSpace(c.Bridge.PollPath) == "" {
		c.Bridge.PollPath = def.Bridge.PollPath
	}
	if strings.TrimSpace(c.Bridge.AckPath) == "" {
		c.Bridge.AckPath = def.Bridge.AckPath
	}
	if strings.TrimSpace(c.Bridge.ResultPath) == "" {
		c.Bridge.ResultPath = def.Bridge.ResultPath
	}
	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = def.Bridge.PollInterval
	}
	if c.Bridge.LeaseTTL == 0 {
		c.Bridge.LeaseTTL = def.Bridge.LeaseTTL
	}
	if c.Bridge.RequestTimeout == 0 {
		c.Bridge.RequestTimeout = def.Bridge.RequestTimeout
	}
	if c.Bridge.ReceiptCap == 0 {
		c.Bridge.ReceiptCap = def.Bridge.ReceiptCap
	}
	if c.Executor.MaxOutputBytes == 0 {
		c.Executor.MaxOutputBytes = def.Executor.MaxOutputBytes
	}
	if c.Executor.DefaultTimeout == 0 {
		c.Executor.DefaultTimeout = def.Executor.DefaultTimeout
	}
}

// Validate rejects configurations that would misbehave at runtime.
// Validation errors are the only fatal errors in this subsystem.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentRuns < 1 {
		return errors.New("scheduler.max_concurrent_runs must be >= 1")
	}
	if c.Scheduler.JitterFraction < 0 || c.Scheduler.JitterFraction > 1 {
		return errors.New("scheduler.jitter_fraction must be within [0, 1]")
	}
	for i, step := range c.Scheduler.BackoffLadder {
		if step <= 0 {
			return fmt.Errorf("scheduler.backoff_ladder[%d] must be > 0", i)
		}
		if i > 0 && step < c.Scheduler.BackoffLadder[i-1] {
			return fmt.Errorf("scheduler.backoff_ladder[%d] must not decrease", i)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("history.driver %q is not supported (file, sqlite)", c.History.Driver)
	}
	if c.CronSync.Enabled && strings.TrimSpace(c.CronSync.JobsPath) == "" {
		return errors.New("cron_sync.jobs_path is required when cron_sync is enabled")
	}
	if c.Bridge.Enabled {
		if strings.TrimSpace(c.MachineID) == "" {
			return errors.New("machine_id is required when bridge is enabled")
		}
		if _, err := url.Parse(c.Bridge.BaseURL); err != nil || strings.TrimSpace(c.Bridge.BaseURL) == "" {
			return fmt.Errorf("bridge.base_url %q is not a valid URL", c.Bridge.BaseURL)
		}
		if !strings.Contains(c.Bridge.AckPath, "{commandId}") {
			return errors.New("bridge.ack_path must contain {commandId}")
		}
		if !strings.Contains(c.Bridge.ResultPath, "{commandId}") {
			return errors.New("bridge.result_path must contain {commandId}")
		}
		if c.Bridge.RequestTimeout.D() >= c.Bridge.PollInterval.D() {
			return errors.New("bridge.request_timeout must be shorter than bridge.poll_interval")
		}
		if strings.TrimSpace(c.Executor.Program) == "" {
			return errors.New("executor.program is required when bridge is enabled")
		}
	}
	return nil
}

// BackoffDurations converts the configured ladder into time.Durations.
func (c SchedulerConfig) BackoffDurations() []time.Duration {
	out := make([]time.Duration, len(c.BackoffLadder))
	for i, d := range c.BackoffLadder {
		out[i] = d.D()
	}
	return out
}
