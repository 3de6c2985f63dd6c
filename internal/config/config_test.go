package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
machine_id: "m1"
state_dir: "./state"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scheduler.MaxConcurrentRuns != 3 {
		t.Fatalf("max_concurrent_runs default = %d", cfg.Scheduler.MaxConcurrentRuns)
	}
	if got := cfg.Scheduler.BackoffDurations(); len(got) != 5 || got[0] != 30*time.Second || got[4] != time.Hour {
		t.Fatalf("backoff ladder default = %v", got)
	}
	if cfg.Scheduler.SnapshotCap != 100 || cfg.History.Cap != 500 || cfg.Bridge.ReceiptCap != 500 {
		t.Fatalf("cap defaults wrong: %d/%d/%d", cfg.Scheduler.SnapshotCap, cfg.History.Cap, cfg.Bridge.ReceiptCap)
	}
	if cfg.CronSync.Interval.D() != 30*time.Second || cfg.CronSync.MaxBackoff.D() != time.Hour {
		t.Fatalf("cron_sync defaults wrong: %+v", cfg.CronSync)
	}
	if cfg.Bridge.PollInterval.D() != 5*time.Second || cfg.Bridge.RequestTimeout.D() != 3*time.Second {
		t.Fatalf("bridge defaults wrong: %+v", cfg.Bridge)
	}
	if cfg.Executor.MaxOutputBytes != 64*1024 {
		t.Fatalf("max_output_bytes default = %d", cfg.Executor.MaxOutputBytes)
	}
}

func TestLoadPartialSectionKeepsOtherDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
machine_id: "m1"
scheduler:
  max_concurrent_runs: 7
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrentRuns != 7 {
		t.Fatalf("explicit value lost: %d", cfg.Scheduler.MaxConcurrentRuns)
	}
	if cfg.Scheduler.DefaultTimeout.D() != 60*time.Second {
		t.Fatalf("sibling default lost: %s", cfg.Scheduler.DefaultTimeout.D())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
machine_id: "m1"
schedulr:
  max_concurrent_runs: 7
`))
	if err == nil {
		t.Fatal("typoed section accepted")
	}
}

func TestLoadRejectsBareIntegerDurations(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
machine_id: "m1"
scheduler:
  default_timeout: 60
`))
	if err == nil || !strings.Contains(err.Error(), "duration") {
		t.Fatalf("bare integer duration accepted: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		c := Default()
		c.MachineID = "m1"
		return c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative concurrency", func(c *Config) { c.Scheduler.MaxConcurrentRuns = -1 }},
		{"jitter above one", func(c *Config) { c.Scheduler.JitterFraction = 1.5 }},
		{"decreasing ladder", func(c *Config) {
			c.Scheduler.BackoffLadder = []Duration{Duration(time.Minute), Duration(time.Second)}
		}},
		{"unknown history driver", func(c *Config) { c.History.Driver = "etcd" }},
		{"cron sync without path", func(c *Config) { c.CronSync.Enabled = true }},
		{"bridge without machine id", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.BaseURL = "https://x"
			c.Executor.Program = "patze"
			c.MachineID = ""
		}},
		{"bridge ack path without command id", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.BaseURL = "https://x"
			c.Executor.Program = "patze"
			c.Bridge.AckPath = "/ack"
		}},
		{"bridge timeout not below poll interval", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.BaseURL = "https://x"
			c.Executor.Program = "patze"
			c.Bridge.RequestTimeout = c.Bridge.PollInterval
		}},
		{"bridge without program", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.BaseURL = "https://x"
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}

	t.Run("valid bridge config", func(t *testing.T) {
		t.Parallel()
		c := base()
		c.Bridge.Enabled = true
		c.Bridge.BaseURL = "https://control.example.com"
		c.Executor.Program = "patze"
		if err := c.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}
