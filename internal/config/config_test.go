package config

import (
	"os"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	saved := make(map[string]string, len(envs))
	for k, v := range envs {
		saved[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
	return func() {
		for k, v := range saved {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"USER_ID":     "u-1",
		"CLINIC_ID":   "c-1",
		"BACKEND_URL": "https://api.example.test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != "127.0.0.1:8454" {
			t.Errorf("HTTPAddr = %q, want 127.0.0.1:8454", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.CheckpointInterval != 10*time.Minute {
			t.Errorf("CheckpointInterval = %v, want 10m", cfg.CheckpointInterval)
		}
		if cfg.PollInterval != 2*time.Second {
			t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
		}
		if cfg.PollMaxAttempts != 120 {
			t.Errorf("PollMaxAttempts = %d, want 120", cfg.PollMaxAttempts)
		}
		if cfg.MQTTClientID != "capture-agent" {
			t.Errorf("MQTTClientID = %q, want capture-agent", cfg.MQTTClientID)
		}
		if cfg.RateLimitRPS != 50 || cfg.RateLimitBurst != 100 {
			t.Errorf("rate limit defaults = %v/%d, want 50/100", cfg.RateLimitRPS, cfg.RateLimitBurst)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true with no bucket configured")
		}
		if cfg.TranscriptionURL != "" {
			t.Errorf("TranscriptionURL = %q, want empty (not configured)", cfg.TranscriptionURL)
		}
	})

	t.Run("retry_delays_parsed", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		delays, err := cfg.ParsedStartRetryDelays()
		if err != nil {
			t.Fatalf("ParsedStartRetryDelays: %v", err)
		}
		want := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
		if len(delays) != len(want) {
			t.Fatalf("len(delays) = %d, want %d", len(delays), len(want))
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
			}
		}
	})

	t.Run("invalid_retry_delays_rejected", func(t *testing.T) {
		restore := setEnvs(t, map[string]string{"TRANSCRIPTION_START_RETRY_DELAYS": "5s,bogus"})
		defer restore()
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error for unparseable retry delay")
		}
	})

	t.Run("overrides_win", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:  "nonexistent.env",
			HTTPAddr: ":9000",
			LogLevel: "debug",
			StateDir: "/tmp/agent-state",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9000" {
			t.Errorf("HTTPAddr = %q, want :9000", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.StateDir != "/tmp/agent-state" {
			t.Errorf("StateDir = %q, want /tmp/agent-state", cfg.StateDir)
		}
	})

	t.Run("missing_required_fails", func(t *testing.T) {
		restore := setEnvs(t, map[string]string{"USER_ID": ""})
		os.Unsetenv("USER_ID")
		defer restore()
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error when USER_ID is missing")
		}
	})
}
