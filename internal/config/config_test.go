package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default vault key active",
			check:  func(c *Config) bool { return c.VaultKeyActive == "v1" },
			expect: "v1",
		},
		{
			name:   "default token expiry buffer",
			check:  func(c *Config) bool { return c.TokenExpiryBuffer == 60*time.Minute },
			expect: "60m",
		},
		{
			name:   "default token max failures",
			check:  func(c *Config) bool { return c.TokenMaxFailures == 5 },
			expect: "5",
		},
		{
			name:   "default refresh cron expression",
			check:  func(c *Config) bool { return c.RefreshCronExpression == "*/30 * * * *" },
			expect: "*/30 * * * *",
		},
		{
			name:   "default job lease visibility timeout",
			check:  func(c *Config) bool { return c.JobLeaseVisibilityTimeout == 5*time.Minute },
			expect: "5m",
		},
		{
			name:   "default job retry base delay",
			check:  func(c *Config) bool { return c.JobRetryBaseDelay == 30*time.Second },
			expect: "30s",
		},
		{
			name:   "default cron tick interval",
			check:  func(c *Config) bool { return c.CronTickInterval == 15*time.Second },
			expect: "15s",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
