package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "localhost", cfg.Store.Host)
	assert.Equal(t, 6379, cfg.Store.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, ":8080", cfg.Gateway.Listen)
	assert.Equal(t, "email_jobs", cfg.Gateway.IntakeQueue)
	assert.Equal(t, "unsubscribed_emails", cfg.Gateway.UnsubscribeSet)
	assert.Equal(t, "blacklisted_ips", cfg.Gateway.BlacklistSet)
	assert.Equal(t, int64(100), cfg.Gateway.RateLimit)
	assert.Equal(t, 3600, cfg.Gateway.RateWindowSeconds)

	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2, cfg.Retry.BaseDelaySeconds)
	assert.Equal(t, 60, cfg.Retry.MaxDelaySeconds)

	assert.Equal(t, []string{"zen.spamhaus.org", "dnsbl.sorbs.net"}, cfg.Reputation.Zones)
	assert.Equal(t, 30, cfg.Report.MaxAgeDays)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
[store]
type = "memory"

[gateway]
intake_queue = "intake"
rate_limit = 5
rate_window_seconds = 60

[retry]
max_retries = 5
base_delay_seconds = 1
max_delay_seconds = 30

[reputation]
zones = ["bl.example.org"]
cooldown_seconds = 120

[monitor]
interval_seconds = 2
high_watermark = 50

[report]
max_age_days = 7
`
	path := filepath.Join(t.TempDir(), "mailflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Store.Type)

	gw := cfg.GatewayConfig()
	assert.Equal(t, "intake", gw.IntakeQueue)
	assert.Equal(t, int64(5), gw.RateLimit)
	assert.Equal(t, time.Minute, gw.RateWindow)
	assert.Equal(t, "unsubscribed_emails", gw.UnsubscribeSet)

	fc := cfg.FilterConfig()
	assert.Equal(t, "intake", fc.IntakeQueue)

	rc := cfg.RetryConfig()
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.BaseDelay)
	assert.Equal(t, 30*time.Second, rc.MaxDelay)

	rp := cfg.ReputationConfig()
	assert.Equal(t, []string{"bl.example.org"}, rp.Zones)
	assert.Equal(t, 2*time.Minute, rp.AlertCooldown)

	mc := cfg.MonitorConfig()
	assert.Equal(t, "intake", mc.Queue)
	assert.Equal(t, 2*time.Second, mc.SampleEvery)
	assert.Equal(t, int64(50), mc.HighWatermark)

	rep := cfg.ReportConfig()
	assert.Equal(t, 7*24*time.Hour, rep.MaxAge)
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailflow.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not toml = ["), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad store type",
			mutate:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: "unsupported store type",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Gateway.RateLimit = -1 },
			wantErr: "rate_limit",
		},
		{
			name:    "inverted retry delays",
			mutate:  func(c *Config) { c.Retry.BaseDelaySeconds = 90 },
			wantErr: "base_delay_seconds",
		},
		{
			name:    "zero sampling interval",
			mutate:  func(c *Config) { c.Monitor.IntervalSeconds = 0 },
			wantErr: "sampling intervals",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindConfigFileExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	found, err := FindConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = FindConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestCreateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailflow.toml")
	require.NoError(t, CreateDefaultConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "email_jobs", cfg.Gateway.IntakeQueue)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}
