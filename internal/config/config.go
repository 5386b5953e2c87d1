// Package config loads the shared TOML configuration and hands each pipeline
// stage its runtime settings. Durations are written as integer seconds (days
// for report retention) so the file stays hand-editable.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/mailflow/internal/delivery"
	"github.com/busybox42/mailflow/internal/dkim"
	"github.com/busybox42/mailflow/internal/gateway"
	"github.com/busybox42/mailflow/internal/monitor"
	"github.com/busybox42/mailflow/internal/report"
	"github.com/busybox42/mailflow/internal/reputation"
	"github.com/busybox42/mailflow/internal/retry"
	"github.com/busybox42/mailflow/internal/store"
	"github.com/busybox42/mailflow/internal/unsub"
)

// Config represents the application configuration
type Config struct {
	Store store.Config `toml:"store"`

	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`

	Gateway struct {
		Listen            string `toml:"listen"`
		APIKeyFile        string `toml:"api_key_file"`
		IntakeQueue       string `toml:"intake_queue"`
		UnsubscribeSet    string `toml:"unsubscribe_set"`
		BlacklistSet      string `toml:"blacklist_set"`
		RateLimit         int64  `toml:"rate_limit"`
		RateWindowSeconds int    `toml:"rate_window_seconds"`
	} `toml:"gateway"`

	Template struct {
		CacheType       string `toml:"cache_type"`
		CacheHost       string `toml:"cache_host"`
		CachePort       int    `toml:"cache_port"`
		CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	} `toml:"template"`

	Filter struct {
		SeedFile string `toml:"seed_file"`
	} `toml:"filter"`

	Delivery struct {
		EndpointFile     string `toml:"endpoint_file"`
		SecretsDir       string `toml:"secrets_dir"`
		HeloName         string `toml:"helo_name"`
		SenderLimit      int64  `toml:"sender_limit"`
		SenderWindowSecs int    `toml:"sender_window_seconds"`
	} `toml:"delivery"`

	DKIM dkim.Config `toml:"dkim"`

	Retry struct {
		MaxRetries       int `toml:"max_retries"`
		BaseDelaySeconds int `toml:"base_delay_seconds"`
		MaxDelaySeconds  int `toml:"max_delay_seconds"`
	} `toml:"retry"`

	Reputation struct {
		WatchFile       string   `toml:"watch_file"`
		Zones           []string `toml:"zones"`
		IntervalSeconds int      `toml:"interval_seconds"`
		CacheTTLSeconds int      `toml:"cache_ttl_seconds"`
		CooldownSeconds int      `toml:"cooldown_seconds"`
		AlertHost       string   `toml:"alert_host"`
		AlertPort       int      `toml:"alert_port"`
		AlertFrom       string   `toml:"alert_from"`
		AlertTo         string   `toml:"alert_to"`
	} `toml:"reputation"`

	Monitor struct {
		Listen          string `toml:"listen"`
		IntervalSeconds int    `toml:"interval_seconds"`
		HighWatermark   int64  `toml:"high_watermark"`
	} `toml:"monitor"`

	Report struct {
		Dir             string   `toml:"dir"`
		Queues          []string `toml:"queues"`
		IntervalSeconds int      `toml:"interval_seconds"`
		MaxAgeDays      int      `toml:"max_age_days"`
	} `toml:"report"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Store = store.Config{Type: "redis", Host: "localhost", Port: 6379}

	cfg.Logging.Level = "info"

	gw := gateway.DefaultConfig()
	cfg.Gateway.Listen = ":8080"
	cfg.Gateway.IntakeQueue = gw.IntakeQueue
	cfg.Gateway.UnsubscribeSet = gw.UnsubscribeSet
	cfg.Gateway.BlacklistSet = gw.BlacklistSet
	cfg.Gateway.RateLimit = gw.RateLimit
	cfg.Gateway.RateWindowSeconds = int(gw.RateWindow / time.Second)

	cfg.Template.CacheType = "memory"
	cfg.Template.CacheTTLSeconds = 300

	dl := delivery.DefaultConfig()
	cfg.Delivery.EndpointFile = "smtp_rotation.json"
	cfg.Delivery.SecretsDir = "/run/secrets"
	cfg.Delivery.SenderLimit = dl.SenderLimit
	cfg.Delivery.SenderWindowSecs = int(dl.SenderWindow / time.Second)

	rt := retry.DefaultConfig()
	cfg.Retry.MaxRetries = rt.MaxRetries
	cfg.Retry.BaseDelaySeconds = int(rt.BaseDelay / time.Second)
	cfg.Retry.MaxDelaySeconds = int(rt.MaxDelay / time.Second)

	rp := reputation.DefaultConfig()
	cfg.Reputation.WatchFile = "blacklist.txt"
	cfg.Reputation.Zones = rp.Zones
	cfg.Reputation.IntervalSeconds = int(rp.CheckInterval / time.Second)
	cfg.Reputation.CacheTTLSeconds = int(rp.CacheTTL / time.Second)
	cfg.Reputation.CooldownSeconds = int(rp.AlertCooldown / time.Second)
	cfg.Reputation.AlertPort = rp.Alert.Port
	cfg.Reputation.AlertFrom = rp.Alert.From
	cfg.Reputation.AlertTo = rp.Alert.To

	mn := monitor.DefaultConfig()
	cfg.Monitor.Listen = mn.ListenAddr
	cfg.Monitor.IntervalSeconds = int(mn.SampleEvery / time.Second)
	cfg.Monitor.HighWatermark = mn.HighWatermark

	rep := report.DefaultConfig()
	cfg.Report.Dir = rep.Dir
	cfg.Report.Queues = rep.Queues
	cfg.Report.IntervalSeconds = int(rep.Interval / time.Second)
	cfg.Report.MaxAgeDays = 30

	return cfg
}

// FindConfigFile locates the configuration file. An explicit path wins;
// otherwise the conventional locations are probed in order.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	if env := os.Getenv("MAILFLOW_CONFIG"); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env, nil
		}
		return "", fmt.Errorf("config file not found at $MAILFLOW_CONFIG: %s", env)
	}

	locations := []string{
		"./mailflow.toml",
		"./config/mailflow.toml",
		os.ExpandEnv("$HOME/.mailflow.toml"),
		"/etc/mailflow/mailflow.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file. A missing file is not an
// error: every stage runs on defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		slog.Info("No config file found, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	slog.Info("Configuration loaded", "file", configFile)
	return cfg, nil
}

// Validate checks for values no stage could run with.
func (c *Config) Validate() error {
	if c.Store.Type != "redis" && c.Store.Type != "memory" && c.Store.Type != "" {
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway rate_limit must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}
	if c.Retry.BaseDelaySeconds <= 0 || c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay_seconds <= max_delay_seconds")
	}
	if c.Monitor.IntervalSeconds <= 0 || c.Reputation.IntervalSeconds <= 0 {
		return fmt.Errorf("sampling intervals must be positive")
	}
	return nil
}

// JWTSecret reads the bearer-token secret from the environment. It never
// lives in the config file.
func (c *Config) JWTSecret() string {
	return os.Getenv("MAILFLOW_JWT_SECRET")
}

// GatewayConfig returns the admission stage settings.
func (c *Config) GatewayConfig() gateway.Config {
	gw := gateway.DefaultConfig()
	if c.Gateway.IntakeQueue != "" {
		gw.IntakeQueue = c.Gateway.IntakeQueue
	}
	if c.Gateway.UnsubscribeSet != "" {
		gw.UnsubscribeSet = c.Gateway.UnsubscribeSet
	}
	if c.Gateway.BlacklistSet != "" {
		gw.BlacklistSet = c.Gateway.BlacklistSet
	}
	if c.Gateway.RateLimit > 0 {
		gw.RateLimit = c.Gateway.RateLimit
	}
	if c.Gateway.RateWindowSeconds > 0 {
		gw.RateWindow = time.Duration(c.Gateway.RateWindowSeconds) * time.Second
	}
	return gw
}

// FilterConfig returns the unsubscribe stage settings.
func (c *Config) FilterConfig() unsub.Config {
	fc := unsub.DefaultConfig()
	fc.SeedFile = c.Filter.SeedFile
	if c.Gateway.IntakeQueue != "" {
		fc.IntakeQueue = c.Gateway.IntakeQueue
	}
	if c.Gateway.UnsubscribeSet != "" {
		fc.UnsubscribeSet = c.Gateway.UnsubscribeSet
	}
	return fc
}

// DeliveryConfig returns the delivery stage settings.
func (c *Config) DeliveryConfig() delivery.Config {
	dc := delivery.DefaultConfig()
	if c.Gateway.BlacklistSet != "" {
		dc.BlacklistSet = c.Gateway.BlacklistSet
	}
	if c.Delivery.SenderLimit > 0 {
		dc.SenderLimit = c.Delivery.SenderLimit
	}
	if c.Delivery.SenderWindowSecs > 0 {
		dc.SenderWindow = time.Duration(c.Delivery.SenderWindowSecs) * time.Second
	}
	return dc
}

// RetryConfig returns the retry stage settings.
func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	if c.Retry.MaxRetries > 0 {
		rc.MaxRetries = c.Retry.MaxRetries
	}
	if c.Retry.BaseDelaySeconds > 0 {
		rc.BaseDelay = time.Duration(c.Retry.BaseDelaySeconds) * time.Second
	}
	if c.Retry.MaxDelaySeconds > 0 {
		rc.MaxDelay = time.Duration(c.Retry.MaxDelaySeconds) * time.Second
	}
	return rc
}

// ReputationConfig returns the reputation monitor settings.
func (c *Config) ReputationConfig() reputation.Config {
	rc := reputation.DefaultConfig()
	rc.WatchFile = c.Reputation.WatchFile
	if len(c.Reputation.Zones) > 0 {
		rc.Zones = c.Reputation.Zones
	}
	if c.Gateway.BlacklistSet != "" {
		rc.BlacklistSet = c.Gateway.BlacklistSet
	}
	if c.Reputation.IntervalSeconds > 0 {
		rc.CheckInterval = time.Duration(c.Reputation.IntervalSeconds) * time.Second
	}
	if c.Reputation.CacheTTLSeconds > 0 {
		rc.CacheTTL = time.Duration(c.Reputation.CacheTTLSeconds) * time.Second
	}
	if c.Reputation.CooldownSeconds > 0 {
		rc.AlertCooldown = time.Duration(c.Reputation.CooldownSeconds) * time.Second
	}
	rc.Alert.Host = c.Reputation.AlertHost
	if c.Reputation.AlertPort > 0 {
		rc.Alert.Port = c.Reputation.AlertPort
	}
	if c.Reputation.AlertFrom != "" {
		rc.Alert.From = c.Reputation.AlertFrom
	}
	if c.Reputation.AlertTo != "" {
		rc.Alert.To = c.Reputation.AlertTo
	}
	return rc
}

// MonitorConfig returns the queue depth sampler settings.
func (c *Config) MonitorConfig() monitor.Config {
	mc := monitor.DefaultConfig()
	if c.Gateway.IntakeQueue != "" {
		mc.Queue = c.Gateway.IntakeQueue
	}
	if c.Monitor.Listen != "" {
		mc.ListenAddr = c.Monitor.Listen
	}
	if c.Monitor.IntervalSeconds > 0 {
		mc.SampleEvery = time.Duration(c.Monitor.IntervalSeconds) * time.Second
	}
	if c.Monitor.HighWatermark > 0 {
		mc.HighWatermark = c.Monitor.HighWatermark
	}
	return mc
}

// ReportConfig returns the report exporter settings.
func (c *Config) ReportConfig() report.Config {
	rc := report.DefaultConfig()
	if c.Report.Dir != "" {
		rc.Dir = c.Report.Dir
	}
	if len(c.Report.Queues) > 0 {
		rc.Queues = c.Report.Queues
	}
	if c.Report.IntervalSeconds > 0 {
		rc.Interval = time.Duration(c.Report.IntervalSeconds) * time.Second
	}
	if c.Report.MaxAgeDays > 0 {
		rc.MaxAge = time.Duration(c.Report.MaxAgeDays) * 24 * time.Hour
	}
	return rc
}

// TemplateCacheTTL returns the template read-through cache TTL.
func (c *Config) TemplateCacheTTL() time.Duration {
	if c.Template.CacheTTLSeconds > 0 {
		return time.Duration(c.Template.CacheTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// CreateDefaultConfig writes a commented starter configuration.
func CreateDefaultConfig(configPath string) error {
	content := `# Mailflow pipeline configuration

[store]
type = "redis"
host = "localhost"
port = 6379
# password = ""
database = 0

[logging]
level = "info"
# file = "/var/log/mailflow/mailflow.log"

[gateway]
listen = ":8080"
# api_key_file = "/etc/mailflow/api_keys"
intake_queue = "email_jobs"
unsubscribe_set = "unsubscribed_emails"
blacklist_set = "blacklisted_ips"
rate_limit = 100
rate_window_seconds = 3600

[template]
cache_type = "memory"   # memory, redis, memcached
# cache_host = "localhost"
# cache_port = 11211
cache_ttl_seconds = 300

[filter]
# seed_file = "/etc/mailflow/unsub_list.json"

[delivery]
endpoint_file = "smtp_rotation.json"
secrets_dir = "/run/secrets"
# helo_name = "mail.example.com"
sender_limit = 100
sender_window_seconds = 3600

# [dkim]
# domain = "example.com"
# selector = "mail"
# key_path = "/etc/mailflow/keys/example.com.mail.private"

[retry]
max_retries = 3
base_delay_seconds = 2
max_delay_seconds = 60

[reputation]
watch_file = "blacklist.txt"
zones = ["zen.spamhaus.org", "dnsbl.sorbs.net"]
interval_seconds = 60
cache_ttl_seconds = 3600
cooldown_seconds = 3600
# alert_host = "smtp1"
alert_port = 25
alert_from = "alert@example.com"
alert_to = "admin@example.com"

[monitor]
listen = ":8000"
interval_seconds = 10
high_watermark = 1000

[report]
dir = "reports"
queues = ["delivered", "bounced", "permanent_failed"]
interval_seconds = 86400
max_age_days = 30
`
	return os.WriteFile(configPath, []byte(content), 0o644)
}
