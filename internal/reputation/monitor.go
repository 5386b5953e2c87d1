// Package reputation watches the sending IP roster against DNS blacklists
// and keeps the shared blacklist set current so delivery routes around
// listed endpoints. Listings additionally page an operator over SMTP.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/smtpclient"
	"github.com/busybox42/mailflow/internal/store"
)

// Resolver is the DNS lookup dependency. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// AlertConfig is the operator notification target.
type AlertConfig struct {
	Host string
	Port int
	From string
	To   string
}

// Config holds the monitor tunables.
type Config struct {
	WatchFile     string
	Zones         []string
	BlacklistSet  string
	CheckInterval time.Duration
	CacheTTL      time.Duration
	AlertCooldown time.Duration
	Alert         AlertConfig
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Zones:         []string{"zen.spamhaus.org", "dnsbl.sorbs.net"},
		BlacklistSet:  "blacklisted_ips",
		CheckInterval: time.Minute,
		CacheTTL:      time.Hour,
		AlertCooldown: time.Hour,
		Alert: AlertConfig{
			Port: 25,
			From: "alert@mailflow.local",
			To:   "admin@mailflow.local",
		},
	}
}

// Monitor polls the watched IPs against the configured DNSBL zones.
type Monitor struct {
	config    Config
	store     store.Store
	resolver  Resolver
	sender    smtpclient.Sender
	metrics   *metrics.Recorder
	logger    *slog.Logger
	lastAlert map[string]time.Time
	now       func() time.Time
}

// NewMonitor creates a reputation monitor. sender may be nil to disable
// alerting; resolver defaults to net.DefaultResolver.
func NewMonitor(config Config, st store.Store, resolver Resolver, sender smtpclient.Sender) *Monitor {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Monitor{
		config:    config,
		store:     st,
		resolver:  resolver,
		sender:    sender,
		metrics:   metrics.NewRecorder(st, "ip_reputation"),
		logger:    slog.Default().With("component", "reputation"),
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is canceled. The roster is
// reloaded every cycle so edits take effect without a restart.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("IP reputation monitoring started",
		"zones", m.config.Zones,
		"interval", m.config.CheckInterval)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		ips := m.LoadIPs(m.config.WatchFile)
		if len(ips) == 0 {
			m.logger.Warn("No valid IPs loaded", "file", m.config.WatchFile)
		} else {
			m.Sweep(ctx, ips)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoadIPs reads the watched roster, one IPv4 address per line. Invalid lines
// are dropped with a log; an unreadable file yields an empty roster.
func (m *Monitor) LoadIPs(file string) []string {
	data, err := os.ReadFile(file)
	if err != nil {
		m.logger.Error("Failed to load watch file", "file", file, "error", err)
		return nil
	}

	var ips []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil || !addr.Unmap().Is4() {
			m.logger.Error("Invalid IPv4 address in watch file", "file", file, "value", line)
			continue
		}
		ips = append(ips, addr.Unmap().String())
	}
	return ips
}

// Sweep checks every watched IP once and reconciles the blacklist set.
func (m *Monitor) Sweep(ctx context.Context, ips []string) {
	for _, ip := range ips {
		results, err := m.Check(ctx, ip)
		if err != nil {
			m.logger.Error("Error processing IP", "ip", ip, "error", err)
			m.metrics.Incr(ctx, "unexpected_errors")
			continue
		}

		listed := false
		for _, addrs := range results {
			if len(addrs) > 0 {
				listed = true
				break
			}
		}

		if listed {
			if err := m.store.SetAdd(ctx, m.config.BlacklistSet, ip); err != nil {
				m.logger.Error("Failed to blacklist IP", "ip", ip, "error", err)
				continue
			}
			m.metrics.Incr(ctx, "blacklisted")
			m.maybeAlert(ctx, ip, results)
		} else {
			if err := m.store.SetRemove(ctx, m.config.BlacklistSet, ip); err != nil {
				m.logger.Error("Failed to clear IP from blacklist", "ip", ip, "error", err)
			}
		}
	}
}

// Check queries every zone for one IP, through a cached result when one is
// fresh. A DNS failure reads as "not listed" for that zone: the monitor
// fails open so a resolver outage cannot blacklist the whole fleet.
func (m *Monitor) Check(ctx context.Context, ip string) (map[string][]string, error) {
	cacheKey := "blacklist_cache:" + ip
	if cached, err := m.store.Get(ctx, cacheKey); err == nil {
		var results map[string][]string
		if err := json.Unmarshal([]byte(cached), &results); err == nil {
			m.logger.Debug("Cache hit", "ip", ip)
			return results, nil
		}
	} else if err != store.ErrNotFound {
		return nil, err
	}

	results := make(map[string][]string, len(m.config.Zones))
	for _, zone := range m.config.Zones {
		query := reverseOctets(ip) + "." + zone
		addrs, err := m.resolver.LookupHost(ctx, query)
		if err != nil {
			if isNotFound(err) {
				results[zone] = []string{}
				m.logger.Debug("IP not listed", "ip", ip, "zone", zone)
			} else {
				results[zone] = []string{}
				m.logger.Error("DNSBL lookup failed", "ip", ip, "zone", zone, "error", err)
				m.metrics.Incr(ctx, "dns_errors")
			}
			continue
		}
		sort.Strings(addrs)
		results[zone] = addrs
		m.logger.Warn("IP listed in blacklist", "ip", ip, "zone", zone, "codes", addrs)
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetWithTTL(ctx, cacheKey, string(encoded), m.config.CacheTTL); err != nil {
		return nil, err
	}
	return results, nil
}

// maybeAlert notifies the operator about a listing unless the IP alerted
// within the cooldown window. Cooldown state is per process.
func (m *Monitor) maybeAlert(ctx context.Context, ip string, results map[string][]string) {
	if m.sender == nil {
		return
	}
	if last, ok := m.lastAlert[ip]; ok && m.now().Sub(last) <= m.config.AlertCooldown {
		return
	}

	message := alertMessage(ip, results, m.config.Alert.From, m.config.Alert.To)
	err := m.sender.Send(ctx, m.config.Alert.Host, m.config.Alert.Port, nil,
		m.config.Alert.From, []string{m.config.Alert.To}, message)
	if err != nil {
		m.logger.Error("Failed to send alert", "ip", ip, "error", err)
		m.metrics.Incr(ctx, "alerts_failed")
		return
	}

	m.lastAlert[ip] = m.now()
	m.logger.Info("Alert sent", "ip", ip, "to", m.config.Alert.To)
	m.metrics.Incr(ctx, "alerts_sent")
}

func alertMessage(ip string, results map[string][]string, from, to string) []byte {
	var zones []string
	for zone := range results {
		zones = append(zones, zone)
	}
	sort.Strings(zones)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: [Alert] IP Blacklisted - %s\r\n", ip)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "IP %s is listed in the following blacklists:\r\n", ip)
	for _, zone := range zones {
		if len(results[zone]) > 0 {
			fmt.Fprintf(&b, "- %s: %s\r\n", zone, strings.Join(results[zone], ", "))
		}
	}
	b.WriteString("Immediate action recommended.\r\n")
	return []byte(b.String())
}

// reverseOctets turns "192.0.2.1" into "1.2.0.192" for a DNSBL query.
func reverseOctets(ip string) string {
	octets := strings.Split(ip, ".")
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	return strings.Join(octets, ".")
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
