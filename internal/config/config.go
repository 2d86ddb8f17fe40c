package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mensfeld/dnsguard/internal/logging"
)

// maxLogPrefixLen is the iptables limit on --log-prefix.
const maxLogPrefixLen = 29

// Config represents the complete configuration
type Config struct {
	Paths      PathsConfig      `toml:"paths"`
	Network    NetworkConfig    `toml:"network"`
	DNS        DNSConfig        `toml:"dns"`
	Detection  DetectionConfig  `toml:"detection"`
	OpenSnitch OpenSnitchConfig `toml:"opensnitch"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
}

// PathsConfig contains file locations. Relative list, checkpoint and audit
// paths are resolved against DataDir.
type PathsConfig struct {
	DataDir    string `toml:"data_dir"`
	Blacklist  string `toml:"blacklist"`
	Whitelist  string `toml:"whitelist"`
	MonitorLog string `toml:"monitor_log"`
	Checkpoint string `toml:"checkpoint"`
	AuditLog   string `toml:"audit_log"`
}

// NetworkConfig describes the monitored container network and firewall.
type NetworkConfig struct {
	Subnet      string `toml:"subnet"`
	Chain       string `toml:"chain"`
	LogPrefix   string `toml:"log_prefix"`
	ServerPorts []int  `toml:"server_ports"`
	Backend     string `toml:"backend"` // "libnetwork" or "exec"
}

// DNSConfig describes the resolver whose log feeds the DNS cache.
type DNSConfig struct {
	ResolverContainer string   `toml:"resolver_container"`
	ResolverTTY       bool     `toml:"resolver_tty"`
	BootstrapWindow   Duration `toml:"bootstrap_window"`
	Retention         Duration `toml:"retention"` // 0 keeps everything
}

// DetectionConfig contains detector and worker tunables.
type DetectionConfig struct {
	Blocking           bool     `toml:"blocking"`
	Persist            bool     `toml:"persist"`
	DedupWindow        Duration `toml:"dedup_window"`
	QueueSize          int      `toml:"queue_size"`
	RefreshInterval    Duration `toml:"refresh_interval"`
	ListPollInterval   Duration `toml:"list_poll_interval"`
	SummaryInterval    Duration `toml:"summary_interval"`
	CheckpointInterval Duration `toml:"checkpoint_interval"`
	ShutdownGrace      Duration `toml:"shutdown_grace"`
}

// OpenSnitchConfig controls the optional deny-database integration.
type OpenSnitchConfig struct {
	Enabled      bool     `toml:"enabled"`
	DBPath       string   `toml:"db_path"`
	Rule         string   `toml:"rule"`
	PollInterval Duration `toml:"poll_interval"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig contains log settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "90s" or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// GetDefaultConfig returns the default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:    "/var/lib/dnsguard",
			Blacklist:  "blacklist.txt",
			Whitelist:  "whitelist.txt",
			MonitorLog: "/var/log/dnsguard/monitor.log",
			Checkpoint: "checkpoint",
			AuditLog:   "reports.jsonl",
		},
		Network: NetworkConfig{
			Subnet:      "172.30.0.0/16",
			Chain:       "DOCKER-USER",
			LogPrefix:   "DNSGUARD-CONN: ",
			ServerPorts: []int{22, 53, 80, 443, 3000, 3306, 5432, 6379, 8000, 8080, 8443, 9000},
			Backend:     "libnetwork",
		},
		DNS: DNSConfig{
			ResolverContainer: "dns-honeypot",
			BootstrapWindow:   Duration{time.Hour},
		},
		Detection: DetectionConfig{
			Blocking:           false,
			Persist:            true,
			DedupWindow:        Duration{60 * time.Second},
			QueueSize:          1000,
			RefreshInterval:    Duration{5 * time.Minute},
			ListPollInterval:   Duration{10 * time.Second},
			SummaryInterval:    Duration{time.Hour},
			CheckpointInterval: Duration{30 * time.Second},
			ShutdownGrace:      Duration{5 * time.Second},
		},
		OpenSnitch: OpenSnitchConfig{
			Enabled:      false,
			DBPath:       "/var/lib/opensnitch/opensnitch.sqlite3",
			Rule:         "deny-reverse-dns",
			PollInterval: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// GetConfigPaths returns the list of config file paths to check (in order)
// If DNSGUARD_CONFIG environment variable is set, it is added as highest priority
func GetConfigPaths() []string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/root"
	}
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}

	paths := []string{
		"/etc/dnsguard/config.toml",                            // System config
		filepath.Join(homeDir, ".config/dnsguard/config.toml"), // User config
		filepath.Join(workDir, ".dnsguard.toml"),               // Project config
	}

	if envConfig := os.Getenv("DNSGUARD_CONFIG"); envConfig != "" {
		paths = append(paths, envConfig)
	}

	return paths
}

// ExpandPath expands ~ in paths to home directory
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return homeDir
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// resolve expands ~ and anchors relative data files in DataDir.
func (c *Config) resolve() {
	c.Paths.DataDir = ExpandPath(c.Paths.DataDir)
	c.Paths.MonitorLog = ExpandPath(c.Paths.MonitorLog)
	c.OpenSnitch.DBPath = ExpandPath(c.OpenSnitch.DBPath)
	for _, p := range []*string{&c.Paths.Blacklist, &c.Paths.Whitelist, &c.Paths.Checkpoint, &c.Paths.AuditLog} {
		*p = ExpandPath(*p)
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Paths.DataDir, *p)
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := netip.ParsePrefix(c.Network.Subnet); err != nil {
		errs = append(errs, fmt.Errorf("network.subnet: %w", err))
	}
	if c.Network.LogPrefix == "" {
		errs = append(errs, errors.New("network.log_prefix must not be empty"))
	} else if len(c.Network.LogPrefix) > maxLogPrefixLen {
		errs = append(errs, fmt.Errorf("network.log_prefix %q exceeds %d characters", c.Network.LogPrefix, maxLogPrefixLen))
	}
	if c.Network.Chain == "" {
		errs = append(errs, errors.New("network.chain must not be empty"))
	}
	switch c.Network.Backend {
	case "", "libnetwork", "exec":
	default:
		errs = append(errs, fmt.Errorf("network.backend %q is not one of libnetwork, exec", c.Network.Backend))
	}
	for _, p := range c.Network.ServerPorts {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("network.server_ports: invalid port %d", p))
		}
	}

	if c.Detection.QueueSize <= 0 {
		errs = append(errs, errors.New("detection.queue_size must be positive"))
	}
	positive := map[string]Duration{
		"dns.bootstrap_window":          c.DNS.BootstrapWindow,
		"detection.dedup_window":        c.Detection.DedupWindow,
		"detection.refresh_interval":    c.Detection.RefreshInterval,
		"detection.list_poll_interval":  c.Detection.ListPollInterval,
		"detection.summary_interval":    c.Detection.SummaryInterval,
		"detection.checkpoint_interval": c.Detection.CheckpointInterval,
		"detection.shutdown_grace":      c.Detection.ShutdownGrace,
		"opensnitch.poll_interval":      c.OpenSnitch.PollInterval,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.DNS.Retention.Duration < 0 {
		errs = append(errs, errors.New("dns.retention must not be negative"))
	}

	if c.Paths.Blacklist == "" || c.Paths.Whitelist == "" {
		errs = append(errs, errors.New("paths.blacklist and paths.whitelist are required"))
	}
	if c.OpenSnitch.Enabled && c.OpenSnitch.DBPath == "" {
		errs = append(errs, errors.New("opensnitch.db_path is required when opensnitch is enabled"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}
