package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from all available sources
// Hierarchy (lowest to highest precedence):
// 1. Built-in defaults
// 2. System config (/etc/dnsguard/config.toml)
// 3. User config (~/.config/dnsguard/config.toml)
// 4. Project config (./.dnsguard.toml)
// 5. $DNSGUARD_CONFIG
// 6. explicit, the --config flag (must exist when given)
// 7. Environment variables (DNSGUARD_*)
//
// The result is not validated; callers apply flag overrides first and then
// call Validate.
func Load(explicit string) (*Config, error) {
	cfg := GetDefaultConfig()

	for _, path := range GetConfigPaths() {
		if err := loadConfigFile(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		}
	}

	if explicit != "" {
		if err := loadConfigFile(cfg, explicit); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", explicit, err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	cfg.resolve()
	return cfg, nil
}

// loadConfigFile decodes a TOML file over cfg. Keys absent from the file keep
// their current value, so booleans can be set to false explicitly.
func loadConfigFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if env := os.Getenv("DNSGUARD_SUBNET"); env != "" {
		cfg.Network.Subnet = env
	}

	if env := os.Getenv("DNSGUARD_BLOCKING"); env != "" {
		v, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("DNSGUARD_BLOCKING: %w", err)
		}
		cfg.Detection.Blocking = v
	}

	if env := os.Getenv("DNSGUARD_LOG_LEVEL"); env != "" {
		cfg.Logging.Level = env
	}

	// Naming a database implies the integration is wanted.
	if env := os.Getenv("DNSGUARD_OPENSNITCH_DB"); env != "" {
		cfg.OpenSnitch.DBPath = env
		cfg.OpenSnitch.Enabled = true
	}

	if env := os.Getenv("DNSGUARD_RESOLVER_CONTAINER"); env != "" {
		cfg.DNS.ResolverContainer = env
	}

	return nil
}

// Write encodes cfg as TOML.
func Write(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// EnsureDirectories creates the directories the monitor writes into.
func EnsureDirectories(cfg *Config) error {
	dirs := []string{
		cfg.Paths.DataDir,
		filepath.Dir(cfg.Paths.MonitorLog),
		filepath.Dir(cfg.Paths.Blacklist),
		filepath.Dir(cfg.Paths.Whitelist),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WriteExample writes an example config file to the specified path
func WriteExample(path string) error {
	example := `# dnsguard configuration
# Every key is optional; the values below are the defaults.

[paths]
data_dir = "/var/lib/dnsguard"
# Relative paths are resolved against data_dir.
blacklist = "blacklist.txt"
whitelist = "whitelist.txt"
checkpoint = "checkpoint"
audit_log = "reports.jsonl"
monitor_log = "/var/log/dnsguard/monitor.log"

[network]
# Source subnet of the monitored containers.
subnet = "172.30.0.0/16"
# DOCKER-USER is hooked into FORWARD by Docker. Any other chain is created
# and hooked in by dnsguard.
chain = "DOCKER-USER"
# At most 29 characters.
log_prefix = "DNSGUARD-CONN: "
# Packets from these source ports are replies, not new connections.
server_ports = [22, 53, 80, 443, 3000, 3306, 5432, 6379, 8000, 8080, 8443, 9000]
# "libnetwork" talks to iptables through Docker's library, "exec" runs the binary.
backend = "libnetwork"

[dns]
# Container whose log announces "reply <domain> is <ip>" lines.
resolver_container = "dns-honeypot"
# Set when the resolver container runs with a TTY.
resolver_tty = false
# How far back resolver logs are read at startup.
bootstrap_window = "1h"
# Forget DNS answers older than this. "0s" keeps everything.
retention = "0s"

[detection]
# Install a DROP rule for every blacklisted IP.
blocking = false
# Write new blacklist entries to disk.
persist = true
dedup_window = "60s"
queue_size = 1000
refresh_interval = "5m"
list_poll_interval = "10s"
summary_interval = "1h"
checkpoint_interval = "30s"
shutdown_grace = "5s"

[opensnitch]
enabled = false
db_path = "/var/lib/opensnitch/opensnitch.sqlite3"
rule = "deny-reverse-dns"
poll_interval = "5s"

[metrics]
# Address for the Prometheus endpoint, e.g. "127.0.0.1:9477". Empty disables it.
listen = ""

[logging]
# debug, info, warn or error
level = "info"
`

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
