package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points every default config location at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("DNSGUARD_CONFIG", "")
	t.Setenv("DNSGUARD_SUBNET", "")
	t.Setenv("DNSGUARD_BLOCKING", "")
	t.Setenv("DNSGUARD_LOG_LEVEL", "")
	t.Setenv("DNSGUARD_OPENSNITCH_DB", "")
	t.Setenv("DNSGUARD_RESOLVER_CONTAINER", "")
	t.Chdir(dir)
	return dir
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg == nil {
		t.Fatal("Expected default config, got nil")
	}

	if cfg.Network.Chain != "DOCKER-USER" {
		t.Errorf("Expected chain 'DOCKER-USER', got '%s'", cfg.Network.Chain)
	}
	if cfg.Network.LogPrefix != "DNSGUARD-CONN: " {
		t.Errorf("Expected prefix 'DNSGUARD-CONN: ', got '%s'", cfg.Network.LogPrefix)
	}
	if !cfg.Detection.Persist || cfg.Detection.Blocking {
		t.Error("Expected persist on and blocking off by default")
	}
	if cfg.Detection.DedupWindow.Duration != 60*time.Second {
		t.Errorf("Expected 60s dedup window, got %v", cfg.Detection.DedupWindow)
	}

	cfg.resolve()
	if cfg.Paths.Blacklist != "/var/lib/dnsguard/blacklist.txt" {
		t.Errorf("Expected blacklist in data dir, got '%s'", cfg.Paths.Blacklist)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "expand tilde",
			input:    "~/test",
			expected: filepath.Join(homeDir, "test"),
		},
		{
			name:     "expand tilde only",
			input:    "~",
			expected: homeDir,
		},
		{
			name:     "no expansion needed",
			input:    "/absolute/path",
			expected: "/absolute/path",
		},
		{
			name:     "empty path",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExpandPath(tt.input)
			if result != tt.expected {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLoadLayering(t *testing.T) {
	dir := isolate(t)

	write(t, filepath.Join(dir, ".config/dnsguard/config.toml"), `
[network]
subnet = "10.50.0.0/16"

[detection]
blocking = true
queue_size = 50
`)
	write(t, filepath.Join(dir, ".dnsguard.toml"), `
[detection]
persist = false
dedup_window = "2m"
`)
	explicit := filepath.Join(dir, "explicit.toml")
	write(t, explicit, `
[paths]
data_dir = "`+filepath.Join(dir, "data")+`"

[detection]
queue_size = 75
`)

	cfg, err := Load(explicit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Network.Subnet != "10.50.0.0/16" {
		t.Errorf("Expected subnet from user config, got '%s'", cfg.Network.Subnet)
	}
	if !cfg.Detection.Blocking {
		t.Error("Blocking set in user config should survive a project config that omits it")
	}
	if cfg.Detection.Persist {
		t.Error("Expected persist=false from project config")
	}
	if cfg.Detection.DedupWindow.Duration != 2*time.Minute {
		t.Errorf("Expected 2m dedup window, got %v", cfg.Detection.DedupWindow)
	}
	if cfg.Detection.QueueSize != 75 {
		t.Errorf("Expected explicit file to win, got queue_size %d", cfg.Detection.QueueSize)
	}
	if cfg.Paths.Whitelist != filepath.Join(dir, "data", "whitelist.txt") {
		t.Errorf("Expected whitelist in data dir, got '%s'", cfg.Paths.Whitelist)
	}
	if cfg.Network.Chain != "DOCKER-USER" {
		t.Errorf("Untouched keys keep defaults, got chain '%s'", cfg.Network.Chain)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := isolate(t)
	write(t, filepath.Join(dir, ".dnsguard.toml"), "[detection]\nblocking = true\n")

	t.Setenv("DNSGUARD_SUBNET", "192.168.77.0/24")
	t.Setenv("DNSGUARD_BLOCKING", "false")
	t.Setenv("DNSGUARD_LOG_LEVEL", "debug")
	t.Setenv("DNSGUARD_OPENSNITCH_DB", "/tmp/os.sqlite3")
	t.Setenv("DNSGUARD_RESOLVER_CONTAINER", "resolver")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Network.Subnet != "192.168.77.0/24" {
		t.Errorf("Expected env subnet, got '%s'", cfg.Network.Subnet)
	}
	if cfg.Detection.Blocking {
		t.Error("Expected env to switch blocking off")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got '%s'", cfg.Logging.Level)
	}
	if !cfg.OpenSnitch.Enabled || cfg.OpenSnitch.DBPath != "/tmp/os.sqlite3" {
		t.Errorf("Expected OpenSnitch enabled with env path, got %+v", cfg.OpenSnitch)
	}
	if cfg.DNS.ResolverContainer != "resolver" {
		t.Errorf("Expected resolver 'resolver', got '%s'", cfg.DNS.ResolverContainer)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		project string
		env     string
	}{
		{name: "invalid duration", project: "[detection]\ndedup_window = \"soon\"\n"},
		{name: "unknown key", project: "[detection]\nblockin = true\n"},
		{name: "malformed toml", project: "[detection\n"},
		{name: "invalid bool env", env: "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			if tt.project != "" {
				write(t, filepath.Join(dir, ".dnsguard.toml"), tt.project)
			}
			if tt.env != "" {
				t.Setenv("DNSGUARD_BLOCKING", tt.env)
			}
			if _, err := Load(""); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Error("Expected an error for a missing --config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "bad subnet", mutate: func(c *Config) { c.Network.Subnet = "172.30.0.0" }, want: "network.subnet"},
		{name: "long prefix", mutate: func(c *Config) { c.Network.LogPrefix = strings.Repeat("X", 30) }, want: "exceeds 29"},
		{name: "empty prefix", mutate: func(c *Config) { c.Network.LogPrefix = "" }, want: "log_prefix"},
		{name: "zero queue", mutate: func(c *Config) { c.Detection.QueueSize = 0 }, want: "queue_size"},
		{name: "zero interval", mutate: func(c *Config) { c.Detection.ListPollInterval = Duration{} }, want: "list_poll_interval"},
		{name: "negative retention", mutate: func(c *Config) { c.DNS.Retention = Duration{-time.Second} }, want: "retention"},
		{name: "bad port", mutate: func(c *Config) { c.Network.ServerPorts = []int{0} }, want: "server_ports"},
		{name: "bad backend", mutate: func(c *Config) { c.Network.Backend = "nft" }, want: "backend"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, want: "logging.level"},
		{name: "opensnitch without db", mutate: func(c *Config) {
			c.OpenSnitch.Enabled = true
			c.OpenSnitch.DBPath = ""
		}, want: "db_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.resolve()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWriteExampleLoadsAsDefaults(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "etc", "dnsguard.toml")

	if err := WriteExample(path); err != nil {
		t.Fatalf("WriteExample failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Example should load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Example should validate: %v", err)
	}

	want := GetDefaultConfig()
	want.resolve()
	if cfg.Paths != want.Paths {
		t.Errorf("Paths differ from defaults: %+v vs %+v", cfg.Paths, want.Paths)
	}
	if cfg.Detection != want.Detection {
		t.Errorf("Detection differs from defaults: %+v vs %+v", cfg.Detection, want.Detection)
	}
	if cfg.DNS != want.DNS {
		t.Errorf("DNS differs from defaults: %+v vs %+v", cfg.DNS, want.DNS)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := GetDefaultConfig()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.MonitorLog = filepath.Join(dir, "log", "monitor.log")
	cfg.resolve()

	if err := EnsureDirectories(cfg); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{cfg.Paths.DataDir, filepath.Join(dir, "log")} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("Expected directory %s", d)
		}
	}
}

func TestWriteLoadsBack(t *testing.T) {
	dir := isolate(t)
	cfg := GetDefaultConfig()
	cfg.Detection.Blocking = true
	cfg.Detection.DedupWindow = Duration{90 * time.Second}
	cfg.Network.ServerPorts = []int{22, 443}

	var sb strings.Builder
	if err := Write(&sb, cfg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(sb.String(), `dedup_window = "1m30s"`) {
		t.Errorf("Expected durations written as strings, got:\n%s", sb.String())
	}

	path := filepath.Join(dir, "effective.toml")
	write(t, path, sb.String())
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.Detection.Blocking || loaded.Detection.DedupWindow.Duration != 90*time.Second {
		t.Errorf("Expected written values back, got %+v", loaded.Detection)
	}
	if len(loaded.Network.ServerPorts) != 2 {
		t.Errorf("Expected 2 server ports, got %v", loaded.Network.ServerPorts)
	}
}
