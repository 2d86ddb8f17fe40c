package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mensfeld/dnsguard/internal/config"
	"github.com/mensfeld/dnsguard/internal/opensnitch"
)

// CheckConfiguration validates the loaded configuration and reports which
// files contributed to it.
func CheckConfiguration(cfg *config.Config) HealthCheck {
	if cfg == nil {
		return HealthCheck{
			Name:    "config",
			Status:  StatusFailed,
			Message: "Configuration not loaded",
		}
	}

	var loadedFrom []string
	for _, path := range config.GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			loadedFrom = append(loadedFrom, path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return HealthCheck{
			Name:    "config",
			Status:  StatusFailed,
			Message: strings.ReplaceAll(err.Error(), "\n", "; "),
			Details: map[string]interface{}{
				"loaded_from": loadedFrom,
			},
		}
	}

	message := "Defaults only (no config files)"
	if len(loadedFrom) > 0 {
		message = loadedFrom[len(loadedFrom)-1] // Show highest priority
	}

	return HealthCheck{
		Name:    "config",
		Status:  StatusOK,
		Message: message,
		Details: map[string]interface{}{
			"loaded_from": loadedFrom,
		},
	}
}

// CheckPrivileges verifies the process runs as root
func CheckPrivileges(geteuid func() int) HealthCheck {
	if geteuid == nil {
		geteuid = os.Geteuid
	}
	if uid := geteuid(); uid != 0 {
		return HealthCheck{
			Name:    "privileges",
			Status:  StatusFailed,
			Message: fmt.Sprintf("Running as uid %d (root required for iptables and the journal)", uid),
		}
	}
	return HealthCheck{
		Name:    "privileges",
		Status:  StatusOK,
		Message: "Running as root",
	}
}

// CheckIPTables verifies the iptables binary answers
func CheckIPTables(v Versioner) HealthCheck {
	if v == nil {
		return HealthCheck{
			Name:    "iptables",
			Status:  StatusFailed,
			Message: "iptables not available",
		}
	}

	version, err := v.Version()
	if err != nil {
		return HealthCheck{
			Name:    "iptables",
			Status:  StatusFailed,
			Message: fmt.Sprintf("iptables not usable: %v", err),
		}
	}

	version = strings.TrimSpace(version)
	return HealthCheck{
		Name:    "iptables",
		Status:  StatusOK,
		Message: version,
		Details: map[string]interface{}{
			"version": version,
		},
	}
}

// CheckRules reports whether the LOG rule is installed and how many DROP
// rules the monitor owns.
func CheckRules(r RuleInventory) HealthCheck {
	if r == nil {
		return HealthCheck{
			Name:    "rules",
			Status:  StatusWarning,
			Message: "Firewall not inspected",
		}
	}

	logRule, drops, err := r.Inventory()
	if err != nil {
		return HealthCheck{
			Name:    "rules",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Could not list rules: %v", err),
		}
	}

	details := map[string]interface{}{
		"log_rule": logRule,
		"drops":    len(drops),
	}
	if !logRule {
		return HealthCheck{
			Name:    "rules",
			Status:  StatusWarning,
			Message: fmt.Sprintf("LOG rule not installed (monitor not running?), %d DROP rules", len(drops)),
			Details: details,
		}
	}
	return HealthCheck{
		Name:    "rules",
		Status:  StatusOK,
		Message: fmt.Sprintf("LOG rule installed, %d DROP rules", len(drops)),
		Details: details,
	}
}

// CheckIPForwarding verifies IP forwarding is enabled
func CheckIPForwarding() HealthCheck {
	if runtime.GOOS != "linux" {
		return HealthCheck{
			Name:    "ip_forwarding",
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s - not checked", runtime.GOOS),
		}
	}

	content, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward")
	if err != nil {
		return HealthCheck{
			Name:    "ip_forwarding",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Could not check: %v", err),
		}
	}

	if strings.TrimSpace(string(content)) == "1" {
		return HealthCheck{
			Name:    "ip_forwarding",
			Status:  StatusOK,
			Message: "Enabled",
		}
	}

	return HealthCheck{
		Name:    "ip_forwarding",
		Status:  StatusWarning,
		Message: "Disabled (container traffic will not reach the FORWARD chain)",
	}
}

// CheckJournal verifies the kernel log can be read from the systemd journal
func CheckJournal(open func() error) HealthCheck {
	if err := open(); err != nil {
		return HealthCheck{
			Name:    "journal",
			Status:  StatusFailed,
			Message: err.Error(),
		}
	}
	return HealthCheck{
		Name:    "journal",
		Status:  StatusOK,
		Message: "Readable",
	}
}

// CheckDocker verifies the Docker daemon responds
func CheckDocker(ctx context.Context, api DockerAPI) HealthCheck {
	if api == nil {
		return HealthCheck{
			Name:    "docker",
			Status:  StatusFailed,
			Message: "Docker client not available",
		}
	}

	ping, err := api.Ping(ctx)
	if err != nil {
		return HealthCheck{
			Name:    "docker",
			Status:  StatusFailed,
			Message: fmt.Sprintf("Docker daemon not reachable: %v", err),
		}
	}

	return HealthCheck{
		Name:    "docker",
		Status:  StatusOK,
		Message: fmt.Sprintf("Running (API %s)", ping.APIVersion),
		Details: map[string]interface{}{
			"api_version": ping.APIVersion,
			"os_type":     ping.OSType,
		},
	}
}

// CheckResolver verifies the resolver container exists and is running
func CheckResolver(ctx context.Context, api DockerAPI, name string) HealthCheck {
	if name == "" {
		return HealthCheck{
			Name:    "resolver",
			Status:  StatusWarning,
			Message: "No resolver container configured (DNS cache stays empty)",
		}
	}
	if api == nil {
		return HealthCheck{
			Name:    "resolver",
			Status:  StatusFailed,
			Message: "Docker client not available",
		}
	}

	info, err := api.ContainerInspect(ctx, name)
	if err != nil {
		return HealthCheck{
			Name:    "resolver",
			Status:  StatusFailed,
			Message: fmt.Sprintf("Container '%s' not found: %v", name, err),
		}
	}

	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return HealthCheck{
			Name:    "resolver",
			Status:  StatusFailed,
			Message: fmt.Sprintf("Container '%s' is not running", name),
		}
	}

	tty := info.Config != nil && info.Config.Tty
	return HealthCheck{
		Name:    "resolver",
		Status:  StatusOK,
		Message: fmt.Sprintf("'%s' running", name),
		Details: map[string]interface{}{
			"container": name,
			"tty":       tty,
		},
	}
}

// CheckListFile verifies a list file, or the directory it will be created
// in, is writable.
func CheckListFile(name, path string) HealthCheck {
	checkName := name + "_file"

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		dir := filepath.Dir(path)
		if !dirWritable(dir) {
			return HealthCheck{
				Name:    checkName,
				Status:  StatusFailed,
				Message: fmt.Sprintf("%s does not exist and %s is not writable", path, dir),
			}
		}
		return HealthCheck{
			Name:    checkName,
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s does not exist (will be created on first run)", path),
		}
	}
	if err != nil {
		return HealthCheck{
			Name:    checkName,
			Status:  StatusFailed,
			Message: fmt.Sprintf("Could not access %s: %v", path, err),
		}
	}
	if info.IsDir() {
		return HealthCheck{
			Name:    checkName,
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s is a directory", path),
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return HealthCheck{
			Name:    checkName,
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s is not writable", path),
		}
	}
	f.Close()

	return HealthCheck{
		Name:    checkName,
		Status:  StatusOK,
		Message: path,
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".health-check-*")
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(f.Name())
	return true
}

// CheckOpenSnitch verifies the OpenSnitch database is readable when the
// integration is enabled.
func CheckOpenSnitch(ctx context.Context, cfg config.OpenSnitchConfig) HealthCheck {
	if !cfg.Enabled {
		return HealthCheck{
			Name:    "opensnitch",
			Status:  StatusOK,
			Message: "Disabled",
		}
	}

	client, err := opensnitch.Open(cfg.DBPath, cfg.Rule, nil)
	if errors.Is(err, opensnitch.ErrDatabaseMissing) {
		return HealthCheck{
			Name:    "opensnitch",
			Status:  StatusFailed,
			Message: fmt.Sprintf("Database %s not found", cfg.DBPath),
		}
	}
	if err != nil {
		return HealthCheck{
			Name:    "opensnitch",
			Status:  StatusFailed,
			Message: err.Error(),
		}
	}
	defer client.Close()

	recent, err := client.RecentBlockCount(ctx, 24)
	if err != nil {
		return HealthCheck{
			Name:    "opensnitch",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Database opened but not queryable: %v", err),
		}
	}

	return HealthCheck{
		Name:    "opensnitch",
		Status:  StatusOK,
		Message: fmt.Sprintf("%d reverse-DNS blocks in the last 24h", recent),
		Details: map[string]interface{}{
			"path":       cfg.DBPath,
			"rule":       cfg.Rule,
			"recent_24h": recent,
		},
	}
}
