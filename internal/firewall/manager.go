// Package firewall installs and removes the monitor's iptables rules: one LOG
// rule tagging new outbound TCP connections from the container subnet and one
// DROP rule per blocked destination.
package firewall

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultChain is Docker's hook for user rules on forwarded container traffic.
	DefaultChain = "DOCKER-USER"
	// DefaultLogPrefix tags kernel log lines produced by the LOG rule.
	DefaultLogPrefix = "DNSGUARD-CONN: "
	// MaxLogPrefixLen is the kernel limit for --log-prefix.
	MaxLogPrefixLen = 29
)

// Backend executes iptables commands against the filter table.
type Backend interface {
	// Exists reports whether rule is present in chain (iptables -C).
	Exists(chain string, rule ...string) bool
	// Run executes iptables with the given arguments in the filter table.
	Run(args ...string) ([]byte, error)
}

// Config describes the rules the manager owns.
type Config struct {
	Chain     string
	Subnet    string
	LogPrefix string
}

// Manager performs existence-checked mutations of the monitor's rules.
type Manager struct {
	backend Backend
	chain   string
	subnet  netip.Prefix
	prefix  string
	logger  *slog.Logger
}

// NewManager validates cfg and returns a manager.
func NewManager(backend Backend, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Chain == "" {
		cfg.Chain = DefaultChain
	}
	if cfg.LogPrefix == "" {
		cfg.LogPrefix = DefaultLogPrefix
	}
	if len(cfg.LogPrefix) > MaxLogPrefixLen {
		return nil, fmt.Errorf("log prefix %q exceeds %d characters", cfg.LogPrefix, MaxLogPrefixLen)
	}
	subnet, err := netip.ParsePrefix(cfg.Subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cfg.Subnet, err)
	}
	return &Manager{
		backend: backend,
		chain:   cfg.Chain,
		subnet:  subnet.Masked(),
		prefix:  cfg.LogPrefix,
		logger:  logger.With("chain", cfg.Chain),
	}, nil
}

// Chain returns the managed chain name.
func (m *Manager) Chain() string { return m.chain }

// LogPrefix returns the prefix carried by kernel log lines of the LOG rule.
func (m *Manager) LogPrefix() string { return m.prefix }

func (m *Manager) logRule() []string {
	return []string{
		"-s", m.subnet.String(),
		"-p", "tcp",
		"-m", "conntrack", "--ctstate", "NEW",
		"-j", "LOG", "--log-prefix", m.prefix,
	}
}

func (m *Manager) dropRule(ip string) []string {
	return []string{"-s", m.subnet.String(), "-d", ip, "-j", "DROP"}
}

// EnsureChain creates a custom chain and hooks it into FORWARD. It is a no-op
// for Docker's DOCKER-USER chain, which Docker itself maintains.
func (m *Manager) EnsureChain() error {
	if m.chain == DefaultChain {
		return nil
	}
	if _, err := m.backend.Run("-L", m.chain, "-n"); err != nil {
		if _, err := m.backend.Run("-N", m.chain); err != nil {
			m.logger.Error("Failed to create chain.", "error", err)
			return fmt.Errorf("create chain %s: %w", m.chain, err)
		}
		m.logger.Info("Created chain.")
	}

	jump := []string{"-j", m.chain}
	if m.backend.Exists("FORWARD", jump...) {
		return nil
	}
	if _, err := m.backend.Run(append([]string{"-I", "FORWARD", "1"}, jump...)...); err != nil {
		m.logger.Error("Failed to hook chain into FORWARD.", "error", err)
		return fmt.Errorf("hook chain %s into FORWARD: %w", m.chain, err)
	}
	return nil
}

// EnsureLogRule installs the LOG rule unless it is already present. It is
// placed after any existing DROP rules so dropped packets are not logged.
func (m *Manager) EnsureLogRule() error {
	rule := m.logRule()
	if m.backend.Exists(m.chain, rule...) {
		m.logger.Debug("LOG rule already present.")
		return nil
	}

	pos := 1
	if rules, err := m.ListRules(); err == nil {
		for _, r := range rules {
			if m.isDropRule(r) {
				pos++
			}
		}
	}

	args := append([]string{"-I", m.chain, strconv.Itoa(pos)}, rule...)
	if _, err := m.backend.Run(args...); err != nil {
		m.logger.Error("Failed to install LOG rule.", "error", err)
		return fmt.Errorf("install LOG rule: %w", err)
	}
	m.logger.Info("Installed LOG rule.", "subnet", m.subnet.String(), "prefix", m.prefix)
	return nil
}

// RemoveLogRule deletes the LOG rule if present.
func (m *Manager) RemoveLogRule() error {
	rule := m.logRule()
	if !m.backend.Exists(m.chain, rule...) {
		return nil
	}
	if _, err := m.backend.Run(append([]string{"-D", m.chain}, rule...)...); err != nil {
		m.logger.Error("Failed to remove LOG rule.", "error", err)
		return fmt.Errorf("remove LOG rule: %w", err)
	}
	m.logger.Info("Removed LOG rule.")
	return nil
}

// AddDropRule inserts a DROP rule for ip at the top of the chain unless one
// already exists.
func (m *Manager) AddDropRule(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid IP %q: %w", ip, err)
	}
	rule := m.dropRule(addr.String())
	if m.backend.Exists(m.chain, rule...) {
		return nil
	}
	if _, err := m.backend.Run(append([]string{"-I", m.chain, "1"}, rule...)...); err != nil {
		m.logger.Error("Failed to install DROP rule.", "ip", ip, "error", err)
		return fmt.Errorf("install DROP rule for %s: %w", ip, err)
	}
	m.logger.Info("Blocked IP.", "ip", ip)
	return nil
}

// RemoveDropRule deletes the DROP rule for ip if present.
func (m *Manager) RemoveDropRule(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid IP %q: %w", ip, err)
	}
	rule := m.dropRule(addr.String())
	if !m.backend.Exists(m.chain, rule...) {
		return nil
	}
	if _, err := m.backend.Run(append([]string{"-D", m.chain}, rule...)...); err != nil {
		m.logger.Error("Failed to remove DROP rule.", "ip", ip, "error", err)
		return fmt.Errorf("remove DROP rule for %s: %w", ip, err)
	}
	m.logger.Info("Unblocked IP.", "ip", ip)
	return nil
}

// IsIPBlocked reports whether a DROP rule for ip exists.
func (m *Manager) IsIPBlocked(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return m.backend.Exists(m.chain, m.dropRule(addr.String())...)
}

// Rule is one line of `iptables -L <chain> --line-numbers -n`.
type Rule struct {
	Num         int
	Target      string
	Source      string
	Destination string
	Raw         string
}

// ListRules lists the chain with line numbers.
func (m *Manager) ListRules() ([]Rule, error) {
	out, err := m.backend.Run("-L", m.chain, "--line-numbers", "-n")
	if err != nil {
		return nil, fmt.Errorf("list chain %s: %w", m.chain, err)
	}
	return parseRules(string(out)), nil
}

// ClearMonitorRules removes the LOG rule and every DROP rule scoped to the
// monitored subnet. Rules are deleted by line number from the bottom up so
// earlier deletions do not renumber later ones.
func (m *Manager) ClearMonitorRules() (int, error) {
	rules, err := m.ListRules()
	if err != nil {
		m.logger.Error("Failed to list rules.", "error", err)
		return 0, err
	}

	var nums []int
	for _, r := range rules {
		if m.isLogRule(r) || m.isDropRule(r) {
			nums = append(nums, r.Num)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))

	removed := 0
	var firstErr error
	for _, n := range nums {
		if _, err := m.backend.Run("-D", m.chain, strconv.Itoa(n)); err != nil {
			m.logger.Error("Failed to delete rule.", "line", n, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("delete rule %d from %s: %w", n, m.chain, err)
			}
			continue
		}
		removed++
	}
	m.logger.Info("Cleared monitor rules.", "removed", removed)
	return removed, firstErr
}

// Inventory reports whether the LOG rule is installed and lists the DROP
// rules owned by the monitor, in chain order.
func (m *Manager) Inventory() (logRule bool, drops []Rule, err error) {
	rules, err := m.ListRules()
	if err != nil {
		return false, nil, err
	}
	for _, r := range rules {
		switch {
		case m.isLogRule(r):
			logRule = true
		case m.isDropRule(r):
			drops = append(drops, r)
		}
	}
	return logRule, drops, nil
}

func (m *Manager) isLogRule(r Rule) bool {
	return r.Target == "LOG" && strings.Contains(r.Raw, strings.TrimSpace(m.prefix))
}

func (m *Manager) isDropRule(r Rule) bool {
	return r.Target == "DROP" && m.matchesSubnet(r.Source)
}

// matchesSubnet accepts both forms iptables prints for a source: the CIDR,
// or the bare address for single-host prefixes.
func (m *Manager) matchesSubnet(source string) bool {
	if source == m.subnet.String() {
		return true
	}
	return m.subnet.IsSingleIP() && source == m.subnet.Addr().String()
}

// parseRules parses listing output such as:
//
//	Chain DOCKER-USER (1 references)
//	num  target  prot opt source          destination
//	1    DROP    all  --  172.30.0.0/16   45.148.10.81
//	2    LOG     tcp  --  172.30.0.0/16   0.0.0.0/0   ctstate NEW LOG flags 0 level 4 prefix "DNSGUARD-CONN: "
func parseRules(out string) []Rule {
	var rules []Rule
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		rules = append(rules, Rule{
			Num:         num,
			Target:      fields[1],
			Source:      fields[4],
			Destination: fields[5],
			Raw:         line,
		})
	}
	return rules
}
