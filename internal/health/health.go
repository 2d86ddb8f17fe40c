// Package health runs the preflight checks behind `dnsguard health`.
package health

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/mensfeld/dnsguard/internal/config"
	"github.com/mensfeld/dnsguard/internal/connwatch"
	"github.com/mensfeld/dnsguard/internal/firewall"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// HealthCheck is the result of one check.
type HealthCheck struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DockerAPI is the subset of the Docker client the checks use.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// Versioner reports the installed iptables version.
type Versioner interface {
	Version() (string, error)
}

// RuleInventory lists the monitor's installed rules.
type RuleInventory interface {
	Inventory() (bool, []firewall.Rule, error)
}

// Env carries the handles the checks inspect. Nil fields are reported as
// unavailable rather than skipped.
type Env struct {
	Config   *config.Config
	Docker   DockerAPI
	IPTables Versioner
	Rules    RuleInventory
	Geteuid  func() int

	// JournalAvailable defaults to connwatch.JournalAvailable.
	JournalAvailable func() error
}

// RunAll runs every check in display order.
func RunAll(ctx context.Context, env Env) []HealthCheck {
	journal := env.JournalAvailable
	if journal == nil {
		journal = connwatch.JournalAvailable
	}

	checks := []HealthCheck{
		CheckConfiguration(env.Config),
		CheckPrivileges(env.Geteuid),
		CheckIPTables(env.IPTables),
		CheckRules(env.Rules),
		CheckIPForwarding(),
		CheckJournal(journal),
		CheckDocker(ctx, env.Docker),
	}
	if env.Config != nil {
		checks = append(checks,
			CheckResolver(ctx, env.Docker, env.Config.DNS.ResolverContainer),
			CheckListFile("blacklist", env.Config.Paths.Blacklist),
			CheckListFile("whitelist", env.Config.Paths.Whitelist),
			CheckOpenSnitch(ctx, env.Config.OpenSnitch),
		)
	}
	return checks
}

// Overall returns the worst status among checks.
func Overall(checks []HealthCheck) Status {
	status := StatusOK
	for _, c := range checks {
		switch c.Status {
		case StatusFailed:
			return StatusFailed
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}
