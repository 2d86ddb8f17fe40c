package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mensfeld/dnsguard/internal/containers"
	"github.com/mensfeld/dnsguard/internal/firewall"
	"github.com/mensfeld/dnsguard/internal/health"
	"github.com/mensfeld/dnsguard/internal/logging"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that dnsguard can run on this host",
	Long: `Check privileges, iptables, the systemd journal, the Docker daemon, the
resolver container, the list files and the optional OpenSnitch database.

Exits non-zero when any check fails.

Examples:
  dnsguard health
  dnsguard health --json
`,
	Args: cobra.NoArgs,
	RunE: healthCommand,
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output in JSON format")
}

func healthCommand(cmd *cobra.Command, args []string) error {
	env := health.Env{
		Config:   cfg,
		IPTables: firewall.ExecBackend{},
	}

	if mgr, err := newFirewallManager(logging.Discard()); err == nil {
		env.Rules = mgr
	}

	docker, err := containers.NewDockerClient()
	if err == nil {
		defer docker.Close()
		env.Docker = docker
	}

	checks := health.RunAll(cmd.Context(), env)
	overall := health.Overall(checks)

	if healthJSON {
		data, err := json.MarshalIndent(map[string]interface{}{
			"status": overall,
			"checks": checks,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(formatChecks(checks, overall))
	}

	if overall == health.StatusFailed {
		return fmt.Errorf("one or more health checks failed")
	}
	return nil
}

func formatChecks(checks []health.HealthCheck, overall health.Status) string {
	var sb strings.Builder
	for _, c := range checks {
		fmt.Fprintf(&sb, "[%-7s] %-16s %s\n", strings.ToUpper(string(c.Status)), c.Name, c.Message)
	}
	fmt.Fprintf(&sb, "\nOverall: %s\n", overall)
	return sb.String()
}
