package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mensfeld/dnsguard/internal/logging"
)

var (
	clearForce  bool
	clearDryRun bool
)

var clearRulesCmd = &cobra.Command{
	Use:   "clear-rules",
	Short: "Remove the monitor's firewall rules",
	Long: `Remove the LOG rule and every DROP rule scoped to the monitored subnet.

The monitor leaves its rules installed when it stops so that blocking keeps
working across restarts. Rules added by other tools are never touched.

Examples:
  dnsguard clear-rules             # Ask before removing
  dnsguard clear-rules --force     # Remove without confirmation
  dnsguard clear-rules --dry-run   # Show what would be removed
`,
	Args: cobra.NoArgs,
	RunE: clearRulesCommand,
}

func init() {
	clearRulesCmd.Flags().BoolVar(&clearForce, "force", false, "Skip confirmation prompt")
	clearRulesCmd.Flags().BoolVar(&clearDryRun, "dry-run", false, "Show what would be removed without making changes")
}

func clearRulesCommand(cmd *cobra.Command, args []string) error {
	logger, closer, err := logging.Configure(cfg.Logging.Level, "")
	if err != nil {
		return err
	}
	defer closer.Close()

	mgr, err := newFirewallManager(logger)
	if err != nil {
		return err
	}

	logRule, drops, err := mgr.Inventory()
	if err != nil {
		return fmt.Errorf("failed to list rules in %s: %w", mgr.Chain(), err)
	}
	if !logRule && len(drops) == 0 {
		fmt.Printf("No monitor rules in %s.\n", mgr.Chain())
		return nil
	}

	fmt.Printf("Monitor rules in %s:\n", mgr.Chain())
	if logRule {
		fmt.Printf("  LOG  %s prefix %q\n", cfg.Network.Subnet, mgr.LogPrefix())
	}
	for _, r := range drops {
		fmt.Printf("  DROP %s -> %s\n", r.Source, r.Destination)
	}

	if clearDryRun {
		fmt.Println("\n[Dry run] No changes made.")
		return nil
	}

	if !clearForce {
		fmt.Print("\nRemove these rules? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	removed, err := mgr.ClearMonitorRules()
	if removed > 0 {
		fmt.Printf("\nRemoved %d rule(s)\n", removed)
	}
	return err
}
