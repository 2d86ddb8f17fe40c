package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mensfeld/dnsguard/internal/config"
	"github.com/mensfeld/dnsguard/internal/firewall"
)

// Version is the current version of dnsguard (injected via ldflags at build time)
var Version = "dev"

var (
	// Global flags
	configPath string
	logLevel   string

	// Loaded config
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dnsguard",
	Short: "Detect containers that connect to IPs they never resolved",
	Long: `dnsguard watches outbound TCP connections from a container subnet and
flags every connection to an address the container never looked up through
the monitored resolver. Such addresses are blacklisted and, in blocking mode,
dropped at the firewall.

Examples:
  dnsguard                          # Run the monitor (same as 'dnsguard run')
  dnsguard run --blocking           # Run and drop traffic to hardcoded IPs
  dnsguard health                   # Check prerequisites
  dnsguard lists                    # Show blacklist and whitelist
  dnsguard report                   # Summarise recorded compromise reports
  dnsguard clear-rules              # Remove the monitor's firewall rules
`,
	Version:      Version,
	SilenceUsage: true,
	// When called without subcommand, run the monitor
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}

		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (must exist when given)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	addRunFlags(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(clearRulesCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(listsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dnsguard v%s\n", Version)
	},
}

// newFirewallManager builds the rule manager for the configured chain and
// backend.
func newFirewallManager(logger *slog.Logger) (*firewall.Manager, error) {
	backend, err := firewall.NewBackend(cfg.Network.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables backend: %w", err)
	}
	mgr, err := firewall.NewManager(backend, firewall.Config{
		Chain:     cfg.Network.Chain,
		Subnet:    cfg.Network.Subnet,
		LogPrefix: cfg.Network.LogPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create firewall manager: %w", err)
	}
	return mgr, nil
}
