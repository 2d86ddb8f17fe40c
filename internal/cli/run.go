package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensfeld/dnsguard/internal/checkpoint"
	"github.com/mensfeld/dnsguard/internal/config"
	"github.com/mensfeld/dnsguard/internal/connwatch"
	"github.com/mensfeld/dnsguard/internal/containers"
	"github.com/mensfeld/dnsguard/internal/dnscache"
	"github.com/mensfeld/dnsguard/internal/iplist"
	"github.com/mensfeld/dnsguard/internal/linesource"
	"github.com/mensfeld/dnsguard/internal/logging"
	"github.com/mensfeld/dnsguard/internal/metrics"
	"github.com/mensfeld/dnsguard/internal/monitor"
	"github.com/mensfeld/dnsguard/internal/opensnitch"
)

var (
	runBlocking      bool
	runNoPersist     bool
	runSubnet        string
	runOpenSnitch    bool
	runMetricsListen string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connection monitor",
	Long: `Run the connection monitor in the foreground.

Startup checks privileges, installs the LOG rule, loads the lists, replays
kernel log history since the last checkpoint and then follows the live
streams until interrupted. A per-container summary is logged on shutdown.

Examples:
  dnsguard run
  dnsguard run --blocking
  dnsguard run --no-persist --subnet 10.88.0.0/16
  dnsguard run --opensnitch --metrics-listen 127.0.0.1:9477
`,
	Args: cobra.NoArgs,
	RunE: runCommand,
}

func init() {
	addRunFlags(runCmd)
}

// addRunFlags registers the run flags on cmd. The root command carries them
// too so that a bare `dnsguard --blocking` behaves like `dnsguard run`.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&runBlocking, "blocking", false, "Install a DROP rule for every blacklisted IP")
	cmd.Flags().BoolVar(&runNoPersist, "no-persist", false, "Keep new blacklist entries in memory only")
	cmd.Flags().StringVar(&runSubnet, "subnet", "", "Monitored container subnet (CIDR)")
	cmd.Flags().BoolVar(&runOpenSnitch, "opensnitch", false, "Annotate reports with OpenSnitch reverse-DNS blocks")
	cmd.Flags().StringVar(&runMetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")
}

// applyRunFlags overlays explicitly set flags onto the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("blocking") {
		c.Detection.Blocking = runBlocking
	}
	if flags.Changed("no-persist") {
		c.Detection.Persist = !runNoPersist
	}
	if flags.Changed("subnet") {
		c.Network.Subnet = runSubnet
	}
	if flags.Changed("opensnitch") {
		c.OpenSnitch.Enabled = runOpenSnitch
	}
	if flags.Changed("metrics-listen") {
		c.Metrics.Listen = runMetricsListen
	}
}

// monitorConfig maps the file configuration onto the monitor's tunables.
func monitorConfig(c *config.Config) monitor.Config {
	return monitor.Config{
		Blocking:  c.Detection.Blocking,
		Persist:   c.Detection.Persist,
		QueueSize: c.Detection.QueueSize,
		Watcher: connwatch.Config{
			LogPrefix:   c.Network.LogPrefix,
			ServerPorts: c.Network.ServerPorts,
			DedupWindow: c.Detection.DedupWindow.Duration,
		},
		BootstrapWindow:        c.DNS.BootstrapWindow.Duration,
		DNSRetention:           c.DNS.Retention.Duration,
		RefreshInterval:        c.Detection.RefreshInterval.Duration,
		ListPollInterval:       c.Detection.ListPollInterval.Duration,
		SummaryInterval:        c.Detection.SummaryInterval.Duration,
		CheckpointInterval:     c.Detection.CheckpointInterval.Duration,
		OpenSnitchPollInterval: c.OpenSnitch.PollInterval.Duration,
		MetricsListen:          c.Metrics.Listen,
		ShutdownGrace:          c.Detection.ShutdownGrace.Duration,
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if os.Geteuid() != 0 {
		return monitor.ErrNotRoot
	}

	if err := config.EnsureDirectories(cfg); err != nil {
		return err
	}

	// The checkpoint fallback scans the monitor log, so it has to be read
	// before this process starts writing to it.
	store := checkpoint.NewStore(cfg.Paths.Checkpoint, cfg.Paths.MonitorLog)

	logger, closer, err := logging.Configure(cfg.Logging.Level, cfg.Paths.MonitorLog)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer closer.Close()

	fw, err := newFirewallManager(logger)
	if err != nil {
		return err
	}

	docker, err := containers.NewDockerClient()
	if err != nil {
		return err
	}
	defer docker.Close()

	m := metrics.New()
	mapper := containers.NewMapper(docker, logger)
	mapper.OnRestart = func(error) { m.SourceRestarts.WithLabelValues("docker-events").Inc() }

	deps := monitor.Deps{
		Blacklist:  iplist.New("blacklist", cfg.Paths.Blacklist, logger),
		Whitelist:  iplist.New("whitelist", cfg.Paths.Whitelist, logger),
		Firewall:   fw,
		Mapper:     mapper,
		Cache:      dnscache.New(),
		KernelLive: &connwatch.JournalSource{Follow: true, Logger: logger},
		KernelHistory: func(since time.Time) linesource.Source {
			return &connwatch.JournalSource{Since: since, Logger: logger}
		},
		Checkpoint: store,
		Metrics:    m,
		Logger:     logger,
	}

	if resolver := cfg.DNS.ResolverContainer; resolver != "" {
		tty := cfg.DNS.ResolverTTY
		deps.DNSLive = &dnscache.DockerLogSource{API: docker, Container: resolver, Follow: true, TTY: tty}
		deps.DNSHistory = func(since time.Time) linesource.Source {
			return &dnscache.DockerLogSource{API: docker, Container: resolver, Since: since, TTY: tty}
		}
	} else {
		logger.Warn("No resolver container configured, every public connection will be reported.")
	}

	if cfg.OpenSnitch.Enabled {
		client, err := opensnitch.Open(cfg.OpenSnitch.DBPath, cfg.OpenSnitch.Rule, logger)
		if err != nil {
			return fmt.Errorf("failed to open opensnitch database: %w", err)
		}
		defer client.Close()
		deps.OpenSnitch = client
	}

	if cfg.Paths.AuditLog != "" {
		audit, err := monitor.NewAuditLog(cfg.Paths.AuditLog)
		if err != nil {
			return err
		}
		defer audit.Close()
		deps.Audit = audit
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting dnsguard.",
		"version", Version,
		"subnet", cfg.Network.Subnet,
		"chain", cfg.Network.Chain,
		"blocking", cfg.Detection.Blocking,
		"persist", cfg.Detection.Persist,
		"resolver", cfg.DNS.ResolverContainer,
		"opensnitch", cfg.OpenSnitch.Enabled,
	)
	return monitor.New(monitorConfig(cfg), deps).Run(ctx)
}
