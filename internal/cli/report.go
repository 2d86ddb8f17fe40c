package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensfeld/dnsguard/internal/monitor"
)

var (
	reportJSON    bool
	reportWatch   int
	reportVerbose bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise recorded compromise reports",
	Long: `Read the audit log and print the per-container summary of compromise
reports, sorted by alert count.

Examples:
  dnsguard report                  # One-shot summary
  dnsguard report --verbose        # Every report, oldest first
  dnsguard report --json           # JSON output
  dnsguard report --watch 5        # Update every 5 seconds`,
	Args: cobra.NoArgs,
	RunE: reportCommand,
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output in JSON format")
	reportCmd.Flags().IntVar(&reportWatch, "watch", 0, "Watch mode: update every N seconds (0 = one-shot)")
	reportCmd.Flags().BoolVarP(&reportVerbose, "verbose", "v", false, "Print every report")
}

func reportCommand(cmd *cobra.Command, args []string) error {
	if reportWatch > 0 {
		return runReportWatch(cmd.Context(), reportWatch)
	}

	out, err := renderReport(cfg.Paths.AuditLog)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// renderReport reads the audit log and formats it according to the flags.
// A missing log means nothing has been reported yet.
func renderReport(path string) (string, error) {
	reports, err := monitor.ReadAuditLog(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	tracker := monitor.NewReportTracker()
	for _, r := range reports {
		tracker.Record(r.Container, r.IP)
	}
	summary := tracker.Summary()

	if reportJSON {
		data, err := monitor.FormatSummaryJSON(summary)
		if err != nil {
			return "", err
		}
		return data + "\n", nil
	}

	out := monitor.FormatSummary(summary)
	if reportVerbose {
		for _, r := range reports {
			out += monitor.FormatReport(r) + "\n"
		}
	}
	return out, nil
}

func runReportWatch(ctx context.Context, intervalSec int) error {
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()

	show := func() {
		out, err := renderReport(cfg.Paths.AuditLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Print("\033[2J\033[H") // Clear screen, move cursor to top
		fmt.Print(out)
		fmt.Printf("\nLast Updated: %s | Press Ctrl+C to exit\n", time.Now().Format("2006-01-02 15:04:05"))
	}

	show()
	for {
		select {
		case <-ticker.C:
			show()
		case <-ctx.Done():
			return nil
		}
	}
}
