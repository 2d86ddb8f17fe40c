package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mensfeld/dnsguard/internal/iplist"
	"github.com/mensfeld/dnsguard/internal/logging"
)

var (
	listsJSON  bool
	listsCount bool
)

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "Print the blacklist and whitelist",
	Long: `Print the size and contents of the blacklist and whitelist files.

Examples:
  dnsguard lists
  dnsguard lists --count
  dnsguard lists --json
`,
	Args: cobra.NoArgs,
	RunE: listsCommand,
}

func init() {
	listsCmd.Flags().BoolVar(&listsJSON, "json", false, "Output in JSON format")
	listsCmd.Flags().BoolVar(&listsCount, "count", false, "Print sizes only")
}

func listsCommand(cmd *cobra.Command, args []string) error {
	lists := []*iplist.List{
		iplist.New("blacklist", cfg.Paths.Blacklist, logging.Discard()),
		iplist.New("whitelist", cfg.Paths.Whitelist, logging.Discard()),
	}

	type listOutput struct {
		Name  string   `json:"name"`
		Path  string   `json:"path"`
		Count int      `json:"count"`
		IPs   []string `json:"ips,omitempty"`
	}

	var out []listOutput
	for _, l := range lists {
		if err := l.Load(); err != nil {
			return fmt.Errorf("failed to load %s: %w", l.Name(), err)
		}
		entry := listOutput{Name: l.Name(), Path: l.Path(), Count: l.Len()}
		if !listsCount {
			entry.IPs = l.All().Sorted()
		}
		out = append(out, entry)
	}

	if listsJSON {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	for i, entry := range out {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (%d) %s\n", entry.Name, entry.Count, entry.Path)
		for _, ip := range entry.IPs {
			fmt.Printf("  %s\n", ip)
		}
	}
	return nil
}
