package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FormatSummary renders the per-container summary as text.
func FormatSummary(summary []ContainerSummary) string {
	if len(summary) == 0 {
		return "No compromised containers detected.\n"
	}

	var sb strings.Builder
	total := 0
	for _, s := range summary {
		total += s.Alerts
	}
	fmt.Fprintf(&sb, "COMPROMISED CONTAINERS (%d containers, %d alerts)\n", len(summary), total)
	sb.WriteString(strings.Repeat("━", 70) + "\n")
	sb.WriteString("  Alerts  Container                       IPs\n")
	for _, s := range summary {
		name := s.Container
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		fmt.Fprintf(&sb, "  %-6d  %-30s  %s\n", s.Alerts, name, strings.Join(s.IPs, ", "))
	}
	return sb.String()
}

// FormatSummaryJSON renders the summary as indented JSON.
func FormatSummaryJSON(summary []ContainerSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatReport renders one report as a single line.
func FormatReport(r CompromiseReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %-14s %s -> %s:%d",
		r.Timestamp.Format(time.DateTime), r.Kind, r.Container, r.IP, r.Port)
	if r.Blocked {
		sb.WriteString(" blocked")
	}
	if r.Historical {
		sb.WriteString(" historical")
	}
	if r.Confidence != ConfidenceUnknown {
		fmt.Fprintf(&sb, " (%s)", r.Confidence)
	}
	return sb.String()
}
