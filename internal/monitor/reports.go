package monitor

import (
	"sort"
	"sync"
)

type reportKey struct {
	container string
	ip        string
}

// ReportTracker remembers which (container, ip) pairs were already reported
// and keeps the per-container totals used by the summary.
type ReportTracker struct {
	mu       sync.Mutex
	reported map[reportKey]struct{}
	counts   map[string]int
	ips      map[string][]string
}

// NewReportTracker creates an empty tracker.
func NewReportTracker() *ReportTracker {
	return &ReportTracker{
		reported: make(map[reportKey]struct{}),
		counts:   make(map[string]int),
		ips:      make(map[string][]string),
	}
}

// Record marks the pair as reported. It returns false, and changes nothing,
// when the pair was reported before.
func (t *ReportTracker) Record(container, ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := reportKey{container: container, ip: ip}
	if _, ok := t.reported[key]; ok {
		return false
	}
	t.reported[key] = struct{}{}
	t.counts[container]++
	t.ips[container] = append(t.ips[container], ip)
	return true
}

// Reported reports whether the pair was recorded.
func (t *ReportTracker) Reported(container, ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reported[reportKey{container: container, ip: ip}]
	return ok
}

// Total returns the number of distinct reported pairs.
func (t *ReportTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reported)
}

// Summary returns every container with at least one report, most alerts
// first. Ties are ordered by name.
func (t *ReportTracker) Summary() []ContainerSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ContainerSummary, 0, len(t.counts))
	for name, n := range t.counts {
		ips := make([]string, len(t.ips[name]))
		copy(ips, t.ips[name])
		out = append(out, ContainerSummary{Container: name, Alerts: n, IPs: ips})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alerts != out[j].Alerts {
			return out[i].Alerts > out[j].Alerts
		}
		return out[i].Container < out[j].Container
	})
	return out
}
