package monitor

import (
	"context"
	"time"
)

// Maintenance defaults, used when the config leaves an interval unset.
const (
	DefaultRefreshInterval    = 5 * time.Minute
	DefaultListPollInterval   = 10 * time.Second
	DefaultSummaryInterval    = time.Hour
	DefaultCheckpointInterval = 30 * time.Second
)

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// maintain runs the periodic housekeeping until ctx is done.
func (m *Monitor) maintain(ctx context.Context) error {
	refresh := time.NewTicker(orDefault(m.cfg.RefreshInterval, DefaultRefreshInterval))
	defer refresh.Stop()
	lists := time.NewTicker(orDefault(m.cfg.ListPollInterval, DefaultListPollInterval))
	defer lists.Stop()
	summary := time.NewTicker(orDefault(m.cfg.SummaryInterval, DefaultSummaryInterval))
	defer summary.Stop()
	save := time.NewTicker(orDefault(m.cfg.CheckpointInterval, DefaultCheckpointInterval))
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			if err := m.deps.Mapper.Refresh(ctx); err != nil {
				m.logger.Warn("Failed to refresh containers.", "error", err)
			}
		case now := <-lists.C:
			m.pollLists()
			m.prune(now)
			m.updateGauges()
		case <-summary.C:
			m.logSummary()
		case <-save.C:
			if m.deps.Checkpoint == nil {
				continue
			}
			if err := m.deps.Checkpoint.Save(); err != nil {
				m.logger.Warn("Failed to save checkpoint.", "error", err)
			}
		}
	}
}

// pollLists applies external list edits.
func (m *Monitor) pollLists() ReloadResult {
	res := m.detector.ReloadLists()
	if res.WhitelistReloaded || res.BlacklistReloaded {
		m.logger.Info("Lists reloaded.",
			"blacklist", m.deps.Blacklist.Len(),
			"whitelist", m.deps.Whitelist.Len(),
			"blocked", res.Blocked,
			"unblocked", res.Unblocked,
			"corrected", res.Corrected)
	}
	return res
}

// prune drops expired DNS history and dedup entries.
func (m *Monitor) prune(now time.Time) {
	if m.cfg.DNSRetention > 0 {
		if n := m.deps.Cache.Prune(now.Add(-m.cfg.DNSRetention)); n > 0 {
			m.logger.Debug("Pruned DNS cache.", "ips", n)
		}
	}
	m.watcher.PruneDedup(now)
}

func (m *Monitor) updateGauges() {
	m.metrics.BlacklistSize.Set(float64(m.deps.Blacklist.Len()))
	m.metrics.WhitelistSize.Set(float64(m.deps.Whitelist.Len()))
	m.metrics.DNSCacheSize.Set(float64(m.deps.Cache.Len()))
	m.metrics.ContainerIPs.Set(float64(m.deps.Mapper.Len()))
	m.metrics.QueueDepth.Set(float64(m.queue.Len()))
}
