package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensfeld/dnsguard/internal/checkpoint"
	"github.com/mensfeld/dnsguard/internal/dnscache"
	"github.com/mensfeld/dnsguard/internal/history"
	"github.com/mensfeld/dnsguard/internal/iplist"
	"github.com/mensfeld/dnsguard/internal/linesource"
	"github.com/mensfeld/dnsguard/internal/logging"
	"github.com/mensfeld/dnsguard/internal/opensnitch"
)

const testPrefix = "DNSGUARD-CONN: "

func kernelLine(src, dst string, spt, dpt int, at time.Time) linesource.Line {
	return linesource.Line{
		Text: testPrefix + "IN=br-1 OUT=eth0 SRC=" + src + " DST=" + dst +
			" PROTO=TCP SPT=" + strconv.Itoa(spt) + " DPT=" + strconv.Itoa(dpt) + " SYN",
		Time: at,
	}
}

func staticFunc(lines ...linesource.Line) history.SourceFunc {
	return func(time.Time) linesource.Source {
		return linesource.Static{SourceName: "fixture", Lines: lines}
	}
}

type monitorFixture struct {
	monitor  *Monitor
	firewall *fakeFirewall
	mapper   *fakeMapper
	store    *checkpoint.Store
	black    *iplist.List
}

func newMonitorFixture(t *testing.T, dir string, cfg Config, deps Deps) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		firewall: newFakeFirewall(),
		mapper:   &fakeMapper{names: map[string]string{"172.30.0.5": "web"}},
		store:    checkpoint.NewStore(filepath.Join(dir, "checkpoint"), ""),
	}
	f.black = iplist.New("blacklist", filepath.Join(dir, "blacklist.txt"), logging.Discard())
	deps.Blacklist = f.black
	deps.Whitelist = iplist.New("whitelist", filepath.Join(dir, "whitelist.txt"), logging.Discard())
	deps.Firewall = f.firewall
	deps.Mapper = f.mapper
	deps.Checkpoint = f.store
	deps.Logger = logging.Discard()
	if deps.Cache == nil {
		deps.Cache = dnscache.New()
	}
	cfg.Watcher.LogPrefix = testPrefix
	cfg.Persist = true

	f.monitor = New(cfg, deps)
	f.monitor.geteuid = func() int { return 0 }
	f.monitor.notify = func() error { return nil }
	return f
}

func TestStartupRequiresRoot(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir(), Config{}, Deps{})
	f.monitor.geteuid = func() int { return 1000 }

	err := f.monitor.Startup(context.Background())
	assert.ErrorIs(t, err, ErrNotRoot)
	assert.Equal(t, 0, f.firewall.logRule, "no firewall changes before the privilege check")
}

func TestStartupSequence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blacklist.txt"), "198.51.100.1\n1.2.3.4\n")
	writeFile(t, filepath.Join(dir, "whitelist.txt"), "1.2.3.4\n")

	deny := &fakeDenyDB{blocks: []opensnitch.Block{{Host: "81.10.148.45.in-addr.arpa", IP: "45.148.10.81"}}}
	var emitted []CompromiseReport
	f := newMonitorFixture(t, dir, Config{Blocking: true}, Deps{
		OpenSnitch: deny,
		DNSHistory: staticFunc(linesource.Line{Text: "reply example.com is 93.184.216.34"}),
		KernelHistory: staticFunc(
			kernelLine("172.30.0.5", "93.184.216.34", 40000, 443, t0),
			kernelLine("172.30.0.5", "45.148.10.81", 40001, 443, t0.Add(time.Second)),
			kernelLine("172.30.0.7", "10.0.0.1", 40002, 443, t0.Add(2*time.Second)),
		),
	})
	f.monitor.Detector().OnReport = func(r CompromiseReport) { emitted = append(emitted, r) }

	require.NoError(t, f.monitor.Startup(context.Background()))

	assert.Equal(t, phaseReady, f.monitor.phase)
	assert.Equal(t, 1, f.firewall.chain)
	assert.Equal(t, 1, f.firewall.logRule)
	assert.Equal(t, 1, f.mapper.refreshes)
	assert.False(t, f.black.Contains("1.2.3.4"), "whitelisted IP corrected at startup")

	require.Len(t, emitted, 1)
	assert.Equal(t, "web", emitted[0].Container)
	assert.Equal(t, "45.148.10.81", emitted[0].IP)
	assert.True(t, emitted[0].Historical)
	assert.Equal(t, ConfidenceConfirmed, emitted[0].Confidence)

	// Resync covers both the old entry and the one found in history.
	assert.Equal(t, 1, f.firewall.rules("198.51.100.1"))
	assert.Equal(t, 1, f.firewall.rules("45.148.10.81"))
	assert.True(t, f.store.Latest().Equal(t0.Add(2*time.Second)))
}

func TestHistoricalReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lines := staticFunc(
		kernelLine("172.30.0.5", "45.148.10.81", 40000, 443, t0),
		kernelLine("172.30.0.6", "45.148.10.81", 40001, 443, t0.Add(time.Second)),
		kernelLine("172.30.0.5", "203.0.113.7", 40002, 8443, t0.Add(2*time.Second)),
	)

	first := newMonitorFixture(t, dir, Config{}, Deps{KernelHistory: lines})
	require.NoError(t, first.monitor.Startup(context.Background()))
	assert.Equal(t, 2, first.monitor.Reports().Total())

	// The same monitor replaying again adds nothing.
	require.NoError(t, first.monitor.Startup(context.Background()))
	assert.Equal(t, 2, first.monitor.Reports().Total())

	// Neither does a restarted monitor replaying the same window.
	second := newMonitorFixture(t, dir, Config{}, Deps{KernelHistory: lines})
	require.NoError(t, second.monitor.Startup(context.Background()))
	assert.Equal(t, 0, second.monitor.Reports().Total())

	data, err := os.ReadFile(filepath.Join(dir, "blacklist.txt"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "45.148.10.81"))
	assert.Equal(t, 1, strings.Count(string(data), "203.0.113.7"))
}

func TestStartupToleratesReplayFailure(t *testing.T) {
	f := newMonitorFixture(t, t.TempDir(), Config{}, Deps{
		KernelHistory: func(time.Time) linesource.Source { return brokenSource{} },
	})

	require.NoError(t, f.monitor.Startup(context.Background()))
	assert.Equal(t, phaseReady, f.monitor.phase)
}

type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }

func (brokenSource) Stream(context.Context, func(linesource.Line)) error {
	return errors.New("journal unavailable")
}

func TestRunDetectsLiveConnections(t *testing.T) {
	dir := t.TempDir()
	cache := dnscache.New()
	f := newMonitorFixture(t, dir, Config{ShutdownGrace: time.Second}, Deps{
		Cache: cache,
		DNSLive: linesource.Static{SourceName: "dns", Lines: []linesource.Line{
			{Text: "cached example.com is 93.184.216.34"},
		}},
		KernelLive: linesource.Static{SourceName: "kernel", Lines: []linesource.Line{
			kernelLine("172.30.0.5", "45.148.10.81", 40000, 443, t0),
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- f.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.monitor.Reports().Reported("web", "45.148.10.81")
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return cache.Has("93.184.216.34") }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	data, err := os.ReadFile(filepath.Join(dir, "checkpoint"))
	require.NoError(t, err, "checkpoint saved at shutdown")
	saved, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.True(t, saved.Equal(t0))
}

// resumableSource is a live source that records where it was told to start.
type resumableSource struct {
	linesource.Static
	resumed []time.Time
}

func (r *resumableSource) ResumeAfter(at time.Time) { r.resumed = append(r.resumed, at) }

func TestStartupSeedsLiveSources(t *testing.T) {
	kernel := &resumableSource{Static: linesource.Static{SourceName: "kernel"}}
	dns := &resumableSource{Static: linesource.Static{SourceName: "dns"}}
	f := newMonitorFixture(t, t.TempDir(), Config{}, Deps{
		KernelLive: kernel,
		DNSLive:    dns,
		KernelHistory: staticFunc(
			kernelLine("172.30.0.5", "93.184.216.34", 40000, 443, t0),
			kernelLine("172.30.0.5", "93.184.216.34", 40001, 443, t0.Add(2*time.Second)),
		),
	})

	before := time.Now()
	require.NoError(t, f.monitor.Startup(context.Background()))
	after := time.Now()

	require.Len(t, kernel.resumed, 1)
	assert.True(t, kernel.resumed[0].Equal(t0.Add(2*time.Second)), "kernel resumes where the replay ended")

	require.Len(t, dns.resumed, 1)
	assert.False(t, dns.resumed[0].Before(before), "DNS resumes at the start of startup")
	assert.False(t, dns.resumed[0].After(after))
}

func TestStartupSeedsKernelWithoutReplay(t *testing.T) {
	kernel := &resumableSource{Static: linesource.Static{SourceName: "kernel"}}
	f := newMonitorFixture(t, t.TempDir(), Config{}, Deps{
		KernelLive:    kernel,
		KernelHistory: func(time.Time) linesource.Source { return brokenSource{} },
	})

	before := time.Now()
	require.NoError(t, f.monitor.Startup(context.Background()))

	require.Len(t, kernel.resumed, 1)
	assert.False(t, kernel.resumed[0].Before(before), "failed replay falls back to the startup time")
}

// cancellingSource delivers one line, then stops the monitor mid-replay.
type cancellingSource struct {
	cancel context.CancelFunc
}

func (cancellingSource) Name() string { return "cancelling" }

func (c cancellingSource) Stream(ctx context.Context, fn func(linesource.Line)) error {
	fn(kernelLine("172.30.0.5", "45.148.10.81", 40000, 443, t0))
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestRunStoppedDuringReplayExitsCleanly(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newMonitorFixture(t, dir, Config{}, Deps{
		KernelHistory: func(time.Time) linesource.Source { return cancellingSource{cancel: cancel} },
	})

	require.NoError(t, f.monitor.Run(ctx))
	assert.Equal(t, phaseHistory, f.monitor.phase)

	_, err := os.Stat(filepath.Join(dir, "checkpoint"))
	assert.True(t, os.IsNotExist(err), "checkpoint must not advance past unclassified lines")
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "privilege", phasePrivilege.String())
	assert.Equal(t, "ready", phaseReady.String())
	assert.Equal(t, "phase(42)", phase(42).String())
}
