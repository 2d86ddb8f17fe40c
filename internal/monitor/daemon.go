package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/mensfeld/dnsguard/internal/checkpoint"
	"github.com/mensfeld/dnsguard/internal/connwatch"
	"github.com/mensfeld/dnsguard/internal/dnscache"
	"github.com/mensfeld/dnsguard/internal/history"
	"github.com/mensfeld/dnsguard/internal/iplist"
	"github.com/mensfeld/dnsguard/internal/linesource"
	"github.com/mensfeld/dnsguard/internal/metrics"
	"github.com/mensfeld/dnsguard/internal/opensnitch"
)

// ErrNotRoot is returned when the monitor is started without root privileges.
var ErrNotRoot = errors.New("dnsguard must run as root (firewall and container runtime access)")

// DefaultShutdownGrace bounds how long Run waits for workers after a stop
// signal.
const DefaultShutdownGrace = 5 * time.Second

// RuleManager installs the monitor's firewall rules.
type RuleManager interface {
	Firewall
	EnsureChain() error
	EnsureLogRule() error
}

// ContainerMapper resolves container addresses and keeps itself current.
type ContainerMapper interface {
	Namer
	Refresh(ctx context.Context) error
	Watch(ctx context.Context) error
	Len() int
}

// DenyDatabase is the OpenSnitch client surface the monitor uses.
type DenyDatabase interface {
	AllARPABlocks(ctx context.Context) ([]opensnitch.Block, error)
	MonitorBlocksWithHook(ctx context.Context, fn func(opensnitch.Block), interval time.Duration, onPoll func(error)) error
}

// Config holds the monitor's tunables.
type Config struct {
	Blocking bool
	Persist  bool

	QueueSize       int
	Watcher         connwatch.Config
	BootstrapWindow time.Duration
	DNSRetention    time.Duration // 0 keeps DNS history forever

	RefreshInterval    time.Duration
	ListPollInterval   time.Duration
	SummaryInterval    time.Duration
	CheckpointInterval time.Duration

	OpenSnitchPollInterval time.Duration
	MetricsListen          string
	ShutdownGrace          time.Duration
}

// Deps are the components the monitor orchestrates. DNSLive, DNSHistory,
// OpenSnitch and Audit are optional.
type Deps struct {
	Blacklist *iplist.List
	Whitelist *iplist.List
	Firewall  RuleManager
	Mapper    ContainerMapper
	Cache     *dnscache.Cache

	DNSLive       linesource.Source
	DNSHistory    history.SourceFunc
	KernelLive    linesource.Source
	KernelHistory history.SourceFunc

	OpenSnitch DenyDatabase
	Checkpoint *checkpoint.Store
	Audit      *AuditLog
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type phase int

const (
	phasePrivilege phase = iota
	phaseFirewall
	phaseLists
	phaseOpenSnitch
	phaseContainers
	phaseHistory
	phaseResync
	phaseReady
)

func (p phase) String() string {
	switch p {
	case phasePrivilege:
		return "privilege"
	case phaseFirewall:
		return "firewall"
	case phaseLists:
		return "lists"
	case phaseOpenSnitch:
		return "opensnitch"
	case phaseContainers:
		return "containers"
	case phaseHistory:
		return "history"
	case phaseResync:
		return "resync"
	case phaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Monitor wires the sources, the queue and the detector together.
type Monitor struct {
	cfg  Config
	deps Deps

	logger     *slog.Logger
	metrics    *metrics.Metrics
	responder  *Responder
	reports    *ReportTracker
	confidence *ConfidenceSet
	detector   *Detector
	watcher    *connwatch.Watcher
	queue      *connwatch.Queue
	feed       *dnscache.Feed
	follower   linesource.Follower

	phase phase

	geteuid func() int
	notify  func() error
}

// New builds a monitor. Nothing touches the outside world until Run.
func New(cfg Config, deps Deps) *Monitor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if deps.Cache == nil {
		deps.Cache = dnscache.New()
	}

	mon := &Monitor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: m,
		reports: NewReportTracker(),
		queue:   connwatch.NewQueue(cfg.QueueSize),
		geteuid: os.Geteuid,
		notify: func() error {
			_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
			return err
		},
	}

	var fw Firewall
	if deps.Firewall != nil {
		fw = deps.Firewall
	}
	mon.responder = NewResponder(deps.Blacklist, deps.Whitelist, fw, cfg.Blocking, cfg.Persist, logger)

	if deps.OpenSnitch != nil {
		mon.confidence = NewConfidenceSet()
		mon.confidence.onAdd = func(size int) { m.OpenSnitchSize.Set(float64(size)) }
	}

	mon.detector = NewDetector(deps.Mapper, deps.Cache, mon.responder, mon.reports, logger)
	mon.detector.Confidence = mon.confidence
	mon.detector.Audit = deps.Audit
	mon.detector.OnOutcome = func(o Outcome) { m.Classified.WithLabelValues(string(o)).Inc() }
	mon.detector.OnReport = func(r CompromiseReport) { m.Reports.WithLabelValues(string(r.Kind)).Inc() }

	mon.watcher = connwatch.NewWatcher(cfg.Watcher, logger)
	mon.watcher.OnVerdict = func(v connwatch.Verdict) { m.Connections.WithLabelValues(string(v)).Inc() }
	mon.watcher.OnEvict = func() { m.QueueEvictions.Inc() }

	mon.follower = linesource.Follower{
		Logger:    logger,
		OnRestart: func(source string, _ error) { m.SourceRestarts.WithLabelValues(source).Inc() },
	}
	mon.feed = &dnscache.Feed{
		Cache:    deps.Cache,
		Follower: mon.follower,
		Logger:   logger.With("component", "dnscache"),
		OnAdd:    func(string, string) { m.DNSReplies.Inc() },
	}

	return mon
}

// Detector returns the monitor's detector.
func (m *Monitor) Detector() *Detector { return m.detector }

// Reports returns the report tracker.
func (m *Monitor) Reports() *ReportTracker { return m.reports }

// AddToBlacklist blacklists ip unless it is whitelisted.
func (m *Monitor) AddToBlacklist(ip string) (bool, error) {
	return m.detector.AddToBlacklist(ip)
}

func (m *Monitor) enter(p phase) {
	m.phase = p
	m.logger.Debug("Entering startup phase.", "phase", p)
}

// Startup runs the linear startup sequence. Only a missing privilege or an
// unusable list file is fatal; every other failure degrades detection and
// is logged.
func (m *Monitor) Startup(ctx context.Context) error {
	began := time.Now()
	replayedUntil := time.Time{}

	m.enter(phasePrivilege)
	if m.geteuid() != 0 {
		return ErrNotRoot
	}

	m.enter(phaseFirewall)
	if m.deps.Firewall != nil {
		if err := m.deps.Firewall.EnsureChain(); err != nil {
			m.logger.Error("Failed to prepare firewall chain.", "error", err)
		}
		if err := m.deps.Firewall.EnsureLogRule(); err != nil {
			m.logger.Error("Failed to install LOG rule.", "error", err)
		}
	}

	m.enter(phaseLists)
	if err := m.deps.Blacklist.Load(); err != nil {
		return fmt.Errorf("failed to load blacklist: %w", err)
	}
	if err := m.deps.Whitelist.Load(); err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}
	if n := m.responder.Reconcile(); n > 0 {
		m.logger.Info("Whitelisted IPs removed from blacklist at startup.", "count", n)
	}
	m.logger.Info("Lists loaded.", "blacklist", m.deps.Blacklist.Len(), "whitelist", m.deps.Whitelist.Len())

	if m.deps.OpenSnitch != nil {
		m.enter(phaseOpenSnitch)
		blocks, err := m.deps.OpenSnitch.AllARPABlocks(ctx)
		if err != nil {
			m.logger.Warn("Failed to load OpenSnitch history.", "error", err)
		}
		for _, b := range blocks {
			m.confidence.AddBlock(b)
		}
		m.logger.Info("OpenSnitch history loaded.", "ips", m.confidence.Len())
	}

	m.enter(phaseContainers)
	if err := m.deps.Mapper.Refresh(ctx); err != nil {
		m.logger.Warn("Failed to list containers.", "error", err)
	}

	m.enter(phaseHistory)
	if m.deps.KernelHistory != nil && m.deps.Checkpoint != nil {
		before := m.reports.Total()
		analyzer := history.New(history.Config{
			BootstrapWindow: m.cfg.BootstrapWindow,
			Watcher:         m.cfg.Watcher,
		}, m.deps.Checkpoint, m.feed, m.deps.DNSHistory, m.deps.KernelHistory,
			func(c connwatch.Connection) { m.detector.Classify(c, true) }, m.logger)
		if _, err := analyzer.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("Historical analysis failed.", "error", err)
		} else {
			replayedUntil = m.deps.Checkpoint.Latest()
		}
		if found := m.reports.Total() - before; found > 0 {
			m.logger.Warn("Historical analysis found compromised containers.", "reports", found)
		}
	}

	m.enter(phaseResync)
	if m.responder.Blocking() {
		n := m.responder.Resync()
		m.logger.Info("Blocking rules synchronised.", "blocked", n)
	}

	m.enter(phaseReady)
	m.seedLiveSources(began, replayedUntil)
	m.updateGauges()
	m.logger.Info("Startup complete.", "blocking", m.cfg.Blocking, "persist", m.cfg.Persist)
	return nil
}

// Resumable is implemented by live sources that can start at a given time
// instead of at their current end.
type Resumable interface {
	ResumeAfter(t time.Time)
}

// seedLiveSources starts the live kernel source where the replay ended and
// the live DNS source where startup began, so lines written while starting
// up are not lost. Re-reading DNS replies the bootstrap already saw is
// harmless since the cache keeps one entry per domain and IP.
func (m *Monitor) seedLiveSources(began, replayedUntil time.Time) {
	if r, ok := m.deps.KernelLive.(Resumable); ok {
		from := replayedUntil
		if from.IsZero() {
			from = began
		}
		r.ResumeAfter(from)
	}
	if r, ok := m.deps.DNSLive.(Resumable); ok {
		r.ResumeAfter(began)
	}
}

// Run starts the monitor and blocks until ctx is done. Firewall rules are
// left installed on return.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Startup(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Replayed lines may be observed but not yet classified, so the
			// checkpoint is left where it was.
			m.logger.Info("Stopped during startup.", "phase", m.phase)
			m.logSummary()
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	m.startWorkers(gctx, g)

	if err := m.notify(); err != nil {
		m.logger.Warn("Failed to notify systemd that the monitor is ready.", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	<-ctx.Done()
	m.logger.Info("Shutting down.")

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		m.logger.Warn("Workers did not stop in time.", "grace", m.cfg.ShutdownGrace)
	}

	m.shutdown()
	return nil
}

func (m *Monitor) startWorkers(ctx context.Context, g *errgroup.Group) {
	m.worker(ctx, g, "detector", m.detect)
	m.worker(ctx, g, "maintenance", m.maintain)
	m.worker(ctx, g, "containers", m.deps.Mapper.Watch)

	if m.deps.KernelLive != nil {
		src := observed{Source: m.deps.KernelLive, store: m.deps.Checkpoint}
		m.worker(ctx, g, "connwatch", func(ctx context.Context) error {
			return m.watcher.Run(ctx, src, m.queue, m.follower)
		})
	}
	if m.deps.DNSLive != nil {
		m.worker(ctx, g, "dnsfeed", func(ctx context.Context) error {
			return m.feed.Run(ctx, m.deps.DNSLive)
		})
	}
	if m.deps.OpenSnitch != nil {
		m.worker(ctx, g, "opensnitch", func(ctx context.Context) error {
			return m.deps.OpenSnitch.MonitorBlocksWithHook(ctx,
				func(b opensnitch.Block) {
					if m.confidence.AddBlock(b) {
						m.logger.Info("OpenSnitch blocked reverse lookup.", "ip", b.IP, "host", b.Host)
					}
				},
				m.cfg.OpenSnitchPollInterval,
				func(err error) {
					result := "ok"
					if err != nil {
						result = "error"
					}
					m.metrics.OpenSnitchPoll.WithLabelValues(result).Inc()
				})
		})
	}
	if m.cfg.MetricsListen != "" {
		m.worker(ctx, g, "metrics", func(ctx context.Context) error {
			return m.metrics.Serve(ctx, m.cfg.MetricsListen, m.logger)
		})
	}
}

// worker runs fn in the group. A failing worker is logged and does not stop
// the others.
func (m *Monitor) worker(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("Worker stopped.", "worker", name, "error", err)
		}
		return nil
	})
}

// detect drains the queue until ctx is done.
func (m *Monitor) detect(ctx context.Context) error {
	for {
		c, err := m.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		m.detector.Classify(c, false)
	}
}

func (m *Monitor) shutdown() {
	m.logSummary()
	if m.deps.Checkpoint != nil {
		if err := m.deps.Checkpoint.Save(); err != nil {
			m.logger.Warn("Failed to save checkpoint.", "error", err)
		}
	}
}

func (m *Monitor) logSummary() {
	summary := m.reports.Summary()
	if len(summary) == 0 {
		m.logger.Info("No compromised containers detected.")
		return
	}
	m.logger.Warn("Compromised containers.", "containers", len(summary))
	for _, s := range summary {
		m.logger.Warn("Container summary.", "container", s.Container, "alerts", s.Alerts, "ips", s.IPs)
	}
}

// observed records the time of every delivered line in the checkpoint.
type observed struct {
	linesource.Source
	store *checkpoint.Store
}

func (o observed) Stream(ctx context.Context, fn func(linesource.Line)) error {
	return o.Source.Stream(ctx, func(l linesource.Line) {
		if o.store != nil {
			o.store.Observe(l.Time)
		}
		fn(l)
	})
}
