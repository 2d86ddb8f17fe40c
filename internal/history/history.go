// Package history replays logs written while the monitor was not running so
// that connections made during downtime are still classified.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mensfeld/dnsguard/internal/checkpoint"
	"github.com/mensfeld/dnsguard/internal/connwatch"
	"github.com/mensfeld/dnsguard/internal/dnscache"
	"github.com/mensfeld/dnsguard/internal/linesource"
)

// DefaultBootstrapWindow is how far back resolver logs are read at startup.
const DefaultBootstrapWindow = time.Hour

// SourceFunc opens a one-shot source covering everything from since on. A
// zero since means from the beginning.
type SourceFunc func(since time.Time) linesource.Source

// Classifier runs the detection algorithm in replay mode.
type Classifier func(c connwatch.Connection)

// Config configures an Analyzer.
type Config struct {
	BootstrapWindow time.Duration
	Watcher         connwatch.Config
}

// Result summarises one replay.
type Result struct {
	Since       time.Time // zero on first run
	FirstRun    bool
	DNSReplies  int // new (ip, domain) pairs from the bootstrap window
	Lines       int // kernel log lines replayed
	Connections int // connections handed to the classifier
}

// Analyzer bootstraps the DNS cache and replays the kernel log since the
// last checkpoint.
type Analyzer struct {
	cfg        Config
	checkpoint *checkpoint.Store
	feed       *dnscache.Feed
	dnsSource  SourceFunc
	connSource SourceFunc
	classify   Classifier
	logger     *slog.Logger

	now func() time.Time
}

// New creates an analyzer. dnsSource may be nil when no resolver is
// configured.
func New(cfg Config, store *checkpoint.Store, feed *dnscache.Feed, dnsSource, connSource SourceFunc, classify Classifier, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BootstrapWindow <= 0 {
		cfg.BootstrapWindow = DefaultBootstrapWindow
	}
	return &Analyzer{
		cfg:        cfg,
		checkpoint: store,
		feed:       feed,
		dnsSource:  dnsSource,
		connSource: connSource,
		classify:   classify,
		logger:     logger.With("component", "history"),
		now:        time.Now,
	}
}

// Run loads the DNS bootstrap window and the kernel log concurrently, then
// classifies the replayed connections in log order. The DNS bootstrap is
// best effort; a failed kernel log replay is returned.
func (a *Analyzer) Run(ctx context.Context) (Result, error) {
	var res Result

	since, ok, err := a.checkpoint.Load()
	if err != nil {
		a.logger.Warn("Checkpoint unreadable, replaying from the beginning.", "error", err)
		since, ok = time.Time{}, false
	}
	res.Since = since
	res.FirstRun = !ok
	if ok {
		a.logger.Info("Replaying kernel log since checkpoint.", "since", since)
	} else {
		a.logger.Info("No checkpoint found, replaying the whole kernel log.")
	}

	// A fresh watcher keeps replay dedup state apart from the live one.
	watcher := connwatch.NewWatcher(a.cfg.Watcher, a.logger)

	var (
		dnsAdded int
		lines    int
		conns    []connwatch.Connection
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.dnsSource != nil && a.feed != nil {
		g.Go(func() error {
			src := a.dnsSource(a.now().Add(-a.cfg.BootstrapWindow))
			n, err := a.feed.Load(gctx, src)
			dnsAdded = n
			if err != nil && gctx.Err() == nil {
				a.logger.Warn("DNS bootstrap incomplete.", "source", src.Name(), "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		src := a.connSource(since)
		err := src.Stream(gctx, func(l linesource.Line) {
			lines++
			a.checkpoint.Observe(l.Time)
			if c, v := watcher.Accept(l); v == connwatch.VerdictAccepted {
				conns = append(conns, c)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to replay %s: %w", src.Name(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	res.DNSReplies = dnsAdded
	res.Lines = lines
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a.classify(c)
		res.Connections++
	}

	a.logger.Info("Historical analysis complete.",
		"dns_replies", res.DNSReplies, "lines", res.Lines, "connections", res.Connections)
	return res, nil
}
