package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mensfeld/dnsguard/internal/linesource"
)

// DefaultDedupWindow suppresses repeats of the same (src, dst, port) tuple.
const DefaultDedupWindow = 60 * time.Second

// DefaultServerPorts are listening ports of services commonly run in the
// monitored containers. Packets from these ports are replies, not
// container-initiated connections.
var DefaultServerPorts = []int{22, 53, 80, 443, 3000, 3306, 5432, 6379, 8000, 8080, 8443, 9000}

// Verdict explains why a line was or was not turned into an event.
type Verdict string

const (
	VerdictAccepted   Verdict = "accepted"
	VerdictUnparsed   Verdict = "unparsed"
	VerdictServerPort Verdict = "server_port"
	VerdictPrivate    Verdict = "private"
	VerdictDuplicate  Verdict = "duplicate"
)

// Config configures a Watcher.
type Config struct {
	LogPrefix   string
	ServerPorts []int
	DedupWindow time.Duration
}

type dedupKey struct {
	src, dst string
	port     int
}

// Watcher filters kernel log lines into connection events.
type Watcher struct {
	prefix      string
	serverPorts map[int]struct{}
	window      time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[dedupKey]time.Time

	// OnVerdict is called for every parsed line, for metrics.
	OnVerdict func(Verdict)
	// OnEvict is called when pushing an event evicted an older one.
	OnEvict func()

	now func() time.Time
}

// NewWatcher creates a watcher.
func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	ports := cfg.ServerPorts
	if ports == nil {
		ports = DefaultServerPorts
	}
	sp := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		sp[p] = struct{}{}
	}
	return &Watcher{
		prefix:      cfg.LogPrefix,
		serverPorts: sp,
		window:      cfg.DedupWindow,
		logger:      logger.With("component", "connwatch"),
		seen:        make(map[dedupKey]time.Time),
		now:         time.Now,
	}
}

// Accept parses and filters one line. The returned connection is only
// meaningful when the verdict is VerdictAccepted.
func (w *Watcher) Accept(line linesource.Line) (Connection, Verdict) {
	c, ok := ParseLine(line.Text, w.prefix)
	if !ok {
		return Connection{}, VerdictUnparsed
	}
	c.Time = line.Time
	if c.Time.IsZero() {
		c.Time = w.now()
	}

	verdict := w.classify(c)
	if w.OnVerdict != nil {
		w.OnVerdict(verdict)
	}
	return c, verdict
}

func (w *Watcher) classify(c Connection) Verdict {
	if _, ok := w.serverPorts[c.SrcPort]; ok {
		return VerdictServerPort
	}
	if IsPrivate(c.DstIP) {
		return VerdictPrivate
	}

	key := dedupKey{src: c.SrcIP, dst: c.DstIP, port: c.DstPort}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.seen[key]
	if ok {
		d := c.Time.Sub(last)
		if d < 0 {
			d = -d
		}
		if d < w.window {
			return VerdictDuplicate
		}
	}
	if !ok || c.Time.After(last) {
		w.seen[key] = c.Time
	}
	return VerdictAccepted
}

// PruneDedup forgets tuples last seen more than one window before now.
func (w *Watcher) PruneDedup(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for k, last := range w.seen {
		if now.Sub(last) >= w.window {
			delete(w.seen, k)
			removed++
		}
	}
	return removed
}

// DedupSize returns the number of tracked tuples.
func (w *Watcher) DedupSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Run tails src until ctx is done, pushing accepted connections into q.
func (w *Watcher) Run(ctx context.Context, src linesource.Source, q *Queue, follower linesource.Follower) error {
	return follower.Follow(ctx, src, func(l linesource.Line) {
		c, verdict := w.Accept(l)
		if verdict != VerdictAccepted {
			return
		}
		w.logger.Debug("Connection observed.", "src", c.SrcIP, "dst", c.DstIP, "port", c.DstPort)
		if q.Push(c) {
			if w.OnEvict != nil {
				w.OnEvict()
			}
		}
	})
}
