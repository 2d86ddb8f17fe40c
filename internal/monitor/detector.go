package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mensfeld/dnsguard/internal/connwatch"
)

// Namer maps a source address to a container name, falling back to a
// synthetic label.
type Namer interface {
	Name(ip string) string
}

// DNSHistory answers whether an address was ever seen in a DNS reply.
type DNSHistory interface {
	Has(ip string) bool
}

// Detector classifies connections. One mutex covers the whole
// read-then-write sequence for a connection, and list reload corrections
// take the same mutex.
type Detector struct {
	mu        sync.Mutex
	names     Namer
	dns       DNSHistory
	responder *Responder
	reports   *ReportTracker
	logger    *slog.Logger

	// Confidence annotates reports when the OpenSnitch integration is on.
	Confidence *ConfidenceSet
	// Audit receives every new report when set.
	Audit *AuditLog

	OnOutcome func(Outcome)
	OnReport  func(CompromiseReport)
}

// NewDetector creates a detector.
func NewDetector(names Namer, dns DNSHistory, responder *Responder, reports *ReportTracker, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		names:     names,
		dns:       dns,
		responder: responder,
		reports:   reports,
		logger:    logger.With("component", "detector"),
	}
}

// Classify runs the detection algorithm for one connection. Historical
// connections come from log replay: hits on already blacklisted addresses
// are not reported again and new reports are logged at debug level.
func (d *Detector) Classify(c connwatch.Connection, historical bool) Outcome {
	outcome := d.classify(c, historical)
	if d.OnOutcome != nil {
		d.OnOutcome(outcome)
	}
	return outcome
}

func (d *Detector) classify(c connwatch.Connection, historical bool) Outcome {
	ip := c.DstIP
	if connwatch.IsPrivate(ip) {
		return OutcomePrivate
	}
	container := d.names.Name(c.SrcIP)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.responder.blacklist.Contains(ip) {
		if !historical {
			d.report(ReportBlacklistedIP, container, c, historical, false)
		}
		return OutcomeBlacklisted
	}

	if d.responder.whitelist.Contains(ip) {
		d.logger.Debug("Connection to whitelisted IP.", "container", container, "ip", ip, "port", c.DstPort)
		return OutcomeWhitelisted
	}

	if d.dns.Has(ip) {
		return OutcomeResolved
	}

	if _, err := d.responder.AddToBlacklist(ip); err != nil {
		d.logger.Warn("Failed to add IP to blacklist.", "ip", ip, "error", err)
	}
	blocked := d.responder.Block(ip)
	d.report(ReportHardcodedIP, container, c, historical, blocked)
	return OutcomeHardcoded
}

func (d *Detector) report(kind ReportKind, container string, c connwatch.Connection, historical, blocked bool) {
	if !d.reports.Record(container, c.DstIP) {
		return
	}

	r := CompromiseReport{
		ID:         uuid.New().String(),
		Timestamp:  c.Time,
		Kind:       kind,
		Container:  container,
		SourceIP:   c.SrcIP,
		IP:         c.DstIP,
		Port:       c.DstPort,
		Historical: historical,
		Blocked:    blocked,
		Confidence: d.Confidence.Annotate(c.DstIP),
	}

	level := slog.LevelWarn
	if historical {
		level = slog.LevelDebug
	}
	msg := "Container connected to an IP it never resolved."
	if kind == ReportBlacklistedIP {
		msg = "Container connected to a blacklisted IP."
	}
	attrs := []any{"container", container, "ip", c.DstIP, "port", c.DstPort, "blocked", blocked}
	if r.Confidence != ConfidenceUnknown {
		attrs = append(attrs, "confidence", r.Confidence)
	}
	d.logger.Log(context.Background(), level, msg, attrs...)

	if d.Audit != nil {
		if err := d.Audit.WriteReport(r); err != nil {
			d.logger.Warn("Failed to write audit log.", "error", err)
		}
	}
	if d.OnReport != nil {
		d.OnReport(r)
	}
}

// AddToBlacklist blacklists ip, and blocks it in blocking mode, unless it is
// whitelisted.
func (d *Detector) AddToBlacklist(ip string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	added, err := d.responder.AddToBlacklist(ip)
	if err != nil {
		return false, err
	}
	if added {
		d.responder.Block(ip)
	}
	return added, nil
}

// ReloadLists applies external list edits under the detector lock.
func (d *Detector) ReloadLists() ReloadResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responder.ReloadLists()
}
