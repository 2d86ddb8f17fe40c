package monitor

import (
	"log/slog"

	"github.com/mensfeld/dnsguard/internal/iplist"
)

// Firewall is the part of firewall.Manager the responder drives.
type Firewall interface {
	AddDropRule(ip string) error
	RemoveDropRule(ip string) error
}

// Responder applies verdicts: it maintains the blacklist and, in blocking
// mode, the matching DROP rules. The list and the rule are independent
// idempotent steps; a failure between them is repaired by Resync.
type Responder struct {
	blacklist *iplist.List
	whitelist *iplist.List
	firewall  Firewall
	blocking  bool
	persist   bool
	logger    *slog.Logger
}

// NewResponder creates a responder. fw may be nil when blocking is off.
func NewResponder(blacklist, whitelist *iplist.List, fw Firewall, blocking, persist bool, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		blacklist: blacklist,
		whitelist: whitelist,
		firewall:  fw,
		blocking:  blocking && fw != nil,
		persist:   persist,
		logger:    logger.With("component", "responder"),
	}
}

// Blocking reports whether DROP rules are installed for blacklisted IPs.
func (r *Responder) Blocking() bool { return r.blocking }

// AddToBlacklist adds ip unless it is whitelisted. It returns true only when
// the address was newly added.
func (r *Responder) AddToBlacklist(ip string) (bool, error) {
	if r.whitelist.Contains(ip) {
		r.logger.Debug("Refusing to blacklist whitelisted IP.", "ip", ip)
		return false, nil
	}
	if !r.persist {
		return r.blacklist.AddMemoryOnly(ip), nil
	}
	return r.blacklist.Add(ip)
}

// Block installs the DROP rule for ip when blocking is enabled.
func (r *Responder) Block(ip string) bool {
	if !r.blocking {
		return false
	}
	if err := r.firewall.AddDropRule(ip); err != nil {
		r.logger.Warn("Failed to block IP.", "ip", ip, "error", err)
		return false
	}
	return true
}

// Unblock removes the DROP rule for ip when blocking is enabled.
func (r *Responder) Unblock(ip string) {
	if !r.blocking {
		return
	}
	if err := r.firewall.RemoveDropRule(ip); err != nil {
		r.logger.Warn("Failed to unblock IP.", "ip", ip, "error", err)
	}
}

// Resync makes sure every blacklisted IP has its DROP rule. It returns how
// many addresses are blocked afterwards.
func (r *Responder) Resync() int {
	if !r.blocking {
		return 0
	}
	n := 0
	for _, ip := range r.blacklist.All().Sorted() {
		if r.Block(ip) {
			n++
		}
	}
	return n
}

// RemoveFromBlacklist drops ips from the blacklist and unblocks them.
func (r *Responder) RemoveFromBlacklist(ips iplist.Set) int {
	if len(ips) == 0 {
		return 0
	}
	var n int
	if r.persist {
		removed, err := r.blacklist.RemoveIPs(ips)
		if err != nil {
			r.logger.Warn("Failed to rewrite blacklist.", "error", err)
			return 0
		}
		n = removed
	} else {
		n = r.blacklist.RemoveMemoryOnly(ips)
	}
	for ip := range ips {
		r.Unblock(ip)
	}
	return n
}

// ReloadResult describes what a list reload changed.
type ReloadResult struct {
	WhitelistReloaded bool
	BlacklistReloaded bool
	Blocked           int
	Unblocked         int
	Corrected         int // whitelisted IPs removed from the blacklist
}

// ReloadLists picks up external edits of both list files. Newly whitelisted
// addresses leave the blacklist; blacklist additions and removals are
// mirrored into DROP rules. The blacklist file is not reloaded when running
// without persistence, since that would discard in-memory entries.
func (r *Responder) ReloadLists() ReloadResult {
	var res ReloadResult

	if r.whitelist.HasChanged() {
		if _, err := r.whitelist.Reload(); err != nil {
			r.logger.Warn("Failed to reload whitelist.", "error", err)
		} else {
			res.WhitelistReloaded = true
		}
	}

	if r.persist && r.blacklist.HasChanged() {
		prev, err := r.blacklist.Reload()
		if err != nil {
			r.logger.Warn("Failed to reload blacklist.", "error", err)
		} else {
			res.BlacklistReloaded = true
			now := r.blacklist.All()
			for ip := range now.Diff(prev) {
				if r.Block(ip) {
					res.Blocked++
				}
			}
			for ip := range prev.Diff(now) {
				r.Unblock(ip)
				res.Unblocked++
			}
		}
	}

	if res.WhitelistReloaded || res.BlacklistReloaded {
		res.Corrected = r.Reconcile()
	}

	return res
}

// Reconcile removes every whitelisted address from the blacklist. It
// returns how many were removed.
func (r *Responder) Reconcile() int {
	conflicts := make(iplist.Set)
	white := r.whitelist.All()
	for ip := range r.blacklist.All() {
		if white.Has(ip) {
			conflicts[ip] = struct{}{}
		}
	}
	if len(conflicts) == 0 {
		return 0
	}
	n := r.RemoveFromBlacklist(conflicts)
	r.logger.Info("Removed whitelisted IPs from blacklist.", "ips", conflicts.Sorted())
	return n
}
