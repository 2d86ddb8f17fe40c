// Package dnscache records which IP addresses were handed out by the DNS
// resolver, and for which domains.
package dnscache

import (
	"sync"
	"time"
)

// Entry is one observed resolution.
type Entry struct {
	Domain     string
	ObservedAt time.Time
}

// Cache maps a resolved IP to the domains that resolved to it, in the order
// first seen. A domain is recorded once per IP.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string][]Entry)}
}

// Add records that domain resolved to ip. It returns false when the pair was
// already known.
func (c *Cache) Add(ip, domain string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries[ip] {
		if e.Domain == domain {
			return false
		}
	}
	c.entries[ip] = append(c.entries[ip], Entry{Domain: domain, ObservedAt: at})
	return true
}

// Has reports whether any resolution to ip was observed.
func (c *Cache) Has(ip string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[ip]) > 0
}

// Domains returns a copy of the entries for ip.
func (c *Cache) Domains(ip string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries[ip]...)
}

// Len returns the number of distinct IPs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Prune drops entries observed before cutoff and returns how many IPs were
// removed entirely.
func (c *Cache) Prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ip, list := range c.entries {
		kept := list[:0]
		for _, e := range list {
			if !e.ObservedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.entries, ip)
			removed++
			continue
		}
		c.entries[ip] = kept
	}
	return removed
}
