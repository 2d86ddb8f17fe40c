package monitor

import (
	"sync"

	"github.com/mensfeld/dnsguard/internal/opensnitch"
)

// ConfidenceSet holds the addresses OpenSnitch refused to reverse-resolve.
// A hardcoded-IP verdict for one of them is independently confirmed.
type ConfidenceSet struct {
	mu    sync.RWMutex
	ips   map[string]string // ip -> ARPA host
	onAdd func(size int)
}

// NewConfidenceSet creates an empty set.
func NewConfidenceSet() *ConfidenceSet {
	return &ConfidenceSet{ips: make(map[string]string)}
}

// AddBlock records one deny-database row. It returns false for rows already
// known.
func (c *ConfidenceSet) AddBlock(b opensnitch.Block) bool {
	if b.IP == "" {
		return false
	}
	c.mu.Lock()
	if _, ok := c.ips[b.IP]; ok {
		c.mu.Unlock()
		return false
	}
	c.ips[b.IP] = b.Host
	size := len(c.ips)
	c.mu.Unlock()

	if c.onAdd != nil {
		c.onAdd(size)
	}
	return true
}

// Has reports whether ip was blocked by OpenSnitch.
func (c *ConfidenceSet) Has(ip string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ips[ip]
	return ok
}

// Len returns the number of known addresses.
func (c *ConfidenceSet) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ips)
}

// Annotate returns the confidence label for ip. A nil set means the
// integration is disabled.
func (c *ConfidenceSet) Annotate(ip string) Confidence {
	if c == nil {
		return ConfidenceUnknown
	}
	if c.Has(ip) {
		return ConfidenceConfirmed
	}
	return ConfidenceNeedsReview
}
