package dnscache

import (
	"context"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/mensfeld/dnsguard/internal/linesource"
)

// replyPattern matches resolver log lines such as
// "reply c2.example.com is 45.148.10.81" and "cached example.com is 1.2.3.4".
var replyPattern = regexp.MustCompile(`\b(?:reply|cached) (\S+) is (\S+)`)

// ipv6Markers reject a line even when it otherwise matches.
var ipv6Markers = []string{"IPv6", "AAAA"}

// ParseReply extracts the domain and IPv4 answer from a resolver log line.
func ParseReply(line string) (domain, ip string, ok bool) {
	for _, marker := range ipv6Markers {
		if strings.Contains(line, marker) {
			return "", "", false
		}
	}
	m := replyPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	addr, err := netip.ParseAddr(m[2])
	if err != nil || !addr.Is4() {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSuffix(m[1], ".")), addr.String(), true
}

// Feed fills a Cache from a resolver log source.
type Feed struct {
	Cache    *Cache
	Follower linesource.Follower
	Logger   *slog.Logger
	// OnAdd is called for every new (ip, domain) pair.
	OnAdd func(ip, domain string)

	now func() time.Time
}

func (f *Feed) handle(line linesource.Line) bool {
	domain, ip, ok := ParseReply(line.Text)
	if !ok {
		return false
	}
	at := line.Time
	if at.IsZero() {
		if f.now != nil {
			at = f.now()
		} else {
			at = time.Now()
		}
	}
	if !f.Cache.Add(ip, domain, at) {
		return false
	}
	if f.Logger != nil {
		f.Logger.Debug("DNS reply recorded.", "domain", domain, "ip", ip)
	}
	if f.OnAdd != nil {
		f.OnAdd(ip, domain)
	}
	return true
}

// Run tails src until ctx is done, reopening it on failure.
func (f *Feed) Run(ctx context.Context, src linesource.Source) error {
	return f.Follower.Follow(ctx, src, func(l linesource.Line) { f.handle(l) })
}

// Load streams src once and returns how many new pairs were recorded. It is
// used to bootstrap the cache from a historical window.
func (f *Feed) Load(ctx context.Context, src linesource.Source) (int, error) {
	added := 0
	err := src.Stream(ctx, func(l linesource.Line) {
		if f.handle(l) {
			added++
		}
	})
	return added, err
}
