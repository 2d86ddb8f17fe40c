// Package connwatch turns firewall LOG lines from the kernel log into
// deduplicated outbound connection events for the detector.
package connwatch

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Connection is one new outbound TCP connection seen by the LOG rule.
type Connection struct {
	SrcIP   string
	DstIP   string
	SrcPort int
	DstPort int
	Time    time.Time
}

var (
	srcPattern = regexp.MustCompile(`\bSRC=(\S+)`)
	dstPattern = regexp.MustCompile(`\bDST=(\S+)`)
	sptPattern = regexp.MustCompile(`\bSPT=(\d+)`)
	dptPattern = regexp.MustCompile(`\bDPT=(\d+)`)
)

// ParseLine extracts a connection from a kernel log line carrying prefix.
// Example:
//
//	DNSGUARD-CONN: IN=br-1 OUT=eth0 SRC=172.30.0.5 DST=45.148.10.81 LEN=60 PROTO=TCP SPT=40112 DPT=443 SYN
func ParseLine(line, prefix string) (Connection, bool) {
	if p := strings.TrimSpace(prefix); p != "" && !strings.Contains(line, p) {
		return Connection{}, false
	}

	src := extractField(srcPattern, line)
	dst := extractField(dstPattern, line)
	spt, err1 := strconv.Atoi(extractField(sptPattern, line))
	dpt, err2 := strconv.Atoi(extractField(dptPattern, line))
	if src == "" || dst == "" || err1 != nil || err2 != nil {
		return Connection{}, false
	}

	srcAddr, err := netip.ParseAddr(src)
	if err != nil {
		return Connection{}, false
	}
	dstAddr, err := netip.ParseAddr(dst)
	if err != nil {
		return Connection{}, false
	}

	return Connection{
		SrcIP:   srcAddr.Unmap().String(),
		DstIP:   dstAddr.Unmap().String(),
		SrcPort: spt,
		DstPort: dpt,
	}, true
}

func extractField(re *regexp.Regexp, line string) string {
	if m := re.FindStringSubmatch(line); len(m) > 1 {
		return m[1]
	}
	return ""
}

// IsPrivate reports whether ip is an address the monitor never treats as an
// external destination: private, loopback, link-local, unspecified or
// multicast. Unparsable input counts as private.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		addr.IsMulticast()
}
