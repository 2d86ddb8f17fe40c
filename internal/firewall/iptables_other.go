//go:build !linux

package firewall

import "fmt"

// IPTablesBackend is unavailable outside Linux.
type IPTablesBackend struct{}

// NewIPTablesBackend returns an error on non-Linux platforms.
func NewIPTablesBackend() (*IPTablesBackend, error) {
	return nil, fmt.Errorf("iptables is only supported on Linux")
}

func (b *IPTablesBackend) Exists(string, ...string) bool { return false }

func (b *IPTablesBackend) Run(...string) ([]byte, error) {
	return nil, fmt.Errorf("iptables is only supported on Linux")
}
