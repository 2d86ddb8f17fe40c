//go:build linux

package firewall

import (
	"github.com/docker/docker/libnetwork/iptables"
)

// IPTablesBackend drives iptables through Docker's libnetwork wrapper, which
// serialises access with the xtables lock.
type IPTablesBackend struct {
	ipt *iptables.IPTable
}

// NewIPTablesBackend returns the IPv4 filter-table backend.
func NewIPTablesBackend() (*IPTablesBackend, error) {
	return &IPTablesBackend{ipt: iptables.GetIptable(iptables.IPv4)}, nil
}

func (b *IPTablesBackend) Exists(chain string, rule ...string) bool {
	return b.ipt.Exists(iptables.Filter, chain, rule...)
}

func (b *IPTablesBackend) Run(args ...string) ([]byte, error) {
	return b.ipt.Raw(append([]string{"-t", string(iptables.Filter)}, args...)...)
}
