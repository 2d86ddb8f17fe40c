package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mensfeld/dnsguard/internal/containers"
	"github.com/mensfeld/dnsguard/internal/iplist"
	"github.com/mensfeld/dnsguard/internal/logging"
	"github.com/mensfeld/dnsguard/internal/opensnitch"
)

// fakeFirewall keeps at most one DROP rule per address, like the
// existence-checked manager.
type fakeFirewall struct {
	mu      sync.Mutex
	drops   map[string]int
	logRule int
	chain   int
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{drops: make(map[string]int)}
}

func (f *fakeFirewall) AddDropRule(ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drops[ip] == 0 {
		f.drops[ip] = 1
	}
	return nil
}

func (f *fakeFirewall) RemoveDropRule(ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.drops, ip)
	return nil
}

func (f *fakeFirewall) EnsureChain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chain = 1
	return nil
}

func (f *fakeFirewall) EnsureLogRule() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logRule = 1
	return nil
}

func (f *fakeFirewall) rules(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops[ip]
}

// fakeMapper serves a fixed address table.
type fakeMapper struct {
	mu        sync.Mutex
	names     map[string]string
	refreshes int
}

func (f *fakeMapper) Name(ip string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.names[ip]; ok {
		return n
	}
	return containers.UnknownName(ip)
}

func (f *fakeMapper) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeMapper) Watch(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeMapper) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

// fakeDenyDB returns fixed history and then idles.
type fakeDenyDB struct {
	blocks []opensnitch.Block
}

func (f *fakeDenyDB) AllARPABlocks(context.Context) ([]opensnitch.Block, error) {
	return f.blocks, nil
}

func (f *fakeDenyDB) MonitorBlocksWithHook(ctx context.Context, _ func(opensnitch.Block), _ time.Duration, _ func(error)) error {
	<-ctx.Done()
	return ctx.Err()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// touch pushes the mtime forward so HasChanged notices an edit made within
// the filesystem's timestamp granularity.
func touch(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

// newLists creates a loaded blacklist and whitelist in a temp dir.
func newLists(t *testing.T, whitelist string) (*iplist.List, *iplist.List) {
	t.Helper()
	dir := t.TempDir()
	whitePath := filepath.Join(dir, "whitelist.txt")
	if whitelist != "" {
		writeFile(t, whitePath, whitelist)
	}
	black := iplist.New("blacklist", filepath.Join(dir, "blacklist.txt"), logging.Discard())
	white := iplist.New("whitelist", whitePath, logging.Discard())
	require.NoError(t, black.Load())
	require.NoError(t, white.Load())
	return black, white
}
