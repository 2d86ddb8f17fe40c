// Package iplist manages a persisted set of IP addresses backed by a plain
// text file (one address per line, '#' comments).
package iplist

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Set is a set of IP address strings.
type Set map[string]struct{}

// NewSet builds a set from the given addresses.
func NewSet(ips ...string) Set {
	s := make(Set, len(ips))
	for _, ip := range ips {
		s[ip] = struct{}{}
	}
	return s
}

// Has reports whether ip is in the set.
func (s Set) Has(ip string) bool {
	_, ok := s[ip]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for ip := range s {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Diff returns the members of s missing from other.
func (s Set) Diff(other Set) Set {
	out := make(Set)
	for ip := range s {
		if !other.Has(ip) {
			out[ip] = struct{}{}
		}
	}
	return out
}

// List is one persisted IP list. The memory lock guards the in-memory set;
// the file lock serialises every read-modify-write of the backing file. The
// file lock is always taken before the memory lock.
type List struct {
	name   string
	path   string
	logger *slog.Logger

	memMu   sync.RWMutex
	ips     Set
	modTime time.Time

	fileMu sync.Mutex
}

// New creates a list backed by path. Call Load before use.
func New(name, path string, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{
		name:   name,
		path:   path,
		logger: logger.With("list", name),
		ips:    make(Set),
	}
}

// Name returns the list name ("blacklist", "whitelist").
func (l *List) Name() string { return l.name }

// Path returns the backing file path.
func (l *List) Path() string { return l.path }

// Load reads the backing file, creating it with a header comment when it
// does not exist yet.
func (l *List) Load() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		if err := l.createFile(); err != nil {
			return err
		}
		l.logger.Info("Created IP list file.", "path", l.path)
	}

	ips, modTime, err := l.readFile()
	if err != nil {
		return err
	}

	l.memMu.Lock()
	l.ips = ips
	l.modTime = modTime
	l.memMu.Unlock()

	l.logger.Info("Loaded IP list.", "path", l.path, "count", len(ips))
	return nil
}

// Contains reports whether ip is in the list.
func (l *List) Contains(ip string) bool {
	l.memMu.RLock()
	defer l.memMu.RUnlock()
	return l.ips.Has(ip)
}

// Len returns the number of addresses in memory.
func (l *List) Len() int {
	l.memMu.RLock()
	defer l.memMu.RUnlock()
	return len(l.ips)
}

// All returns a copy of the in-memory set.
func (l *List) All() Set {
	l.memMu.RLock()
	defer l.memMu.RUnlock()
	return copySet(l.ips)
}

// Add appends ip to the backing file and the in-memory set. It returns false
// without touching the file when ip is already known.
func (l *List) Add(ip string) (bool, error) {
	canon, err := canonical(ip)
	if err != nil {
		return false, err
	}
	if l.Contains(canon) {
		return false, nil
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	unlock, err := lockFile(l.path)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.path, err)
	}
	defer unlock()

	// Re-read so a concurrent external writer's entry is not duplicated.
	onDisk, _, err := l.readFile()
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if onDisk.Has(canon) {
		l.memMu.Lock()
		l.ips[canon] = struct{}{}
		l.memMu.Unlock()
		return false, nil
	}

	before := l.statModTime()
	if err := l.appendLine(canon); err != nil {
		return false, err
	}

	l.memMu.Lock()
	l.ips[canon] = struct{}{}
	// Only absorb our own write; an external edit that happened earlier must
	// still be visible to HasChanged.
	if before.Equal(l.modTime) {
		l.modTime = l.statModTime()
	}
	l.memMu.Unlock()
	return true, nil
}

// AddMemoryOnly adds ip to the in-memory set without writing the file.
func (l *List) AddMemoryOnly(ip string) bool {
	canon, err := canonical(ip)
	if err != nil {
		return false
	}
	l.memMu.Lock()
	defer l.memMu.Unlock()
	if l.ips.Has(canon) {
		return false
	}
	l.ips[canon] = struct{}{}
	return true
}

// RemoveMemoryOnly drops the given addresses from memory without touching
// the file.
func (l *List) RemoveMemoryOnly(remove Set) int {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	n := 0
	for ip := range remove {
		if l.ips.Has(ip) {
			delete(l.ips, ip)
			n++
		}
	}
	return n
}

// HasChanged reports whether the backing file was modified since the last
// load, reload or own write.
func (l *List) HasChanged() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	l.memMu.RLock()
	defer l.memMu.RUnlock()
	return !info.ModTime().Equal(l.modTime)
}

// Reload re-reads the backing file and returns the set as it was before.
func (l *List) Reload() (Set, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	ips, modTime, err := l.readFile()
	if err != nil {
		return nil, err
	}

	l.memMu.Lock()
	previous := l.ips
	l.ips = ips
	l.modTime = modTime
	l.memMu.Unlock()

	return previous, nil
}

// RemoveIPs rewrites the backing file without the given addresses and drops
// them from memory. It returns how many of them were present.
func (l *List) RemoveIPs(remove Set) (int, error) {
	if len(remove) == 0 {
		return 0, nil
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	unlock, err := lockFile(l.path)
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", l.path, err)
	}
	defer unlock()

	data, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read %s: %w", l.path, err)
	}

	removed := make(Set)
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if ip, ok := parseLine(line); ok && remove.Has(ip) {
			removed[ip] = struct{}{}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", l.path, err)
	}

	l.memMu.Lock()
	defer l.memMu.Unlock()
	for ip := range remove {
		if l.ips.Has(ip) {
			removed[ip] = struct{}{}
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if err := writeAtomic(l.path, out.Bytes()); err != nil {
		return 0, err
	}
	for ip := range removed {
		delete(l.ips, ip)
	}
	l.modTime = l.statModTime()
	return len(removed), nil
}

func (l *List) createFile() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", l.path, err)
	}
	header := fmt.Sprintf("# dnsguard %s\n# One IP address per line. Lines starting with # are ignored.\n", l.name)
	if err := os.WriteFile(l.path, []byte(header), 0o644); err != nil {
		return fmt.Errorf("create %s: %w", l.path, err)
	}
	return nil
}

func (l *List) readFile() (Set, time.Time, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return make(Set), time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat %s: %w", l.path, err)
	}

	ips := make(Set)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		ip, ok := parseLine(line)
		if !ok {
			if strings.TrimSpace(stripComment(line)) != "" {
				l.logger.Debug("Skipping invalid IP list line.", "line", lineNo)
			}
			continue
		}
		ips[ip] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("scan %s: %w", l.path, err)
	}
	return ips, info.ModTime(), nil
}

// appendLine appends ip on its own line. A hand-edited file may lack a
// trailing newline, in which case one is written first.
func (l *List) appendLine(ip string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	line := ip + "\n"
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	if size := info.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			f.Close()
			return fmt.Errorf("read %s: %w", l.path, err)
		}
		if last[0] != '\n' {
			line = "\n" + line
		}
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	return f.Close()
}

func (l *List) statModTime() time.Time {
	info, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// parseLine returns the canonical address on a list line, if any.
func parseLine(line string) (string, bool) {
	s := strings.TrimSpace(stripComment(line))
	if s == "" {
		return "", false
	}
	ip, err := canonical(s)
	if err != nil {
		return "", false
	}
	return ip, true
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func canonical(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("invalid IP address %q: %w", ip, err)
	}
	return addr.Unmap().String(), nil
}

func copySet(s Set) Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
