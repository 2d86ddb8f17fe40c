// Package checkpoint persists the timestamp of the last processed connection
// so historical replay can resume across restarts.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mensfeld/dnsguard/internal/logging"
)

// scanChunk is how much of the monitor log is read per step when scanning
// backwards for the latest timestamp.
const scanChunk = 64 * 1024

// Store keeps the checkpoint in a small state file. When the file does not
// exist yet it falls back to the newest timestamp in the monitor's own log.
type Store struct {
	path string

	// fallback is the newest monitor log timestamp, read before this
	// process writes to the log.
	fallback    time.Time
	fallbackOK  bool
	fallbackErr error

	mu     sync.Mutex
	latest time.Time
}

// NewStore creates a store. monitorLog may be empty to disable the fallback.
// The log is scanned here, so the store must be created before the process
// opens the log for its own output.
func NewStore(path, monitorLog string) *Store {
	s := &Store{path: path}
	if monitorLog != "" {
		s.fallback, s.fallbackOK, s.fallbackErr = LatestLogTimestamp(monitorLog)
	}
	return s
}

// Load returns the persisted checkpoint. ok is false on first run, when
// neither the state file nor a usable monitor log exists.
func (s *Store) Load() (t time.Time, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		t, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse checkpoint %s: %w", s.path, err)
		}
		s.Observe(t)
		return t, true, nil
	case !errors.Is(err, os.ErrNotExist):
		return time.Time{}, false, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	if s.fallbackErr != nil || !s.fallbackOK {
		return time.Time{}, false, s.fallbackErr
	}
	s.Observe(s.fallback)
	return s.fallback, true, nil
}

// Observe advances the in-memory checkpoint if t is newer.
func (s *Store) Observe(t time.Time) {
	if t.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.latest) {
		s.latest = t
	}
}

// Latest returns the newest observed timestamp.
func (s *Store) Latest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Save writes the newest observed timestamp atomically. Nothing is written
// before the first observation.
func (s *Store) Save() error {
	latest := s.Latest()
	if latest.IsZero() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(latest.UTC().Format(time.RFC3339Nano) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// LatestLogTimestamp scans a monitor log from the end and returns the newest
// bracketed line timestamp.
func LatestLogTimestamp(path string) (time.Time, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("open monitor log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stat monitor log: %w", err)
	}

	end := info.Size()
	var carry []byte
	for end > 0 {
		start := end - scanChunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return time.Time{}, false, fmt.Errorf("read monitor log: %w", err)
		}
		buf = append(buf, carry...)

		lines := bytes.Split(buf, []byte{'\n'})
		// The first piece may be a partial line unless we reached the start.
		first := 0
		if start > 0 {
			carry = lines[0]
			first = 1
		}
		for i := len(lines) - 1; i >= first; i-- {
			if t, ok := logging.ParseLineTime(string(lines[i])); ok {
				return t, true, nil
			}
		}
		end = start
	}
	return time.Time{}, false, nil
}
