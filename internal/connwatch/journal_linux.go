//go:build linux

package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/mensfeld/dnsguard/internal/linesource"
)

// JournalOpenTimeout is the maximum time to wait for the journal to open.
const JournalOpenTimeout = 5 * time.Second

// JournalSource reads kernel messages from the systemd journal. In follow
// mode it starts at the tail and waits for new entries; otherwise it reads
// everything from Since to the current end and returns.
type JournalSource struct {
	Since  time.Time
	Follow bool
	Logger *slog.Logger

	mu sync.Mutex
	// last is the realtime stamp of the newest delivered entry, used to
	// resume after a reopen.
	last uint64
}

func (s *JournalSource) Name() string { return "journal:kernel" }

// JournalAvailable reports whether the systemd journal can be opened.
func JournalAvailable() error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	return j.Close()
}

// openJournal opens the journal with a timeout so a blocked journal cannot
// hang startup.
func openJournal() (*sdjournal.Journal, error) {
	type result struct {
		j   *sdjournal.Journal
		err error
	}
	resultChan := make(chan result, 1)
	go func() {
		j, err := sdjournal.NewJournal()
		resultChan <- result{j, err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to open systemd journal: %w", res.err)
		}
		return res.j, nil
	case <-time.After(JournalOpenTimeout):
		return nil, fmt.Errorf("timeout opening systemd journal (waited %v)", JournalOpenTimeout)
	}
}

// ResumeAfter makes the next stream start with the first entry after t
// instead of at the tail. It never moves the resume point backwards.
func (s *JournalSource) ResumeAfter(t time.Time) {
	if t.IsZero() {
		return
	}
	usec := uint64(t.UnixMicro())
	s.mu.Lock()
	defer s.mu.Unlock()
	if usec > s.last {
		s.last = usec
	}
}

func (s *JournalSource) seek(j *sdjournal.Journal) error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	switch {
	case last > 0:
		if err := j.SeekRealtimeUsec(last + 1); err != nil {
			return fmt.Errorf("failed to seek journal: %w", err)
		}
	case !s.Since.IsZero():
		if err := j.SeekRealtimeUsec(uint64(s.Since.UnixMicro())); err != nil {
			return fmt.Errorf("failed to seek journal: %w", err)
		}
	case s.Follow:
		if err := j.SeekTail(); err != nil {
			return fmt.Errorf("failed to seek to end of journal: %w", err)
		}
		// SeekTail positions past the last entry; step back so Next()
		// returns only entries written from now on.
		if _, err := j.Previous(); err != nil {
			return fmt.Errorf("failed to step back from journal tail: %w", err)
		}
	default:
		if err := j.SeekHead(); err != nil {
			return fmt.Errorf("failed to seek to start of journal: %w", err)
		}
	}
	return nil
}

func (s *JournalSource) Stream(ctx context.Context, fn func(linesource.Line)) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	if err := j.AddMatch("_TRANSPORT=kernel"); err != nil {
		return fmt.Errorf("failed to add kernel filter: %w", err)
	}
	if err := s.seek(j); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Debug("Kernel journal opened.", "follow", s.Follow, "since", s.Since)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := j.Next()
		if err != nil {
			return fmt.Errorf("failed to read next journal entry: %w", err)
		}
		if n == 0 {
			if !s.Follow {
				return nil
			}
			// SD_JOURNAL_NOP on timeout, SD_JOURNAL_APPEND on new entries.
			j.Wait(time.Second)
			continue
		}

		msg, err := j.GetData("MESSAGE")
		if err != nil {
			continue // entries without MESSAGE
		}
		usec, err := j.GetRealtimeUsec()
		if err != nil {
			continue
		}

		s.mu.Lock()
		if usec > s.last {
			s.last = usec
		}
		s.mu.Unlock()

		fn(linesource.Line{
			Text: strings.TrimPrefix(msg, "MESSAGE="),
			Time: time.UnixMicro(int64(usec)),
		})
	}
}
