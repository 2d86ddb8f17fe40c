package dnscache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mensfeld/dnsguard/internal/linesource"
)

// LogsAPI is the Docker client call used to read a container's logs.
type LogsAPI interface {
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
}

// DockerLogSource reads the resolver container's log through the Docker API.
// In follow mode it attaches at the resume point set by ResumeAfter, or at
// the current time when none was set, and after a reconnect resumes from the
// last line it delivered.
type DockerLogSource struct {
	API       LogsAPI
	Container string
	Follow    bool
	// Since bounds a one-shot read. Ignored in follow mode.
	Since time.Time
	// TTY is set when the container allocates a terminal, in which case the
	// stream carries no multiplexing headers.
	TTY bool

	mu   sync.Mutex
	last time.Time
}

func (s *DockerLogSource) Name() string { return "docker-logs:" + s.Container }

// ResumeAfter makes the next follow-mode stream start at t instead of the
// current time. It never moves the resume point backwards.
func (s *DockerLogSource) ResumeAfter(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.last) {
		s.last = t
	}
}

func (s *DockerLogSource) Stream(ctx context.Context, fn func(linesource.Line)) error {
	since := s.Since
	if s.Follow {
		s.mu.Lock()
		if s.last.IsZero() {
			s.last = time.Now()
		}
		since = s.last
		s.mu.Unlock()
	}

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     s.Follow,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = fmt.Sprintf("%d.%09d", since.Unix(), since.Nanosecond())
	}

	rc, err := s.API.ContainerLogs(ctx, s.Container, opts)
	if err != nil {
		return fmt.Errorf("container logs %q: %w", s.Container, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if !s.TTY {
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, rc)
			pw.CloseWithError(err)
		}()
		defer pr.Close()
		r = pr
	}

	return linesource.Scan(ctx, r, splitDockerTimestamp, func(l linesource.Line) {
		if s.Follow && !l.Time.IsZero() {
			s.mu.Lock()
			if l.Time.After(s.last) {
				s.last = l.Time
			}
			s.mu.Unlock()
		}
		fn(l)
	})
}

// splitDockerTimestamp separates the RFC3339Nano prefix Docker adds when
// timestamps are requested.
func splitDockerTimestamp(s string) (time.Time, string, bool) {
	ts, rest, ok := strings.Cut(s, " ")
	if !ok {
		return time.Time{}, s, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, s, false
	}
	return t, rest, true
}
