//go:build !linux

package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mensfeld/dnsguard/internal/linesource"
)

// JournalSource is unavailable outside Linux.
type JournalSource struct {
	Since  time.Time
	Follow bool
	Logger *slog.Logger
}

func (s *JournalSource) Name() string { return "journal:kernel" }

// ResumeAfter is a no-op on non-Linux platforms.
func (s *JournalSource) ResumeAfter(time.Time) {}

// Stream returns an error on non-Linux platforms.
func (s *JournalSource) Stream(context.Context, func(linesource.Line)) error {
	return fmt.Errorf("kernel journal is only supported on Linux")
}

// JournalAvailable always fails on non-Linux platforms.
func JournalAvailable() error {
	return fmt.Errorf("kernel journal is only supported on Linux")
}
