// Package linesource wraps external text streams (container logs, the kernel
// journal) behind a small restartable interface so parsers stay pure.
package linesource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Line is one line of text read from a source.
type Line struct {
	Text string
	// Time is when the source recorded the line. Zero when unknown.
	Time time.Time
}

// Source produces lines from one external stream.
type Source interface {
	Name() string
	// Stream delivers lines to fn until ctx is done, the stream ends, or it
	// fails. A nil return means the stream ended normally.
	Stream(ctx context.Context, fn func(Line)) error
}

// ErrStreamClosed is reported by Follow's logger when a source ends without an
// error and has to be reopened.
var ErrStreamClosed = errors.New("stream closed")

const (
	// stableAfter is how long a stream must run before its backoff is reset.
	stableAfter = 30 * time.Second
)

// Follower keeps a Source streaming, reopening it with exponential backoff
// whenever it fails or closes.
type Follower struct {
	Logger *slog.Logger
	// NewBackOff builds the reconnect policy. Defaults to 1s..30s exponential
	// with no elapsed-time limit.
	NewBackOff func() backoff.BackOff
	// OnRestart is called before every reopen.
	OnRestart func(source string, err error)
}

// DefaultBackOff returns the reconnect policy used when none is configured.
func DefaultBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(1*time.Second),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// Follow streams src into fn until ctx is done. It only returns ctx.Err() or
// the backoff policy's decision to stop.
func (f Follower) Follow(ctx context.Context, src Source, fn func(Line)) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newBackOff := f.NewBackOff
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}
	b := backoff.WithContext(newBackOff(), ctx)

	for {
		started := time.Now()
		err := src.Stream(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = ErrStreamClosed
		}
		if time.Since(started) >= stableAfter {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%s: giving up: %w", src.Name(), err)
		}
		logger.Warn("Line source interrupted, reopening.", "source", src.Name(), "error", err, "retry_in", wait)
		if f.OnRestart != nil {
			f.OnRestart(src.Name(), err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Scan reads newline-terminated text from r and hands each line to fn. The
// optional split function separates a source timestamp from the text; lines
// it cannot split are delivered with a zero time.
func Scan(ctx context.Context, r io.Reader, split func(string) (time.Time, string, bool), fn func(Line)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		text := scanner.Text()
		line := Line{Text: text}
		if split != nil {
			if ts, rest, ok := split(text); ok {
				line = Line{Text: rest, Time: ts}
			}
		}
		fn(line)
	}
	return scanner.Err()
}

// Static is a Source over a fixed set of lines. It ends after delivering them.
type Static struct {
	SourceName string
	Lines      []Line
}

func (s Static) Name() string { return s.SourceName }

func (s Static) Stream(ctx context.Context, fn func(Line)) error {
	for _, l := range s.Lines {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(l)
	}
	return nil
}
