package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mensfeld/dnsguard/internal/checkpoint"
	"github.com/mensfeld/dnsguard/internal/connwatch"
	"github.com/mensfeld/dnsguard/internal/dnscache"
	"github.com/mensfeld/dnsguard/internal/linesource"
	"github.com/mensfeld/dnsguard/internal/logging"
)

const prefix = "DNSGUARD-CONN: "

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) Stream(context.Context, func(linesource.Line)) error {
	return errors.New("journal unavailable")
}

func kernelLines() []linesource.Line {
	return []linesource.Line{
		{Text: prefix + "SRC=172.30.0.5 DST=45.148.10.81 SPT=40000 DPT=443", Time: t0},
		{Text: prefix + "SRC=172.30.0.5 DST=45.148.10.81 SPT=40001 DPT=443", Time: t0.Add(time.Second)}, // duplicate
		{Text: prefix + "SRC=172.30.0.5 DST=10.0.0.8 SPT=40002 DPT=443", Time: t0.Add(2 * time.Second)},     // private
		{Text: "unrelated kernel message", Time: t0.Add(3 * time.Second)},
		{Text: prefix + "SRC=172.30.0.6 DST=93.184.216.34 SPT=40003 DPT=80", Time: t0.Add(4 * time.Second)},
	}
}

func newAnalyzer(t *testing.T, store *checkpoint.Store, cache *dnscache.Cache, conn SourceFunc, got *[]connwatch.Connection) *Analyzer {
	t.Helper()
	feed := &dnscache.Feed{Cache: cache, Logger: logging.Discard()}
	dns := func(since time.Time) linesource.Source {
		return linesource.Static{SourceName: "dns", Lines: []linesource.Line{
			{Text: "reply example.com is 93.184.216.34"},
			{Text: "cached example.com is 93.184.216.34"},
		}}
	}
	return New(Config{Watcher: connwatch.Config{LogPrefix: prefix}}, store, feed, dns, conn,
		func(c connwatch.Connection) { *got = append(*got, c) }, logging.Discard())
}

func TestRunFirstRun(t *testing.T) {
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint"), "")
	cache := dnscache.New()
	var sinceSeen []time.Time
	conn := func(since time.Time) linesource.Source {
		sinceSeen = append(sinceSeen, since)
		return linesource.Static{SourceName: "kernel", Lines: kernelLines()}
	}
	var got []connwatch.Connection

	res, err := newAnalyzer(t, store, cache, conn, &got).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !res.FirstRun {
		t.Error("Expected first run without a checkpoint")
	}
	if len(sinceSeen) != 1 || !sinceSeen[0].IsZero() {
		t.Errorf("Expected replay from the beginning, got %v", sinceSeen)
	}
	if res.DNSReplies != 1 {
		t.Errorf("Expected 1 DNS pair, got %d", res.DNSReplies)
	}
	if !cache.Has("93.184.216.34") {
		t.Error("DNS bootstrap did not fill the cache")
	}
	if res.Lines != 5 {
		t.Errorf("Expected 5 lines, got %d", res.Lines)
	}
	if len(got) != 2 || res.Connections != 2 {
		t.Fatalf("Expected 2 classified connections, got %d (%d)", len(got), res.Connections)
	}
	if got[0].DstIP != "45.148.10.81" || got[1].DstIP != "93.184.216.34" {
		t.Errorf("Unexpected replay order: %+v", got)
	}
	if want := t0.Add(4 * time.Second); !store.Latest().Equal(want) {
		t.Errorf("Expected checkpoint %v, got %v", want, store.Latest())
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	first := checkpoint.NewStore(path, "")
	first.Observe(t0)
	if err := first.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var since time.Time
	conn := func(s time.Time) linesource.Source {
		since = s
		return linesource.Static{SourceName: "kernel"}
	}
	var got []connwatch.Connection

	res, err := newAnalyzer(t, checkpoint.NewStore(path, ""), dnscache.New(), conn, &got).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FirstRun {
		t.Error("Expected a resumed run")
	}
	if !since.Equal(t0) {
		t.Errorf("Expected replay since %v, got %v", t0, since)
	}
	if len(got) != 0 {
		t.Errorf("Expected nothing to classify, got %d", len(got))
	}
}

func TestRunReplayFailure(t *testing.T) {
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint"), "")
	conn := func(time.Time) linesource.Source { return failingSource{} }
	var got []connwatch.Connection

	_, err := newAnalyzer(t, store, dnscache.New(), conn, &got).Run(context.Background())
	if err == nil {
		t.Fatal("Expected replay error")
	}
	if len(got) != 0 {
		t.Errorf("Nothing should be classified after a failed replay, got %d", len(got))
	}
}

func TestRunWithoutResolver(t *testing.T) {
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint"), "")
	var got []connwatch.Connection
	a := New(Config{Watcher: connwatch.Config{LogPrefix: prefix}}, store, nil, nil,
		func(time.Time) linesource.Source {
			return linesource.Static{SourceName: "kernel", Lines: kernelLines()}
		},
		func(c connwatch.Connection) { got = append(got, c) }, logging.Discard())

	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.DNSReplies != 0 || len(got) != 2 {
		t.Errorf("Expected 0 DNS pairs and 2 connections, got %d and %d", res.DNSReplies, len(got))
	}
}
