package connwatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensfeld/dnsguard/internal/linesource"
	"github.com/mensfeld/dnsguard/internal/logging"
)

const testPrefix = "DNSGUARD-CONN: "

func TestParseLine(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		expectEvent bool
		src         string
		dst         string
		spt         int
		dpt         int
	}{
		{
			name:        "LOG line with prefix",
			line:        "DNSGUARD-CONN: IN=br-1 OUT=eth0 SRC=172.30.0.5 DST=45.148.10.81 LEN=60 PROTO=TCP SPT=40112 DPT=443 WINDOW=64240 SYN",
			expectEvent: true,
			src:         "172.30.0.5",
			dst:         "45.148.10.81",
			spt:         40112,
			dpt:         443,
		},
		{
			name:        "kernel timestamp before prefix",
			line:        "[12345.678] DNSGUARD-CONN: IN=br-1 OUT=eth0 MAC=aa:bb SRC=172.30.0.7 DST=1.1.1.1 PROTO=TCP SPT=50000 DPT=853",
			expectEvent: true,
			src:         "172.30.0.7",
			dst:         "1.1.1.1",
			spt:         50000,
			dpt:         853,
		},
		{
			name: "other LOG rule",
			line: "NFT_COI[10.47.62.50]: IN=incusbr0 OUT=eth0 SRC=10.47.62.50 DST=8.8.8.8 PROTO=TCP SPT=54321 DPT=53",
		},
		{
			name: "missing ports",
			line: "DNSGUARD-CONN: IN=br-1 OUT=eth0 SRC=172.30.0.5 DST=45.148.10.81 PROTO=ICMP TYPE=8",
		},
		{
			name: "bad address",
			line: "DNSGUARD-CONN: SRC=172.30.0.500 DST=45.148.10.81 SPT=1 DPT=2",
		},
		{
			name: "empty line",
			line: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := ParseLine(tt.line, testPrefix)
			if !tt.expectEvent {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.src, c.SrcIP)
			assert.Equal(t, tt.dst, c.DstIP)
			assert.Equal(t, tt.spt, c.SrcPort)
			assert.Equal(t, tt.dpt, c.DstPort)
		})
	}
}

func TestIsPrivate(t *testing.T) {
	private := []string{"10.0.0.1", "172.16.5.4", "192.168.1.1", "127.0.0.1", "169.254.169.254", "0.0.0.0", "224.0.0.251", "fe80::1", "::1", "fd00::1", "garbage"}
	public := []string{"45.148.10.81", "8.8.8.8", "1.1.1.1", "2606:4700::1111"}

	for _, ip := range private {
		assert.True(t, IsPrivate(ip), ip)
	}
	for _, ip := range public {
		assert.False(t, IsPrivate(ip), ip)
	}
}

func line(text string, ts time.Time) linesource.Line {
	return linesource.Line{Text: text, Time: ts}
}

func TestWatcherVerdicts(t *testing.T) {
	w := NewWatcher(Config{LogPrefix: testPrefix, DedupWindow: time.Minute}, logging.Discard())
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	conn := "DNSGUARD-CONN: SRC=172.30.0.5 DST=45.148.10.81 PROTO=TCP SPT=40112 DPT=443"

	_, v := w.Accept(line(conn, t0))
	assert.Equal(t, VerdictAccepted, v)

	_, v = w.Accept(line(conn, t0.Add(30*time.Second)))
	assert.Equal(t, VerdictDuplicate, v, "repeat inside window")

	_, v = w.Accept(line(conn, t0.Add(2*time.Minute)))
	assert.Equal(t, VerdictAccepted, v, "repeat after window")

	_, v = w.Accept(line("DNSGUARD-CONN: SRC=172.30.0.5 DST=45.148.10.81 SPT=40113 DPT=8443", t0))
	assert.Equal(t, VerdictAccepted, v, "different port is a different tuple")

	_, v = w.Accept(line("DNSGUARD-CONN: SRC=172.30.0.5 DST=45.148.10.81 SPT=443 DPT=51000", t0))
	assert.Equal(t, VerdictServerPort, v)

	_, v = w.Accept(line("DNSGUARD-CONN: SRC=172.30.0.5 DST=192.168.1.10 SPT=40000 DPT=443", t0))
	assert.Equal(t, VerdictPrivate, v)

	_, v = w.Accept(line("unrelated kernel noise", t0))
	assert.Equal(t, VerdictUnparsed, v)
}

func TestWatcherPruneDedup(t *testing.T) {
	w := NewWatcher(Config{LogPrefix: testPrefix, DedupWindow: time.Minute}, logging.Discard())
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	w.Accept(line("DNSGUARD-CONN: SRC=172.30.0.5 DST=1.1.1.1 SPT=40000 DPT=443", t0))
	w.Accept(line("DNSGUARD-CONN: SRC=172.30.0.5 DST=8.8.8.8 SPT=40001 DPT=443", t0.Add(50*time.Second)))
	require.Equal(t, 2, w.DedupSize())

	assert.Equal(t, 1, w.PruneDedup(t0.Add(90*time.Second)))
	assert.Equal(t, 1, w.DedupSize())
}

func TestQueueEvictsOldest(t *testing.T) {
	q := NewQueue(3)
	for i := 1; i <= 5; i++ {
		evicted := q.Push(Connection{DstPort: i})
		assert.Equal(t, i > 3, evicted, "push %d", i)
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Evicted())

	var got []int
	for {
		c, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, c.DstPort)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(Connection{DstIP: "1.1.1.1"})
	}()

	c, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", c.DstIP)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = q.Pop(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatcherRunPushesAccepted(t *testing.T) {
	w := NewWatcher(Config{LogPrefix: testPrefix}, logging.Discard())
	q := NewQueue(1)
	evictions := 0
	w.OnEvict = func() { evictions++ }

	src := linesource.Static{SourceName: "fixture", Lines: []linesource.Line{
		{Text: "DNSGUARD-CONN: SRC=172.30.0.5 DST=1.1.1.1 SPT=40000 DPT=443"},
		{Text: "DNSGUARD-CONN: SRC=172.30.0.5 DST=1.1.1.1 SPT=40000 DPT=443"},
		{Text: "DNSGUARD-CONN: SRC=172.30.0.5 DST=10.0.0.1 SPT=40000 DPT=443"},
		{Text: "DNSGUARD-CONN: SRC=172.30.0.5 DST=8.8.8.8 SPT=40001 DPT=443"},
	}}

	// Static ends after its lines; the follower then sees the context expire.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx, src, q, linesource.Follower{Logger: logging.Discard()})

	require.Equal(t, 1, q.Len())
	c, _ := q.TryPop()
	assert.Equal(t, "8.8.8.8", c.DstIP)
	assert.Equal(t, 1, evictions)
}
