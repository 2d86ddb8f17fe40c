package opensnitch

import (
	"context"
	"time"
)

// heartbeatEvery is how many polls pass between liveness log lines.
const heartbeatEvery = 100

type pollState int

const (
	stateInit pollState = iota
	stateQuery
	stateSleep
)

func (s pollState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateQuery:
		return "query"
	case stateSleep:
		return "sleep"
	default:
		return "unknown"
	}
}

// poller walks init -> query -> sleep -> query ... The checkpoint only moves
// after a query succeeded, so a failed read is retried from the same point.
type poller struct {
	client     *Client
	fn         func(Block)
	state      pollState
	next       pollState
	checkpoint string
	polls      int

	// onPoll is called after every query attempt.
	onPoll func(err error)
}

// step runs one state transition.
func (p *poller) step(ctx context.Context) {
	switch p.state {
	case stateInit:
		cp, err := p.client.latestBlockTime(ctx)
		if err != nil {
			p.client.logger.Warn("Failed to read OpenSnitch checkpoint.", "error", err)
			p.state, p.next = stateSleep, stateInit
			return
		}
		p.checkpoint = cp
		p.client.logger.Info("OpenSnitch monitor started.", "checkpoint", cp)
		p.state = stateQuery

	case stateQuery:
		p.polls++
		blocks, err := p.client.blocksSince(ctx, p.checkpoint)
		if p.onPoll != nil {
			p.onPoll(err)
		}
		if err != nil {
			p.client.logger.Warn("OpenSnitch query failed.", "error", err)
		} else {
			for _, b := range blocks {
				if b.IP != "" {
					p.fn(b)
				}
			}
			if len(blocks) > 0 {
				p.checkpoint = blocks[len(blocks)-1].Time
			}
		}
		if p.polls%heartbeatEvery == 0 {
			p.client.logger.Info("OpenSnitch monitor alive.", "polls", p.polls, "checkpoint", p.checkpoint)
		}
		p.state, p.next = stateSleep, stateQuery

	case stateSleep:
		p.state = p.next
	}
}

// MonitorBlocks polls for new deny-rule rows every interval and calls fn for
// each one that names an IPv4 address. It returns only when ctx is done.
func (c *Client) MonitorBlocks(ctx context.Context, fn func(Block), interval time.Duration) error {
	return c.monitor(ctx, fn, interval, nil)
}

func (c *Client) monitor(ctx context.Context, fn func(Block), interval time.Duration, onPoll func(error)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &poller{client: c, fn: fn, state: stateInit, onPoll: onPoll}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.state != stateSleep {
			p.step(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.step(ctx)
		}
	}
}

// MonitorBlocksWithHook is MonitorBlocks with a callback after every query,
// used to feed poll metrics.
func (c *Client) MonitorBlocksWithHook(ctx context.Context, fn func(Block), interval time.Duration, onPoll func(error)) error {
	return c.monitor(ctx, fn, interval, onPoll)
}
