// Package containers maps container IP addresses to container names using
// the Docker Engine API.
package containers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// API is the subset of the Docker client used by the mapper.
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// NewDockerClient creates a Docker client from the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// UnknownName is the label used for an address no container owns.
func UnknownName(ip string) string {
	return "container-" + ip
}

// Mapper keeps an IP to container-name table current through periodic full
// refreshes and the live lifecycle event stream.
type Mapper struct {
	api    API
	logger *slog.Logger

	mu     sync.RWMutex
	byIP   map[string]string
	byName map[string][]string

	// NewBackOff builds the reconnect policy for the event stream.
	NewBackOff func() backoff.BackOff
	// OnRestart is called each time the event stream is reopened.
	OnRestart func(err error)
}

// NewMapper creates an empty mapper.
func NewMapper(api API, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		api:    api,
		logger: logger.With("component", "containers"),
		byIP:   make(map[string]string),
		byName: make(map[string][]string),
	}
}

// Lookup returns the container owning ip.
func (m *Mapper) Lookup(ip string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byIP[ip]
	return name, ok
}

// Name returns the container owning ip, or a synthetic label.
func (m *Mapper) Name(ip string) string {
	if name, ok := m.Lookup(ip); ok {
		return name
	}
	return UnknownName(ip)
}

// Len returns how many addresses are mapped.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIP)
}

// Snapshot returns a copy of the IP to name table.
func (m *Mapper) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.byIP))
	for ip, name := range m.byIP {
		out[ip] = name
	}
	return out
}

// Refresh lists running containers and rebuilds the table from every network
// address they hold.
func (m *Mapper) Refresh(ctx context.Context) error {
	list, err := m.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	byIP := make(map[string]string)
	byName := make(map[string][]string)
	for _, c := range list {
		name, ips, err := m.inspect(ctx, c.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue // exited between list and inspect
			}
			m.logger.Warn("Failed to inspect container.", "id", shortID(c.ID), "error", err)
			continue
		}
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, ip := range ips {
			byIP[ip] = name
		}
		byName[name] = ips
	}

	m.mu.Lock()
	m.byIP = byIP
	m.byName = byName
	m.mu.Unlock()

	m.logger.Debug("Refreshed container map.", "containers", len(byName), "addresses", len(byIP))
	return nil
}

func (m *Mapper) inspect(ctx context.Context, id string) (string, []string, error) {
	info, err := m.api.ContainerInspect(ctx, id)
	if err != nil {
		return "", nil, err
	}
	var name string
	if info.ContainerJSONBase != nil {
		name = strings.TrimPrefix(info.Name, "/")
	}
	var ips []string
	if info.NetworkSettings != nil {
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				ips = append(ips, ep.IPAddress)
			}
		}
	}
	sort.Strings(ips)
	return name, ips, nil
}

// HandleEvent applies one lifecycle event: start adds the container's
// addresses, stop and die remove them.
func (m *Mapper) HandleEvent(ctx context.Context, msg events.Message) {
	if msg.Type != "" && msg.Type != events.ContainerEventType {
		return
	}
	name := strings.TrimPrefix(msg.Actor.Attributes["name"], "/")

	switch msg.Action {
	case events.ActionStart:
		inspected, ips, err := m.inspect(ctx, msg.Actor.ID)
		if err != nil {
			if !errdefs.IsNotFound(err) {
				m.logger.Warn("Failed to inspect started container.", "id", shortID(msg.Actor.ID), "error", err)
			}
			return
		}
		if name == "" {
			name = inspected
		}
		m.add(name, ips)
		m.logger.Debug("Container started.", "container", name, "ips", ips)

	case events.ActionStop, events.ActionDie:
		if name == "" {
			return
		}
		if removed := m.remove(name); removed > 0 {
			m.logger.Debug("Container stopped.", "container", name, "action", string(msg.Action))
		}
	}
}

func (m *Mapper) add(name string, ips []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ip := range ips {
		m.byIP[ip] = name
	}
	m.byName[name] = ips
}

func (m *Mapper) remove(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, ip := range m.byName[name] {
		// Another container may have taken the address since.
		if m.byIP[ip] == name {
			delete(m.byIP, ip)
			removed++
		}
	}
	delete(m.byName, name)
	return removed
}

// Watch follows container lifecycle events until ctx is done. The stream is
// reopened with backoff after errors and the table is fully refreshed on each
// reconnect so no transition is missed.
func (m *Mapper) Watch(ctx context.Context) error {
	newBackOff := m.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(1*time.Second),
				backoff.WithMaxInterval(30*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		}
	}
	b := backoff.WithContext(newBackOff(), ctx)

	opts := events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("event", string(events.ActionStart)),
			filters.Arg("event", string(events.ActionStop)),
			filters.Arg("event", string(events.ActionDie)),
		),
	}

	first := true
	for {
		if !first {
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("Container refresh after reconnect failed.", "error", err)
			}
		}
		first = false

		err := m.stream(ctx, opts, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("container events: giving up: %w", err)
		}
		m.logger.Warn("Container event stream interrupted, reconnecting.", "error", err, "retry_in", wait)
		if m.OnRestart != nil {
			m.OnRestart(err)
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

func (m *Mapper) stream(ctx context.Context, opts events.ListOptions, b backoff.BackOff) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, errs := m.api.Events(streamCtx, opts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("event stream closed")
			}
			b.Reset()
			m.HandleEvent(ctx, msg)
		case err, ok := <-errs:
			if !ok || err == nil {
				return errors.New("event stream closed")
			}
			return err
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
