// Package metrics exposes the monitor's Prometheus instruments.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dnsguard"

// Metrics holds every instrument on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Connections    *prometheus.CounterVec
	Classified     *prometheus.CounterVec
	QueueEvictions prometheus.Counter
	Reports        *prometheus.CounterVec
	DNSReplies     prometheus.Counter
	SourceRestarts *prometheus.CounterVec
	OpenSnitchPoll *prometheus.CounterVec

	BlacklistSize  prometheus.Gauge
	WhitelistSize  prometheus.Gauge
	DNSCacheSize   prometheus.Gauge
	ContainerIPs   prometheus.Gauge
	QueueDepth     prometheus.Gauge
	OpenSnitchSize prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_lines_total",
			Help:      "Kernel LOG lines seen by the connection watcher, by filter verdict.",
		}, []string{"verdict"}),
		Classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_classified_total",
			Help:      "Connections classified by the detector, by outcome.",
		}, []string{"outcome"}),
		QueueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_evictions_total",
			Help:      "Connections dropped because the detector queue was full.",
		}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Compromise reports emitted, by kind.",
		}, []string{"kind"}),
		DNSReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_replies_total",
			Help:      "New (ip, domain) pairs recorded from the resolver log.",
		}),
		SourceRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_restarts_total",
			Help:      "Times an external stream was reopened.",
		}, []string{"source"}),
		OpenSnitchPoll: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opensnitch_polls_total",
			Help:      "OpenSnitch database polls, by result.",
		}, []string{"result"}),
		BlacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blacklist_size",
			Help:      "IPs in the blacklist.",
		}),
		WhitelistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "whitelist_size",
			Help:      "IPs in the whitelist.",
		}),
		DNSCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dns_cache_ips",
			Help:      "Distinct IPs in the DNS cache.",
		}),
		ContainerIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "container_ips",
			Help:      "Container addresses known to the mapper.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Connections waiting for the detector.",
		}),
		OpenSnitchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "opensnitch_blocked_ips",
			Help:      "IPs in the OpenSnitch confidence set.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Classified,
		m.QueueEvictions,
		m.Reports,
		m.DNSReplies,
		m.SourceRestarts,
		m.OpenSnitchPoll,
		m.BlacklistSize,
		m.WhitelistSize,
		m.DNSCacheSize,
		m.ContainerIPs,
		m.QueueDepth,
		m.OpenSnitchSize,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
