// Package telemetry exposes hypivisor's operational metrics on a
// dedicated HTTP listener, in the teacher's style of separating the
// metrics surface from the WebSocket listener entirely.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics holds every Prometheus collector hypivisor registers.
type Metrics struct {
	NodesRegistered prometheus.Gauge
	ConnectionsOpen prometheus.Gauge
	RPCTotal        *prometheus.CounterVec
	BroadcastDrops  prometheus.Counter
	NodesEvicted    prometheus.Counter
	NodesExpired    prometheus.Counter
	ProcessCPU      prometheus.Gauge
	ProcessMemBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New registers the hypivisor metric family on a fresh registry, so the
// metrics endpoint never leaks the default global registry's Go runtime
// noise unless we opt in.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		NodesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypivisor", Name: "nodes_registered", Help: "Current number of nodes in the registry.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypivisor", Name: "connections_open", Help: "Current number of open WebSocket connections.",
		}),
		RPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypivisor", Name: "rpc_total", Help: "RPC calls handled, by method.",
		}, []string{"method"}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypivisor", Name: "broadcast_drops_total", Help: "Broadcast messages dropped due to a full subscriber buffer.",
		}),
		NodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypivisor", Name: "nodes_evicted_total", Help: "Nodes evicted by same-endpoint re-registration.",
		}),
		NodesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypivisor", Name: "nodes_expired_total", Help: "Nodes removed by the staleness janitor.",
		}),
		ProcessCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypivisor", Name: "process_cpu_percent", Help: "Sampled CPU utilization of the host, percent.",
		}),
		ProcessMemBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypivisor", Name: "process_mem_used_bytes", Help: "Sampled resident memory in use on the host, bytes.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.NodesRegistered, m.ConnectionsOpen, m.RPCTotal, m.BroadcastDrops,
		m.NodesEvicted, m.NodesExpired, m.ProcessCPU, m.ProcessMemBytes,
	)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SampleSystem periodically samples host CPU/memory via gopsutil until ctx
// is canceled. Sampling errors are logged and skipped rather than treated
// as fatal: a stalled /proc read should never bring the process down.
func (m *Metrics) SampleSystem(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
				logger.Debug().Err(err).Msg("cpu sample failed")
			} else if len(pct) > 0 {
				m.ProcessCPU.Set(pct[0])
			}

			if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
				logger.Debug().Err(err).Msg("mem sample failed")
			} else {
				m.ProcessMemBytes.Set(float64(vm.Used))
			}
		}
	}
}

// Serve runs the metrics HTTP server until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
			return err
		}
		return nil
	}
}
