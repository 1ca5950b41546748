// Command hypivisor runs the registry and relay server for a fleet of
// local agent nodes: a shared node table, a broadcast bus, an RPC
// dispatcher, and the connection dispatcher that routes each incoming
// WebSocket to a registry or proxy session.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/csells/hyper-pi/internal/bus"
	"github.com/csells/hyper-pi/internal/config"
	"github.com/csells/hyper-pi/internal/dispatch"
	"github.com/csells/hyper-pi/internal/janitor"
	"github.com/csells/hyper-pi/internal/logging"
	"github.com/csells/hyper-pi/internal/ratelimit"
	"github.com/csells/hyper-pi/internal/registry"
	"github.com/csells/hyper-pi/internal/rpc"
	"github.com/csells/hyper-pi/internal/session"
	"github.com/csells/hyper-pi/internal/telemetry"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, shouldRun, err := config.Load(os.Args[1:], version)
	if err != nil {
		logging.New("info", "json").Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	if !shouldRun {
		return 0
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	metrics := telemetry.New()
	table := registry.NewTable()
	eventBus := bus.New(bus.DefaultCapacity, logger, metrics)
	dispatcher := rpc.New(table, eventBus, homeDir, logger, metrics)
	limiter := ratelimit.New(ratelimit.Config{Logger: logger})
	defer limiter.Stop()

	connDispatcher := dispatch.New(cfg.Token, dispatch.Handlers{
		Registry: func(conn net.Conn) {
			metrics.ConnectionsOpen.Inc()
			defer metrics.ConnectionsOpen.Dec()
			session.NewRegistry(conn, table, eventBus, dispatcher, logger).Run()
		},
		Proxy: func(conn net.Conn, nodeID string) {
			metrics.ConnectionsOpen.Inc()
			defer metrics.ConnectionsOpen.Dec()
			session.NewProxy(conn, nodeID, table, logger).Run()
		},
	}, logger)

	ttl := time.Duration(cfg.NodeTTL) * time.Second
	sweep := janitor.New(table, eventBus, ttl, 15*time.Second, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweep.Run(ctx)
	go metrics.SampleSystem(ctx, 10*time.Second, logger)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		if err := telemetry.Serve(ctx, cfg.MetricsAddr, metricsMux, logger); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(cfg.Port))))
	if err != nil {
		logger.Error().Err(err).Uint16("port", cfg.Port).Msg("failed to bind listener")
		return 1
	}
	logger.Info().Uint16("port", cfg.Port).Str("metrics_addr", cfg.MetricsAddr).Msg("hypivisor listening")

	go acceptLoop(ctx, ln, connDispatcher, limiter, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	ln.Close()
	return 0
}

func acceptLoop(ctx context.Context, ln net.Listener, d *dispatch.Dispatcher, limiter *ratelimit.Limiter, logger zerolog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !limiter.Allow(ip) {
			conn.Close()
			continue
		}

		go d.Handle(conn)
	}
}
