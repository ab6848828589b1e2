// Command stegoshared runs one replicated server: heartbeat-based
// coordination on the heartbeat port, client request dispatch on the
// service port, and an HTTP side server for health, metrics, and pprof.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/transport"
	"github.com/stegoshare/backend/server/config"
	"github.com/stegoshare/backend/server/directory"
	"github.com/stegoshare/backend/server/dispatch"
	"github.com/stegoshare/backend/server/election"
)

const version = "1.0.0"

func main() {
	observAddr := flag.String("observ-addr", "", "health/metrics/pprof address (overrides OBSERV_ADDR)")
	flag.Parse()

	logger := observability.NewLogger("stegoshare-server", version, os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *observAddr != "" {
		cfg.ObservAddress = *observAddr
	}

	if shutdown, err := observability.InitTracing(context.Background(), "stegoshare-server"); err == nil {
		defer shutdown(context.Background())
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(version)

	logger.Info("stegoshare server starting")

	if err := os.MkdirAll(cfg.SaveDir, 0755); err != nil {
		logger.Fatal(err, "failed to create save dir")
	}

	dir, err := directory.NewSQLStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(err, "failed to open directory backend")
	}
	defer dir.Close()

	cache, err := dispatch.OpenCarrierCache(filepath.Join(cfg.SaveDir, "carriers.db"))
	if err != nil {
		logger.Fatal(err, "failed to open carrier cache")
	}
	defer cache.Close()

	// Coordination plane: one socket shared by heartbeats and
	// notifications.
	hbConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(cfg.HeartbeatPort)})
	if err != nil {
		logger.Fatal(err, "failed to bind heartbeat port")
	}
	defer hbConn.Close()

	state := election.NewState(
		net.JoinHostPort(cfg.SelfIP, strconv.Itoa(int(cfg.HeartbeatPort))),
		cfg.PeerHeartbeatAddrs(),
	)
	coord := election.NewCoordinator(state, hbConn, logger, metrics)
	tracker := election.NewTracker(state, hbConn, cfg.HeartbeatPeriod, coord, logger, metrics)

	tr := transport.New(logger, metrics)
	alloc := transport.NewPortAllocator(cfg.UploadPortLo, cfg.UploadPortHi)
	dispatcher := dispatch.NewDispatcher(cfg, dir, coord, tr, alloc, cache, logger, metrics)

	health.RegisterCheck("directory", observability.DirectoryCheck(dir.DB()))
	health.RegisterCheck("heartbeats", observability.HeartbeatCheck(state.LastHeartbeat, 3*cfg.HeartbeatPeriod))
	health.RegisterCheck("service", observability.ServiceSocketCheck(strconv.Itoa(int(cfg.ServicePort)), dispatcher.Bound))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tracker.Run(ctx)
	go tracker.Listen(ctx)
	go startObservServer(cfg.ObservAddress, health, metrics, logger)

	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			logger.Fatal(err, "dispatcher failed")
		}
	}()

	logger.Info("serving on port " + strconv.Itoa(int(cfg.ServicePort)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	time.Sleep(100 * time.Millisecond)
}

func startObservServer(addr string, health *observability.HealthChecker, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	logger.Info("health/metrics/pprof server listening on " + addr)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
