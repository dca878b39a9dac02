// main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threadwait/internal/config"
	"threadwait/internal/kernel/threads"
	"threadwait/internal/logger"
	"threadwait/internal/maps"
	"threadwait/internal/memory"
	"threadwait/internal/metrics"
	"threadwait/internal/security"
	"threadwait/internal/workload"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// -generate-config
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", version).
		Str("backend", cfg.WaitQueue.Backend).
		Int64("blocking_limit", cfg.Limits.Blocking).
		Int64("thread_limit", cfg.Limits.Threads).
		Dur("default_blocking_timeout", cfg.Threads.DefaultBlockingTimeout).
		Bool("workload", cfg.Workload.Enabled).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting threadwait")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	mgr := threads.NewManager(threads.Options{
		Clock:                  clockwork.NewRealClock(),
		Backend:                maps.Implementation(cfg.WaitQueue.Backend),
		Space:                  memory.NewSpace(),
		DefaultBlockingTimeout: cfg.Threads.DefaultBlockingTimeout,
	})
	defer mgr.Close()
	log.Debug().Msg("- Thread manager created")

	root := security.NewDefaultContext("root", map[security.Class]int64{
		security.ClassBlocking: cfg.Limits.Blocking,
		security.ClassThreads:  cfg.Limits.Threads,
	})

	var load *workload.Workload
	if cfg.Workload.Enabled {
		if load, err = workload.New(mgr, root, cfg.Workload); err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to create workload")
		}
		if err := load.Start(); err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to start workload")
		}
	}

	if cfg.Threads.DiagnosticsInterval > 0 {
		go reportDiagnostics(ctx, mgr, cfg.Threads.DiagnosticsInterval)
	}

	// Set up HTTP server for Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(mgr),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	log.Debug().Str("metrics_path", cfg.Server.MetricsPath).Msg("🌐 Setting up HTTP handlers")
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	if cfg.Server.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
            <head><title>threadwait</title></head>
            <body>
            <h1>threadwait v` + version + ` </h1>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	log.Info().Str("address", cfg.Server.ListenAddress).Msg("🌐 Starting HTTP server")
	srv := &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
	go func() {
		log.Trace().Msg("- HTTP server goroutine started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("❌ Failed to start HTTP server")
		}
	}()

	log.Info().Msg("threadwait is ready")

	// Wait for context cancellation
	<-ctx.Done()
	log.Info().Msg("🛑 Received shutdown signal, shutting down gracefully...")

	// Start graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if load != nil {
		if err := load.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("❌ Workload did not stop in time")
		}
	}

	log.Debug().Msg("🔌 Shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		log.Debug().Msg("HTTP server shut down cleanly")
	}

	mgr.ReportDiagnostics()
	log.Info().Msg("threadwait stopped gracefully")
}

// reportDiagnostics closes a diagnostics interval every tick until ctx ends.
func reportDiagnostics(ctx context.Context, mgr *threads.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.ReportDiagnostics()
		case <-ctx.Done():
			return
		}
	}
}
