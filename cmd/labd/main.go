package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"instrument-hub/internal/output"
	"instrument-hub/internal/tasks"
)

func main() {
	var (
		cfgPath     = flag.String("config", "configs/lab.yaml", "path to YAML config")
		settings    = flag.String("settings", "", "override settings file path")
		storageDir  = flag.String("storage-dir", "", "enable recording into this directory")
		metricsAddr = flag.String("metrics", "", "override metrics listen address (empty uses config)")
		snapshot    = flag.String("snapshot", "", "override snapshot export path written on shutdown")
		logFormat   = flag.String("log-format", "text", "log format: text or json")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger, err := tasks.NewLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ac, mgr, err := tasks.Setup(tasks.Options{
		ConfigPath:   *cfgPath,
		SettingsPath: *settings,
		StorageDir:   *storageDir,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ac.Config.Metrics.Listen
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	var srv *http.Server
	if addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := ac.Metrics.Register(reg); err != nil {
			log.Fatalf("register metrics: %v", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "err", err)
			}
		}()
	}

	if err := mgr.Start(); err != nil {
		logger.Warn("start", "err", err)
	}
	go func() {
		if err := mgr.WaitInitialized(ctx); err != nil {
			logger.Warn("not all devices initialized", "err", err)
			return
		}
		logger.Info("all devices initialized", "count", len(mgr.Actors()))
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	path, format := ac.Config.Snapshot.Path, ac.Config.Snapshot.Format
	if *snapshot != "" {
		path = *snapshot
	}
	if path != "" {
		if err := output.WriteSnapshots(path, format, mgr.Snapshots()); err != nil {
			logger.Error("write snapshot", "path", path, "err", err)
		}
	}

	grace, cancel := context.WithTimeout(context.Background(), ac.Config.Defaults.ShutdownGrace)
	defer cancel()
	if err := mgr.Shutdown(grace); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	if srv != nil {
		_ = srv.Shutdown(grace)
	}
}
