package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"instrument-hub/internal/servermgr"
	"instrument-hub/internal/tasks"
)

func main() {
	var (
		cfgPath   = flag.String("config", "configs/devsim.yaml", "path to devsim YAML config")
		logFormat = flag.String("log-format", "text", "log format: text or json")
		logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger, err := tasks.NewLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	cfg, err := servermgr.LoadYAML(*cfgPath)
	if err != nil {
		log.Fatalf("load yaml config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := servermgr.NewManager(cfg, logger).Run(ctx); err != nil {
		log.Fatalf("devsim: %v", err)
	}
}
