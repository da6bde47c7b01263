package tasks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"instrument-hub/internal/app"
	"instrument-hub/internal/config"
)

// Options defines initialization overrides for the hub.
// Mirrors the CLI flags used in cmd/labd/main.go.
type Options struct {
	ConfigPath     string
	SettingsPath   string
	StorageEnabled bool
	StorageDir     string
	StorageQueue   int
	Logger         *slog.Logger
}

// Setup loads config, applies overrides and constructs the manager without
// starting it.
func Setup(opts Options) (*app.Context, *app.Manager, error) {
	cfg, err := config.LoadYAML(opts.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	// Override YAML with provided options
	if opts.SettingsPath != "" {
		cfg.SettingsPath = opts.SettingsPath
	}
	if opts.StorageEnabled {
		cfg.Storage.Enabled = true
	}
	if opts.StorageDir != "" {
		cfg.Storage.Dir = opts.StorageDir
		cfg.Storage.Enabled = true
	}
	if opts.StorageQueue > 0 {
		cfg.Storage.MaxQueueSize = opts.StorageQueue
		cfg.Storage.Enabled = true
	}

	ac, err := app.NewContext(cfg, opts.Logger)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := app.NewManager(ac)
	if err != nil {
		return nil, nil, err
	}
	return ac, mgr, nil
}

// InitAndRun sets the hub up and runs it until ctx is cancelled.
func InitAndRun(ctx context.Context, opts Options) error {
	_, mgr, err := Setup(opts)
	if err != nil {
		return err
	}
	return mgr.Run(ctx)
}

// NewLogger builds a text or json slog logger at level (debug, info, warn,
// error).
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
