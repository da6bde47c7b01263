// Package app wires configuration, the shared settings store, the event bus
// and the device actors into one running hub.
package app

import (
	"fmt"
	"log/slog"

	"instrument-hub/internal/config"
	"instrument-hub/internal/events"
	"instrument-hub/internal/hardware/sim"
	"instrument-hub/internal/metrics"
	"instrument-hub/internal/settings"
)

// Context holds the process-wide collaborators every device shares. It
// replaces package-level globals; construct one per hub.
type Context struct {
	Config   config.Root
	Log      *slog.Logger
	Bus      *events.Bus
	Settings *settings.Store
	Metrics  *metrics.Collectors
	Sims     *sim.Registry
}

// NewContext opens the settings store and creates the bus and metrics.
func NewContext(cfg config.Root, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	store, err := settings.Open(cfg.SettingsPath,
		settings.WithLogger(logger.With("component", "settings")),
		settings.WithWriteHook(func(_, _ string, err error) { m.SettingsWrite(err) }),
	)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	bus := events.NewBus()
	bus.OnDrop(func(events.Event) { m.EventDropped() })
	return &Context{
		Config:   cfg,
		Log:      logger,
		Bus:      bus,
		Settings: store,
		Metrics:  m,
		Sims:     sim.NewRegistry(),
	}, nil
}
