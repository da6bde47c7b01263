// Package hub is the public entry point for embedding the instrument hub in
// another program: load a lab configuration, start the devices, send them
// commands and follow their events.
package hub

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"instrument-hub/internal/app"
	"instrument-hub/internal/device"
	"instrument-hub/internal/events"
	"instrument-hub/internal/tasks"
)

type (
	Options      = tasks.Options
	Device       = device.Actor
	Snapshot     = device.Snapshot
	Command      = device.Command
	Result       = device.Result
	Event        = events.Event
	Filter       = events.Filter
	Subscription = events.Subscription
)

// Command constructors.
var (
	Initialize  = device.Initialize
	GetPosition = device.GetPosition
	Measure     = device.Measure
	Shutdown    = device.Shutdown
	SetPosition = device.SetPosition
	SetFreerun  = device.SetFreerun
	SetZero     = device.SetZero
	SetLimits   = device.SetLimits
	SetTurret   = device.SetTurret
	ForDevice   = events.ForDevice
	ForKinds    = events.ForKinds
)

// Sentinel errors callers match with errors.Is.
var (
	ErrConnection     = device.ErrConnection
	ErrValidation     = device.ErrValidation
	ErrTimeout        = device.ErrTimeout
	ErrNotInitialized = device.ErrNotInitialized
	ErrShuttingDown   = device.ErrShuttingDown
	ErrQueueFull      = device.ErrQueueFull
)

// Run loads the configuration in opts and runs the hub until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRun(ctx, opts)
}

// Hub is a configured set of devices.
type Hub struct {
	app *app.Context
	mgr *app.Manager
}

// Open loads the configuration at path. Devices are not started until Start.
func Open(path string, logger *slog.Logger) (*Hub, error) {
	ac, mgr, err := tasks.Setup(Options{ConfigPath: path, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Hub{app: ac, mgr: mgr}, nil
}

// Start runs every device and queues its initialization.
func (h *Hub) Start() error { return h.mgr.Start() }

// WaitInitialized blocks until all devices have initialized.
func (h *Hub) WaitInitialized(ctx context.Context) error { return h.mgr.WaitInitialized(ctx) }

func (h *Hub) Device(name string) (*Device, bool) { return h.mgr.Actor(name) }

func (h *Hub) Devices() []*Device { return h.mgr.Actors() }

func (h *Hub) Snapshots() []Snapshot { return h.mgr.Snapshots() }

// Do sends cmd to the named device and waits for its result.
func (h *Hub) Do(ctx context.Context, name string, cmd Command) (Result, error) {
	a, ok := h.mgr.Actor(name)
	if !ok {
		return Result{}, ErrUnknownDevice{Name: name}
	}
	return a.Do(ctx, cmd)
}

// Subscribe follows hub events. Close the subscription when done.
func (h *Hub) Subscribe(buffer int, filter Filter) *Subscription {
	return h.app.Bus.Subscribe(buffer, filter)
}

// RegisterMetrics registers the hub's collectors with reg.
func (h *Hub) RegisterMetrics(reg prometheus.Registerer) error {
	return h.app.Metrics.Register(reg)
}

// Close shuts every device down, waiting at most until ctx expires.
func (h *Hub) Close(ctx context.Context) error { return h.mgr.Shutdown(ctx) }

// ErrUnknownDevice is returned by Do for a name not in the configuration.
type ErrUnknownDevice struct{ Name string }

func (e ErrUnknownDevice) Error() string { return "unknown device " + e.Name }
