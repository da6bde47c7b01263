package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"instrument-hub/internal/device"
	"instrument-hub/internal/events"
	"instrument-hub/internal/model"
	"instrument-hub/internal/mqttbridge"
	"instrument-hub/internal/recorder"
)

// ErrDeviceFailed is returned by WaitInitialized when a device ends up in the
// error state instead of initializing.
var ErrDeviceFailed = errors.New("device failed to initialize")

// Manager runs one actor per configured device concurrently.
type Manager struct {
	app    *Context
	actors []*device.Actor
	byName map[string]*device.Actor

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup // actors
	aux       sync.WaitGroup // recorder and bridge

	storage *recorder.Storage
	mqtt    *mqttbridge.Client

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager builds an actor for every enabled hardware entry.
func NewManager(app *Context) (*Manager, error) {
	m := &Manager{app: app, byName: make(map[string]*device.Actor)}
	for _, e := range app.Config.Devices() {
		cfg, err := app.Config.DeviceConfig(e, app.Sims)
		if err != nil {
			return nil, fmt.Errorf("hardware.%s.%s: %w", e.Kind, e.Name, err)
		}
		if _, dup := m.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate device name %q", cfg.Name)
		}
		cfg.Bus = app.Bus
		cfg.Settings = app.Settings
		cfg.Logger = app.Log
		cfg.Metrics = app.Metrics
		a, err := device.New(cfg)
		if err != nil {
			return nil, err
		}
		m.actors = append(m.actors, a)
		m.byName[cfg.Name] = a
	}
	return m, nil
}

// Actor returns the actor named name.
func (m *Manager) Actor(name string) (*device.Actor, bool) {
	a, ok := m.byName[name]
	return a, ok
}

// Actors returns the actors in configuration order.
func (m *Manager) Actors() []*device.Actor {
	return append([]*device.Actor(nil), m.actors...)
}

// Snapshots returns the current snapshot of every device.
func (m *Manager) Snapshots() []device.Snapshot {
	out := make([]device.Snapshot, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a.Snapshot())
	}
	return out
}

// Start launches the recorder, the MQTT bridge and every actor, then enqueues
// Initialize on each device. Optional outputs that fail to start are logged
// and skipped.
func (m *Manager) Start() error {
	err := errors.New("manager already started")
	m.startOnce.Do(func() {
		err = nil
		m.runCtx, m.cancelRun = context.WithCancel(context.Background())
		m.startRecorder()
		m.startBridge()
		for _, a := range m.actors {
			m.wg.Add(1)
			go func(a *device.Actor) {
				defer m.wg.Done()
				if err := a.Run(m.runCtx); err != nil {
					m.app.Log.Error("device stopped", "device", a.Name(), "err", err)
				}
			}(a)
		}
		for _, a := range m.actors {
			if e := a.Enqueue(device.Initialize()); e != nil {
				err = errors.Join(err, fmt.Errorf("initialize %s: %w", a.Name(), e))
			}
		}
	})
	return err
}

func (m *Manager) startRecorder() {
	sc := m.app.Config.Storage
	if !sc.Enabled {
		return
	}
	st, err := recorder.NewStorage(sc.Dir, sc.FileType, sc.MaxQueueSize, m.app.Log)
	if err != nil {
		m.app.Log.Warn("storage init failed, continuing without storage", "err", err)
		return
	}
	m.storage = st
	devices := make(map[string]model.DeviceRecord, len(m.actors))
	for _, e := range m.app.Config.Devices() {
		devices[e.Name] = model.DeviceRecord{Name: e.Name, Kind: e.Kind, Endpoint: e.Endpoint}
	}
	rec := recorder.New(m.app.Bus, st, recorder.Options{
		CacheTTL: sc.CacheTTL,
		Devices:  devices,
		Logger:   m.app.Log,
	})
	m.aux.Add(1)
	go func() {
		defer m.aux.Done()
		rec.Run(m.runCtx)
	}()
}

func (m *Manager) startBridge() {
	mc := m.app.Config.MQTT
	if !mc.Enabled {
		return
	}
	cfg := mqttbridge.Config{
		Broker:      mc.Broker,
		ClientID:    mc.ClientID,
		TopicPrefix: mc.TopicPrefix,
		QoS:         mc.QoS,
		Username:    mc.Username,
		Password:    mc.Password,
	}
	client, err := mqttbridge.Connect(cfg)
	if err != nil {
		m.app.Log.Warn("mqtt connect failed, continuing without bridge", "broker", mc.Broker, "err", err)
		return
	}
	m.mqtt = client
	br := mqttbridge.New(m.app.Bus, client, cfg, m.app.Log)
	m.aux.Add(1)
	go func() {
		defer m.aux.Done()
		br.Run(m.runCtx)
	}()
}

// WaitInitialized blocks until every device has initialized. It fails fast
// when a device lands in the error state or shuts down.
func (m *Manager) WaitInitialized(ctx context.Context) error {
	sub := m.app.Bus.Subscribe(256, events.ForKinds(events.StatusChanged, events.ShutDown))
	defer sub.Close()
	for {
		pending := 0
		for _, a := range m.actors {
			s := a.Snapshot()
			switch {
			case s.Initialized():
			case s.Status == device.Error:
				return fmt.Errorf("%w: %s: %s", ErrDeviceFailed, s.Name, s.LastError)
			case s.Status == device.ShuttingDown:
				return fmt.Errorf("%s: %w", s.Name, device.ErrShuttingDown)
			default:
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return device.ErrShuttingDown
			}
		}
	}
}

// Shutdown stops every device and then the outputs. Devices still running
// when ctx expires are cancelled and waited for; buffered events are then
// flushed to the recorder.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancelRun == nil {
			m.app.Bus.Close()
			return
		}
		for _, a := range m.actors {
			_ = a.Enqueue(device.Shutdown())
		}
		done := make(chan struct{})
		go func() { m.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			m.app.Log.Warn("timeout waiting for devices to stop")
			err = ctx.Err()
			m.cancelRun()
			<-done
		}
		// closing the bus lets the recorder and bridge drain and exit
		m.app.Bus.Close()
		m.aux.Wait()
		m.cancelRun()
		if m.storage != nil {
			m.storage.Close()
		}
		if m.mqtt != nil {
			m.mqtt.Close()
		}
	})
	return err
}

// Run starts the manager and blocks until ctx is cancelled, then shuts down
// within the configured grace period.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		m.app.Log.Warn("start", "err", err)
	}
	<-ctx.Done()
	grace, cancel := context.WithTimeout(context.Background(), m.graceOrDefault())
	defer cancel()
	return m.Shutdown(grace)
}

func (m *Manager) graceOrDefault() time.Duration {
	if g := m.app.Config.Defaults.ShutdownGrace; g > 0 {
		return g
	}
	return 5 * time.Second
}
