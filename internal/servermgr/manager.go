package servermgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"instrument-hub/internal/device"
	"instrument-hub/internal/hardware/rpc"
	"instrument-hub/internal/hardware/sim"
	"instrument-hub/internal/modbus"
)

// Config lists the simulated instruments devsim serves.
// This mirrors configs/devsim.yaml.
type Config struct {
	Instruments []Instrument `yaml:"instruments"`
}

type Instrument struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"`     // stage | sensor | spectrometer
	Protocol    string        `yaml:"protocol"` // modbus-tcp | rpc
	Listen      string        `yaml:"listen"`
	Steps       int           `yaml:"steps"`
	Channels    []string      `yaml:"channels"`
	MeasureTime time.Duration `yaml:"measure_time"`
	Refresh     time.Duration `yaml:"refresh"`
	ByteOrder   string        `yaml:"byte_order"`
	RetryCount  int           `yaml:"retry_count"`
	Disabled    bool          `yaml:"disabled"`
}

func LoadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	seen := make(map[string]bool)
	for i := range cfg.Instruments {
		in := &cfg.Instruments[i]
		if in.Name == "" || in.Listen == "" {
			return Config{}, fmt.Errorf("instrument %d: name and listen are required", i)
		}
		if seen[in.Name] {
			return Config{}, fmt.Errorf("duplicate instrument %q", in.Name)
		}
		seen[in.Name] = true
		if in.Protocol == "" {
			in.Protocol = "modbus-tcp"
		}
	}
	if len(cfg.Instruments) == 0 {
		return Config{}, fmt.Errorf("no instruments configured")
	}
	return cfg, nil
}

// NewInstrument builds the simulated session for in.
func NewInstrument(in Instrument) (device.Session, error) {
	switch strings.ToLower(in.Kind) {
	case "stage", "delay_stage":
		return sim.NewStage(in.Name, in.Steps), nil
	case "sensor":
		channels := in.Channels
		if len(channels) == 0 {
			channels = []string{"ch0", "ch1"}
		}
		return sim.NewSensor(in.Name, channels, in.MeasureTime), nil
	case "spectrometer":
		return sim.NewSpectrometer(in.Name, nil, in.Steps), nil
	}
	return nil, fmt.Errorf("unknown instrument kind %q", in.Kind)
}

// Manager spins up one protocol server per simulated instrument.
type Manager struct {
	Cfg   Config
	log   *slog.Logger
	mu    sync.Mutex
	addrs map[string]string
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Cfg: cfg, log: logger, addrs: make(map[string]string)}
}

// Addr returns the bound address of a running instrument.
func (m *Manager) Addr(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addrs[name]
	return a, ok
}

// Run starts all enabled instruments and blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	sem := make(chan struct{}, 16) // cap concurrent starts

	for _, in := range m.Cfg.Instruments {
		if in.Disabled {
			continue
		}
		sess, err := NewInstrument(in)
		if err != nil {
			m.log.Warn("skipping instrument", "name", in.Name, "err", err)
			continue
		}

		wg.Add(1)
		go func(in Instrument, sess device.Session) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			stop, addr, err := m.serve(ctx, in, sess)
			<-sem
			if err != nil {
				m.log.Error("instrument failed to start", "name", in.Name, "listen", in.Listen, "err", err)
				return
			}

			m.mu.Lock()
			m.addrs[in.Name] = addr
			m.mu.Unlock()
			m.log.Info("instrument listening", "name", in.Name, "kind", in.Kind, "protocol", in.Protocol, "addr", addr)

			// wait for context cancellation, then close
			<-ctx.Done()
			stop()
			m.mu.Lock()
			delete(m.addrs, in.Name)
			m.mu.Unlock()
			m.log.Info("instrument stopped", "name", in.Name)
		}(in, sess)
	}

	// wait for ctx canceled then wait workers
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (m *Manager) serve(ctx context.Context, in Instrument, sess device.Session) (stop func(), addr string, err error) {
	retry := max(in.RetryCount, 0)
	log := m.log.With("instrument", in.Name)
	for attempt := 0; attempt <= retry; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
		switch strings.ToLower(in.Protocol) {
		case "modbus-tcp", "tcp":
			srv := modbus.NewServer()
			srv.SetLogger(log)
			if err = srv.Listen(in.Listen); err != nil {
				continue
			}
			layout := modbus.DefaultLayout
			if in.ByteOrder != "" {
				layout.ByteOrder = in.ByteOrder
			}
			b := modbus.Bind(srv, sess, layout, in.Refresh)
			return func() { b.Close(); srv.Close() }, srv.Addr().String(), nil
		case "rpc":
			srv := rpc.NewServer(sess, log)
			if err = srv.Listen(in.Listen); err != nil {
				continue
			}
			return srv.Close, "rpc://" + srv.Addr().String(), nil
		default:
			return nil, "", fmt.Errorf("protocol %s not supported", in.Protocol)
		}
	}
	return nil, "", err
}
