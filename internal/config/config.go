package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"instrument-hub/internal/device"
	"instrument-hub/internal/hardware/modbusdev"
	"instrument-hub/internal/hardware/rpc"
	"instrument-hub/internal/hardware/sim"
	"instrument-hub/internal/position"
)

// Root configuration for the instrument hub.
// This mirrors configs/lab.yaml.

type Root struct {
	SettingsPath string                                `yaml:"settings_path"`
	Defaults     Defaults                              `yaml:"defaults"`
	Storage      Storage                               `yaml:"storage"`
	Metrics      Metrics                               `yaml:"metrics"`
	MQTT         MQTT                                  `yaml:"mqtt"`
	Snapshot     Snapshot                              `yaml:"snapshot"`
	Hardware     map[string]map[string]*DeviceSettings `yaml:"hardware"`
}

type Defaults struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	QueueSize       int           `yaml:"queue_size"`
	FreerunInterval time.Duration `yaml:"freerun_interval"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

type Storage struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir"`
	FileType     string        `yaml:"file_type"` // jsonl | csv | db and combinations like jsonl+db
	MaxQueueSize int           `yaml:"max_queue_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type MQTT struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type Snapshot struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // json | csv
}

// DeviceSettings is one hardware.<kind>.<name> entry.
type DeviceSettings struct {
	Endpoint string `yaml:"endpoint"`
	Enable   bool   `yaml:"enable"`
	Protocol string `yaml:"protocol"` // sim | modbus-tcp | modbus-rtu | rpc
	Index    int    `yaml:"index"`

	NativeUnits   string   `yaml:"native_units"`
	PhysicalUnits string   `yaml:"physical_units"`
	ScaleFactor   *float64 `yaml:"scale_factor"`
	ZeroPosition  float64  `yaml:"zero_position"`
	NativeMin     *float64 `yaml:"native_min"`
	NativeMax     *float64 `yaml:"native_max"`

	PollInterval time.Duration `yaml:"poll_interval"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	Freerun      bool          `yaml:"freerun"`

	// modbus and rpc
	SlaveID   uint8                   `yaml:"slave_id"`
	Timeout   time.Duration           `yaml:"timeout"`
	Retries   int                     `yaml:"retry_count"`
	Registers *modbusdev.RegisterMap  `yaml:"registers"`
	Serial    *modbusdev.SerialConfig `yaml:"serial"`
}

// Entry is an enabled device with its position in the hardware tree.
type Entry struct {
	Kind string
	Name string
	DeviceSettings
}

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultBusyTimeout   = 60 * time.Second
	DefaultSettingsPath  = "settings.ini"
	DefaultShutdownGrace = 5 * time.Second
	defaultStageTravel   = 50.0
)

var ErrInvalid = errors.New("invalid configuration")

func LoadYAML(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, err
	}
	return Parse(b)
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(b []byte) (Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Root{}, err
	}
	// Defaults
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = DefaultSettingsPath
	}
	if cfg.Defaults.PollInterval <= 0 {
		cfg.Defaults.PollInterval = DefaultPollInterval
	}
	if cfg.Defaults.BusyTimeout <= 0 {
		cfg.Defaults.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Defaults.QueueSize <= 0 {
		cfg.Defaults.QueueSize = device.DefaultQueueSize
	}
	if cfg.Defaults.ShutdownGrace <= 0 {
		cfg.Defaults.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Storage.MaxQueueSize <= 0 {
		cfg.Storage.MaxQueueSize = 1000
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lab"
	}
	if cfg.Snapshot.Format == "" {
		cfg.Snapshot.Format = "json"
	}
	// Basic validation
	entries := cfg.Devices()
	if len(entries) == 0 {
		return Root{}, fmt.Errorf("%w: no hardware enabled", ErrInvalid)
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Endpoint) == "" {
			return Root{}, fmt.Errorf("%w: hardware.%s.%s: endpoint is required", ErrInvalid, e.Kind, e.Name)
		}
		if _, err := e.protocol(); err != nil {
			return Root{}, fmt.Errorf("%w: hardware.%s.%s: %v", ErrInvalid, e.Kind, e.Name, err)
		}
		if _, err := e.Calibration(); err != nil {
			return Root{}, fmt.Errorf("%w: hardware.%s.%s: %v", ErrInvalid, e.Kind, e.Name, err)
		}
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return Root{}, fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	return cfg, nil
}

// Devices lists the enabled hardware entries ordered by index, then kind and
// name. Absent and disabled entries are skipped.
func (r Root) Devices() []Entry {
	var out []Entry
	for kind, group := range r.Hardware {
		for name, ds := range group {
			if ds == nil || !ds.Enable {
				continue
			}
			out = append(out, Entry{Kind: kind, Name: name, DeviceSettings: *ds})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (e Entry) protocol() (string, error) {
	p := strings.ToLower(strings.TrimSpace(e.Protocol))
	if p == "" {
		scheme, _, ok := strings.Cut(e.Endpoint, "://")
		if !ok {
			return "", fmt.Errorf("protocol is required for endpoint %q", e.Endpoint)
		}
		p = scheme
	}
	switch p {
	case "sim", "rpc":
		return p, nil
	case "modbus-tcp", "tcp":
		return "modbus-tcp", nil
	case "modbus-rtu", "rtu":
		return "modbus-rtu", nil
	}
	return "", fmt.Errorf("unsupported protocol %q", p)
}

// Calibration builds the configured calibration. Stages without explicit
// limits travel 0 to 50 native units.
func (e Entry) Calibration() (position.Calibration, error) {
	cal := position.Calibration{
		ZeroOffset:    e.ZeroPosition,
		ScaleFactor:   1,
		NativeUnits:   e.NativeUnits,
		PhysicalUnits: e.PhysicalUnits,
	}
	if e.ScaleFactor != nil {
		cal.ScaleFactor = *e.ScaleFactor
	}
	if strings.Contains(e.Kind, "stage") {
		cal.NativeMax = defaultStageTravel
	}
	if e.NativeMin != nil {
		cal.NativeMin = *e.NativeMin
	}
	if e.NativeMax != nil {
		cal.NativeMax = *e.NativeMax
	}
	return cal, cal.Validate()
}

// Dialer picks the session transport for e. reg resolves sim:// endpoints.
func (e Entry) Dialer(reg *sim.Registry) (device.Dialer, error) {
	p, err := e.protocol()
	if err != nil {
		return nil, err
	}
	switch p {
	case "sim":
		if reg == nil {
			return nil, errors.New("no simulator registry for sim endpoint")
		}
		return reg.Dial, nil
	case "rpc":
		return rpc.Dialer(e.Timeout), nil
	}
	mc := modbusdev.Config{
		Protocol:  p,
		SlaveID:   e.SlaveID,
		Timeout:   e.Timeout,
		Retries:   e.Retries,
		Registers: modbusdev.DefaultRegisters,
		Name:      e.Name,
	}
	if mc.SlaveID == 0 {
		mc.SlaveID = 1
	}
	if e.Registers != nil {
		mc.Registers = *e.Registers
	}
	if e.Serial != nil {
		mc.Serial = *e.Serial
	}
	return modbusdev.Dialer(mc), nil
}

// DeviceConfig converts e into an actor configuration. The caller fills in
// the bus, settings store, logger and metrics.
func (r Root) DeviceConfig(e Entry, reg *sim.Registry) (device.Config, error) {
	cal, err := e.Calibration()
	if err != nil {
		return device.Config{}, err
	}
	dial, err := e.Dialer(reg)
	if err != nil {
		return device.Config{}, err
	}
	cfg := device.Config{
		Name:            e.Name,
		Index:           e.Index,
		Kind:            e.Kind,
		Endpoint:        e.Endpoint,
		Dial:            dial,
		Calibration:     cal,
		PollInterval:    e.PollInterval,
		BusyTimeout:     e.BusyTimeout,
		QueueSize:       r.Defaults.QueueSize,
		FreerunInterval: r.Defaults.FreerunInterval,
		Freerun:         e.Freerun,
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = r.Defaults.PollInterval
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = r.Defaults.BusyTimeout
	}
	return cfg, nil
}
