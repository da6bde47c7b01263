// Package modbusdev drives register-mapped instruments over Modbus TCP or RTU.
// A RegisterMap says where the position, target, busy flag, measurement
// trigger and channel values live; the session exposes whichever device
// capabilities the map supports.
package modbusdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"instrument-hub/internal/device"
	"instrument-hub/internal/modbus"
)

// Point locates one value. Register is holding|input|coil|discrete; DataType
// is uint16|int16|uint32|int32|float32 (ignored for bits).
type Point struct {
	Name      string  `yaml:"name"`
	Register  string  `yaml:"register"`
	Address   uint16  `yaml:"address"`
	DataType  string  `yaml:"data_type"`
	ByteOrder string  `yaml:"byte_order"`
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
}

func (p Point) set() bool { return p.Register != "" }

// RegisterMap describes an instrument's registers. Position and Target make a
// positioner; Trigger and Channels make a measurer.
type RegisterMap struct {
	Position Point   `yaml:"position"`
	Target   Point   `yaml:"target"`
	Busy     Point   `yaml:"busy"`
	Trigger  Point   `yaml:"trigger"`
	Channels []Point `yaml:"channels"`
}

// DefaultRegisters matches modbus.DefaultLayout for a stage.
var DefaultRegisters = RegisterMap{
	Position: Point{Name: "position", Register: "input", Address: 0, DataType: "float32"},
	Target:   Point{Name: "target", Register: "holding", Address: 0, DataType: "float32"},
	Busy:     Point{Name: "busy", Register: "discrete", Address: 0},
}

// SensorRegisters returns a map for a measurer with n float channels laid
// out like modbus.DefaultLayout.
func SensorRegisters(names ...string) RegisterMap {
	m := RegisterMap{
		Busy:    Point{Name: "busy", Register: "discrete", Address: modbus.DefaultLayout.Busy},
		Trigger: Point{Name: "trigger", Register: "coil", Address: modbus.DefaultLayout.Trigger},
	}
	for i, n := range names {
		m.Channels = append(m.Channels, Point{
			Name:     n,
			Register: "input",
			Address:  modbus.DefaultLayout.Channels + uint16(2*i),
			DataType: "float32",
		})
	}
	return m
}

// SerialConfig holds RTU line parameters.
type SerialConfig struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// Config configures a Modbus session.
type Config struct {
	Protocol  string        // modbus-tcp | modbus-rtu
	SlaveID   byte
	Timeout   time.Duration
	Retries   int
	Serial    SerialConfig
	Registers RegisterMap
	Name      string
	SerialNo  string
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// newHandler creates a TCP or RTU handler. endpoint is host:port for TCP and
// the serial device path for RTU.
func newHandler(cfg Config, endpoint string) (handlerWithConn, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Protocol)) {
	case "", "modbus-tcp", "tcp":
		h := mb.NewTCPClientHandler(strings.TrimPrefix(endpoint, "tcp://"))
		h.Timeout = timeout
		h.SlaveId = cfg.SlaveID
		return h, nil
	case "modbus-rtu", "rtu":
		port := strings.TrimPrefix(endpoint, "rtu://")
		if strings.TrimSpace(port) == "" {
			return nil, errors.New("serial port is required for RTU")
		}
		h := mb.NewRTUClientHandler(port)
		if cfg.Serial.BaudRate > 0 {
			h.BaudRate = cfg.Serial.BaudRate
		}
		if cfg.Serial.DataBits > 0 {
			h.DataBits = cfg.Serial.DataBits
		}
		if cfg.Serial.StopBits > 0 {
			h.StopBits = cfg.Serial.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(cfg.Serial.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		h.SlaveId = cfg.SlaveID
		return h, nil
	default:
		return nil, fmt.Errorf("protocol %s not implemented", cfg.Protocol)
	}
}

// Dialer returns a device.Dialer for cfg.
func Dialer(cfg Config) device.Dialer {
	return func(ctx context.Context, endpoint string) (device.Session, error) {
		return Dial(ctx, cfg, endpoint)
	}
}

// Dial connects with simple retries and returns a session exposing the
// capabilities the register map supports.
func Dial(ctx context.Context, cfg Config, endpoint string) (device.Session, error) {
	m := cfg.Registers
	if !m.Busy.set() {
		return nil, fmt.Errorf("register map for %s has no busy point", endpoint)
	}
	h, err := newHandler(cfg, endpoint)
	if err != nil {
		return nil, err
	}
	retry := max(cfg.Retries, 0)
	for attempts := 0; ; attempts++ {
		err := h.Connect()
		if err == nil {
			break
		}
		if attempts == retry {
			return nil, fmt.Errorf("connect %s: %w", endpoint, err)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	name := cfg.Name
	if name == "" {
		name = endpoint
	}
	base := &session{
		handler:  h,
		client:   mb.NewClient(h),
		regs:     m,
		identity: device.Identity{Name: name, Serial: cfg.SerialNo, Model: "modbus"},
	}
	canMove := m.Position.set() && m.Target.set()
	canMeasure := m.Trigger.set() && len(m.Channels) > 0
	switch {
	case canMove && canMeasure:
		return &positionMeasureSession{base}, nil
	case canMove:
		return &positionSession{base}, nil
	case canMeasure:
		return &measureSession{base}, nil
	default:
		return base, nil
	}
}

type session struct {
	mu       sync.Mutex
	handler  handlerWithConn
	client   mb.Client
	regs     RegisterMap
	identity device.Identity
}

type positionSession struct{ *session }

func (s *positionSession) GetPosition() (float64, error)      { return s.getPosition() }
func (s *positionSession) SetPositionAbsolute(v float64) error { return s.setPosition(v) }

type measureSession struct{ *session }

func (s *measureSession) Measure(blocking bool) error        { return s.measure() }
func (s *measureSession) ChannelNames() ([]string, error)    { return s.channelNames(), nil }
func (s *measureSession) MeasuredValues() ([]float64, error) { return s.measuredValues() }

type positionMeasureSession struct{ *session }

func (s *positionMeasureSession) GetPosition() (float64, error)      { return s.getPosition() }
func (s *positionMeasureSession) SetPositionAbsolute(v float64) error { return s.setPosition(v) }
func (s *positionMeasureSession) Measure(blocking bool) error        { return s.measure() }
func (s *positionMeasureSession) ChannelNames() ([]string, error)    { return s.channelNames(), nil }
func (s *positionMeasureSession) MeasuredValues() ([]float64, error) { return s.measuredValues() }

func (s *session) Identity() (device.Identity, error) { return s.identity, nil }

func (s *session) Close() error { return s.handler.Close() }

func (s *session) IsBusy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.read(s.regs.Busy)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (s *session) getPosition() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.regs.Position)
}

func (s *session) setPosition(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.regs.Target, v)
}

func (s *session) measure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.regs.Trigger, 1)
}

func (s *session) channelNames() []string {
	names := make([]string, len(s.regs.Channels))
	for i, p := range s.regs.Channels {
		names[i] = p.Name
	}
	return names
}

func (s *session) measuredValues() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]float64, len(s.regs.Channels))
	for i, p := range s.regs.Channels {
		v, err := s.read(p)
		if err != nil {
			return nil, fmt.Errorf("read channel %s@%d: %w", p.Name, p.Address, err)
		}
		values[i] = v
	}
	return values, nil
}

func wide(dt string) bool {
	return dt == "float32" || dt == "uint32" || dt == "int32"
}

func (s *session) read(p Point) (float64, error) {
	rt := strings.ToLower(p.Register)
	dt := strings.ToLower(p.DataType)
	qty := uint16(1)
	if wide(dt) {
		qty = 2
	}
	switch rt {
	case "holding":
		data, err := s.client.ReadHoldingRegisters(p.Address, qty)
		if err != nil {
			return 0, err
		}
		return decodeRegisterData(data, dt, p)
	case "input":
		data, err := s.client.ReadInputRegisters(p.Address, qty)
		if err != nil {
			return 0, err
		}
		return decodeRegisterData(data, dt, p)
	case "coil":
		data, err := s.client.ReadCoils(p.Address, 1)
		if err != nil {
			return 0, err
		}
		return boolToFloat(len(data) > 0 && data[0]&0x01 == 0x01), nil
	case "discrete":
		data, err := s.client.ReadDiscreteInputs(p.Address, 1)
		if err != nil {
			return 0, err
		}
		return boolToFloat(len(data) > 0 && data[0]&0x01 == 0x01), nil
	default:
		return 0, fmt.Errorf("unsupported register type: %s", p.Register)
	}
}

func (s *session) write(p Point, v float64) error {
	switch strings.ToLower(p.Register) {
	case "coil":
		value := uint16(0x0000)
		if v != 0 {
			value = 0xFF00
		}
		_, err := s.client.WriteSingleCoil(p.Address, value)
		return err
	case "holding":
		data, err := encodeRegisterData(unscale(v, p), strings.ToLower(p.DataType), p.ByteOrder)
		if err != nil {
			return err
		}
		if len(data) == 2 {
			_, err = s.client.WriteSingleRegister(p.Address, binary.BigEndian.Uint16(data))
			return err
		}
		_, err = s.client.WriteMultipleRegisters(p.Address, uint16(len(data)/2), data)
		return err
	default:
		return fmt.Errorf("register type %s is not writable", p.Register)
	}
}

func scale(v float64, p Point) float64 {
	if p.Scale == 0 {
		return v + p.Offset
	}
	return v*p.Scale + p.Offset
}

func unscale(v float64, p Point) float64 {
	if p.Scale == 0 {
		return v - p.Offset
	}
	return (v - p.Offset) / p.Scale
}

func decodeRegisterData(data []byte, dt string, p Point) (float64, error) {
	switch dt {
	case "", "uint16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for uint16")
		}
		return scale(float64(binary.BigEndian.Uint16(data[:2])), p), nil
	case "int16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for int16")
		}
		return scale(float64(int16(binary.BigEndian.Uint16(data[:2]))), p), nil
	case "float32":
		f, err := modbus.DecodeFloat32(data, p.ByteOrder)
		if err != nil {
			return 0, err
		}
		return scale(float64(f), p), nil
	case "uint32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for uint32")
		}
		return scale(float64(binary.BigEndian.Uint32(modbus.Reorder32(data[:4], p.ByteOrder))), p), nil
	case "int32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for int32")
		}
		return scale(float64(int32(binary.BigEndian.Uint32(modbus.Reorder32(data[:4], p.ByteOrder)))), p), nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", dt)
	}
}

func encodeRegisterData(v float64, dt, order string) ([]byte, error) {
	switch dt {
	case "", "uint16":
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b, nil
	case "int16":
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(int16(v)))
		return b, nil
	case "float32":
		return modbus.EncodeFloat32(float32(v), order), nil
	case "uint32":
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return modbus.Reorder32(b, order), nil
	case "int32":
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(int32(v)))
		return modbus.Reorder32(b, order), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", dt)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
