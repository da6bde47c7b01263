package rpc

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"instrument-hub/internal/device"
)

const DefaultCallTimeout = 10 * time.Second

// Client is a connection to one daemon. Calls are serialised.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	f       *framer
	nextID  uint64
	timeout time.Duration
}

// Connect dials addr (host:port, optionally prefixed with rpc://).
func Connect(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "rpc://"))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, f: newFramer(conn), timeout: timeout}, nil
}

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(method string, params Params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if err := c.f.writeMsg(Request{ID: id, Method: method, Params: params}); err != nil {
		return err
	}
	var resp Response
	if err := c.f.readMsg(&resp); err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	if resp.ID != id {
		return fmt.Errorf("rpc %s: response id %d, want %d", method, resp.ID, id)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrRemote, method, resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Dialer returns a device.Dialer that connects to the daemon at the endpoint
// and builds a session from its advertised traits.
func Dialer(timeout time.Duration) device.Dialer {
	return func(ctx context.Context, endpoint string) (device.Session, error) {
		c, err := Connect(ctx, endpoint, timeout)
		if err != nil {
			return nil, err
		}
		s, err := NewSession(c)
		if err != nil {
			c.Close()
			return nil, err
		}
		return s, nil
	}
}

// NewSession queries the daemon's traits and wraps c in a session exposing
// the matching capabilities.
func NewSession(c *Client) (device.Session, error) {
	var traits []string
	if err := c.Call(MethodTraits, Params{}, &traits); err != nil {
		return nil, err
	}
	base := &session{c: c}
	hasPos := slices.Contains(traits, TraitHasPosition)
	isSensor := slices.Contains(traits, TraitIsSensor)
	hasTurret := slices.Contains(traits, TraitHasTurret)
	p, m, t := positioner{base}, measurer{base}, turret{base}
	switch {
	case hasPos && isSensor && hasTurret:
		return &spectrometerSession{base, p, m, t}, nil
	case hasPos && isSensor:
		return &positionSensorSession{base, p, m}, nil
	case hasPos && hasTurret:
		return &positionTurretSession{base, p, t}, nil
	case isSensor && hasTurret:
		return &sensorTurretSession{base, m, t}, nil
	case hasPos:
		return &positionSession{base, p}, nil
	case isSensor:
		return &sensorSession{base, m}, nil
	case hasTurret:
		return &turretSession{base, t}, nil
	default:
		return base, nil
	}
}

type session struct{ c *Client }

func (s *session) Identity() (device.Identity, error) {
	var r IDResult
	if err := s.c.Call(MethodID, Params{}, &r); err != nil {
		return device.Identity{}, err
	}
	return device.Identity{Name: r.Name, Serial: r.Serial, Model: r.Model}, nil
}

func (s *session) IsBusy() (bool, error) {
	var busy bool
	err := s.c.Call(MethodBusy, Params{}, &busy)
	return busy, err
}

func (s *session) Close() error { return s.c.Close() }

func (s *session) getPosition() (float64, error) {
	var v float64
	err := s.c.Call(MethodGetPosition, Params{}, &v)
	return v, err
}

func (s *session) setPosition(v float64) error {
	return s.c.Call(MethodSetPosition, Params{Value: v}, nil)
}

func (s *session) measure(blocking bool) error {
	return s.c.Call(MethodMeasure, Params{Blocking: blocking}, nil)
}

func (s *session) channelNames() ([]string, error) {
	var names []string
	err := s.c.Call(MethodChannelNames, Params{}, &names)
	return names, err
}

func (s *session) measured() ([]float64, error) {
	var values []float64
	err := s.c.Call(MethodMeasured, Params{}, &values)
	return values, err
}

func (s *session) setTurret(i int) error {
	return s.c.Call(MethodSetTurret, Params{Index: i}, nil)
}

func (s *session) turretLimits() (float64, float64, error) {
	var r LimitsResult
	err := s.c.Call(MethodTurretLimits, Params{}, &r)
	return r.Min, r.Max, err
}

type positioner struct{ s *session }

func (p positioner) GetPosition() (float64, error)      { return p.s.getPosition() }
func (p positioner) SetPositionAbsolute(v float64) error { return p.s.setPosition(v) }

type measurer struct{ s *session }

func (m measurer) Measure(b bool) error                { return m.s.measure(b) }
func (m measurer) ChannelNames() ([]string, error)    { return m.s.channelNames() }
func (m measurer) MeasuredValues() ([]float64, error) { return m.s.measured() }

type turret struct{ s *session }

func (t turret) SetTurret(i int) error                   { return t.s.setTurret(i) }
func (t turret) TurretLimits() (float64, float64, error) { return t.s.turretLimits() }

// One type per trait combination, so each advertised trait maps onto its
// capability interface.
type (
	positionSession struct {
		*session
		positioner
	}
	sensorSession struct {
		*session
		measurer
	}
	turretSession struct {
		*session
		turret
	}
	positionSensorSession struct {
		*session
		positioner
		measurer
	}
	positionTurretSession struct {
		*session
		positioner
		turret
	}
	sensorTurretSession struct {
		*session
		measurer
		turret
	}
	spectrometerSession struct {
		*session
		positioner
		measurer
		turret
	}
)
