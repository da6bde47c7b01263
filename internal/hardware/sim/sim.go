// Package sim provides in-process simulated instruments. They implement the
// device session capabilities and back the sim:// endpoints used in offline
// mode and in tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"instrument-hub/internal/device"
)

var ErrClosed = errors.New("sim: session closed")

// core holds what every simulated instrument shares: identity, fault
// injection, the operation log and the open/closed state.
type core struct {
	mu     sync.Mutex
	ident  device.Identity
	faults map[string]error
	ops    []string
	closed bool
}

func (c *core) init(kind, name string) {
	c.ident = device.Identity{Name: name, Serial: fmt.Sprintf("SIM-%s-%s", strings.ToUpper(kind), name), Model: "sim-" + kind}
	c.faults = make(map[string]error)
}

// Fail makes op return err until cleared. An empty op fails every operation.
func (c *core) Fail(op string, err error) {
	c.mu.Lock()
	c.faults[op] = err
	c.mu.Unlock()
}

// Clear removes all injected faults.
func (c *core) Clear() {
	c.mu.Lock()
	c.faults = make(map[string]error)
	c.mu.Unlock()
}

// Note appends a marker to the operation log.
func (c *core) Note(marker string) {
	c.mu.Lock()
	c.ops = append(c.ops, marker)
	c.mu.Unlock()
}

// Ops returns a copy of the operation log.
func (c *core) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// Closed reports whether the session is closed.
func (c *core) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enter records op and returns the injected fault, if any. c.mu must be held.
func (c *core) enter(op string) error {
	c.ops = append(c.ops, op)
	if c.closed {
		return ErrClosed
	}
	if err, ok := c.faults[op]; ok {
		return err
	}
	if err, ok := c.faults[""]; ok {
		return err
	}
	return nil
}

func (c *core) Identity() (device.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("identity"); err != nil {
		return device.Identity{}, err
	}
	return c.ident, nil
}

func (c *core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "close")
	c.closed = true
	return nil
}

func (c *core) reopen() {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
}

// motion is a poll-driven move: every IsBusy call advances one step.
type motion struct {
	pos, from, target float64
	steps, remaining  int
	stuck             bool
}

func (m *motion) start(target float64) {
	m.from, m.target = m.pos, target
	m.remaining = m.steps
	if m.remaining <= 0 {
		m.pos = target
	}
}

func (m *motion) poll() bool {
	if m.stuck {
		return true
	}
	if m.remaining <= 0 {
		return false
	}
	m.remaining--
	if m.remaining == 0 {
		m.pos = m.target
		return false
	}
	frac := float64(m.steps-m.remaining) / float64(m.steps)
	m.pos = m.from + (m.target-m.from)*frac
	return true
}

// Stage is a simulated motorized delay stage. Native unit: mm.
type Stage struct {
	core
	motion
}

// NewStage returns a stage at native position 0 that completes a move after
// steps busy polls.
func NewStage(name string, steps int) *Stage {
	s := &Stage{}
	s.init("stage", name)
	s.steps = steps
	return s
}

// Stick makes the stage report busy forever (or stop doing so).
func (s *Stage) Stick(stuck bool) {
	s.mu.Lock()
	s.stuck = stuck
	s.mu.Unlock()
}

// Native returns the current native position without logging an operation.
func (s *Stage) Native() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Stage) IsBusy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("is_busy"); err != nil {
		return false, err
	}
	return s.poll(), nil
}

func (s *Stage) GetPosition() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get_position"); err != nil {
		return 0, err
	}
	return s.pos, nil
}

func (s *Stage) SetPositionAbsolute(native float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("set_position"); err != nil {
		return err
	}
	s.start(native)
	return nil
}

// acquisition models a blocking measurement producing one value per channel.
type acquisition struct {
	channels    []string
	values      []float64
	measureTime time.Duration
	count       int
	source      func(n int, channels []string) []float64
}

func (q *acquisition) acquire() {
	q.count++
	if q.source != nil {
		q.values = q.source(q.count, q.channels)
		return
	}
	q.values = make([]float64, len(q.channels))
	for i := range q.values {
		q.values[i] = float64(q.count) + 0.1*float64(i)
	}
}

// Sensor is a simulated continuous-readout sensor.
type Sensor struct {
	core
	acquisition
}

// NewSensor returns a sensor with the given channels. Each measurement
// blocks for measureTime.
func NewSensor(name string, channels []string, measureTime time.Duration) *Sensor {
	if len(channels) == 0 {
		channels = []string{"ch0"}
	}
	s := &Sensor{acquisition: acquisition{channels: append([]string(nil), channels...), measureTime: measureTime}}
	s.init("sensor", name)
	return s
}

// SetSource replaces the value generator. n counts measurements from 1.
func (s *Sensor) SetSource(fn func(n int, channels []string) []float64) {
	s.mu.Lock()
	s.source = fn
	s.mu.Unlock()
}

// Count returns how many measurements have completed.
func (s *Sensor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Sensor) IsBusy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return false, s.enter("is_busy")
}

func (s *Sensor) Measure(blocking bool) error {
	s.mu.Lock()
	err := s.enter("measure")
	d := s.measureTime
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if blocking && d > 0 {
		time.Sleep(d)
	}
	s.mu.Lock()
	s.acquire()
	s.mu.Unlock()
	return nil
}

func (s *Sensor) ChannelNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("channel_names"); err != nil {
		return nil, err
	}
	return append([]string(nil), s.channels...), nil
}

func (s *Sensor) MeasuredValues() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("measured_values"); err != nil {
		return nil, err
	}
	return append([]float64(nil), s.values...), nil
}

// Grating is one turret position and its native travel (nm).
type Grating struct {
	Min, Max float64
}

// Spectrometer is a simulated monochromator: it moves in wavelength, measures
// intensity and has a grating turret.
type Spectrometer struct {
	core
	motion
	acquisition
	gratings []Grating
	turret   int
}

// DefaultGratings are used when NewSpectrometer is given none.
var DefaultGratings = []Grating{{Min: 200, Max: 900}, {Min: 800, Max: 2000}}

func NewSpectrometer(name string, gratings []Grating, steps int) *Spectrometer {
	if len(gratings) == 0 {
		gratings = DefaultGratings
	}
	s := &Spectrometer{
		acquisition: acquisition{channels: []string{"wavelength", "intensity"}},
		gratings:    append([]Grating(nil), gratings...),
		turret:      1,
	}
	s.init("spectrometer", name)
	s.steps = steps
	s.pos = s.gratings[0].Min
	s.source = func(int, []string) []float64 {
		return []float64{s.pos, math.Exp(-math.Pow((s.pos-550)/80, 2)) * 1000}
	}
	return s
}

func (s *Spectrometer) IsBusy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("is_busy"); err != nil {
		return false, err
	}
	return s.poll(), nil
}

func (s *Spectrometer) GetPosition() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get_position"); err != nil {
		return 0, err
	}
	return s.pos, nil
}

func (s *Spectrometer) SetPositionAbsolute(native float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("set_position"); err != nil {
		return err
	}
	g := s.gratings[s.turret-1]
	if native < g.Min || native > g.Max {
		return fmt.Errorf("sim: %v nm outside grating %d range [%v, %v]", native, s.turret, g.Min, g.Max)
	}
	s.start(native)
	return nil
}

func (s *Spectrometer) Measure(bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("measure"); err != nil {
		return err
	}
	s.acquire()
	return nil
}

func (s *Spectrometer) ChannelNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("channel_names"); err != nil {
		return nil, err
	}
	return append([]string(nil), s.channels...), nil
}

func (s *Spectrometer) MeasuredValues() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("measured_values"); err != nil {
		return nil, err
	}
	return append([]float64(nil), s.values...), nil
}

func (s *Spectrometer) SetTurret(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("set_turret"); err != nil {
		return err
	}
	if index < 1 || index > len(s.gratings) {
		return fmt.Errorf("sim: turret index %d out of range 1..%d", index, len(s.gratings))
	}
	s.turret = index
	return nil
}

func (s *Spectrometer) TurretLimits() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("turret_limits"); err != nil {
		return 0, 0, err
	}
	g := s.gratings[s.turret-1]
	return g.Min, g.Max, nil
}

type reopener interface {
	device.Session
	reopen()
}

// Registry resolves sim://<kind>/<name> endpoints. Dialing an unknown name
// creates a default instrument of that kind; dialing it again returns the
// same instance, reopened, so simulated state survives re-initialization.
type Registry struct {
	mu      sync.Mutex
	devices map[string]reopener
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]reopener)}
}

// Add registers a simulated instrument under endpoint.
func (r *Registry) Add(endpoint string, s device.Session) error {
	ro, ok := s.(reopener)
	if !ok {
		return fmt.Errorf("sim: %T is not a simulated instrument", s)
	}
	key, _, _, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.devices[key] = ro
	r.mu.Unlock()
	return nil
}

// Get returns the instrument registered under endpoint.
func (r *Registry) Get(endpoint string) (device.Session, bool) {
	key, _, _, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.devices[key]
	return s, ok
}

// Dial implements device.Dialer.
func (r *Registry) Dial(ctx context.Context, endpoint string) (device.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, kind, name, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.devices[key]
	if !ok {
		switch kind {
		case "stage":
			s = NewStage(name, 3)
		case "sensor":
			s = NewSensor(name, []string{"ch0", "ch1"}, 10*time.Millisecond)
		case "spectrometer":
			s = NewSpectrometer(name, nil, 3)
		default:
			return nil, fmt.Errorf("sim: unknown instrument kind %q", kind)
		}
		r.devices[key] = s
	}
	s.reopen()
	return s, nil
}

func parseEndpoint(endpoint string) (key, kind, name string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", "", fmt.Errorf("sim: endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "sim" {
		return "", "", "", fmt.Errorf("sim: endpoint %q is not sim://", endpoint)
	}
	kind = strings.ToLower(u.Host)
	name = strings.Trim(u.Path, "/")
	if kind == "" || name == "" {
		return "", "", "", fmt.Errorf("sim: endpoint %q must be sim://<kind>/<name>", endpoint)
	}
	return kind + "/" + name, kind, name, nil
}
