package device

import "context"

// Identity is what a session reports about the connected instrument.
type Identity struct {
	Name   string `json:"name"`
	Serial string `json:"serial"`
	Model  string `json:"model,omitempty"`
}

// Session is the blocking, stateful connection to one instrument. Every
// method may block; only the owning actor's worker calls them.
type Session interface {
	Identity() (Identity, error)
	IsBusy() (bool, error)
	Close() error
}

// Positioner is implemented by sessions that move (stages, monochromators).
// Positions are in the device's native coordinate.
type Positioner interface {
	GetPosition() (float64, error)
	SetPositionAbsolute(native float64) error
}

// Measurer is implemented by sessions that acquire data.
type Measurer interface {
	Measure(blocking bool) error
	ChannelNames() ([]string, error)
	MeasuredValues() ([]float64, error)
}

// Turret is implemented by sessions with selectable gratings. Indices are
// 1-based. TurretLimits reports the native travel of the active grating.
type Turret interface {
	SetTurret(index int) error
	TurretLimits() (min, max float64, err error)
}

// Dialer opens a session for an endpoint.
type Dialer func(ctx context.Context, endpoint string) (Session, error)

// Capabilities lists the optional interfaces a session implements.
type Capabilities struct {
	Position bool `json:"position"`
	Measure  bool `json:"measure"`
	Turret   bool `json:"turret"`
}

func capabilitiesOf(s Session) Capabilities {
	_, p := s.(Positioner)
	_, m := s.(Measurer)
	_, t := s.(Turret)
	return Capabilities{Position: p, Measure: m, Turret: t}
}
