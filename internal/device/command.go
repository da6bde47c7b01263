package device

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandKind tags the operation a Command performs.
type CommandKind int

const (
	KindInitialize CommandKind = iota + 1
	KindSetPosition
	KindGetPosition
	KindMeasure
	KindSetFreerun
	KindSetZero
	KindSetLimits
	KindSetTurret
	KindShutdown
)

var commandNames = map[CommandKind]string{
	KindInitialize:  "initialize",
	KindSetPosition: "set_position",
	KindGetPosition: "get_position",
	KindMeasure:     "measure",
	KindSetFreerun:  "set_freerun",
	KindSetZero:     "set_zero",
	KindSetLimits:   "set_limits",
	KindSetTurret:   "set_turret",
	KindShutdown:    "shutdown",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// ParseCommandKind is the inverse of CommandKind.String.
func ParseCommandKind(s string) (CommandKind, error) {
	for k, name := range commandNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown command %q", ErrValidation, s)
}

// Command is one operation for a device actor. Build commands with the
// constructors below; a command is not modified after it is enqueued.
type Command struct {
	ID     uuid.UUID
	Kind   CommandKind
	Value  float64 // SetPosition target, SetZero native offset
	Unit   string  // SetPosition unit; empty means physical
	Enable bool    // SetFreerun
	Index  int     // SetTurret, 1-based
	Min    float64 // SetLimits, native
	Max    float64

	reply chan Result
}

// Result is delivered to Do callers once a command has executed.
type Result struct {
	CommandID uuid.UUID
	Snapshot  Snapshot
	Err       error
}

func newCommand(k CommandKind) Command { return Command{ID: uuid.New(), Kind: k} }

func Initialize() Command  { return newCommand(KindInitialize) }
func GetPosition() Command { return newCommand(KindGetPosition) }
func Measure() Command     { return newCommand(KindMeasure) }
func Shutdown() Command    { return newCommand(KindShutdown) }

// SetPosition moves to value expressed in unit (see position.Calibration.Resolve).
func SetPosition(value float64, unit string) Command {
	c := newCommand(KindSetPosition)
	c.Value, c.Unit = value, unit
	return c
}

func SetFreerun(enable bool) Command {
	c := newCommand(KindSetFreerun)
	c.Enable = enable
	return c
}

// SetZero sets the native coordinate that maps to physical zero.
func SetZero(native float64) Command {
	c := newCommand(KindSetZero)
	c.Value = native
	return c
}

func SetLimits(nativeMin, nativeMax float64) Command {
	c := newCommand(KindSetLimits)
	c.Min, c.Max = nativeMin, nativeMax
	return c
}

func SetTurret(index int) Command {
	c := newCommand(KindSetTurret)
	c.Index = index
	return c
}
