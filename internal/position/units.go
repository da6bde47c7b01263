package position

import (
	"fmt"
	"strings"
)

// Native is the pseudo-unit that addresses a device in its own coordinate.
const Native = "native"

type unitDef struct {
	family string
	factor float64 // multiples of the family base unit
}

var unitTable = map[string]unitDef{
	"fs": {"delay", 1e-3},
	"ps": {"delay", 1},
	"ns": {"delay", 1e3},

	"nm": {"length", 1e-6},
	"um": {"length", 1e-3},
	"mm": {"length", 1},

	"wn": {"energy", 1},
}

// ConvertUnits converts v expressed in unit from to unit to. Both units must
// belong to the same family; identical names always convert trivially.
func ConvertUnits(v float64, from, to string) (float64, error) {
	from, to = strings.ToLower(strings.TrimSpace(from)), strings.ToLower(strings.TrimSpace(to))
	if from == to {
		return v, nil
	}
	f, okF := unitTable[from]
	t, okT := unitTable[to]
	if !okF || !okT {
		return 0, fmt.Errorf("unknown unit conversion %q -> %q", from, to)
	}
	if f.family != t.family {
		return 0, fmt.Errorf("incompatible units %q (%s) and %q (%s)", from, f.family, to, t.family)
	}
	return v * f.factor / t.factor, nil
}

// Resolve turns a (value, unit) request into a native coordinate. An empty
// unit means the calibration's physical unit; "native" or the calibration's
// native unit name addresses the native coordinate directly.
func (c Calibration) Resolve(value float64, unit string) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	switch {
	case u == Native, u != "" && u == strings.ToLower(c.NativeUnits) && u != strings.ToLower(c.PhysicalUnits):
		return value, nil
	case u == "":
		return ToNative(value, c), nil
	}
	phys, err := ConvertUnits(value, u, c.PhysicalUnits)
	if err != nil {
		return 0, err
	}
	return ToNative(phys, c), nil
}
