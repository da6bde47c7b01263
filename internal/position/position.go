package position

import (
	"errors"
	"fmt"
	"math"
)

// ErrCalibration is returned when a calibration record would violate its
// invariants (zero or non-finite scale factor, inverted native limits).
var ErrCalibration = errors.New("invalid calibration")

// epsilon used when comparing a requested position against the travel limits.
const limitTolerance = 1e-9

// Calibration maps a device's native coordinate onto physical units with the
// linear model physical = (native - ZeroOffset) * ScaleFactor.
type Calibration struct {
	ZeroOffset    float64 `json:"zero_offset" yaml:"zero_offset"`
	ScaleFactor   float64 `json:"scale_factor" yaml:"scale_factor"`
	NativeMin     float64 `json:"native_min" yaml:"native_min"`
	NativeMax     float64 `json:"native_max" yaml:"native_max"`
	NativeUnits   string  `json:"native_units" yaml:"native_units"`
	PhysicalUnits string  `json:"physical_units" yaml:"physical_units"`
}

// Validate checks the calibration invariants.
func (c Calibration) Validate() error {
	if c.ScaleFactor == 0 || math.IsNaN(c.ScaleFactor) || math.IsInf(c.ScaleFactor, 0) {
		return fmt.Errorf("%w: scale factor %v", ErrCalibration, c.ScaleFactor)
	}
	if !finite(c.ZeroOffset) {
		return fmt.Errorf("%w: zero offset %v", ErrCalibration, c.ZeroOffset)
	}
	if !finite(c.NativeMin) || !finite(c.NativeMax) {
		return fmt.Errorf("%w: native limits [%v, %v]", ErrCalibration, c.NativeMin, c.NativeMax)
	}
	if c.NativeMin > c.NativeMax {
		return fmt.Errorf("%w: inverted native limits [%v, %v]", ErrCalibration, c.NativeMin, c.NativeMax)
	}
	return nil
}

// ToNative converts a physical coordinate to the native coordinate.
func ToNative(physical float64, c Calibration) float64 {
	return c.ZeroOffset + physical/c.ScaleFactor
}

// ToPhysical converts a native coordinate to the physical coordinate.
func ToPhysical(native float64, c Calibration) float64 {
	return (native - c.ZeroOffset) * c.ScaleFactor
}

// RecomputeLimits returns the travel limits in physical units, ordered so that
// min <= max whatever the sign of the scale factor.
func RecomputeLimits(c Calibration) (min, max float64) {
	a := ToPhysical(c.NativeMin, c)
	b := ToPhysical(c.NativeMax, c)
	if a > b {
		a, b = b, a
	}
	return a, b
}

// Contains reports whether a physical coordinate lies inside the travel limits.
func (c Calibration) Contains(physical float64) bool {
	if !finite(physical) {
		return false
	}
	lo, hi := RecomputeLimits(c)
	tol := limitTolerance * math.Max(1, math.Max(math.Abs(lo), math.Abs(hi)))
	return physical >= lo-tol && physical <= hi+tol
}

// ContainsNative reports whether a native coordinate lies inside the native
// travel limits.
func (c Calibration) ContainsNative(native float64) bool {
	if !finite(native) {
		return false
	}
	tol := limitTolerance * math.Max(1, math.Max(math.Abs(c.NativeMin), math.Abs(c.NativeMax)))
	return native >= c.NativeMin-tol && native <= c.NativeMax+tol
}

// WithZero returns a copy with a new zero offset. Limits derived from the
// result reflect the new zero and the current scale factor.
func (c Calibration) WithZero(zero float64) (Calibration, error) {
	c.ZeroOffset = zero
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}

// WithScale returns a copy with a new scale factor.
func (c Calibration) WithScale(scale float64) (Calibration, error) {
	c.ScaleFactor = scale
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}

// WithLimits returns a copy with new native travel limits.
func (c Calibration) WithLimits(nativeMin, nativeMax float64) (Calibration, error) {
	c.NativeMin, c.NativeMax = nativeMin, nativeMax
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
