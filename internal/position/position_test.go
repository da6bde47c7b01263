package position

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nativePerMM = 6.671281903963041

func delayStage() Calibration {
	return Calibration{
		ZeroOffset:    0,
		ScaleFactor:   nativePerMM,
		NativeMin:     0,
		NativeMax:     50,
		NativeUnits:   "mm",
		PhysicalUnits: "ps",
	}
}

func TestRoundTripWithinLimits(t *testing.T) {
	cals := []Calibration{
		delayStage(),
		{ZeroOffset: 12.5, ScaleFactor: -nativePerMM, NativeMin: 0, NativeMax: 50},
		{ZeroOffset: -3, ScaleFactor: 0.001, NativeMin: -10, NativeMax: 10},
		{ZeroOffset: 400, ScaleFactor: 1, NativeMin: 200, NativeMax: 900},
	}
	for _, c := range cals {
		require.NoError(t, c.Validate())
		lo, hi := RecomputeLimits(c)
		for i := 0; i <= 20; i++ {
			p := lo + (hi-lo)*float64(i)/20
			got := ToPhysical(ToNative(p, c), c)
			assert.InDelta(t, p, got, 1e-9*math.Max(1, math.Abs(p)), "calibration %+v p=%v", c, p)
		}
	}
}

func TestLimitsOrderedForAnyScaleSign(t *testing.T) {
	base := delayStage()
	for _, scale := range []float64{nativePerMM, -nativePerMM, 0.5, -2} {
		for _, zero := range []float64{-10, 0, 25, 50, 75} {
			c, err := base.WithScale(scale)
			require.NoError(t, err)
			c, err = c.WithZero(zero)
			require.NoError(t, err)
			lo, hi := RecomputeLimits(c)
			assert.LessOrEqual(t, lo, hi, "scale=%v zero=%v", scale, zero)
		}
	}
}

func TestSetZeroRecomputesLimits(t *testing.T) {
	c, err := delayStage().WithZero(25)
	require.NoError(t, err)
	lo, hi := RecomputeLimits(c)
	assert.InDelta(t, -25*nativePerMM, lo, 1e-9)
	assert.InDelta(t, 25*nativePerMM, hi, 1e-9)
}

func TestZeroScaleRejected(t *testing.T) {
	_, err := delayStage().WithScale(0)
	require.ErrorIs(t, err, ErrCalibration)

	_, err = delayStage().WithLimits(10, 5)
	require.ErrorIs(t, err, ErrCalibration)

	_, err = delayStage().WithScale(math.NaN())
	require.ErrorIs(t, err, ErrCalibration)
}

func TestDelayStageScenario(t *testing.T) {
	c := delayStage()
	native := ToNative(100, c)
	assert.InDelta(t, 14.9896, native, 1e-4)
	assert.InDelta(t, 100/nativePerMM, native, 1e-12)
	assert.InDelta(t, 100, ToPhysical(native, c), 1e-9)
	assert.True(t, c.Contains(100))
	assert.False(t, c.Contains(-1))
	assert.False(t, c.Contains(math.Inf(1)))
}

func TestResolveUnits(t *testing.T) {
	c := delayStage()

	n, err := c.Resolve(100, "")
	require.NoError(t, err)
	assert.InDelta(t, 100/nativePerMM, n, 1e-12)

	n, err = c.Resolve(100000, "fs")
	require.NoError(t, err)
	assert.InDelta(t, 100/nativePerMM, n, 1e-9)

	n, err = c.Resolve(12, "mm")
	require.NoError(t, err)
	assert.Equal(t, 12.0, n)

	n, err = c.Resolve(7, Native)
	require.NoError(t, err)
	assert.Equal(t, 7.0, n)

	_, err = c.Resolve(1, "nm")
	require.Error(t, err)
}

func TestConvertUnits(t *testing.T) {
	v, err := ConvertUnits(1, "ns", "ps")
	require.NoError(t, err)
	assert.InDelta(t, 1000, v, 1e-9)

	v, err = ConvertUnits(500, "nm", "um")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-12)

	_, err = ConvertUnits(1, "ps", "mm")
	require.Error(t, err)
}
