package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDialReusesInstrument(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	s1, err := reg.Dial(ctx, "sim://stage/X")
	require.NoError(t, err)
	stage := s1.(*Stage)
	require.NoError(t, stage.SetPositionAbsolute(12))
	for busy := true; busy; {
		busy, err = stage.IsBusy()
		require.NoError(t, err)
	}
	require.NoError(t, stage.Close())
	_, err = stage.GetPosition()
	require.ErrorIs(t, err, ErrClosed)

	s2, err := reg.Dial(ctx, "sim://stage/X")
	require.NoError(t, err)
	assert.Same(t, stage, s2)
	pos, err := stage.GetPosition()
	require.NoError(t, err)
	assert.Equal(t, 12.0, pos)
}

func TestRegistryRejectsBadEndpoints(t *testing.T) {
	reg := NewRegistry()
	for _, ep := range []string{"tcp://stage/X", "sim://stage", "sim://laser/X", "sim:///X"} {
		_, err := reg.Dial(context.Background(), ep)
		assert.Error(t, err, ep)
	}
}

func TestStageMovesOverPolls(t *testing.T) {
	s := NewStage("S", 4)
	require.NoError(t, s.SetPositionAbsolute(8))
	var seen []float64
	for {
		busy, err := s.IsBusy()
		require.NoError(t, err)
		seen = append(seen, s.Native())
		if !busy {
			break
		}
	}
	assert.Equal(t, []float64{2, 4, 6, 8}, seen)
}

func TestSpectrometerTurret(t *testing.T) {
	s := NewSpectrometer("M", nil, 0)
	lo, hi, err := s.TurretLimits()
	require.NoError(t, err)
	assert.Equal(t, [2]float64{200, 900}, [2]float64{lo, hi})

	require.Error(t, s.SetPositionAbsolute(1500))
	require.NoError(t, s.SetTurret(2))
	require.NoError(t, s.SetPositionAbsolute(1500))
	require.Error(t, s.SetTurret(0))
}
