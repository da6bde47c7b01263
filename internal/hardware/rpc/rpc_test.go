package rpc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/device"
	"instrument-hub/internal/hardware/sim"
	"instrument-hub/internal/position"
)

func serve(t *testing.T, sess device.Session) string {
	t.Helper()
	srv := NewServer(sess, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(srv.Close)
	return "rpc://" + srv.Addr().String()
}

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newFramer(&buf)
	in := Request{ID: 7, Method: MethodSetPosition, Params: Params{Value: 1.25}}
	require.NoError(t, f.writeMsg(in))
	assert.Equal(t, byte(0), buf.Bytes()[0])

	var out Request
	require.NoError(t, f.readMsg(&out))
	assert.Equal(t, in, out)
}

func TestFramerRejectsBadFrames(t *testing.T) {
	f := newFramer(bytes.NewBuffer([]byte{0, 0, 0, 0}))
	require.ErrorIs(t, f.readMsg(&Request{}), ErrFrameEmpty)

	f = newFramer(bytes.NewBuffer([]byte{0, 0, 0, 9, 1, 2}))
	require.ErrorIs(t, f.readMsg(&Request{}), ErrFrameTrunc)

	f = newFramer(bytes.NewBuffer([]byte{0xff, 0, 0, 0}))
	require.ErrorIs(t, f.readMsg(&Request{}), ErrFrameTooLarge)
}

func TestSessionTraitsSelectCapabilities(t *testing.T) {
	ctx := context.Background()
	dial := Dialer(time.Second)

	stage, err := dial(ctx, serve(t, sim.NewStage("S", 0)))
	require.NoError(t, err)
	defer stage.Close()
	_, isPos := stage.(device.Positioner)
	_, isMeas := stage.(device.Measurer)
	assert.True(t, isPos)
	assert.False(t, isMeas)

	mono, err := dial(ctx, serve(t, sim.NewSpectrometer("M", nil, 0)))
	require.NoError(t, err)
	defer mono.Close()
	_, isTurret := mono.(device.Turret)
	assert.True(t, isTurret)

	id, err := mono.Identity()
	require.NoError(t, err)
	assert.Equal(t, "SIM-SPECTROMETER-M", id.Serial)
}

// Partial views over the simulated spectrometer, one per trait combination.
type (
	positionTurretOnly struct {
		device.Session
		device.Positioner
		device.Turret
	}
	sensorTurretOnly struct {
		device.Session
		device.Measurer
		device.Turret
	}
	turretOnly struct {
		device.Session
		device.Turret
	}
	bareOnly struct{ device.Session }
)

func TestSessionTraitMatrix(t *testing.T) {
	sp := sim.NewSpectrometer("M", nil, 0)
	tests := []struct {
		name string
		sess device.Session
		want device.Capabilities
	}{
		{"all", sp, device.Capabilities{Position: true, Measure: true, Turret: true}},
		{"position+turret", positionTurretOnly{sp, sp, sp}, device.Capabilities{Position: true, Turret: true}},
		{"sensor+turret", sensorTurretOnly{sp, sp, sp}, device.Capabilities{Measure: true, Turret: true}},
		{"turret", turretOnly{sp, sp}, device.Capabilities{Turret: true}},
		{"position", sim.NewStage("S", 0), device.Capabilities{Position: true}},
		{"sensor", sim.NewSensor("D", []string{"x"}, 0), device.Capabilities{Measure: true}},
		{"none", bareOnly{sp}, device.Capabilities{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := Dialer(time.Second)(context.Background(), serve(t, tt.sess))
			require.NoError(t, err)
			defer sess.Close()

			_, p := sess.(device.Positioner)
			_, m := sess.(device.Measurer)
			_, tr := sess.(device.Turret)
			assert.Equal(t, tt.want, device.Capabilities{Position: p, Measure: m, Turret: tr})
		})
	}
}

func TestPositionTurretOverRPC(t *testing.T) {
	sp := sim.NewSpectrometer("M", nil, 0)
	sess, err := Dialer(time.Second)(context.Background(), serve(t, positionTurretOnly{sp, sp, sp}))
	require.NoError(t, err)
	defer sess.Close()

	tr, ok := sess.(device.Turret)
	require.True(t, ok)
	require.NoError(t, tr.SetTurret(2))
	lo, hi, err := tr.TurretLimits()
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultGratings[1].Min, lo)
	assert.Equal(t, sim.DefaultGratings[1].Max, hi)
}

func TestRemoteErrorsPropagate(t *testing.T) {
	mono := sim.NewSpectrometer("M", nil, 0)
	sess, err := Dialer(time.Second)(context.Background(), serve(t, mono))
	require.NoError(t, err)
	defer sess.Close()

	err = sess.(device.Turret).SetTurret(9)
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "out of range")
}

func TestActorOverRPC(t *testing.T) {
	sensor := sim.NewSensor("S1", []string{"x", "y"}, time.Millisecond)
	addr := serve(t, sensor)

	a, err := device.New(device.Config{
		Name:         "S1",
		Kind:         "sensor",
		Endpoint:     addr,
		Dial:         Dialer(time.Second),
		Calibration:  position.Calibration{ScaleFactor: 1},
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-a.Done()
	}()
	go a.Run(ctx)

	_, err = a.Do(ctx, device.Initialize())
	require.NoError(t, err)
	res, err := a.Do(ctx, device.Measure())
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot.Measurement)
	assert.Equal(t, []string{"x", "y"}, res.Snapshot.Measurement.Channels)
	assert.Equal(t, []float64{2, 2.1}, res.Snapshot.Measurement.Values)
}
