package modbusdev_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/device"
	"instrument-hub/internal/hardware/modbusdev"
	"instrument-hub/internal/hardware/sim"
	"instrument-hub/internal/modbus"
	"instrument-hub/internal/position"
)

func serve(t *testing.T, sess device.Session) string {
	t.Helper()
	srv := modbus.NewServer()
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	b := modbus.Bind(srv, sess, modbus.DefaultLayout, 2*time.Millisecond)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return srv.Addr().String()
}

func TestStageOverModbus(t *testing.T) {
	stage := sim.NewStage("S1", 3)
	addr := serve(t, stage)

	cfg := modbusdev.Config{Protocol: "modbus-tcp", SlaveID: 1, Timeout: time.Second, Registers: modbusdev.DefaultRegisters, Name: "S1", SerialNo: "MB-1"}
	a, err := device.New(device.Config{
		Name:     "S1",
		Kind:     "stage",
		Endpoint: addr,
		Dial:     modbusdev.Dialer(cfg),
		Calibration: position.Calibration{
			ScaleFactor: 6.671281903963041, NativeMax: 50, NativeUnits: "mm", PhysicalUnits: "ps",
		},
		PollInterval: 2 * time.Millisecond,
		BusyTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-a.Done()
	}()
	go a.Run(ctx)

	res, err := a.Do(ctx, device.Initialize())
	require.NoError(t, err)
	assert.Equal(t, "MB-1", res.Snapshot.Identity.Serial)
	assert.True(t, res.Snapshot.Capabilities.Position)
	assert.False(t, res.Snapshot.Capabilities.Measure)

	res, err = a.Do(ctx, device.SetPosition(100, ""))
	require.NoError(t, err)
	assert.InDelta(t, 14.9896, stage.Native(), 1e-4)
	assert.InDelta(t, 100, res.Snapshot.Position, 1e-3)
}

func TestSensorOverModbus(t *testing.T) {
	sensor := sim.NewSensor("M1", []string{"a", "b"}, 5*time.Millisecond)
	sensor.SetSource(func(n int, _ []string) []float64 { return []float64{1.5, float64(n)} })
	addr := serve(t, sensor)

	sess, err := modbusdev.Dial(context.Background(), modbusdev.Config{Registers: modbusdev.SensorRegisters("a", "b")}, addr)
	require.NoError(t, err)
	defer sess.Close()

	m, ok := sess.(device.Measurer)
	require.True(t, ok)
	_, isPos := sess.(device.Positioner)
	assert.False(t, isPos)

	require.NoError(t, m.Measure(true))
	require.Eventually(t, func() bool {
		busy, err := sess.IsBusy()
		return err == nil && !busy
	}, time.Second, time.Millisecond)

	names, err := m.ChannelNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	values, err := m.MeasuredValues()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 1}, values)
}

func TestDialRequiresBusyPoint(t *testing.T) {
	_, err := modbusdev.Dial(context.Background(), modbusdev.Config{}, "127.0.0.1:1")
	require.Error(t, err)
}
