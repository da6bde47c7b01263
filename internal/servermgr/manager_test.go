package servermgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/device"
	"instrument-hub/internal/hardware/modbusdev"
	"instrument-hub/internal/hardware/rpc"
)

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadYAML(filepath.Join("..", "..", "configs", "devsim.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Instruments, 3)
	assert.True(t, cfg.Instruments[2].Disabled)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - name: a\n"), 0o644))
	_, err = LoadYAML(path)
	assert.Error(t, err)
}

func TestManagerServesInstruments(t *testing.T) {
	m := NewManager(Config{Instruments: []Instrument{
		{Name: "stage", Kind: "stage", Protocol: "modbus-tcp", Listen: "127.0.0.1:0", Refresh: time.Millisecond},
		{Name: "mono", Kind: "spectrometer", Protocol: "rpc", Listen: "127.0.0.1:0"},
		{Name: "bogus", Kind: "laser", Listen: "127.0.0.1:0"},
	}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var stageAddr, monoAddr string
	require.Eventually(t, func() bool {
		var ok1, ok2 bool
		stageAddr, ok1 = m.Addr("stage")
		monoAddr, ok2 = m.Addr("mono")
		return ok1 && ok2
	}, 2*time.Second, time.Millisecond)
	_, ok := m.Addr("bogus")
	assert.False(t, ok)

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	s, err := modbusdev.Dial(dctx, modbusdev.Config{Registers: modbusdev.DefaultRegisters, SlaveID: 1, Timeout: time.Second}, stageAddr)
	require.NoError(t, err)
	_, isPos := s.(device.Positioner)
	assert.True(t, isPos)
	require.NoError(t, s.Close())

	r, err := rpc.Dialer(time.Second)(dctx, monoAddr)
	require.NoError(t, err)
	_, isTurret := r.(device.Turret)
	assert.True(t, isTurret)
	require.NoError(t, r.Close())

	cancel()
	require.NoError(t, <-done)
	_, ok = m.Addr("stage")
	assert.False(t, ok)
}
