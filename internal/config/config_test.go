package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/device"
	"instrument-hub/internal/hardware/sim"
)

const sample = `
hardware:
  sensor:
    lockin:
      enable: true
      endpoint: sim://sensor/lockin
      index: 2
      freerun: true
  delay_stage:
    b:
      enable: true
      endpoint: sim://stage/b
      index: 1
      physical_units: ps
      native_units: mm
      scale_factor: 6.671281903963041
      poll_interval: 5ms
    a:
      enable: true
      endpoint: sim://stage/a
      index: 1
    off:
      enable: false
      endpoint: sim://stage/off
    missing:
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, DefaultSettingsPath, cfg.SettingsPath)
	assert.Equal(t, DefaultPollInterval, cfg.Defaults.PollInterval)
	assert.Equal(t, DefaultBusyTimeout, cfg.Defaults.BusyTimeout)
	assert.Equal(t, device.DefaultQueueSize, cfg.Defaults.QueueSize)
	assert.Equal(t, "json", cfg.Snapshot.Format)
}

func TestDevicesSkipsDisabledAndSorts(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	var names []string
	for _, e := range cfg.Devices() {
		names = append(names, e.Kind+"."+e.Name)
	}
	assert.Equal(t, []string{"delay_stage.a", "delay_stage.b", "sensor.lockin"}, names)
}

func TestDeviceConfig(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	entries := cfg.Devices()

	dc, err := cfg.DeviceConfig(entries[1], sim.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, "b", dc.Name)
	assert.Equal(t, 5*time.Millisecond, dc.PollInterval)
	assert.Equal(t, DefaultBusyTimeout, dc.BusyTimeout)
	assert.InDelta(t, 6.671281903963041, dc.Calibration.ScaleFactor, 1e-15)
	assert.Equal(t, 50.0, dc.Calibration.NativeMax)

	dc, err = cfg.DeviceConfig(entries[2], sim.NewRegistry())
	require.NoError(t, err)
	assert.True(t, dc.Freerun)
	assert.Equal(t, 0.0, dc.Calibration.NativeMax)
	assert.Equal(t, 1.0, dc.Calibration.ScaleFactor)

	_, err = cfg.DeviceConfig(entries[0], nil)
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no hardware", "settings_path: x.ini\n"},
		{"all disabled", "hardware:\n  stage:\n    s:\n      enable: false\n      endpoint: sim://stage/s\n"},
		{"no endpoint", "hardware:\n  stage:\n    s:\n      enable: true\n"},
		{"no scheme", "hardware:\n  stage:\n    s:\n      enable: true\n      endpoint: 10.0.0.1:502\n"},
		{"bad protocol", "hardware:\n  stage:\n    s:\n      enable: true\n      protocol: gpib\n      endpoint: x\n"},
		{"zero scale", "hardware:\n  stage:\n    s:\n      enable: true\n      endpoint: sim://stage/s\n      scale_factor: 0\n"},
		{"inverted limits", "hardware:\n  stage:\n    s:\n      enable: true\n      endpoint: sim://stage/s\n      native_min: 5\n      native_max: 1\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\nhardware:\n  stage:\n    s:\n      enable: true\n      endpoint: sim://stage/s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadYAMLShippedConfig(t *testing.T) {
	cfg, err := LoadYAML(filepath.Join("..", "..", "configs", "lab.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Devices(), 4)
	for _, e := range cfg.Devices() {
		_, err := cfg.DeviceConfig(e, sim.NewRegistry())
		require.NoError(t, err, e.Name)
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
