package hub_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/pkg/hub"
)

const lab = `
settings_path: SETTINGS
defaults:
  poll_interval: 1ms
storage:
  enabled: true
  dir: DATA
  file_type: db
hardware:
  spectrometer:
    mono:
      enable: true
      endpoint: sim://spectrometer/mono
      native_units: nm
      physical_units: nm
`

func openHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	dir := t.TempDir()
	doc := strings.NewReplacer(
		"SETTINGS", filepath.Join(dir, "settings.ini"),
		"DATA", filepath.Join(dir, "data"),
	).Replace(lab)
	path := filepath.Join(dir, "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	h, err := hub.Open(path, nil)
	require.NoError(t, err)
	return h, dir
}

func TestHubSpectrometerFlow(t *testing.T) {
	h, dir := openHub(t)
	require.NoError(t, h.RegisterMetrics(prometheus.NewRegistry()))
	sub := h.Subscribe(1024, hub.ForDevice("mono"))
	defer sub.Close()

	require.NoError(t, h.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.WaitInitialized(ctx))

	res, err := h.Do(ctx, "mono", hub.SetTurret(2))
	require.NoError(t, err)
	assert.Equal(t, 800.0, res.Snapshot.Min)
	assert.Equal(t, 2000.0, res.Snapshot.Max)

	_, err = h.Do(ctx, "mono", hub.SetPosition(1500, "nm"))
	require.NoError(t, err)

	_, err = h.Do(ctx, "missing", hub.GetPosition())
	var unknown hub.ErrUnknownDevice
	require.True(t, errors.As(err, &unknown))

	_, err = h.Do(ctx, "mono", hub.SetPosition(5000, "nm"))
	require.ErrorIs(t, err, hub.ErrValidation)

	require.NoError(t, h.Close(ctx))

	r, err := hub.OpenReadings(filepath.Join(dir, "data", "readings.sqlite"))
	require.NoError(t, err)
	defer r.Close()
	hist, err := r.History(ctx, "mono", 1)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	latest, err := r.Latest(ctx)
	require.NoError(t, err)
	var pos float64
	for _, rd := range latest {
		if rd.Name == "position" {
			pos = rd.Value
		}
	}
	assert.Equal(t, 1500.0, pos)
}
