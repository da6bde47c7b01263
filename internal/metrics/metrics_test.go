package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.CommandDone("D1", "set_position", 20*time.Millisecond, nil)
	c.CommandDone("D1", "set_position", time.Millisecond, errors.New("boom"))
	c.CommandRejected("D1", "measure")
	c.Status("D1", "idle", []string{"idle", "busy"})
	c.SettingsWrite(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("D1", "set_position", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("D1", "set_position", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("D1", "measure", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.status.WithLabelValues("D1", "idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.status.WithLabelValues("D1", "busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.settingsWrites.WithLabelValues("ok")))

	require.Error(t, c.Register(reg))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.CommandDone("D1", "x", time.Second, nil)
		c.Status("D1", "idle", []string{"idle"})
		c.EventDropped()
		c.QueueDepth("D1", 3)
	})
}
