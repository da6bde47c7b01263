package output

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/device"
	"instrument-hub/internal/model"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

func snaps() []device.Snapshot {
	s := device.Snapshot{Name: "lockin", Kind: "sensor", StatusName: "idle", Updated: time.Unix(0, 0).UTC()}
	s.Measurement = &device.Measurement{Channels: []string{"x", "y"}, Values: []float64{0.5, 2}}
	return []device.Snapshot{
		{Name: "delay_1", Kind: "delay_stage", StatusName: "busy", Busy: true, Position: 12.5, Native: 1.875},
		s,
	}
}

func TestWriteSnapshotsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "snap.json")
	require.NoError(t, WriteSnapshots(path, "json", snaps()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "busy", got[0]["status"])
	assert.Equal(t, 12.5, got[0]["position"])
}

func TestWriteSnapshotsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.csv")
	require.NoError(t, WriteSnapshots(path, "CSV", snaps()))

	recs := readCSV(t, path)
	require.Len(t, recs, 3)
	assert.Equal(t, snapshotHeader, recs[0])
	assert.Equal(t, "12.5", recs[1][7])
	assert.Equal(t, "true", recs[1][5])
	assert.Equal(t, "x;y", recs[2][14])
	assert.Equal(t, "0.5;2", recs[2][15])

	require.Error(t, WriteSnapshots(path, "xml", nil))
}

func TestWriteReadingsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.csv")
	require.NoError(t, WriteReadingsCSV(path, []model.Reading{
		{ID: 7, Device: "d", Kind: "position_changed", Seq: 3, Name: "position", Unit: "ps", Value: -1.25, Timestamp: time.Unix(1, 0).UTC()},
	}))
	recs := readCSV(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"7", "1970-01-01T00:00:01Z", "d", "position_changed", "3", "", "position", "ps", "-1.25"}, recs[1])
}
