package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"instrument-hub/internal/device"
	"instrument-hub/internal/model"
)

// WriteJSON writes v to a JSON file with pretty formatting.
func WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

var snapshotHeader = []string{"name", "kind", "index", "serial", "status", "busy", "freerun", "position", "native", "units", "min", "max", "turret", "last_error", "channels", "values", "updated"}

// WriteSnapshotsCSV flattens device snapshots, one row per device.
// Measurement channels and values are joined with ';'.
func WriteSnapshotsCSV(path string, snaps []device.Snapshot) error {
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		var channels, values string
		if m := s.Measurement; m != nil {
			channels = strings.Join(m.Channels, ";")
			vs := make([]string, len(m.Values))
			for i, v := range m.Values {
				vs[i] = formatFloat(v)
			}
			values = strings.Join(vs, ";")
		}
		rows = append(rows, []string{
			s.Name,
			s.Kind,
			strconv.Itoa(s.Index),
			s.Identity.Serial,
			s.StatusName,
			strconv.FormatBool(s.Busy),
			strconv.FormatBool(s.Freerun),
			formatFloat(s.Position),
			formatFloat(s.Native),
			s.Calibration.PhysicalUnits,
			formatFloat(s.Min),
			formatFloat(s.Max),
			strconv.Itoa(s.Turret),
			s.LastError,
			channels,
			values,
			timeToRFC3339(s.Updated),
		})
	}
	return writeCSV(path, snapshotHeader, rows)
}

var readingHeader = []string{"id", "timestamp", "device", "kind", "seq", "command_id", "name", "unit", "value"}

// WriteReadingsCSV writes recorded readings, one row each.
func WriteReadingsCSV(path string, readings []model.Reading) error {
	rows := make([][]string, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			timeToRFC3339(r.Timestamp),
			r.Device,
			r.Kind,
			strconv.FormatUint(r.Seq, 10),
			r.CommandID,
			r.Name,
			r.Unit,
			formatFloat(r.Value),
		})
	}
	return writeCSV(path, readingHeader, rows)
}

// WriteSnapshots writes snaps as JSON or CSV by format.
func WriteSnapshots(path, format string, snaps []device.Snapshot) error {
	switch strings.ToLower(format) {
	case "", "json":
		return WriteJSON(path, snaps)
	case "csv":
		return WriteSnapshotsCSV(path, snaps)
	}
	return fmt.Errorf("unsupported snapshot format %q", format)
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return w.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func timeToRFC3339(t time.Time) string { return t.Format(time.RFC3339Nano) }
