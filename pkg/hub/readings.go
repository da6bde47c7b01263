package hub

import (
	"context"

	dbpkg "instrument-hub/internal/db"
	"instrument-hub/internal/model"
)

type (
	Reading      = model.Reading
	DeviceRecord = model.DeviceRecord
)

// Readings exposes a stable API for third-party packages to query a
// recorder database.
type Readings struct{ db *dbpkg.DB }

// OpenReadings opens the SQLite database written by the recorder.
func OpenReadings(path string) (*Readings, error) {
	d, err := dbpkg.Open(path)
	if err != nil {
		return nil, err
	}
	return &Readings{db: d}, nil
}

func (r *Readings) Close() error { return r.db.Close() }

// Devices lists the recorded instruments.
func (r *Readings) Devices(ctx context.Context) ([]DeviceRecord, error) {
	return r.db.ListDevices(ctx)
}

// History returns a device's readings newest first. When limit > 0, returns
// at most limit rows.
func (r *Readings) History(ctx context.Context, device string, limit int) ([]Reading, error) {
	return r.db.Readings(ctx, device, limit)
}

// Latest returns the newest reading of every series.
func (r *Readings) Latest(ctx context.Context) ([]Reading, error) {
	return r.db.LatestReadings(ctx)
}

// StatsJSON returns devices and recent readings of one device as JSON.
func (r *Readings) StatsJSON(ctx context.Context, device string, limit int) ([]byte, error) {
	return r.db.StatsJSON(ctx, device, limit)
}
