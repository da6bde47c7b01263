package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"instrument-hub/internal/model"
)

// DB wraps sqlite connection
type DB struct {
	SQL *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	name     TEXT PRIMARY KEY,
	kind     TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	serial   TEXT NOT NULL DEFAULT '',
	model    TEXT NOT NULL DEFAULT '',
	updated  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS readings (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	command_id TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL,
	unit       TEXT NOT NULL DEFAULT '',
	value      REAL,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_device_ts ON readings (device, ts);
`

// Open opens the SQLite database and runs migrations.
func Open(path string) (*DB, error) {
	s, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between the recorder and readers
	s.SetMaxOpenConns(1)
	if _, err := s.Exec(schema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{SQL: s}, nil
}

func (d *DB) Close() error { return d.SQL.Close() }

// SaveDevice inserts or updates a device row.
func (d *DB) SaveDevice(ctx context.Context, dev model.DeviceRecord) error {
	_, err := d.SQL.ExecContext(ctx,
		`INSERT INTO devices (name, kind, endpoint, serial, model, updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind, endpoint = excluded.endpoint,
			serial = excluded.serial, model = excluded.model, updated = excluded.updated`,
		dev.Name, dev.Kind, dev.Endpoint, dev.Serial, dev.Model, dev.Updated.UnixNano(),
	)
	return err
}

// ListDevices returns all devices
func (d *DB) ListDevices(ctx context.Context) ([]model.DeviceRecord, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT name, kind, endpoint, serial, model, updated FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeviceRecord
	for rows.Next() {
		var dev model.DeviceRecord
		var updated int64
		if err := rows.Scan(&dev.Name, &dev.Kind, &dev.Endpoint, &dev.Serial, &dev.Model, &updated); err != nil {
			return nil, err
		}
		dev.Updated = time.Unix(0, updated).UTC()
		out = append(out, dev)
	}
	return out, rows.Err()
}

// InsertReadings stores a batch in one transaction.
func (d *DB) InsertReadings(ctx context.Context, batch []model.Reading) (err error) {
	if len(batch) == 0 {
		return nil
	}
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (device, kind, seq, command_id, name, unit, value, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range batch {
		if _, err = stmt.ExecContext(ctx, r.Device, r.Kind, int64(r.Seq), r.CommandID, r.Name, r.Unit, r.Value, r.Timestamp.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const readingColumns = `id, device, kind, seq, command_id, name, unit, COALESCE(value, 0.0), ts`

// Readings returns a device's rows newest first. limit <= 0 returns all rows.
// An empty device selects every device.
func (d *DB) Readings(ctx context.Context, device string, limit int) ([]model.Reading, error) {
	q := `SELECT ` + readingColumns + ` FROM readings`
	var args []any
	if device != "" {
		q += ` WHERE device = ?`
		args = append(args, device)
	}
	q += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.queryReadings(ctx, q, args...)
}

// LatestReadings returns, for each (device, name) series, the newest row.
func (d *DB) LatestReadings(ctx context.Context) ([]model.Reading, error) {
	q := `SELECT ` + readingColumns + ` FROM readings r
		WHERE id = (SELECT id FROM readings l
			WHERE l.device = r.device AND l.name = r.name
			ORDER BY ts DESC, id DESC LIMIT 1)
		ORDER BY device, name`
	return d.queryReadings(ctx, q)
}

func (d *DB) queryReadings(ctx context.Context, q string, args ...any) ([]model.Reading, error) {
	rows, err := d.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		var seq, ts int64
		if err := rows.Scan(&r.ID, &r.Device, &r.Kind, &seq, &r.CommandID, &r.Name, &r.Unit, &r.Value, &ts); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates the device list and recent readings of one device.
type Stats struct {
	DeviceCount   int                  `json:"device_count"`
	Devices       []model.DeviceRecord `json:"devices"`
	ReadingsCount int                  `json:"readings_count"`
	Readings      []model.Reading      `json:"readings"`
}

// StatsJSON returns aggregated stats in JSON for a given device, limited by
// count when limit > 0.
func (d *DB) StatsJSON(ctx context.Context, device string, limit int) ([]byte, error) {
	devices, err := d.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	readings, err := d.Readings(ctx, device, limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Stats{
		DeviceCount:   len(devices),
		Devices:       devices,
		ReadingsCount: len(readings),
		Readings:      readings,
	})
}
