package model

import "time"

// Reading is one recorded value: a device position or one measured channel.
// Name is "position" for positions and the channel name for measurements.
type Reading struct {
	ID        int64     `json:"id,omitempty"`
	Device    string    `json:"device"`
	Kind      string    `json:"kind"`
	Seq       uint64    `json:"seq"`
	CommandID string    `json:"command_id,omitempty"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies the series a reading belongs to.
func (r Reading) Key() string { return r.Device + "|" + r.Name }

// DeviceRecord describes an instrument as last seen by the recorder.
type DeviceRecord struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Endpoint string    `json:"endpoint"`
	Serial   string    `json:"serial"`
	Model    string    `json:"model"`
	Updated  time.Time `json:"updated"`
}
