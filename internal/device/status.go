package device

import (
	"fmt"
	"time"

	"instrument-hub/internal/position"
)

// Status is the lifecycle state of a device.
type Status int

const (
	Uninitialized Status = iota
	Initializing
	Idle
	Busy
	Freerunning
	Error
	ShuttingDown
)

var statusNames = [...]string{
	Uninitialized: "uninitialized",
	Initializing:  "initializing",
	Idle:          "idle",
	Busy:          "busy",
	Freerunning:   "freerunning",
	Error:         "error",
	ShuttingDown:  "shutting_down",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusNames returns every status label, in declaration order.
func StatusNames() []string {
	return append([]string(nil), statusNames[:]...)
}

// Measurement is the last acquired data buffer.
type Measurement struct {
	Channels []string      `json:"channels"`
	Values   []float64     `json:"values"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

// Snapshot is an immutable copy of a device's state, published by the worker
// after every change. Readers must not modify the slices it references.
type Snapshot struct {
	Name         string               `json:"name"`
	Kind         string               `json:"kind"`
	Index        int                  `json:"index"`
	Identity     Identity             `json:"identity"`
	Capabilities Capabilities         `json:"capabilities"`
	Status       Status               `json:"-"`
	StatusName   string               `json:"status"`
	Position     float64              `json:"position"`
	Native       float64              `json:"native"`
	Busy         bool                 `json:"busy"`
	Freerun      bool                 `json:"freerun"`
	Min          float64              `json:"min"`
	Max          float64              `json:"max"`
	Calibration  position.Calibration `json:"calibration"`
	Turret       int                  `json:"turret,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
	Measurement  *Measurement         `json:"measurement,omitempty"`
	Seq          uint64               `json:"seq"`
	Updated      time.Time            `json:"updated"`
}

// Initialized reports whether the device has a live session.
func (s Snapshot) Initialized() bool {
	switch s.Status {
	case Idle, Busy, Freerunning:
		return true
	}
	return false
}
