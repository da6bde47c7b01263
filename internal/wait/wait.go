// Package wait implements the bounded busy/ready polling contract used by
// every device kind: poll a hardware busy indicator at a fixed interval until
// it clears or a deadline passes.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the device still reports busy at the deadline.
var ErrTimeout = errors.New("timed out waiting for device to become still")

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultTimeout  = 60 * time.Second
)

// Result of a wait. The zero value is Failed, returned next to poll,
// refresh and context errors.
type Result int

const (
	Failed Result = iota
	Ready
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Failed:
		return "failed"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// PollFunc reports whether the hardware is still busy.
type PollFunc func() (busy bool, err error)

// Options configures UntilStill. Zero values take the package defaults.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// Refresh, when set, runs after every poll (e.g. re-read the position so
	// observers see intermediate progress).
	Refresh func() error
}

// UntilStill polls until poll reports not busy. The first poll happens
// immediately. A timeout yields (TimedOut, ErrTimeout); poll, refresh and
// context errors yield Failed with the error unchanged.
func UntilStill(ctx context.Context, poll PollFunc, opts Options) (Result, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		busy, err := poll()
		if err != nil {
			return Failed, err
		}
		if opts.Refresh != nil {
			if err := opts.Refresh(); err != nil {
				return Failed, err
			}
		}
		if !busy {
			return Ready, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TimedOut, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			return Failed, ctx.Err()
		case <-timer.C:
		}
	}
}
