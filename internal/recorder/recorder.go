// Package recorder persists device readings published on the event bus.
// Positions and measurement channels become model.Reading rows; unchanged
// positions within the cache TTL are dropped so freerun polling does not
// flood the outputs.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"instrument-hub/internal/events"
	"instrument-hub/internal/model"
)

// Sink receives readings. *Storage implements it.
type Sink interface {
	Handle(model.Reading) error
	SaveDevice(ctx context.Context, dev model.DeviceRecord) error
}

type Options struct {
	CacheTTL time.Duration
	Buffer   int
	// Devices supplies kind and endpoint for device rows, keyed by name.
	Devices map[string]model.DeviceRecord
	Logger  *slog.Logger
}

type Recorder struct {
	sink    Sink
	cache   *ValueCache
	devices map[string]model.DeviceRecord
	log     *slog.Logger
	sub     *events.Subscription
	dropped int
}

var recorded = []events.Kind{events.Initialized, events.PositionChanged, events.MeasurementComplete}

// New subscribes to bus. Call Run to start consuming.
func New(bus *events.Bus, sink Sink, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		sink:    sink,
		cache:   NewValueCache(opts.CacheTTL),
		devices: opts.Devices,
		log:     logger.With("component", "recorder"),
		sub:     bus.Subscribe(buffer, events.ForKinds(recorded...)),
	}
}

// Run consumes events until ctx is done or the bus is closed.
func (r *Recorder) Run(ctx context.Context) {
	defer r.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e events.Event) {
	if p, ok := e.Payload.(events.InitializedPayload); ok {
		dev := r.devices[e.Device]
		dev.Name = e.Device
		dev.Serial = p.Serial
		if dev.Model == "" {
			dev.Model = p.Name
		}
		dev.Updated = e.Time
		if err := r.sink.SaveDevice(ctx, dev); err != nil {
			r.log.Warn("save device", "device", e.Device, "err", err)
		}
		return
	}
	for _, rd := range Readings(e) {
		if e.Kind == events.PositionChanged && r.cache.Seen(rd.Key(), rd.Value) {
			continue
		}
		if err := r.sink.Handle(rd); err != nil {
			if errors.Is(err, ErrQueueFull) {
				r.dropped++
				r.log.Debug("reading dropped", "device", rd.Device, "name", rd.Name, "dropped", r.dropped)
				continue
			}
			r.log.Warn("record reading", "device", rd.Device, "err", err)
		}
	}
}

// Readings converts a position or measurement event into rows. Other events
// yield nothing.
func Readings(e events.Event) []model.Reading {
	base := model.Reading{
		Device:    e.Device,
		Kind:      e.Kind.String(),
		Seq:       e.Seq,
		Timestamp: e.Time,
	}
	if e.CommandID != uuid.Nil {
		base.CommandID = e.CommandID.String()
	}
	switch p := e.Payload.(type) {
	case events.PositionPayload:
		base.Name = "position"
		base.Unit = p.Units
		base.Value = p.Position
		return []model.Reading{base}
	case events.MeasurementPayload:
		out := make([]model.Reading, 0, len(p.Values))
		for i, v := range p.Values {
			rd := base
			rd.Value = v
			if i < len(p.Channels) {
				rd.Name = p.Channels[i]
			} else {
				rd.Name = "ch" + strconv.Itoa(i)
			}
			out = append(out, rd)
		}
		return out
	}
	return nil
}
