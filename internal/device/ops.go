package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"instrument-hub/internal/events"
	"instrument-hub/internal/position"
	"instrument-hub/internal/settings"
)

func (a *Actor) initialize(ctx context.Context, id uuid.UUID) error {
	a.setStatus(Initializing, id)
	a.closeSession()
	a.state.Busy = false
	a.state.LastError = ""

	sess, err := a.cfg.Dial(ctx, a.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w: %w", a.cfg.Endpoint, ErrConnection, err)
	}
	a.session = sess

	ident, err := sess.Identity()
	if err != nil {
		return hwErr("identity", err)
	}
	a.state.Identity = ident
	a.state.Capabilities = capabilitiesOf(sess)
	a.state.Calibration = a.loadCalibration()

	if t, ok := sess.(Turret); ok {
		index := 1
		if a.cfg.Settings != nil {
			if v, err := a.cfg.Settings.Int(a.cfg.Name, OptGratingIndex); err == nil && v >= 1 {
				index = v
			}
		}
		if err := a.applyTurret(ctx, t, index); err != nil {
			return err
		}
	}

	if err := a.untilStill(ctx, nil); err != nil {
		return err
	}
	if _, ok := sess.(Positioner); ok {
		if err := a.readPosition(id); err != nil {
			return err
		}
	}
	if _, ok := sess.(Measurer); ok {
		if err := a.measure(ctx, id, false); err != nil {
			return err
		}
	}

	a.state.Freerun = a.cfg.Freerun
	a.settle(id)
	a.log.Info("device initialized", "serial", ident.Serial, "min", a.Snapshot().Min, "max", a.Snapshot().Max)
	a.emit(events.Initialized, id, events.InitializedPayload{Name: ident.Name, Serial: ident.Serial})
	a.emitLimits(id)
	return nil
}

// loadCalibration overlays persisted calibration constants on the configured
// ones. An invalid persisted record is ignored.
func (a *Actor) loadCalibration() position.Calibration {
	cal := a.cfg.Calibration
	if a.cfg.Settings == nil {
		return cal
	}
	for opt, dst := range map[string]*float64{
		OptZeroPosition: &cal.ZeroOffset,
		OptScaleFactor:  &cal.ScaleFactor,
		OptNativeMin:    &cal.NativeMin,
		OptNativeMax:    &cal.NativeMax,
	} {
		v, err := a.cfg.Settings.Float(a.cfg.Name, opt)
		switch {
		case err == nil:
			*dst = v
		case errors.Is(err, settings.ErrNotFound):
		default:
			a.log.Warn("read calibration", "option", opt, "err", err)
		}
	}
	if err := cal.Validate(); err != nil {
		a.log.Warn("persisted calibration rejected", "err", err)
		return a.cfg.Calibration
	}
	return cal
}

func (a *Actor) persist(option string, value any) {
	if a.cfg.Settings == nil {
		return
	}
	if err := a.cfg.Settings.Write(a.cfg.Name, option, value); err != nil {
		a.log.Warn("persist setting", "option", option, "err", err)
	}
}

func (a *Actor) positioner() (Positioner, error) {
	p, ok := a.session.(Positioner)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot move", ErrValidation, a.cfg.Name)
	}
	return p, nil
}

func (a *Actor) setPosition(ctx context.Context, cmd Command) error {
	p, err := a.positioner()
	if err != nil {
		return err
	}
	cal := a.state.Calibration
	native, err := cal.Resolve(cmd.Value, cmd.Unit)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !cal.ContainsNative(native) {
		lo, hi := position.RecomputeLimits(cal)
		return fmt.Errorf("%w: %v %s outside limits [%v, %v]", ErrValidation,
			cmd.Value, unitLabel(cmd.Unit, cal), lo, hi)
	}

	a.setBusy(true, cmd.ID)
	if err := p.SetPositionAbsolute(native); err != nil {
		return hwErr("set_position", err)
	}
	if err := a.untilStill(ctx, func() error { return a.refreshPosition(p) }); err != nil {
		return err
	}
	if err := a.readPosition(cmd.ID); err != nil {
		return err
	}
	a.setBusy(false, cmd.ID)
	a.settle(cmd.ID)
	return nil
}

// refreshPosition updates the snapshot during a move without an event.
func (a *Actor) refreshPosition(p Positioner) error {
	native, err := p.GetPosition()
	if err != nil {
		return hwErr("get_position", err)
	}
	a.state.Native = native
	a.state.Position = position.ToPhysical(native, a.state.Calibration)
	a.publish()
	return nil
}

func (a *Actor) readPosition(id uuid.UUID) error {
	p, err := a.positioner()
	if err != nil {
		return err
	}
	if err := a.refreshPosition(p); err != nil {
		return err
	}
	a.cfg.Metrics.Position(a.cfg.Name, a.state.Calibration.PhysicalUnits, a.state.Position)
	a.emit(events.PositionChanged, id, events.PositionPayload{
		Position: a.state.Position,
		Native:   a.state.Native,
		Units:    a.state.Calibration.PhysicalUnits,
	})
	return nil
}

// measure runs one blocking acquisition. toggle controls whether the device
// reports Busy while it runs; freerun iterations do not.
func (a *Actor) measure(ctx context.Context, id uuid.UUID, toggle bool) error {
	m, ok := a.session.(Measurer)
	if !ok {
		return fmt.Errorf("%w: %s cannot measure", ErrValidation, a.cfg.Name)
	}
	if toggle {
		a.setBusy(true, id)
	}
	start := time.Now()
	if err := m.Measure(true); err != nil {
		return hwErr("measure", err)
	}
	if err := a.untilStill(ctx, nil); err != nil {
		return err
	}
	names, err := m.ChannelNames()
	if err != nil {
		return hwErr("channel_names", err)
	}
	values, err := m.MeasuredValues()
	if err != nil {
		return hwErr("measured_values", err)
	}
	elapsed := time.Since(start)

	a.state.Measurement = &Measurement{
		Channels: names,
		Values:   values,
		Duration: elapsed,
		Time:     time.Now(),
	}
	if toggle {
		a.setBusy(false, id)
		a.settle(id)
	}
	a.publish()
	a.emit(events.MeasurementComplete, id, events.MeasurementPayload{
		Channels: names,
		Values:   values,
		Duration: elapsed,
	})
	return nil
}

func (a *Actor) setFreerun(cmd Command) {
	if a.state.Freerun == cmd.Enable {
		return
	}
	a.state.Freerun = cmd.Enable
	a.log.Info("freerun", "enabled", cmd.Enable)
	if a.state.Status == Idle || a.state.Status == Freerunning {
		a.settle(cmd.ID)
	}
	a.publish()
}

// freerunOnce performs one continuous-acquisition iteration. A failure
// moves the device to Error and disables freerun. A device left Busy by an
// earlier timeout settles once the hardware reports still.
func (a *Actor) freerunOnce(ctx context.Context) {
	var err error
	if _, ok := a.session.(Measurer); ok {
		err = a.measure(ctx, uuid.Nil, false)
	} else {
		err = a.readPosition(uuid.Nil)
	}
	if err == nil && a.state.Status == Busy {
		var busy bool
		if busy, err = a.session.IsBusy(); err != nil {
			err = hwErr("is_busy", err)
		} else if !busy {
			a.setBusy(false, uuid.Nil)
			a.settle(uuid.Nil)
		}
	}
	if err == nil {
		a.cfg.Metrics.FreerunIteration(a.cfg.Name)
		return
	}
	if ctx.Err() != nil {
		return
	}
	a.log.Warn("freerun iteration failed", "err", err)
	a.state.Freerun = false
	a.state.LastError = err.Error()
	a.setStatus(Error, uuid.Nil)
	a.publish()
	a.emit(events.Error, uuid.Nil, events.ErrorPayload{Command: "freerun", Err: err})
}

func (a *Actor) setZero(cmd Command) error {
	cal, err := a.state.Calibration.WithZero(cmd.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	a.state.Calibration = cal
	a.persist(OptZeroPosition, cmd.Value)
	a.publish()
	a.emitLimits(cmd.ID)
	if _, ok := a.session.(Positioner); ok {
		return a.readPosition(cmd.ID)
	}
	return nil
}

func (a *Actor) setLimits(cmd Command) error {
	cal, err := a.state.Calibration.WithLimits(cmd.Min, cmd.Max)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	a.state.Calibration = cal
	a.persist(OptNativeMin, cmd.Min)
	a.persist(OptNativeMax, cmd.Max)
	a.publish()
	a.emitLimits(cmd.ID)
	return nil
}

func (a *Actor) setTurret(ctx context.Context, cmd Command) error {
	t, ok := a.session.(Turret)
	if !ok {
		return fmt.Errorf("%w: %s has no turret", ErrValidation, a.cfg.Name)
	}
	a.setBusy(true, cmd.ID)
	if err := a.applyTurret(ctx, t, cmd.Index); err != nil {
		return err
	}
	a.persist(OptGratingIndex, cmd.Index)
	a.emitLimits(cmd.ID)

	// re-apply the current position on the new grating, clamped to its travel
	if p, ok := a.session.(Positioner); ok {
		cal := a.state.Calibration
		target := min(max(a.state.Native, cal.NativeMin), cal.NativeMax)
		if err := p.SetPositionAbsolute(target); err != nil {
			return hwErr("set_position", err)
		}
		if err := a.untilStill(ctx, func() error { return a.refreshPosition(p) }); err != nil {
			return err
		}
		if err := a.readPosition(cmd.ID); err != nil {
			return err
		}
	}
	a.setBusy(false, cmd.ID)
	a.settle(cmd.ID)
	return nil
}

// applyTurret selects a grating and reloads the native travel limits from
// the device.
func (a *Actor) applyTurret(ctx context.Context, t Turret, index int) error {
	if err := t.SetTurret(index); err != nil {
		return hwErr("set_turret", err)
	}
	if err := a.untilStill(ctx, nil); err != nil {
		return err
	}
	lo, hi, err := t.TurretLimits()
	if err != nil {
		return hwErr("turret_limits", err)
	}
	cal, err := a.state.Calibration.WithLimits(lo, hi)
	if err != nil {
		return fmt.Errorf("%w: turret %d: %w", ErrConnection, index, err)
	}
	a.state.Calibration = cal
	a.state.Turret = index
	a.publish()
	return nil
}

func (a *Actor) emitLimits(id uuid.UUID) {
	lo, hi := position.RecomputeLimits(a.state.Calibration)
	a.emit(events.LimitsChanged, id, events.LimitsPayload{
		Min:   lo,
		Max:   hi,
		Units: a.state.Calibration.PhysicalUnits,
	})
}
