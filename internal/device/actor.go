// Package device implements the per-device actor: a single worker goroutine
// that owns a blocking hardware session and a bounded FIFO command mailbox.
//
// Callers never touch the hardware. They enqueue commands (non-blocking) and
// observe completion through the published Snapshot, the event bus, or Do.
// Shutdown is signalled out of band and always wins: the in-flight hardware
// call finishes, queued commands fail with ErrShuttingDown and the session is
// closed.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"instrument-hub/internal/events"
	"instrument-hub/internal/metrics"
	"instrument-hub/internal/position"
	"instrument-hub/internal/wait"
)

const DefaultQueueSize = 64

// Settings is the subset of the settings store an actor uses to persist
// calibration constants. The section is the device name.
type Settings interface {
	Float(section, option string) (float64, error)
	Int(section, option string) (int, error)
	Write(section, option string, value any) error
}

// Settings option names.
const (
	OptZeroPosition = "zero_position"
	OptScaleFactor  = "scale_factor"
	OptNativeMin    = "native_min"
	OptNativeMax    = "native_max"
	OptGratingIndex = "grating_index"
)

// Config describes one device actor.
type Config struct {
	Name     string
	Index    int
	Kind     string
	Endpoint string
	Dial     Dialer

	Calibration     position.Calibration
	PollInterval    time.Duration
	BusyTimeout     time.Duration
	QueueSize       int
	FreerunInterval time.Duration // pause between freerun iterations
	Freerun         bool          // enter freerun after Initialize

	Bus      events.Publisher
	Settings Settings
	Logger   *slog.Logger
	Metrics  *metrics.Collectors
}

// Actor owns one device.
type Actor struct {
	cfg     Config
	log     *slog.Logger
	bus     events.Publisher
	mailbox chan Command

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	closing  atomic.Bool
	running  atomic.Bool

	pendingInits atomic.Int32
	snap         atomic.Pointer[Snapshot]

	// owned by the worker
	session Session
	state   Snapshot
	seq     uint64
}

// New creates an actor in the Uninitialized state. Call Run to start it.
func New(cfg Config) (*Actor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: device name is required", ErrValidation)
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("%w: device %s has no dialer", ErrValidation, cfg.Name)
	}
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = wait.DefaultInterval
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = wait.DefaultTimeout
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Actor{
		cfg:     cfg,
		log:     logger.With("device", cfg.Name, "kind", cfg.Kind),
		bus:     bus,
		mailbox: make(chan Command, cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.state = Snapshot{
		Name:        cfg.Name,
		Kind:        cfg.Kind,
		Index:       cfg.Index,
		Status:      Uninitialized,
		Calibration: cfg.Calibration,
	}
	a.publish()
	return a, nil
}

func (a *Actor) Name() string { return a.cfg.Name }

// Snapshot returns the last published state without blocking.
func (a *Actor) Snapshot() Snapshot { return *a.snap.Load() }

// Done is closed when the worker has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Enqueue submits cmd without blocking.
func (a *Actor) Enqueue(cmd Command) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.Kind == KindShutdown {
		if !a.closing.Swap(true) {
			a.log.Info("shutdown requested", "command_id", cmd.ID)
		}
		a.quitOnce.Do(func() { close(a.quit) })
		return nil
	}
	if a.closing.Load() {
		return ErrShuttingDown
	}
	if err := a.validate(cmd); err != nil {
		a.cfg.Metrics.CommandRejected(a.cfg.Name, cmd.Kind.String())
		return err
	}

	if cmd.Kind == KindInitialize {
		a.pendingInits.Add(1)
	}
	select {
	case a.mailbox <- cmd:
		a.cfg.Metrics.QueueDepth(a.cfg.Name, len(a.mailbox))
		// a worker that is closing never executes what it dequeues
		if a.closing.Load() {
			return ErrShuttingDown
		}
		return nil
	default:
		if cmd.Kind == KindInitialize {
			a.pendingInits.Add(-1)
		}
		a.cfg.Metrics.CommandDropped(a.cfg.Name, cmd.Kind.String())
		return fmt.Errorf("%s: %w", a.cfg.Name, ErrQueueFull)
	}
}

// Do enqueues cmd and waits for its result. For Shutdown it waits for the
// worker to exit.
func (a *Actor) Do(ctx context.Context, cmd Command) (Result, error) {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.Kind == KindShutdown {
		_ = a.Enqueue(cmd)
		select {
		case <-a.done:
			return Result{CommandID: cmd.ID, Snapshot: a.Snapshot()}, nil
		case <-ctx.Done():
			return Result{CommandID: cmd.ID}, ctx.Err()
		}
	}

	cmd.reply = make(chan Result, 1)
	if err := a.Enqueue(cmd); err != nil {
		return Result{CommandID: cmd.ID, Snapshot: a.Snapshot(), Err: err}, err
	}
	select {
	case r := <-cmd.reply:
		return r, r.Err
	case <-ctx.Done():
		return Result{CommandID: cmd.ID}, ctx.Err()
	case <-a.done:
		select {
		case r := <-cmd.reply:
			return r, r.Err
		default:
		}
		return Result{CommandID: cmd.ID, Snapshot: a.Snapshot(), Err: ErrShuttingDown}, ErrShuttingDown
	}
}

func (a *Actor) validate(cmd Command) error {
	snap := a.snap.Load()
	if cmd.Kind != KindInitialize && a.pendingInits.Load() == 0 {
		switch snap.Status {
		case Uninitialized, Error, Initializing:
			return fmt.Errorf("%s: %w (status %s)", a.cfg.Name, ErrNotInitialized, snap.Status)
		}
	}
	known := snap.Initialized()

	switch cmd.Kind {
	case KindInitialize, KindGetPosition, KindSetFreerun:
	case KindSetPosition:
		if !finite(cmd.Value) {
			return fmt.Errorf("%w: position %v", ErrValidation, cmd.Value)
		}
		if known && !snap.Capabilities.Position {
			return fmt.Errorf("%w: %s cannot move", ErrValidation, a.cfg.Name)
		}
		native, err := snap.Calibration.Resolve(cmd.Value, cmd.Unit)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if !snap.Calibration.ContainsNative(native) {
			return fmt.Errorf("%w: %v %s outside limits [%v, %v]", ErrValidation,
				cmd.Value, unitLabel(cmd.Unit, snap.Calibration), snap.Min, snap.Max)
		}
	case KindMeasure:
		if known && !snap.Capabilities.Measure {
			return fmt.Errorf("%w: %s cannot measure", ErrValidation, a.cfg.Name)
		}
	case KindSetZero:
		if !finite(cmd.Value) {
			return fmt.Errorf("%w: zero %v", ErrValidation, cmd.Value)
		}
	case KindSetLimits:
		if !finite(cmd.Min) || !finite(cmd.Max) || cmd.Min > cmd.Max {
			return fmt.Errorf("%w: limits [%v, %v]", ErrValidation, cmd.Min, cmd.Max)
		}
	case KindSetTurret:
		if cmd.Index < 1 {
			return fmt.Errorf("%w: turret index %d", ErrValidation, cmd.Index)
		}
		if known && !snap.Capabilities.Turret {
			return fmt.Errorf("%w: %s has no turret", ErrValidation, a.cfg.Name)
		}
	default:
		return fmt.Errorf("%w: unknown command %s", ErrValidation, cmd.Kind)
	}
	return nil
}

// Run is the worker loop. It returns nil once the device has shut down,
// either by a Shutdown command or by ctx cancellation.
func (a *Actor) Run(ctx context.Context) error {
	if a.running.Swap(true) {
		return fmt.Errorf("device %s: already running", a.cfg.Name)
	}
	defer close(a.done)

	pace := time.NewTimer(0)
	defer pace.Stop()
	freerunDue := true

	for {
		if a.stopping(ctx) {
			a.shutdown()
			return nil
		}
		if a.state.Freerun && freerunDue && len(a.mailbox) == 0 {
			a.freerunOnce(ctx)
			freerunDue = false
			pace.Reset(a.cfg.FreerunInterval)
			continue
		}

		var paceC <-chan time.Time
		if a.state.Freerun && !freerunDue {
			paceC = pace.C
		}
		select {
		case <-a.quit:
		case <-ctx.Done():
		case <-paceC:
			freerunDue = true
		case cmd := <-a.mailbox:
			a.cfg.Metrics.QueueDepth(a.cfg.Name, len(a.mailbox))
			if a.stopping(ctx) {
				a.finish(cmd, ErrShuttingDown)
				continue
			}
			a.execute(ctx, cmd)
			freerunDue = true
		}
	}
}

func (a *Actor) stopping(ctx context.Context) bool {
	if a.closing.Load() {
		return true
	}
	select {
	case <-a.quit:
		return true
	case <-ctx.Done():
		a.closing.Store(true)
		return true
	default:
		return false
	}
}

func (a *Actor) shutdown() {
	a.closing.Store(true)
	a.setStatus(ShuttingDown, uuid.Nil)
drain:
	for {
		select {
		case cmd := <-a.mailbox:
			a.finish(cmd, ErrShuttingDown)
		default:
			break drain
		}
	}
	a.closeSession()
	a.state.Freerun = false
	a.state.Busy = false
	a.publish()
	a.emit(events.ShutDown, uuid.Nil, events.StatusPayload{Status: ShuttingDown.String()})
	a.log.Info("device shut down")
}

func (a *Actor) closeSession() {
	if a.session == nil {
		return
	}
	if err := a.session.Close(); err != nil {
		a.log.Warn("close session", "err", err)
	}
	a.session = nil
}

func (a *Actor) execute(ctx context.Context, cmd Command) {
	start := time.Now()
	log := a.log.With("command", cmd.Kind.String(), "command_id", cmd.ID)
	log.Debug("execute")

	var err error
	if cmd.Kind != KindInitialize && (a.session == nil || !a.state.Initialized()) {
		err = fmt.Errorf("%s: %w (status %s)", a.cfg.Name, ErrNotInitialized, a.state.Status)
	} else {
		switch cmd.Kind {
		case KindInitialize:
			err = a.initialize(ctx, cmd.ID)
		case KindSetPosition:
			err = a.setPosition(ctx, cmd)
		case KindGetPosition:
			err = a.readPosition(cmd.ID)
		case KindMeasure:
			err = a.measure(ctx, cmd.ID, true)
		case KindSetFreerun:
			a.setFreerun(cmd)
		case KindSetZero:
			err = a.setZero(cmd)
		case KindSetLimits:
			err = a.setLimits(cmd)
		case KindSetTurret:
			err = a.setTurret(ctx, cmd)
		default:
			err = fmt.Errorf("%w: unknown command %s", ErrValidation, cmd.Kind)
		}
	}
	if cmd.Kind == KindInitialize {
		a.pendingInits.Add(-1)
	}
	a.cfg.Metrics.CommandDone(a.cfg.Name, cmd.Kind.String(), time.Since(start), err)
	if err != nil {
		log.Warn("command failed", "err", err)
		a.fail(cmd.Kind, cmd.ID, err)
	}
	a.finish(cmd, err)
}

// fail records err. Session errors and failed initializations move the
// device to Error; timeouts leave it Busy; validation errors leave the status
// unchanged. A failed initialization releases the session.
func (a *Actor) fail(kind CommandKind, id uuid.UUID, err error) {
	a.state.LastError = err.Error()
	if kind == KindInitialize {
		a.closeSession()
	}
	if isConnection(err) || kind == KindInitialize {
		a.state.Freerun = false
		a.state.Busy = false
		a.setStatus(Error, id)
	}
	a.publish()
	a.emit(events.Error, id, events.ErrorPayload{Command: kind.String(), Err: err})
}

func (a *Actor) finish(cmd Command, err error) {
	if cmd.reply == nil {
		return
	}
	cmd.reply <- Result{CommandID: cmd.ID, Snapshot: a.Snapshot(), Err: err}
}

func (a *Actor) setStatus(s Status, id uuid.UUID) {
	if a.state.Status == s {
		return
	}
	a.state.Status = s
	a.publish()
	a.cfg.Metrics.Status(a.cfg.Name, s.String(), StatusNames())
	a.emit(events.StatusChanged, id, events.StatusPayload{Status: s.String()})
}

// settle returns to Idle, or Freerunning when freerun is enabled.
func (a *Actor) settle(id uuid.UUID) {
	if a.state.Freerun {
		a.setStatus(Freerunning, id)
		return
	}
	a.setStatus(Idle, id)
}

func (a *Actor) setBusy(busy bool, id uuid.UUID) {
	if a.state.Busy == busy {
		return
	}
	a.state.Busy = busy
	if busy {
		a.setStatus(Busy, id)
	}
	a.publish()
	a.emit(events.BusyChanged, id, events.BusyPayload{Busy: busy})
}

func (a *Actor) publish() {
	s := a.state
	s.StatusName = s.Status.String()
	s.Min, s.Max = position.RecomputeLimits(s.Calibration)
	s.Seq = a.seq
	s.Updated = time.Now()
	a.snap.Store(&s)
}

func (a *Actor) emit(kind events.Kind, id uuid.UUID, payload any) {
	a.seq++
	a.bus.Publish(events.Event{
		Device:    a.cfg.Name,
		Kind:      kind,
		Seq:       a.seq,
		CommandID: id,
		Payload:   payload,
	})
}

func (a *Actor) waitOptions(refresh func() error) wait.Options {
	return wait.Options{
		Interval: a.cfg.PollInterval,
		Timeout:  a.cfg.BusyTimeout,
		Refresh:  refresh,
	}
}

func (a *Actor) untilStill(ctx context.Context, refresh func() error) error {
	_, err := wait.UntilStill(ctx, func() (bool, error) {
		busy, err := a.session.IsBusy()
		if err != nil {
			return false, hwErr("is_busy", err)
		}
		return busy, nil
	}, a.waitOptions(refresh))
	return err
}

func hwErr(op string, err error) error {
	if err == nil || isConnection(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
}

func isConnection(err error) bool { return errors.Is(err, ErrConnection) }

func unitLabel(unit string, c position.Calibration) string {
	if unit == "" {
		return c.PhysicalUnits
	}
	return unit
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
