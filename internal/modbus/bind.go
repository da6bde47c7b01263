package modbus

import (
	"log/slog"
	"sync"
	"time"

	"instrument-hub/internal/device"
)

// Layout is the register map a bound instrument is served with. Floats are
// two registers in ByteOrder.
type Layout struct {
	Position  uint16 // input registers, current native position
	Target    uint16 // holding registers, written to start a move
	Busy      uint16 // discrete input
	Trigger   uint16 // coil, written true to start a measurement
	Channels  uint16 // input registers, one float per channel
	ByteOrder string
}

// DefaultLayout is used by devsim and matches modbusdev.DefaultRegisters.
var DefaultLayout = Layout{Position: 0, Target: 0, Busy: 0, Trigger: 0, Channels: 16, ByteOrder: "ABCD"}

// Binding exposes a session through a server's register banks: writes to
// Target and Trigger drive the instrument, and a refresh loop mirrors busy,
// position and measured values into the read-only banks.
type Binding struct {
	srv    *Server
	sess   device.Session
	layout Layout
	log    *slog.Logger

	mu   sync.Mutex // serialises calls into sess
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Bind attaches sess to srv and starts refreshing every interval.
func Bind(srv *Server, sess device.Session, layout Layout, interval time.Duration) *Binding {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	b := &Binding{
		srv:    srv,
		sess:   sess,
		layout: layout,
		log:    srv.log,
		quit:   make(chan struct{}),
	}
	srv.OnWrite(b.handleWrite)
	b.refresh()
	b.wg.Add(1)
	go b.loop(interval)
	return b
}

func (b *Binding) handleWrite(bank string, address, quantity uint16) {
	switch {
	case bank == "holding" && covers(address, quantity, b.layout.Target, 2):
		p, ok := b.sess.(device.Positioner)
		if !ok {
			return
		}
		target, err := b.srv.HoldingFloat32(b.layout.Target, b.layout.ByteOrder)
		if err != nil {
			b.log.Warn("decode target", "err", err)
			return
		}
		b.mu.Lock()
		err = p.SetPositionAbsolute(float64(target))
		b.mu.Unlock()
		if err != nil {
			b.log.Warn("bound move", "target", target, "err", err)
		}
		_ = b.srv.SetDiscreteInput(b.layout.Busy, true)
	case bank == "coil" && covers(address, quantity, b.layout.Trigger, 1):
		m, ok := b.sess.(device.Measurer)
		if !ok {
			return
		}
		if on, _ := b.srv.Coil(b.layout.Trigger); !on {
			return
		}
		_ = b.srv.SetDiscreteInput(b.layout.Busy, true)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.mu.Lock()
			err := m.Measure(true)
			b.mu.Unlock()
			if err != nil {
				b.log.Warn("bound measure", "err", err)
			}
			_ = b.srv.SetCoil(b.layout.Trigger, false)
			b.refresh()
		}()
	}
}

func covers(address, quantity, reg, width uint16) bool {
	return int(address) <= int(reg) && int(reg)+int(width) <= int(address)+int(quantity)
}

func (b *Binding) loop(interval time.Duration) {
	defer b.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-t.C:
			b.refresh()
		}
	}
}

func (b *Binding) refresh() {
	b.mu.Lock()
	defer b.mu.Unlock()

	busy, err := b.sess.IsBusy()
	if err != nil {
		b.log.Debug("bound is_busy", "err", err)
		return
	}
	if trig, _ := b.srv.Coil(b.layout.Trigger); trig {
		busy = true
	}
	// busy is published last
	defer func() { _ = b.srv.SetDiscreteInput(b.layout.Busy, busy) }()

	if p, ok := b.sess.(device.Positioner); ok {
		if pos, err := p.GetPosition(); err == nil {
			_ = b.srv.SetInputFloat32(b.layout.Position, float32(pos), b.layout.ByteOrder)
		}
	}
	if m, ok := b.sess.(device.Measurer); ok {
		if values, err := m.MeasuredValues(); err == nil {
			for i, v := range values {
				_ = b.srv.SetInputFloat32(b.layout.Channels+uint16(2*i), float32(v), b.layout.ByteOrder)
			}
		}
	}
}

// Close stops the refresh loop.
func (b *Binding) Close() {
	b.once.Do(func() { close(b.quit) })
	b.wg.Wait()
}
