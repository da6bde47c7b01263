// Package events is the in-process publish/subscribe bus that carries device
// state changes to observers (GUI bridges, recorders, the MQTT mirror).
//
// Publishing never blocks: each subscriber owns a buffered channel and events
// that do not fit are dropped and counted. Events from one device arrive in
// publication order; nothing is promised across devices.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind int

const (
	Initialized Kind = iota + 1
	StatusChanged
	BusyChanged
	PositionChanged
	LimitsChanged
	MeasurementComplete
	Error
	ShutDown
)

var kindNames = map[Kind]string{
	Initialized:         "initialized",
	StatusChanged:       "status_changed",
	BusyChanged:         "busy_changed",
	PositionChanged:     "position_changed",
	LimitsChanged:       "limits_changed",
	MeasurementComplete: "measurement_complete",
	Error:               "error",
	ShutDown:            "shut_down",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is an immutable notification. Payload is one of the payload types
// below.
type Event struct {
	ID        uuid.UUID
	Device    string
	Kind      Kind
	Seq       uint64 // per-device sequence, assigned by the publisher
	Time      time.Time
	CommandID uuid.UUID
	Payload   any
}

// Payloads.
type (
	PositionPayload struct {
		Position float64
		Native   float64
		Units    string
	}
	BusyPayload struct {
		Busy bool
	}
	StatusPayload struct {
		Status string
	}
	LimitsPayload struct {
		Min, Max float64
		Units    string
	}
	MeasurementPayload struct {
		Channels []string
		Values   []float64
		Duration time.Duration
	}
	ErrorPayload struct {
		Command string
		Err     error
	}
	InitializedPayload struct {
		Name   string
		Serial string
	}
)

// Publisher is the narrow interface device actors depend on.
type Publisher interface {
	Publish(Event)
}

// Filter selects events for a subscription. A nil filter accepts all.
type Filter func(Event) bool

// ForDevice accepts events of one device.
func ForDevice(name string) Filter {
	return func(e Event) bool { return e.Device == name }
}

// ForKinds accepts events of the given kinds.
func ForKinds(kinds ...Kind) Filter {
	return func(e Event) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}

// Subscription receives events on C until closed.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      int
	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events did not fit into the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool

	onDrop func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// OnDrop registers a callback for events a subscriber could not buffer.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{C: ch, bus: b, id: b.nextID, ch: ch, filter: filter}
	b.nextID++
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
