package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutWithFilters(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe(8, nil)
	d1 := bus.Subscribe(8, ForDevice("D1"))
	pos := bus.Subscribe(8, ForKinds(PositionChanged))

	bus.Publish(Event{Device: "D1", Kind: PositionChanged})
	bus.Publish(Event{Device: "D2", Kind: BusyChanged})

	assert.Len(t, all.C, 2)
	assert.Len(t, d1.C, 1)
	assert.Len(t, pos.C, 1)

	e := <-d1.C
	assert.Equal(t, "D1", e.Device)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	var drops int
	bus.OnDrop(func(Event) { drops++ })
	sub := bus.Subscribe(2, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Device: "S1", Kind: MeasurementComplete})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(8), sub.Dropped())
	assert.Equal(t, 8, drops)
}

func TestPerDeviceOrderPreserved(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1000, nil)

	var wg sync.WaitGroup
	for _, dev := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(dev string) {
			defer wg.Done()
			for i := uint64(1); i <= 200; i++ {
				bus.Publish(Event{Device: dev, Kind: PositionChanged, Seq: i})
			}
		}(dev)
	}
	wg.Wait()
	bus.Close()

	last := map[string]uint64{}
	for e := range sub.C {
		require.Greater(t, e.Seq, last[e.Device], "device %s out of order", e.Device)
		last[e.Device] = e.Seq
	}
	assert.Equal(t, map[string]uint64{"A": 200, "B": 200, "C": 200}, last)
}

func TestCloseSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, nil)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	bus.Publish(Event{Device: "D1"})

	bus.Close()
	late := bus.Subscribe(4, nil)
	_, ok = <-late.C
	assert.False(t, ok)
}
