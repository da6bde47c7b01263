package recorder

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/events"
	"instrument-hub/internal/model"
)

type memSink struct {
	mu       sync.Mutex
	readings []model.Reading
	devices  []model.DeviceRecord
}

func (m *memSink) Handle(r model.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func (m *memSink) SaveDevice(_ context.Context, d model.DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, d)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

func TestReadingsFromEvents(t *testing.T) {
	id := uuid.New()
	now := time.Now()
	rows := Readings(events.Event{
		Device: "lockin", Kind: events.MeasurementComplete, Seq: 4, Time: now, CommandID: id,
		Payload: events.MeasurementPayload{Channels: []string{"x"}, Values: []float64{1, 2}},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "x", rows[0].Name)
	assert.Equal(t, "ch1", rows[1].Name)
	assert.Equal(t, id.String(), rows[0].CommandID)
	assert.Equal(t, "measurement_complete", rows[1].Kind)

	rows = Readings(events.Event{Device: "d", Kind: events.PositionChanged, Payload: events.PositionPayload{Position: 3, Units: "ps"}})
	require.Len(t, rows, 1)
	assert.Equal(t, model.Reading{Device: "d", Kind: "position_changed", Name: "position", Unit: "ps", Value: 3}, rows[0])

	assert.Empty(t, Readings(events.Event{Kind: events.BusyChanged, Payload: events.BusyPayload{Busy: true}}))
}

func TestRecorderSuppressesRepeatedPositions(t *testing.T) {
	bus := events.NewBus()
	sink := &memSink{}
	rec := New(bus, sink, Options{
		CacheTTL: time.Hour,
		Devices:  map[string]model.DeviceRecord{"d": {Kind: "delay_stage", Endpoint: "sim://stage/d"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { rec.Run(ctx); close(done) }()

	bus.Publish(events.Event{Device: "d", Kind: events.Initialized, Payload: events.InitializedPayload{Name: "stage", Serial: "S1"}})
	for _, v := range []float64{1, 1, 1, 2, 2, 1} {
		bus.Publish(events.Event{Device: "d", Kind: events.PositionChanged, Payload: events.PositionPayload{Position: v}})
	}
	bus.Publish(events.Event{Device: "m", Kind: events.MeasurementComplete, Payload: events.MeasurementPayload{Channels: []string{"a"}, Values: []float64{5}}})
	bus.Publish(events.Event{Device: "m", Kind: events.MeasurementComplete, Payload: events.MeasurementPayload{Channels: []string{"a"}, Values: []float64{5}}})

	require.Eventually(t, func() bool { return sink.count() == 5 }, time.Second, time.Millisecond)
	bus.Close()
	<-done

	var values []float64
	for _, r := range sink.readings[:3] {
		values = append(values, r.Value)
	}
	assert.Equal(t, []float64{1, 2, 1}, values)
	require.Len(t, sink.devices, 1)
	assert.Equal(t, model.DeviceRecord{Name: "d", Kind: "delay_stage", Endpoint: "sim://stage/d", Serial: "S1", Model: "stage", Updated: sink.devices[0].Updated}, sink.devices[0])
}

func TestValueCacheExpires(t *testing.T) {
	c := NewValueCache(time.Minute)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	assert.False(t, c.Seen("k", 1))
	assert.True(t, c.Seen("k", 1+1e-12))
	now = now.Add(2 * time.Minute)
	assert.False(t, c.Seen("k", 1))
	assert.False(t, c.Seen("k", 1.5))
}

func TestParseFileType(t *testing.T) {
	tests := []struct {
		in            string
		json, csv, db bool
		err           bool
	}{
		{in: "", json: true, csv: true},
		{in: "jsonl", json: true},
		{in: "csv+db", csv: true, db: true},
		{in: "all", json: true, csv: true, db: true},
		{in: "parquet", err: true},
	}
	for _, tt := range tests {
		j, c, d, err := parseFileType(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, [3]bool{tt.json, tt.csv, tt.db}, [3]bool{j, c, d}, tt.in)
	}
}

func TestStorageWritesAllOutputs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(dir, "all", 16, nil)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.SaveDevice(context.Background(), model.DeviceRecord{Name: "d", Kind: "sensor"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Handle(model.Reading{Device: "d", Kind: "measurement_complete", Seq: uint64(i), Name: "x", Value: float64(i), Timestamp: ts}))
	}
	s.Close()
	s.Close()

	f, err := os.Open(s.JSONPath())
	require.NoError(t, err)
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r model.Reading
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		assert.Equal(t, float64(lines), r.Value)
		lines++
	}
	assert.Equal(t, 3, lines)

	cf, err := os.Open(s.CSVPath())
	require.NoError(t, err)
	defer cf.Close()
	recs, err := csv.NewReader(cf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, csvHeader, recs[0])
	assert.Equal(t, "2", recs[3][7])
}

func TestStorageQueueFull(t *testing.T) {
	s := &Storage{q: make(chan model.Reading, 1)}
	require.NoError(t, s.Handle(model.Reading{}))
	require.ErrorIs(t, s.Handle(model.Reading{}), ErrQueueFull)
}
