package collector

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
	"scada-gateway/internal/simulator"
	"scada-gateway/internal/sink"
)

type fakeReader struct {
	mu         sync.Mutex
	values     map[uint16]float64
	failAll    error
	failAddr   map[uint16]error
	reads      []uint16
	reconnects int
}

func (f *fakeReader) ReadRegister(ctx context.Context, address uint16, fc registry.FunctionCode, dt registry.DataType) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, address)
	if f.failAll != nil {
		return 0, &ReadError{Address: address, FunctionCode: fc, Err: f.failAll}
	}
	if err := f.failAddr[address]; err != nil {
		return 0, &ReadError{Address: address, FunctionCode: fc, Err: err}
	}
	return f.values[address], nil
}

func (f *fakeReader) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

type staticTags struct {
	tags    []registry.Tag
	reloads int
	err     error
}

func (s *staticTags) ReloadIfNeeded(ctx context.Context) (bool, error) {
	s.reloads++
	return s.err != nil, s.err
}

func (s *staticTags) Tags() []registry.Tag { return s.tags }

type healthCall struct {
	name   string
	status sink.HealthStatus
}

type recordingPersister struct {
	mu       sync.Mutex
	readings []model.Reading
	oplogs   []string
	health   []healthCall
}

func (p *recordingPersister) UpsertReading(ctx context.Context, r model.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, r)
}

func (p *recordingPersister) UpdateOperationalLog(ctx context.Context, tag registry.Tag, value float64, at time.Time) {
	if tag.Target.Kind == registry.TargetNone {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oplogs = append(p.oplogs, tag.ID+":"+tag.Target.Field)
}

func (p *recordingPersister) UpdateConnectionHealth(ctx context.Context, name string, status sink.HealthStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = append(p.health, healthCall{name: name, status: status})
}

type recordingPublisher struct {
	published []string
}

func (p *recordingPublisher) PublishReading(tag registry.Tag, r model.Reading) {
	p.published = append(p.published, tag.Name)
}

func tag(id string, addr uint16) registry.Tag {
	return registry.Tag{
		ID:            id,
		Name:          "tag-" + id,
		Address:       addr,
		FunctionCode:  registry.FuncHoldingRegister,
		DataType:      registry.TypeUint16,
		ScalingFactor: 1,
	}
}

func newTestEngine(reader Reader, tags TagSet, persist Persister, opts ...EngineOption) *Engine {
	cfg := EngineConfig{ConnectionName: "test", Endpoint: Endpoint{Host: "10.0.0.5", Port: 502, SlaveID: 1}}
	opts = append([]EngineOption{WithEngineClock(clock.NewManual(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)))}, opts...)
	return NewEngine(cfg, reader, tags, persist, quietLogger(), opts...)
}

func TestRunCycleScalesUint16(t *testing.T) {
	tg := tag("hv", 10)
	tg.ScalingFactor = 0.1
	reader := &fakeReader{values: map[uint16]float64{10: 500}}
	persist := &recordingPersister{}
	e := newTestEngine(reader, &staticTags{tags: []registry.Tag{tg}}, persist)

	report := e.RunCycle(context.Background())
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	require.Len(t, persist.readings, 1)
	r := persist.readings[0]
	assert.Equal(t, "hv", r.TagMappingID)
	assert.Equal(t, 500.0, r.RawValue)
	assert.InDelta(t, 50.0, r.ScaledValue, 1e-9)
	assert.Equal(t, model.QualityGood, r.QualityCode)
	assert.False(t, r.IsAlarm)
	assert.Nil(t, r.AlarmType)
}

func TestRunCycleOneReadingPerTagIncludingFailures(t *testing.T) {
	tags := []registry.Tag{tag("a", 1), tag("b", 2), tag("c", 3)}
	high := 10.0
	tags[2].AlarmHigh = &high
	reader := &fakeReader{
		values:   map[uint16]float64{1: 5, 3: 42},
		failAddr: map[uint16]error{2: errors.New("timeout")},
	}
	persist := &recordingPersister{}
	pub := &recordingPublisher{}
	e := newTestEngine(reader, &staticTags{tags: tags}, persist, WithPublisher(pub))

	report := e.RunCycle(context.Background())
	assert.Equal(t, OutcomePartialFailure, report.Outcome)
	assert.Equal(t, 2, report.Successes)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, []uint16{1, 2, 3}, reader.reads, "registry order, sequential")

	require.Len(t, persist.readings, 3)
	bad := persist.readings[1]
	assert.Equal(t, "b", bad.TagMappingID)
	assert.Equal(t, model.QualityBad, bad.QualityCode)
	assert.Zero(t, bad.RawValue)
	assert.Zero(t, bad.ScaledValue)

	alarm := persist.readings[2]
	assert.True(t, alarm.IsAlarm)
	require.NotNil(t, alarm.AlarmType)
	assert.Equal(t, "high", *alarm.AlarmType)
	assert.Equal(t, []string{"tag-a", "tag-b", "tag-c"}, pub.published)

	var readErr *ReadError
	assert.ErrorAs(t, report.Results[1].Err, &readErr)

	require.Len(t, persist.health, 1)
	h := persist.health[0].status
	assert.Equal(t, "test", persist.health[0].name)
	assert.True(t, *h.IsConnected)
	assert.NotNil(t, h.LastSuccessfulRead)
	assert.NotNil(t, h.LastFailedRead)
	assert.Equal(t, 0, *h.ConsecutiveFailures)
	assert.Contains(t, *h.ErrorMessage, "timeout")
}

func TestRunCycleSkipsEmptyTagSet(t *testing.T) {
	tags := &staticTags{err: errors.New("registry down")}
	persist := &recordingPersister{}
	e := newTestEngine(&fakeReader{}, tags, persist)

	report := e.RunCycle(context.Background())
	assert.Equal(t, OutcomeSkipped, report.Outcome)
	assert.Equal(t, 1, tags.reloads)
	assert.Empty(t, persist.readings)
	assert.Empty(t, persist.health, "no health update without activity")
}

func TestReconnectAfterFiveFailedCycles(t *testing.T) {
	reader := &fakeReader{failAll: errors.New("connection reset")}
	persist := &recordingPersister{}
	e := newTestEngine(reader, &staticTags{tags: []registry.Tag{tag("a", 1), tag("b", 2)}}, persist)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		report := e.RunCycle(ctx)
		assert.Equal(t, OutcomeTotalFailure, report.Outcome)
		assert.Equal(t, i, report.ConsecutiveErrors)
		assert.False(t, report.Reconnected)
	}
	assert.Equal(t, 0, reader.reconnects)
	assert.False(t, e.State().Healthy)

	report := e.RunCycle(ctx)
	assert.True(t, report.Reconnected)
	assert.Equal(t, 0, report.ConsecutiveErrors)
	assert.Equal(t, 1, reader.reconnects)

	last := persist.health[len(persist.health)-1].status
	assert.False(t, *last.IsConnected)
	assert.Nil(t, last.LastSuccessfulRead)
	assert.Equal(t, 5, *last.ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		e.RunCycle(ctx)
	}
	assert.Equal(t, 1, reader.reconnects, "counter restarted after reconnect")
	e.RunCycle(ctx)
	assert.Equal(t, 2, reader.reconnects)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	reader := &fakeReader{failAll: errors.New("timeout"), values: map[uint16]float64{1: 1}}
	persist := &recordingPersister{}
	e := newTestEngine(reader, &staticTags{tags: []registry.Tag{tag("a", 1), tag("b", 2)}}, persist)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.RunCycle(ctx)
	}
	assert.Equal(t, 4, e.State().ConsecutiveErrors)

	reader.failAll = nil
	reader.failAddr = map[uint16]error{2: errors.New("illegal address")}
	report := e.RunCycle(ctx)
	assert.Equal(t, OutcomePartialFailure, report.Outcome)
	assert.Equal(t, 0, report.ConsecutiveErrors)
	assert.True(t, e.State().Healthy)

	reader.failAll = errors.New("timeout")
	for i := 0; i < 4; i++ {
		e.RunCycle(ctx)
	}
	assert.Equal(t, 0, reader.reconnects)
}

func TestOperationalLogOnlyForTargetedSuccesses(t *testing.T) {
	targeted := tag("a", 1)
	targeted.Target = registry.Target{Kind: registry.TargetTransformer, TransformerNumber: 1, Field: "voltage_hv"}
	failing := tag("b", 2)
	failing.Target = registry.Target{Kind: registry.TargetGenerator, Field: "frequency"}
	plain := tag("c", 3)

	reader := &fakeReader{values: map[uint16]float64{1: 11000, 3: 1}, failAddr: map[uint16]error{2: errors.New("timeout")}}
	persist := &recordingPersister{}
	e := newTestEngine(reader, &staticTags{tags: []registry.Tag{targeted, failing, plain}}, persist)

	e.RunCycle(context.Background())
	assert.Equal(t, []string{"a:voltage_hv"}, persist.oplogs)
}

func TestRecordStartup(t *testing.T) {
	persist := &recordingPersister{}
	e := newTestEngine(&fakeReader{}, &staticTags{}, persist)

	e.RecordStartup(context.Background(), true, nil)
	require.Len(t, persist.health, 1)
	h := persist.health[0].status
	assert.Equal(t, "modbus_tcp", *h.ConnectionType)
	assert.Equal(t, "10.0.0.5", *h.Host)
	assert.Equal(t, 502, *h.Port)
	assert.Equal(t, 1, *h.SlaveAddress)
	assert.True(t, *h.IsConnected)
	assert.Equal(t, "", *h.ErrorMessage)
	assert.Nil(t, h.LastFailedRead)
}

func TestRunStopsOnCancel(t *testing.T) {
	reader := &fakeReader{values: map[uint16]float64{1: 1}}
	persist := &recordingPersister{}
	cfg := EngineConfig{Interval: 5 * time.Millisecond}
	e := NewEngine(cfg, reader, &staticTags{tags: []registry.Tag{tag("a", 1)}}, persist, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.State().Cycles >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	cycles := e.State().Cycles
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, cycles, e.State().Cycles, "no cycle after shutdown")
}

// cancellingReader cancels the run on its first read and stalls so ticks queue up.
type cancellingReader struct {
	fakeReader
	cancel context.CancelFunc
}

func (c *cancellingReader) ReadRegister(ctx context.Context, address uint16, fc registry.FunctionCode, dt registry.DataType) (float64, error) {
	c.cancel()
	time.Sleep(5 * time.Millisecond)
	return c.fakeReader.ReadRegister(ctx, address, fc, dt)
}

func TestRunStartsNoCycleAfterCancel(t *testing.T) {
	for i := 0; i < 40; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		reader := &cancellingReader{fakeReader: fakeReader{values: map[uint16]float64{1: 1}}, cancel: cancel}
		cfg := EngineConfig{Interval: time.Millisecond}
		e := NewEngine(cfg, reader, &staticTags{tags: []registry.Tag{tag("a", 1)}}, &recordingPersister{}, quietLogger())

		require.NoError(t, e.Run(ctx))
		require.Equal(t, int64(1), e.State().Cycles, "run %d", i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine(EngineConfig{}, &fakeReader{}, &staticTags{tags: []registry.Tag{tag("a", 1)}}, &recordingPersister{}, quietLogger())
	require.NoError(t, e.Run(ctx))
	assert.Zero(t, e.State().Cycles)
}

func TestEngineAgainstSimulator(t *testing.T) {
	dev := simulator.New()
	require.NoError(t, dev.Listen("127.0.0.1:0"))
	t.Cleanup(dev.Close)
	host, portStr, err := net.SplitHostPort(dev.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	ep := Endpoint{Host: host, Port: port, SlaveID: 1, Timeout: time.Second}

	require.NoError(t, dev.SetWord(simulator.HoldingRegisters, 10, 500))
	require.NoError(t, dev.SetFloat32(simulator.InputRegisters, 20, 49.95))

	client := NewClient(quietLogger(), time.Millisecond)
	require.NoError(t, client.Connect(context.Background(), ep))
	t.Cleanup(client.Disconnect)

	volts := tag("volts", 10)
	volts.ScalingFactor = 0.1
	freq := tag("freq", 20)
	freq.FunctionCode = registry.FuncInputRegister
	freq.DataType = registry.TypeFloat32

	persist := &recordingPersister{}
	e := NewEngine(EngineConfig{Endpoint: ep}, client, &staticTags{tags: []registry.Tag{volts, freq}}, persist, quietLogger())
	report := e.RunCycle(context.Background())

	require.Equal(t, OutcomeSuccess, report.Outcome)
	assert.InDelta(t, 50.0, persist.readings[0].ScaledValue, 1e-9)
	assert.InDelta(t, 49.95, persist.readings[1].ScaledValue, 1e-4)

	dev.SetFailing(true)
	report = e.RunCycle(context.Background())
	assert.Equal(t, OutcomeTotalFailure, report.Outcome)
	assert.Equal(t, model.QualityBad, persist.readings[3].QualityCode)
}
