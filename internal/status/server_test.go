package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/collector"
	"scada-gateway/internal/metrics"
	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
)

type fixedState collector.State

func (f fixedState) State() collector.State { return collector.State(f) }

type fixedTags struct {
	tags []registry.Tag
	at   time.Time
}

func (f fixedTags) Tags() []registry.Tag { return f.tags }
func (f fixedTags) LoadedAt() time.Time  { return f.at }

type fixedHealth struct {
	h   *model.ConnectionHealth
	err error
}

func (f fixedHealth) ConnectionHealth(ctx context.Context, name string) (*model.ConnectionHealth, error) {
	return f.h, f.err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	health := fixedHealth{h: &model.ConnectionHealth{ConnectionName: "modbus_primary", IsConnected: true}}
	h := NewRouter(Deps{
		ConnectionName: "modbus_primary",
		Engine:         fixedState{Healthy: true, Cycles: 12, LastOutcome: collector.OutcomeSuccess},
		Tags:           fixedTags{},
		Health:         health,
	})

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["connection"].(map[string]any)["is_connected"])
	assert.Equal(t, 12.0, body["engine"].(map[string]any)["cycles"])

	h = NewRouter(Deps{
		Engine: fixedState{Healthy: false, ConsecutiveErrors: 3},
		Tags:   fixedTags{},
		Health: fixedHealth{err: errors.New("db down")},
	})
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestTags(t *testing.T) {
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	h := NewRouter(Deps{
		Engine: fixedState{Healthy: true},
		Tags: fixedTags{at: at, tags: []registry.Tag{{
			ID: "a", Name: "hv", Address: 10, FunctionCode: registry.FuncHoldingRegister, DataType: registry.TypeUint16,
			ScalingFactor: 0.1, Target: registry.Target{Kind: registry.TargetTransformer, TransformerNumber: 1, Field: "voltage_hv"},
		}}},
	})

	rec := get(t, h, "/tags")
	require.Equal(t, http.StatusOK, rec.Code)
	var body tagsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.True(t, body.LoadedAt.Equal(at))
	assert.Equal(t, "voltage_hv", body.Tags[0].TargetField)
	assert.Equal(t, uint8(3), body.Tags[0].FunctionCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveCycle(string(collector.OutcomeSuccess), 20*time.Millisecond)

	h := NewRouter(Deps{Engine: fixedState{Healthy: true}, Tags: fixedTags{}, Gatherer: reg})
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scada_gateway_scan_cycles_total{outcome="success"} 1`)

	h = NewRouter(Deps{Engine: fixedState{Healthy: true}, Tags: fixedTags{}})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}

func TestServerRunShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := NewServer(addr, NewRouter(Deps{Engine: fixedState{Healthy: true}, Tags: fixedTags{}}), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestReadingsEndpoint(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	latest := NewLatest(time.Minute, c)
	high := "high"
	latest.PublishReading(registry.Tag{ID: "b", Name: "oil_temp", Unit: "degC"},
		model.Reading{TagMappingID: "b", ScaledValue: 95, IsAlarm: true, AlarmType: &high, Timestamp: c.Now()})
	latest.PublishReading(registry.Tag{ID: "a", Name: "hv"}, model.Reading{TagMappingID: "a", ScaledValue: 50, Timestamp: c.Now()})

	h := NewRouter(Deps{Engine: fixedState{Healthy: true}, Tags: fixedTags{}, Latest: latest})

	rec := get(t, h, "/readings")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []LatestReading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "hv", rows[0].TagName)
	assert.Equal(t, "oil_temp", rows[1].TagName)
	assert.True(t, rows[1].IsAlarm)

	rec = get(t, h, "/readings/b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scaled_value":95`)

	c.Advance(2 * time.Minute)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/readings/b").Code)
	assert.Empty(t, latest.Snapshot())
}
