package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada-gateway/internal/model"
	"scada-gateway/internal/sink"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(Options{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "data", "gateway.db"), Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func ptr[T any](v T) *T { return &v }

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestActiveTagMappingsOrderAndFilter(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.SaveTagMappings(ctx, []model.TagMapping{
		{ID: "c", TagName: "late", PollingPriority: 9, IsActive: true, ScalingFactor: 1, DataType: "uint16", ModbusFunctionCode: 3},
		{ID: "a", TagName: "first", PollingPriority: 1, IsActive: true, ScalingFactor: 1, DataType: "uint16", ModbusFunctionCode: 3},
		{ID: "b", TagName: "off", PollingPriority: 0, IsActive: false, ScalingFactor: 1, DataType: "uint16", ModbusFunctionCode: 3},
		{ID: "d", TagName: "mid", PollingPriority: 5, IsActive: true, ScalingFactor: 0.1, Offset: -40, DataType: "float32", ModbusFunctionCode: 4,
			AlarmHigh: ptr(90.0), TargetTable: ptr("transformer_logs"), TargetField: ptr("oil_temperature")},
	}))

	rows, err := d.ActiveTagMappings(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "d", "c"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
	assert.Equal(t, -40.0, rows[1].Offset)
	require.NotNil(t, rows[1].AlarmHigh)
	assert.Equal(t, 90.0, *rows[1].AlarmHigh)
	assert.Nil(t, rows[1].AlarmLow)
	assert.Equal(t, "oil_temperature", *rows[1].TargetField)
}

func TestUpsertReadingIdempotent(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	require.NoError(t, d.UpsertReading(ctx, model.Reading{TagMappingID: "t1", RawValue: 1, ScaledValue: 1, Timestamp: at, ReceivedAt: at}))
	require.NoError(t, d.UpsertReading(ctx, model.Reading{TagMappingID: "t1", RawValue: 2, ScaledValue: 20, IsAlarm: true, AlarmType: ptr("high"), Timestamp: at.Add(time.Second), ReceivedAt: at.Add(time.Second)}))

	var rows []model.Reading
	require.NoError(t, d.ORM.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, 20.0, rows[0].ScaledValue)
	assert.True(t, rows[0].IsAlarm)
	assert.Equal(t, "high", *rows[0].AlarmType)
	assert.True(t, rows[0].Timestamp.Equal(at.Add(time.Second)))
}

func TestOperationalLogUpserts(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 8, 15, 0, 0, time.UTC)

	require.NoError(t, d.UpsertTransformerLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, TransformerNumber: 1, Field: "voltage_hv", Value: 11.2, LoggedAt: at}))
	require.NoError(t, d.UpsertTransformerLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, TransformerNumber: 1, Field: "oil_temperature", Value: 61, LoggedAt: at.Add(time.Minute)}))
	require.NoError(t, d.UpsertTransformerLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, TransformerNumber: 2, Field: "voltage_hv", Value: 11.4, LoggedAt: at}))

	var logs []model.TransformerLog
	require.NoError(t, d.ORM.Order("transformer_number").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, 11.2, *logs[0].VoltageHV)
	assert.Equal(t, 61.0, *logs[0].OilTemperature, "second field merged into the same row")
	assert.Equal(t, model.DataSourceSCADA, logs[0].DataSource)
	assert.Equal(t, 11.4, *logs[1].VoltageHV)
	assert.Nil(t, logs[1].OilTemperature)

	require.NoError(t, d.UpsertGeneratorLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, Field: "frequency", Value: 50.01, LoggedAt: at}))
	require.NoError(t, d.UpsertGeneratorLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, Field: "frequency", Value: 49.98, LoggedAt: at}))
	var gen []model.GeneratorLog
	require.NoError(t, d.ORM.Find(&gen).Error)
	require.Len(t, gen, 1)
	assert.Equal(t, 49.98, *gen[0].Frequency)

	assert.Error(t, d.UpsertGeneratorLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, Field: "no_such_column", Value: 1, LoggedAt: at}))
	assert.Error(t, d.UpsertGeneratorLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, Field: "x; --", Value: 1, LoggedAt: at}))
	assert.Error(t, d.UpsertTransformerLog(ctx, sink.OperationalLogEntry{Date: "2026-05-04", Hour: 8, TransformerNumber: 3, Field: "transformer_number", Value: 42.7, LoggedAt: at}))
	var tx3 int64
	require.NoError(t, d.ORM.Model(&model.TransformerLog{}).Where("transformer_number = ?", 3).Count(&tx3).Error)
	assert.Zero(t, tx3)
}

func TestConnectionHealthMerge(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	h, err := d.ConnectionHealth(ctx, "modbus_primary")
	require.NoError(t, err)
	assert.Nil(t, h)

	require.NoError(t, d.UpsertConnectionHealth(ctx, "modbus_primary", map[string]any{
		"connection_type": "modbus_tcp",
		"host":            "10.0.0.5",
		"port":            502,
		"slave_address":   1,
		"is_connected":    true,
		"updated_at":      t0,
	}))
	require.NoError(t, d.UpsertConnectionHealth(ctx, "modbus_primary", map[string]any{
		"is_connected":         false,
		"last_failed_read":     t0.Add(time.Minute),
		"consecutive_failures": 3,
		"error_message":        "timeout",
		"updated_at":           t0.Add(time.Minute),
	}))

	h, err = d.ConnectionHealth(ctx, "modbus_primary")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "10.0.0.5", h.Host, "unspecified columns keep their value")
	assert.Equal(t, 502, h.Port)
	assert.False(t, h.IsConnected)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	require.NotNil(t, h.ErrorMessage)
	assert.Equal(t, "timeout", *h.ErrorMessage)
	assert.Nil(t, h.LastSuccessfulRead)
	require.NotNil(t, h.LastFailedRead)
	assert.True(t, h.LastFailedRead.Equal(t0.Add(time.Minute)))

	require.NoError(t, d.UpsertConnectionHealth(ctx, "modbus_primary", map[string]any{"error_message": nil}))
	h, err = d.ConnectionHealth(ctx, "modbus_primary")
	require.NoError(t, err)
	assert.Nil(t, h.ErrorMessage)
}

func TestHistoryWindowAndRollups(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	hour := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{hour.Add(-time.Second), hour, hour.Add(30 * time.Minute), hour.Add(time.Hour)} {
		require.NoError(t, d.AppendHistory(ctx, model.ReadingHistory{
			ID: string(rune('a' + i)), TagMappingID: "t1", ScaledValue: float64(i), Timestamp: ts, ReceivedAt: ts,
		}))
	}
	rows, err := d.HistoryBetween(ctx, hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, rows[0].ScaledValue)
	assert.Equal(t, 2.0, rows[1].ScaledValue)

	roll := model.HourlyRollup{TagMappingID: "t1", Date: "2026-05-04", Hour: 8, SampleCount: 2, GoodCount: 2, AvgValue: ptr(1.5), QualityRatio: 1, ComputedAt: hour}
	require.NoError(t, d.UpsertHourlyRollups(ctx, []model.HourlyRollup{roll}))
	roll.SampleCount = 3
	roll.QualityRatio = 2.0 / 3
	require.NoError(t, d.UpsertHourlyRollups(ctx, []model.HourlyRollup{roll}))

	var got []model.HourlyRollup
	require.NoError(t, d.ORM.Find(&got).Error)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].SampleCount)
	assert.InDelta(t, 2.0/3, got[0].QualityRatio, 1e-9)
	assert.NoError(t, d.UpsertHourlyRollups(ctx, nil))
}
