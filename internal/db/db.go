// Package db is the gorm storage backend. It serves SQLite for standalone
// installs and Postgres for a direct connection to the hosted database.
package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scada-gateway/internal/model"
	"scada-gateway/internal/sink"
)

// Options selects and configures the database.
type Options struct {
	Driver  string
	DSN     string
	Migrate bool
}

// DB wraps a gorm connection.
type DB struct {
	ORM *gorm.DB
}

// Open connects and, when requested, runs migrations.
func Open(opts Options) (*DB, error) {
	g, err := openORM(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}
	if opts.Migrate {
		if err := migrateORM(g); err != nil {
			_ = closeORM(g)
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &DB{ORM: g}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

// ActiveTagMappings returns active mappings ordered by polling priority.
func (d *DB) ActiveTagMappings(ctx context.Context) ([]model.TagMapping, error) {
	var rows []model.TagMapping
	err := d.ORM.WithContext(ctx).
		Where("is_active = ?", true).
		Order("polling_priority ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveTagMappings inserts or replaces mappings by id.
func (d *DB) SaveTagMappings(ctx context.Context, rows []model.TagMapping) error {
	if len(rows) == 0 {
		return nil
	}
	return d.ORM.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rows).Error
}

func (d *DB) UpsertReading(ctx context.Context, r model.Reading) error {
	return d.ORM.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tag_mapping_id"}},
		UpdateAll: true,
	}).Create(&r).Error
}

func (d *DB) AppendHistory(ctx context.Context, h model.ReadingHistory) error {
	return d.ORM.WithContext(ctx).Create(&h).Error
}

func (d *DB) UpsertTransformerLog(ctx context.Context, e sink.OperationalLogEntry) error {
	row := operationalRow(e)
	row["transformer_number"] = e.TransformerNumber
	return d.upsertOperational(ctx, model.TransformerLog{}.TableName(), row, e.Field, "date", "hour", "transformer_number")
}

func (d *DB) UpsertGeneratorLog(ctx context.Context, e sink.OperationalLogEntry) error {
	return d.upsertOperational(ctx, model.GeneratorLog{}.TableName(), operationalRow(e), e.Field, "date", "hour")
}

func operationalRow(e sink.OperationalLogEntry) map[string]any {
	return map[string]any{
		"date":        e.Date,
		"hour":        e.Hour,
		e.Field:       e.Value,
		"data_source": model.DataSourceSCADA,
		"logged_at":   e.LoggedAt,
	}
}

func (d *DB) upsertOperational(ctx context.Context, table string, row map[string]any, field string, keys ...string) error {
	if !sink.ValidField(field) {
		return fmt.Errorf("invalid column %q", field)
	}
	return d.ORM.WithContext(ctx).Table(table).Clauses(clause.OnConflict{
		Columns:   columns(keys...),
		DoUpdates: clause.AssignmentColumns([]string{field, "data_source", "logged_at"}),
	}).Create(row).Error
}

// UpsertConnectionHealth inserts the record or updates only the given columns.
func (d *DB) UpsertConnectionHealth(ctx context.Context, name string, fields map[string]any) error {
	row := make(map[string]any, len(fields)+1)
	update := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == "connection_name" {
			continue
		}
		row[k] = v
		update = append(update, k)
	}
	row["connection_name"] = name
	sort.Strings(update)

	conflict := clause.OnConflict{Columns: columns("connection_name")}
	if len(update) == 0 {
		conflict.DoNothing = true
	} else {
		conflict.DoUpdates = clause.AssignmentColumns(update)
	}
	return d.ORM.WithContext(ctx).Table(model.ConnectionHealth{}.TableName()).Clauses(conflict).Create(row).Error
}

// ConnectionHealth returns the named record, nil if none exists.
func (d *DB) ConnectionHealth(ctx context.Context, name string) (*model.ConnectionHealth, error) {
	var h model.ConnectionHealth
	err := d.ORM.WithContext(ctx).Where("connection_name = ?", name).Take(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// HistoryBetween returns archived readings with from <= timestamp < to,
// ordered by tag and time.
func (d *DB) HistoryBetween(ctx context.Context, from, to time.Time) ([]model.ReadingHistory, error) {
	var rows []model.ReadingHistory
	ts := clause.Column{Name: "timestamp"}
	err := d.ORM.WithContext(ctx).
		Where(clause.Gte{Column: ts, Value: from.UTC()}).
		Where(clause.Lt{Column: ts, Value: to.UTC()}).
		Order("tag_mapping_id ASC").
		Order(clause.OrderByColumn{Column: ts}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *DB) UpsertHourlyRollups(ctx context.Context, rows []model.HourlyRollup) error {
	if len(rows) == 0 {
		return nil
	}
	return d.ORM.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   columns("tag_mapping_id", "date", "hour"),
		UpdateAll: true,
	}).Create(&rows).Error
}

func columns(names ...string) []clause.Column {
	out := make([]clause.Column, len(names))
	for i, n := range names {
		out[i] = clause.Column{Name: n}
	}
	return out
}
