// Package sink writes scan results to a storage backend.
//
// Sink methods never return errors to their caller. Backend failures are
// wrapped in PersistenceError, logged and counted so that a slow or broken
// database cannot stop polling.
package sink

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/metrics"
	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
)

const (
	OpUpsertReading    = "upsert_reading"
	OpAppendHistory    = "append_history"
	OpOperationalLog   = "operational_log"
	OpConnectionHealth = "connection_health"

	operationalLogDate = "2006-01-02"
)

// Backend is a storage implementation. Timestamps passed in are UTC.
type Backend interface {
	UpsertReading(ctx context.Context, r model.Reading) error
	AppendHistory(ctx context.Context, h model.ReadingHistory) error
	UpsertTransformerLog(ctx context.Context, e OperationalLogEntry) error
	UpsertGeneratorLog(ctx context.Context, e OperationalLogEntry) error
	// UpsertConnectionHealth inserts or merges the given columns into the
	// record keyed by name. Keys are column names.
	UpsertConnectionHealth(ctx context.Context, name string, fields map[string]any) error
}

// OperationalLogEntry carries one scaled value into an hourly log row.
type OperationalLogEntry struct {
	Date              string
	Hour              int
	TransformerNumber int
	Field             string
	Value             float64
	LoggedAt          time.Time
}

// PersistenceError wraps a backend failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidField reports whether name can be used as a value column in an
// operational log.
func ValidField(name string) bool {
	return identifier.MatchString(name) && !registry.ReservedLogColumn(name)
}

// Sink is safe for concurrent use when its Backend is.
type Sink struct {
	backend Backend
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	clock   clock.Clock
	loc     *time.Location
	archive bool
	newID   func() string
}

type Option func(*Sink)

func WithClock(c clock.Clock) Option {
	return func(s *Sink) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLocation sets the zone that decides an operational log row's date and hour.
func WithLocation(loc *time.Location) Option {
	return func(s *Sink) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithArchive toggles appending every reading to the history archive.
func WithArchive(on bool) Option {
	return func(s *Sink) { s.archive = on }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

func New(backend Backend, log logrus.FieldLogger, opts ...Option) *Sink {
	s := &Sink{
		backend: backend,
		log:     log,
		clock:   clock.System{},
		loc:     time.Local,
		archive: true,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) fail(op string, err error, fields logrus.Fields) {
	perr := &PersistenceError{Op: op, Err: err}
	s.metrics.PersistError(op)
	s.log.WithFields(fields).WithError(perr).Error("persistence failure")
}

// UpsertReading replaces the latest reading of the tag and archives a copy.
func (s *Sink) UpsertReading(ctx context.Context, r model.Reading) {
	r.Timestamp = r.Timestamp.UTC()
	r.ReceivedAt = r.ReceivedAt.UTC()

	if err := s.backend.UpsertReading(ctx, r); err != nil {
		s.fail(OpUpsertReading, err, logrus.Fields{"tag_id": r.TagMappingID})
	}
	if !s.archive {
		return
	}
	h := model.ReadingHistory{
		ID:           s.newID(),
		TagMappingID: r.TagMappingID,
		RawValue:     r.RawValue,
		ScaledValue:  r.ScaledValue,
		QualityCode:  r.QualityCode,
		IsAlarm:      r.IsAlarm,
		AlarmType:    r.AlarmType,
		Timestamp:    r.Timestamp,
		ReceivedAt:   r.ReceivedAt,
	}
	if err := s.backend.AppendHistory(ctx, h); err != nil {
		s.fail(OpAppendHistory, err, logrus.Fields{"tag_id": r.TagMappingID})
	}
}

// UpdateOperationalLog writes value into the hourly log row the tag targets.
// The row's date and hour are taken from at in the sink's location. Tags
// without a target are ignored.
func (s *Sink) UpdateOperationalLog(ctx context.Context, tag registry.Tag, value float64, at time.Time) {
	if tag.Target.Kind == registry.TargetNone {
		return
	}
	fields := logrus.Fields{"tag_id": tag.ID, "field": tag.Target.Field}
	if !ValidField(tag.Target.Field) {
		s.fail(OpOperationalLog, fmt.Errorf("invalid target field %q", tag.Target.Field), fields)
		return
	}

	local := at.In(s.loc)
	entry := OperationalLogEntry{
		Date:              local.Format(operationalLogDate),
		Hour:              local.Hour(),
		TransformerNumber: tag.Target.TransformerNumber,
		Field:             tag.Target.Field,
		Value:             value,
		LoggedAt:          at.UTC(),
	}

	var err error
	switch tag.Target.Kind {
	case registry.TargetTransformer:
		err = s.backend.UpsertTransformerLog(ctx, entry)
	case registry.TargetGenerator:
		err = s.backend.UpsertGeneratorLog(ctx, entry)
	}
	if err != nil {
		s.fail(OpOperationalLog, err, fields)
	}
}

// UpdateConnectionHealth merges the set fields of status into the named
// record and stamps updated_at.
func (s *Sink) UpdateConnectionHealth(ctx context.Context, name string, status HealthStatus) {
	fields := status.Fields()
	fields["updated_at"] = s.clock.Now().UTC()
	if err := s.backend.UpsertConnectionHealth(ctx, name, fields); err != nil {
		s.fail(OpConnectionHealth, err, logrus.Fields{"connection": name})
	}
}
