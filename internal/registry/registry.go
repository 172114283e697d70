// Package registry holds the set of tags the gateway polls.
//
// The set is fetched in bulk from a Source, validated, and published as an
// immutable snapshot. Reloads replace the snapshot wholesale; a scan cycle that
// already holds the previous slice keeps using it.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/metrics"
	"scada-gateway/internal/model"
)

// DefaultReloadInterval bounds how stale the tag set may get.
const DefaultReloadInterval = 5 * time.Minute

// Source fetches active tag mappings ordered by polling_priority ascending.
type Source interface {
	ActiveTagMappings(ctx context.Context) ([]model.TagMapping, error)
}

// RegistryError reports a failed fetch. The previous snapshot stays in place.
type RegistryError struct {
	Err error
}

func (e *RegistryError) Error() string { return fmt.Sprintf("load tag mappings: %v", e.Err) }
func (e *RegistryError) Unwrap() error { return e.Err }

type snapshot struct {
	tags     []Tag
	loadedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	source   Source
	clock    clock.Clock
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	snap atomic.Pointer[snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithReloadInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New constructs an empty registry; call Load before the first scan.
func New(source Source, log logrus.FieldLogger, opts ...Option) *Registry {
	r := &Registry{
		source:   source,
		clock:    clock.System{},
		interval: DefaultReloadInterval,
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load fetches all active tags and replaces the snapshot. Mappings that fail
// validation are skipped with a warning. It returns the number of tags loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	rows, err := r.source.ActiveTagMappings(ctx)
	if err != nil {
		r.metrics.RegistryLoad(false, 0)
		return 0, &RegistryError{Err: err}
	}

	tags := make([]Tag, 0, len(rows))
	for _, row := range rows {
		tag, err := FromMapping(row)
		if err != nil {
			r.log.WithError(err).WithField("tag_id", row.ID).Warn("skipping invalid tag mapping")
			continue
		}
		tags = append(tags, tag)
	}

	r.snap.Store(&snapshot{tags: tags, loadedAt: r.clock.Now()})
	r.metrics.RegistryLoad(true, len(tags))
	r.log.WithField("tags", len(tags)).Info("tag mappings loaded")
	return len(tags), nil
}

// ReloadIfNeeded loads when nothing has been loaded yet or when the reload
// interval has elapsed since the last successful load. It reports whether a
// fetch was attempted.
func (r *Registry) ReloadIfNeeded(ctx context.Context) (bool, error) {
	if s := r.snap.Load(); s != nil && r.clock.Now().Sub(s.loadedAt) < r.interval {
		return false, nil
	}
	_, err := r.Load(ctx)
	return true, err
}

// Tags returns the current snapshot. Callers must not modify it.
func (r *Registry) Tags() []Tag {
	if s := r.snap.Load(); s != nil {
		return s.tags
	}
	return nil
}

// LoadedAt returns the time of the last successful load, zero if none.
func (r *Registry) LoadedAt() time.Time {
	if s := r.snap.Load(); s != nil {
		return s.loadedAt
	}
	return time.Time{}
}
