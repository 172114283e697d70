// Package rollup aggregates the reading archive into hourly summaries.
package rollup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/metrics"
	"scada-gateway/internal/model"
)

// DefaultOffset is how long after the top of the hour a run starts, giving
// the last cycle of the previous hour time to land.
const DefaultOffset = 30 * time.Second

const dateLayout = "2006-01-02"

// Store reads the archive and writes summaries.
type Store interface {
	HistoryBetween(ctx context.Context, from, to time.Time) ([]model.ReadingHistory, error)
	UpsertHourlyRollups(ctx context.Context, rows []model.HourlyRollup) error
}

// NextFire returns the first instant strictly after now that is offset past
// the top of an hour in loc.
func NextFire(now time.Time, loc *time.Location, offset time.Duration) time.Time {
	local := now.In(loc)
	top := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	next := top.Add(offset)
	for !next.After(now) {
		top = top.Add(time.Hour)
		next = top.Add(offset)
	}
	return next
}

// HourStart truncates t to the start of its hour in loc.
func HourStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
}

// Aggregate summarizes rows into one rollup per tag for the hour beginning at
// hourStart. Min, max and average cover good-quality samples only.
func Aggregate(rows []model.ReadingHistory, hourStart time.Time, loc *time.Location, computedAt time.Time) []model.HourlyRollup {
	type acc struct {
		total, good   int
		sum, min, max float64
	}
	byTag := make(map[string]*acc)
	for _, r := range rows {
		a, ok := byTag[r.TagMappingID]
		if !ok {
			a = &acc{min: math.Inf(1), max: math.Inf(-1)}
			byTag[r.TagMappingID] = a
		}
		a.total++
		if r.QualityCode != model.QualityGood {
			continue
		}
		a.good++
		a.sum += r.ScaledValue
		a.min = math.Min(a.min, r.ScaledValue)
		a.max = math.Max(a.max, r.ScaledValue)
	}

	ids := make([]string, 0, len(byTag))
	for id := range byTag {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	local := hourStart.In(loc)
	out := make([]model.HourlyRollup, 0, len(ids))
	for _, id := range ids {
		a := byTag[id]
		r := model.HourlyRollup{
			TagMappingID: id,
			Date:         local.Format(dateLayout),
			Hour:         local.Hour(),
			SampleCount:  a.total,
			GoodCount:    a.good,
			QualityRatio: float64(a.good) / float64(a.total),
			ComputedAt:   computedAt.UTC(),
		}
		if a.good > 0 {
			mn, mx, avg := a.min, a.max, a.sum/float64(a.good)
			r.MinValue, r.MaxValue, r.AvgValue = &mn, &mx, &avg
		}
		out = append(out, r)
	}
	return out
}

// Scheduler runs the aggregation once per hour.
type Scheduler struct {
	store   Store
	log     logrus.FieldLogger
	clock   clock.Clock
	loc     *time.Location
	offset  time.Duration
	metrics *metrics.Metrics
	after   func(time.Duration) <-chan time.Time
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithOffset overrides DefaultOffset. Negative values are ignored.
func WithOffset(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.offset = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(store Store, log logrus.FieldLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		log:    log,
		clock:  clock.System{},
		loc:    time.Local,
		offset: DefaultOffset,
		after:  time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run arms a one-shot timer for the next fire time, aggregates the hour that
// just ended, and re-arms. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var last time.Time
	for {
		now := s.clock.Now()
		if !last.IsZero() && !now.After(last) {
			now = last
		}
		fire := NextFire(now, s.loc, s.offset)
		s.log.WithField("next", fire).Debug("rollup armed")

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(fire.Sub(now)):
		}
		last = fire

		hour := HourStart(fire, s.loc).Add(-time.Hour)
		if _, err := s.RunHour(ctx, hour); err != nil {
			s.log.WithError(err).WithField("hour", hour).Error("hourly rollup failed")
		}
	}
}

// RunHour aggregates [hourStart, hourStart+1h) and returns the number of tags summarized.
func (s *Scheduler) RunHour(ctx context.Context, hourStart time.Time) (int, error) {
	hourStart = HourStart(hourStart, s.loc)
	rows, err := s.store.HistoryBetween(ctx, hourStart, hourStart.Add(time.Hour))
	if err != nil {
		s.metrics.Rollup(false)
		return 0, fmt.Errorf("load history: %w", err)
	}
	rollups := Aggregate(rows, hourStart, s.loc, s.clock.Now())
	if err := s.store.UpsertHourlyRollups(ctx, rollups); err != nil {
		s.metrics.Rollup(false)
		return 0, fmt.Errorf("write rollups: %w", err)
	}
	s.metrics.Rollup(true)
	s.log.WithFields(logrus.Fields{"hour": hourStart, "tags": len(rollups), "samples": len(rows)}).Info("hourly rollup")
	return len(rollups), nil
}
