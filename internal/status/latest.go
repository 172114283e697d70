package status

import (
	"sort"
	"sync"
	"time"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
)

// DefaultLatestTTL bounds how long a tag that stopped reporting stays visible.
const DefaultLatestTTL = time.Hour

// LatestReading is one row of the /readings endpoint.
type LatestReading struct {
	TagID       string    `json:"tag_mapping_id"`
	TagName     string    `json:"tag_name"`
	Unit        string    `json:"unit,omitempty"`
	RawValue    float64   `json:"raw_value"`
	ScaledValue float64   `json:"scaled_value"`
	QualityCode int       `json:"quality_code"`
	IsAlarm     bool      `json:"is_alarm"`
	AlarmType   *string   `json:"alarm_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Latest is an in-memory TTL cache of the newest reading per tag. It is fed
// by the scan engine as a publisher.
type Latest struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock clock.Clock
	data  map[string]latestEntry
}

type latestEntry struct {
	r  LatestReading
	at time.Time
}

// NewLatest creates the cache. ttl <= 0 means DefaultLatestTTL; a nil clock means wall time.
func NewLatest(ttl time.Duration, c clock.Clock) *Latest {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	if c == nil {
		c = clock.System{}
	}
	return &Latest{ttl: ttl, clock: c, data: make(map[string]latestEntry, 64)}
}

func (l *Latest) PublishReading(tag registry.Tag, r model.Reading) {
	row := LatestReading{
		TagID:       tag.ID,
		TagName:     tag.Name,
		Unit:        tag.Unit,
		RawValue:    r.RawValue,
		ScaledValue: r.ScaledValue,
		QualityCode: r.QualityCode,
		IsAlarm:     r.IsAlarm,
		AlarmType:   r.AlarmType,
		Timestamp:   r.Timestamp.UTC(),
	}
	l.mu.Lock()
	l.data[tag.ID] = latestEntry{r: row, at: l.clock.Now()}
	l.mu.Unlock()
}

// Get returns the cached reading for a tag id if it has not expired.
func (l *Latest) Get(tagID string) (LatestReading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.data[tagID]
	if !ok {
		return LatestReading{}, false
	}
	if l.clock.Now().Sub(e.at) > l.ttl {
		delete(l.data, tagID)
		return LatestReading{}, false
	}
	return e.r, true
}

// Snapshot returns every live reading ordered by tag name, evicting expired ones.
func (l *Latest) Snapshot() []LatestReading {
	now := l.clock.Now()
	l.mu.Lock()
	out := make([]LatestReading, 0, len(l.data))
	for id, e := range l.data {
		if now.Sub(e.at) > l.ttl {
			delete(l.data, id)
			continue
		}
		out = append(out, e.r)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TagName != out[j].TagName {
			return out[i].TagName < out[j].TagName
		}
		return out[i].TagID < out[j].TagID
	})
	return out
}
