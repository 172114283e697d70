package collector

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scada-gateway/internal/clock"
	"scada-gateway/internal/metrics"
	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
	"scada-gateway/internal/sink"
)

const (
	DefaultPollingInterval    = 2 * time.Second
	DefaultReconnectThreshold = 5
	DefaultConnectionName     = "modbus_primary"
)

// Outcome classifies a finished scan cycle.
type Outcome string

const (
	OutcomeSkipped        Outcome = "skipped"
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeTotalFailure   Outcome = "total_failure"
)

// Reader is the protocol side of the engine, satisfied by *Client.
type Reader interface {
	ReadRegister(ctx context.Context, address uint16, fc registry.FunctionCode, dt registry.DataType) (float64, error)
	Reconnect(ctx context.Context) error
}

// TagSet is satisfied by *registry.Registry.
type TagSet interface {
	ReloadIfNeeded(ctx context.Context) (bool, error)
	Tags() []registry.Tag
}

// Persister is satisfied by *sink.Sink. Implementations swallow their own errors.
type Persister interface {
	UpsertReading(ctx context.Context, r model.Reading)
	UpdateOperationalLog(ctx context.Context, tag registry.Tag, value float64, at time.Time)
	UpdateConnectionHealth(ctx context.Context, name string, status sink.HealthStatus)
}

// Publisher fans readings out to subscribers. It is optional.
type Publisher interface {
	PublishReading(tag registry.Tag, r model.Reading)
}

// EngineConfig holds the scan parameters.
type EngineConfig struct {
	ConnectionName     string
	Endpoint           Endpoint
	Interval           time.Duration
	ReconnectThreshold int
}

// Result is the outcome of one tag in one cycle. Err is set when the read failed.
type Result struct {
	Tag    registry.Tag
	Raw    float64
	Scaled float64
	Alarm  registry.AlarmResult
	Err    error
}

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	Started           time.Time
	Duration          time.Duration
	Results           []Result
	Successes         int
	Failures          int
	Outcome           Outcome
	ConsecutiveErrors int
	Reconnected       bool
}

// State is a point-in-time view of the engine for status endpoints.
type State struct {
	Cycles            int64     `json:"cycles"`
	LastCycle         time.Time `json:"last_cycle"`
	LastOutcome       Outcome   `json:"last_outcome"`
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	FailureStreak     int       `json:"failure_streak"`
	LastError         string    `json:"last_error,omitempty"`
}

// Engine runs scan cycles against one connection. Cycles are serialized.
type Engine struct {
	cfg        EngineConfig
	reader     Reader
	tags       TagSet
	persist    Persister
	publishers []Publisher
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        logrus.FieldLogger

	cycleMu sync.Mutex

	mu                sync.Mutex
	consecutiveErrors int
	failureStreak     int
	cycles            int64
	lastCycle         time.Time
	lastOutcome       Outcome
	lastError         string
}

type EngineOption func(*Engine)

func WithEngineClock(c clock.Clock) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher adds a subscriber; it may be given more than once.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.publishers = append(e.publishers, p)
		}
	}
}

func NewEngine(cfg EngineConfig, reader Reader, tags TagSet, persist Persister, log logrus.FieldLogger, opts ...EngineOption) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollingInterval
	}
	if cfg.ReconnectThreshold <= 0 {
		cfg.ReconnectThreshold = DefaultReconnectThreshold
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = DefaultConnectionName
	}
	e := &Engine{
		cfg:     cfg,
		reader:  reader,
		tags:    tags,
		persist: persist,
		clock:   clock.System{},
		log:     log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run scans immediately and then once per interval until ctx is cancelled.
// A cycle that has started finishes its reads and writes even if ctx is
// cancelled meanwhile; no further cycle starts.
func (e *Engine) Run(ctx context.Context) error {
	e.log.WithField("interval", e.cfg.Interval).Info("scan engine started")
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		// select picks randomly when a tick is queued alongside Done.
		if ctx.Err() != nil {
			e.log.Info("scan engine stopped")
			return nil
		}
		e.RunCycle(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// RecordStartup writes the initial health record after the first connect.
func (e *Engine) RecordStartup(ctx context.Context, connected bool, connErr error) {
	ep := e.cfg.Endpoint
	status := sink.HealthStatus{
		ConnectionType:      ptr(ep.ConnectionType()),
		Host:                ptr(ep.Host),
		Port:                ptr(ep.Port),
		SlaveAddress:        ptr(int(ep.SlaveID)),
		IsConnected:         ptr(connected),
		ConsecutiveFailures: ptr(0),
		ErrorMessage:        ptr(""),
	}
	if ep.IsRTU() {
		status.Host = ptr(ep.SerialPort)
		status.Port = ptr(0)
	}
	if connErr != nil {
		status.ErrorMessage = ptr(connErr.Error())
		status.LastFailedRead = ptr(e.clock.Now())
	}
	e.persist.UpdateConnectionHealth(ctx, e.cfg.ConnectionName, status)
}

// RunCycle performs one scan over the current tag snapshot.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	work := context.WithoutCancel(ctx)
	started := e.clock.Now()
	report := CycleReport{Started: started}

	if _, err := e.tags.ReloadIfNeeded(work); err != nil {
		e.log.WithError(err).Warn("tag reload failed, keeping previous set")
	}
	tags := e.tags.Tags()
	if len(tags) == 0 {
		report.Outcome = OutcomeSkipped
		e.log.Debug("no active tags, cycle skipped")
		return report
	}

	report.Results = make([]Result, 0, len(tags))
	var lastErr error
	for _, tag := range tags {
		res := e.scanTag(work, tag)
		report.Results = append(report.Results, res)
		if res.Err != nil {
			report.Failures++
			lastErr = res.Err
		} else {
			report.Successes++
		}
	}

	now := e.clock.Now()
	report.Duration = now.Sub(started)
	report.Outcome = classify(report.Successes, report.Failures)

	e.mu.Lock()
	if report.Successes > 0 {
		e.consecutiveErrors = 0
		e.failureStreak = 0
	} else if report.Failures > 0 {
		e.consecutiveErrors++
		e.failureStreak++
	}
	reconnect := e.consecutiveErrors >= e.cfg.ReconnectThreshold
	if reconnect {
		e.consecutiveErrors = 0
	}
	streak := e.failureStreak
	e.cycles++
	e.lastCycle = now
	e.lastOutcome = report.Outcome
	e.lastError = errString(lastErr)
	report.ConsecutiveErrors = e.consecutiveErrors
	e.mu.Unlock()

	e.persist.UpdateConnectionHealth(work, e.cfg.ConnectionName, e.cycleHealth(report, now, streak, lastErr))
	e.metrics.ObserveCycle(string(report.Outcome), report.Duration)
	e.metrics.SetConsecutiveErrors(report.ConsecutiveErrors)

	fields := logrus.Fields{"ok": report.Successes, "failed": report.Failures, "duration": report.Duration}
	switch report.Outcome {
	case OutcomeSuccess:
		e.log.WithFields(fields).Debug("scan cycle")
	default:
		e.log.WithFields(fields).WithError(lastErr).Warn("scan cycle")
	}

	if reconnect {
		report.Reconnected = true
		e.reconnect(ctx)
	}
	return report
}

func (e *Engine) scanTag(ctx context.Context, tag registry.Tag) Result {
	res := Result{Tag: tag}
	raw, err := e.reader.ReadRegister(ctx, tag.Address, tag.FunctionCode, tag.DataType)
	at := e.clock.Now()
	e.metrics.TagRead(err == nil)

	reading := model.Reading{
		TagMappingID: tag.ID,
		Timestamp:    at,
		ReceivedAt:   at,
	}
	if err != nil {
		res.Err = err
		reading.QualityCode = model.QualityBad
		e.log.WithError(err).WithField("tag", tag.Name).Debug("tag read failed")
	} else {
		res.Raw = raw
		res.Scaled = registry.ScaleValue(raw, tag.ScalingFactor, tag.Offset)
		res.Alarm = registry.CheckAlarms(tag, res.Scaled)
		reading.RawValue = res.Raw
		reading.ScaledValue = res.Scaled
		reading.QualityCode = model.QualityGood
		reading.IsAlarm = res.Alarm.IsAlarm
		if res.Alarm.IsAlarm {
			reading.AlarmType = ptr(string(res.Alarm.Type))
		}
	}

	e.persist.UpsertReading(ctx, reading)
	if err == nil {
		e.persist.UpdateOperationalLog(ctx, tag, res.Scaled, at)
	}
	for _, p := range e.publishers {
		p.PublishReading(tag, reading)
	}
	return res
}

func (e *Engine) cycleHealth(report CycleReport, now time.Time, streak int, lastErr error) sink.HealthStatus {
	status := sink.HealthStatus{
		IsConnected:         ptr(report.Successes > 0),
		ConsecutiveFailures: ptr(streak),
		ErrorMessage:        ptr(errString(lastErr)),
	}
	if report.Successes > 0 {
		status.LastSuccessfulRead = ptr(now)
	}
	if report.Failures > 0 {
		status.LastFailedRead = ptr(now)
	}
	return status
}

func (e *Engine) reconnect(ctx context.Context) {
	e.log.WithField("threshold", e.cfg.ReconnectThreshold).Warn("consecutive failed cycles, reconnecting")
	err := e.reader.Reconnect(ctx)
	e.metrics.Reconnect(err == nil)
	if err != nil {
		e.log.WithError(err).Error("reconnect failed")
		return
	}
	e.log.Info("reconnected")
}

// State returns the engine's current counters.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Cycles:            e.cycles,
		LastCycle:         e.lastCycle,
		LastOutcome:       e.lastOutcome,
		Healthy:           e.consecutiveErrors == 0 && e.failureStreak == 0,
		ConsecutiveErrors: e.consecutiveErrors,
		FailureStreak:     e.failureStreak,
		LastError:         e.lastError,
	}
}

func classify(successes, failures int) Outcome {
	switch {
	case failures == 0:
		return OutcomeSuccess
	case successes == 0:
		return OutcomeTotalFailure
	default:
		return OutcomePartialFailure
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func ptr[T any](v T) *T { return &v }
