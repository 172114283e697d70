// Package publish fans readings out over NATS for live consumers.
package publish

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
)

const (
	KindReadings = "readings"
	KindAlarms   = "alarms"

	clientName = "scada-gateway"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Message is the payload of both reading and alarm subjects.
type Message struct {
	TagID       string    `json:"tag_id"`
	TagName     string    `json:"tag_name"`
	Unit        string    `json:"unit,omitempty"`
	RawValue    float64   `json:"raw_value"`
	ScaledValue float64   `json:"scaled_value"`
	QualityCode int       `json:"quality_code"`
	IsAlarm     bool      `json:"is_alarm"`
	AlarmType   *string   `json:"alarm_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher writes one message per reading, plus one per alarm. Publish
// failures are logged; nats buffers while reconnecting.
type Publisher struct {
	conn   Conn
	prefix string
	log    logrus.FieldLogger
}

// Connect dials url with unlimited reconnects.
func Connect(url, prefix string, log logrus.FieldLogger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return New(conn, prefix, log), nil
}

func New(conn Conn, prefix string, log logrus.FieldLogger) *Publisher {
	if prefix == "" {
		prefix = "scada"
	}
	return &Publisher{conn: conn, prefix: prefix, log: log}
}

// SubjectFor builds <prefix>.<kind>.<tag>, replacing characters that are not
// valid inside a subject token.
func SubjectFor(prefix, kind, tagName string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, tagName)
	if token == "" {
		token = "_"
	}
	return prefix + "." + kind + "." + token
}

func (p *Publisher) PublishReading(tag registry.Tag, r model.Reading) {
	msg := Message{
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
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.WithError(err).Warn("encode reading")
		return
	}
	p.send(SubjectFor(p.prefix, KindReadings, tag.Name), data)
	if r.IsAlarm {
		p.send(SubjectFor(p.prefix, KindAlarms, tag.Name), data)
	}
}

func (p *Publisher) send(subject string, data []byte) {
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("nats publish")
	}
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
