// Package events delivers domain events produced by the billing aggregates to
// in-process subscribers such as the audit log.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/medpractice/billing/internal/platform/db"
)

// Metadata keys set on every published message.
const (
	MetaEventName   = "event_name"
	MetaAggregateID = "aggregate_id"
	MetaOccurredAt  = "occurred_at"
	MetaTenantID    = "tenant_id"
)

// Event is a domain fact ready for delivery.
type Event interface {
	EventName() string
	AggregateID() uuid.UUID
	OccurredOn() time.Time
}

// Publisher delivers events after the producing unit of work commits.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// WatermillPublisher publishes events as JSON messages on a single topic.
type WatermillPublisher struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	logger zerolog.Logger
}

// NewGoChannel builds an in-process publisher backed by watermill's gochannel.
func NewGoChannel(topic string, logger zerolog.Logger) *WatermillPublisher {
	ch := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewWatermillLogger(logger),
	)
	return &WatermillPublisher{pub: ch, sub: ch, topic: topic, logger: logger}
}

// NewMessage encodes evt as a watermill message with a ULID message id.
func NewMessage(ctx context.Context, evt Event) (*message.Message, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", evt.EventName())
	}
	msg := message.NewMessage(ulid.Make().String(), payload)
	msg.Metadata.Set(MetaEventName, evt.EventName())
	msg.Metadata.Set(MetaAggregateID, evt.AggregateID().String())
	msg.Metadata.Set(MetaOccurredAt, evt.OccurredOn().UTC().Format(time.RFC3339Nano))
	if tenant := db.TenantFromContext(ctx); tenant != "" {
		msg.Metadata.Set(MetaTenantID, tenant)
	}
	msg.SetContext(ctx)
	return msg, nil
}

func (p *WatermillPublisher) Publish(ctx context.Context, evt Event) error {
	msg, err := NewMessage(ctx, evt)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", evt.EventName())
	}
	p.logger.Debug().
		Str("event", evt.EventName()).
		Str("aggregate_id", evt.AggregateID().String()).
		Str("message_id", msg.UUID).
		Msg("event published")
	return nil
}

// Subscribe returns the message stream of the publisher's topic.
func (p *WatermillPublisher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return p.sub.Subscribe(ctx, p.topic)
}

func (p *WatermillPublisher) Close() error {
	return p.pub.Close()
}

// AuditLog logs every message on the topic until ctx is done.
func AuditLog(ctx context.Context, p *WatermillPublisher, logger zerolog.Logger) error {
	msgs, err := p.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribe audit log")
	}
	go func() {
		for msg := range msgs {
			logger.Info().
				Str("message_id", msg.UUID).
				Str("event", msg.Metadata.Get(MetaEventName)).
				Str("aggregate_id", msg.Metadata.Get(MetaAggregateID)).
				Str("tenant_id", msg.Metadata.Get(MetaTenantID)).
				RawJSON("payload", msg.Payload).
				Msg("billing event")
			msg.Ack()
		}
	}()
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a snapshot of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the names of the recorded events in publish order.
func (r *Recorder) Names() []string {
	evs := r.Events()
	names := make([]string, len(evs))
	for i, e := range evs {
		names[i] = e.EventName()
	}
	return names
}

// watermillLogger adapts zerolog to watermill.LoggerAdapter.
type watermillLogger struct {
	logger zerolog.Logger
}

func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{logger: logger.With().Str("component", "watermill").Logger()}
}

func withFields(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	return e.Fields(map[string]interface{}(fields))
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	withFields(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	withFields(l.logger.Info(), fields).Msg(msg)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	withFields(l.logger.Debug(), fields).Msg(msg)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	withFields(l.logger.Trace(), fields).Msg(msg)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{logger: l.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
