// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package learning

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/metrics"
)

const topicOutcomes = "learning.outcomes"

// Handler consumes learning events. Handle errors are logged and counted but
// never redelivered; learning is lossy by design and a handler must tolerate
// missing events.
type Handler interface {
	Name() string
	EventTypes() []EventType
	Handle(ctx context.Context, event Event) error
}

// Config tunes the learning bus.
type Config struct {
	// QueueSize bounds the publish intake. When full, TryPublish drops.
	QueueSize int `koanf:"queue_size" validate:"min=1"`

	// OutputBuffer is the per-subscriber channel depth inside the pub/sub.
	OutputBuffer int64 `koanf:"output_buffer"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		OutputBuffer: 256,
	}
}

// Bus is the bounded in-process learning bus: a non-blocking intake channel
// drained by a pump goroutine into a fan-out pub/sub, one subscription per
// handler. Implements suture.Service via Serve.
type Bus struct {
	cfg      Config
	pubsub   *gochannel.GoChannel
	intake   chan Event
	handlers []Handler
}

// NewBus creates a bus that will dispatch to the given handlers once served.
func NewBus(cfg Config, handlers ...Handler) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.OutputBuffer,
	}, watermillLogger{})

	return &Bus{
		cfg:      cfg,
		pubsub:   pubsub,
		intake:   make(chan Event, cfg.QueueSize),
		handlers: handlers,
	}
}

// TryPublish enqueues an event without blocking. Returns false when the
// intake is full; the event is dropped and counted. The hot path calls this
// and must never wait on learning.
func (b *Bus) TryPublish(event Event) bool {
	select {
	case b.intake <- event:
		return true
	default:
		metrics.LearningEventsDropped.Inc()
		return false
	}
}

// Serve subscribes every handler and pumps the intake into the pub/sub until
// ctx is cancelled. Intended to run under supervision.
func (b *Bus) Serve(ctx context.Context) error {
	for _, h := range b.handlers {
		messages, err := b.pubsub.Subscribe(ctx, topicOutcomes)
		if err != nil {
			return fmt.Errorf("subscribe handler %s: %w", h.Name(), err)
		}
		go b.consume(ctx, h, messages)
	}

	logging.Info().Int("handlers", len(b.handlers)).Int("queue_size", b.cfg.QueueSize).Msg("learning bus started")

	for {
		select {
		case <-ctx.Done():
			if err := b.pubsub.Close(); err != nil {
				logging.Warn().Err(err).Msg("learning bus close failed")
			}
			return ctx.Err()

		case event := <-b.intake:
			payload, err := json.Marshal(event)
			if err != nil {
				logging.Error().Err(err).Str("event_id", event.ID).Msg("learning event encode failed")
				continue
			}
			if err := b.pubsub.Publish(topicOutcomes, message.NewMessage(event.ID, payload)); err != nil {
				logging.Warn().Err(err).Str("event_id", event.ID).Msg("learning event publish failed")
			}
		}
	}
}

// consume drains one handler's subscription. Every message is acked exactly
// once regardless of handler outcome; there is no retry.
func (b *Bus) consume(ctx context.Context, h Handler, messages <-chan *message.Message) {
	wanted := make(map[EventType]bool, len(h.EventTypes()))
	for _, t := range h.EventTypes() {
		wanted[t] = true
	}

	for msg := range messages {
		var event Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			logging.Error().Err(err).Str("handler", h.Name()).Msg("learning event decode failed")
			msg.Ack()
			continue
		}

		if wanted[event.Type] {
			if err := h.Handle(ctx, event); err != nil {
				metrics.HandlerErrors.WithLabelValues(h.Name()).Inc()
				logging.Warn().Err(err).
					Str("handler", h.Name()).
					Str("event_id", event.ID).
					Str("event_type", string(event.Type)).
					Msg("learning handler failed")
			}
		}
		msg.Ack()
	}
}

// watermillLogger bridges watermill's internal logging onto zerolog.
type watermillLogger struct {
	fields watermill.LogFields
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(map[string]interface{}(l.merged(fields))).Msg(msg)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.merged(fields))).Msg(msg)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.merged(fields))).Msg(msg)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.merged(fields))).Msg(msg)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{fields: l.merged(fields)}
}

func (l watermillLogger) merged(fields watermill.LogFields) watermill.LogFields {
	if len(l.fields) == 0 {
		return fields
	}
	return l.fields.Add(fields)
}
