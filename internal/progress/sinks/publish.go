package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/progress"
	"github.com/JakeFAU/streamq/internal/streaming"
)

// Publisher pushes payloads to a topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublishSink forwards lifecycle events to a message topic. Idle events are
// skipped unless IncludeIdle is set.
type PublishSink struct {
	pub         Publisher
	topic       string
	includeIdle bool
	logger      *zap.Logger
}

// PublishConfig configures a PublishSink.
type PublishConfig struct {
	Topic       string
	IncludeIdle bool
}

// NewPublishSink constructs a PublishSink.
func NewPublishSink(pub Publisher, cfg PublishConfig, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: cfg.Topic, includeIdle: cfg.IncludeIdle, logger: logger}
}

// Consume publishes every event of the batch and joins the failures.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Kind == streaming.KindIdle && !s.includeIdle {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for run %s: %w", evt.Kind, evt.RunID, err))
			continue
		}
		s.logger.Debug("query event published",
			zap.String("kind", string(evt.Kind)),
			zap.Stringer("run_id", evt.RunID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
