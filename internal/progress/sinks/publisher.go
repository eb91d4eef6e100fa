package sinks

import (
	"context"
	"fmt"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/progress"
)

// PublisherSink forwards progress events to the downstream publisher so
// external consumers (dashboards, the job-submitting service) can follow
// runs without polling the status API.
type PublisherSink struct {
	publisher arena.Publisher
	topic     string
}

// NewPublisherSink binds a publisher and topic to the sink interface.
func NewPublisherSink(publisher arena.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes each event in the batch. A single publish failure stops
// the batch; the hub logs it and moves on, events are best-effort.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish progress event: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
