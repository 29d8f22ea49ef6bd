package saga

import (
	"context"
	"log/slog"
	"time"
)

// OutcomeEvent is published to downstream collaborators when an execution
// reaches a terminal status.
type OutcomeEvent struct {
	ExecutionID string             `json:"execution_id"`
	ThreadID    string             `json:"thread_id,omitempty"`
	WorkflowID  string             `json:"workflow_id"`
	Status      Status             `json:"status"`
	Outcome     *AggregatedOutcome `json:"outcome,omitempty"`
	EndTime     time.Time          `json:"end_time"`
}

// OutcomePublisher is the explicit outbound-event interface injected into
// the engine. It decouples the core from any specific transport: wire it to
// a message broker, a notification layer, or a test channel.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event *OutcomeEvent) error
}

// NullOutcomePublisher is a no-op implementation.
type NullOutcomePublisher struct{}

func NewNullOutcomePublisher() *NullOutcomePublisher {
	return &NullOutcomePublisher{}
}

func (p *NullOutcomePublisher) PublishOutcome(ctx context.Context, event *OutcomeEvent) error {
	return nil
}

// ChannelOutcomePublisher delivers events to a buffered channel. When the
// buffer is full the event is dropped rather than blocking the engine.
type ChannelOutcomePublisher struct {
	events chan *OutcomeEvent
}

func NewChannelOutcomePublisher(buffer int) *ChannelOutcomePublisher {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelOutcomePublisher{events: make(chan *OutcomeEvent, buffer)}
}

// Events returns the channel outcome events are delivered on.
func (p *ChannelOutcomePublisher) Events() <-chan *OutcomeEvent {
	return p.events
}

func (p *ChannelOutcomePublisher) PublishOutcome(ctx context.Context, event *OutcomeEvent) error {
	select {
	case p.events <- event:
		return nil
	default:
		return nil
	}
}

// LogOutcomePublisher logs terminal outcomes with slog.
type LogOutcomePublisher struct {
	logger *slog.Logger
}

func NewLogOutcomePublisher(logger *slog.Logger) *LogOutcomePublisher {
	return &LogOutcomePublisher{logger: logger}
}

func (p *LogOutcomePublisher) PublishOutcome(ctx context.Context, event *OutcomeEvent) error {
	attrs := []any{
		"execution_id", event.ExecutionID,
		"workflow_id", event.WorkflowID,
		"status", event.Status,
	}
	if event.Outcome != nil {
		attrs = append(attrs,
			"primary_category", event.Outcome.Primary.Category,
			"primary_confidence", event.Outcome.Primary.Confidence,
			"conflict", event.Outcome.ConflictFlag)
	}
	p.logger.Info("execution outcome", attrs...)
	return nil
}
