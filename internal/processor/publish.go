package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Publish hands each batch notice to a message topic so downstream
// consumers process it asynchronously.
type Publish struct {
	publisher harvest.Publisher
	topic     string
	clock     harvest.Clock
	logger    *zap.Logger
}

// NewPublish builds the processor.
func NewPublish(publisher harvest.Publisher, topic string, clock harvest.Clock, logger *zap.Logger) (*Publish, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publish{publisher: publisher, topic: topic, clock: clock, logger: logger}, nil
}

// Run publishes the notice and waits for the broker acknowledgement.
func (p *Publish) Run(ctx context.Context, notice harvest.ProcessorNotice) harvest.ProcessorOutcome {
	start := p.clock.Now()
	id, err := p.publisher.Publish(ctx, p.topic, notice)
	outcome := harvest.ProcessorOutcome{Duration: p.clock.Now().Sub(start)}
	if err != nil {
		outcome.Err = fmt.Errorf("publish batch notice: %w", err)
		return outcome
	}
	p.logger.Debug("batch notice published", zap.String("message_id", id), zap.Int("batch", notice.Batch))
	outcome.OK = true
	outcome.Detail = "message " + id
	return outcome
}
