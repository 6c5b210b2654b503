package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/writer"
)

// LogDeliverer writes events to the logger at debug level. It is used when
// no transport is configured and never fails.
type LogDeliverer struct {
	logger *logging.Logger
}

var _ writer.Deliverer[span.Event] = (*LogDeliverer)(nil)

// NewLogDeliverer creates a deliverer logging through logger.
func NewLogDeliverer(logger *logging.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logging.OrNop(logger).Named("events")}
}

// Deliver implements writer.Deliverer.
func (d *LogDeliverer) Deliver(ctx context.Context, batch []span.Event) []writer.Outcome {
	for _, ev := range batch {
		d.logger.Debug(ctx, "span finished",
			zap.String("type", string(ev.Type)),
			zap.String("name", ev.Name),
			zap.String("status", string(ev.Status)),
			zap.Duration("duration", ev.Duration))
	}
	return nil
}
