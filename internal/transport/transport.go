// Package transport ships span events and commit history to the backend
// over NATS.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/config"
	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/writer"
)

// PayloadVersion is stamped on every published payload.
const PayloadVersion = 1

const defaultFlushTimeout = 5 * time.Second

// Connect dials the configured NATS server. Reconnects are logged.
func Connect(cfg config.TransportConfig, logger *logging.Logger) (*nats.Conn, error) {
	logger = logging.OrNop(logger).Named("transport")

	opts := []nats.Option{
		nats.Name("testvis"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if d := cfg.ConnectTimeout.Duration(); d > 0 {
		opts = append(opts, nats.Timeout(d))
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.NATSURL, err)
	}
	return nc, nil
}

type eventPayload struct {
	Version int          `json:"version"`
	Events  []span.Event `json:"events"`
}

// NATSDeliverer publishes event batches to a subject, split into chunks of
// at most maxBatch events.
type NATSDeliverer struct {
	nc       *nats.Conn
	subject  string
	maxBatch int
}

var _ writer.Deliverer[span.Event] = (*NATSDeliverer)(nil)

// NewNATSDeliverer creates a deliverer. A non-positive maxBatch sends each
// batch as one message.
func NewNATSDeliverer(nc *nats.Conn, subject string, maxBatch int) *NATSDeliverer {
	return &NATSDeliverer{nc: nc, subject: subject, maxBatch: maxBatch}
}

// Deliver implements writer.Deliverer. Encoding failures are client errors;
// publish and flush failures are server errors and widen the writer's
// interval.
func (d *NATSDeliverer) Deliver(ctx context.Context, batch []span.Event) []writer.Outcome {
	var outcomes []writer.Outcome
	published := 0

	for _, chunk := range chunks(batch, d.maxBatch) {
		data, err := json.Marshal(eventPayload{Version: PayloadVersion, Events: chunk})
		if err != nil {
			outcomes = append(outcomes, writer.Outcome{Err: fmt.Errorf("encoding events: %w", err)})
			continue
		}
		if err := d.nc.Publish(d.subject, data); err != nil {
			outcomes = append(outcomes, writer.Outcome{
				Err:         fmt.Errorf("publishing to %s: %w", d.subject, err),
				ServerError: true,
			})
			continue
		}
		published++
	}

	if published > 0 {
		if err := flush(ctx, d.nc); err != nil {
			outcomes = append(outcomes, writer.Outcome{Err: err, ServerError: true})
		}
	}
	return outcomes
}

func chunks(batch []span.Event, size int) [][]span.Event {
	if size <= 0 || len(batch) <= size {
		return [][]span.Event{batch}
	}
	out := make([][]span.Event, 0, (len(batch)+size-1)/size)
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		out = append(out, batch[start:end])
	}
	return out
}

// flush waits for the server to acknowledge what was published. NATS needs
// a deadline on the context.
func flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing nats connection: %w", err)
	}
	return nil
}

type commitPayload struct {
	Version       int      `json:"version"`
	RepositoryURL string   `json:"repository_url"`
	Commits       []string `json:"commits"`
}

// CommitPublisher implements gitmeta.Uploader over NATS.
type CommitPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewCommitPublisher publishes commit lists to subject.
func NewCommitPublisher(nc *nats.Conn, subject string) *CommitPublisher {
	return &CommitPublisher{nc: nc, subject: subject}
}

// UploadCommits implements gitmeta.Uploader.
func (p *CommitPublisher) UploadCommits(ctx context.Context, repositoryURL string, shas []string) error {
	data, err := json.Marshal(commitPayload{
		Version:       PayloadVersion,
		RepositoryURL: repositoryURL,
		Commits:       shas,
	})
	if err != nil {
		return fmt.Errorf("encoding commits: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.subject, err)
	}
	return flush(ctx, p.nc)
}
