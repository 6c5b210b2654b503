package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/async"
	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/span"
)

const tracerName = "github.com/fyrsmithlabs/testvis/internal/orchestrator"

// Orchestrator fans subsystem configuration out over background tasks.
type Orchestrator struct {
	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *metrics
	progress ProgressCallback
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracerProvider sets the provider used for configure spans. Defaults
// to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// OnProgress sets a callback invoked as each subsystem finishes, or at the
// deadline for a subsystem still running. A subsystem reported as pending is
// not reported again when it finishes later.
func OnProgress(cb ProgressCallback) Option {
	return func(o *Orchestrator) { o.progress = cb }
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{metrics: newMetrics()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).Named("orchestrator")
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// Configure starts every subsystem concurrently and waits for them until
// deadline has elapsed in total. A non-positive deadline waits for all of
// them. Configure never fails: slow subsystems are returned as pending and
// keep running in the background.
func (o *Orchestrator) Configure(ctx context.Context, settings *remote.Settings, session *span.Session, deadline time.Duration, subsystems ...Subsystem) Result {
	start := time.Now()
	ctx, sp := o.tracer.Start(ctx, "orchestrator.configure", trace.WithAttributes(
		attribute.Int("subsystems", len(subsystems)),
		attribute.Int64("deadline_ms", deadline.Milliseconds()),
	))
	defer sp.End()

	if settings == nil {
		settings = remote.Defaults()
	}

	// Subsystems may outlive this call; detach them from the span's end but
	// keep the caller's values.
	runCtx := context.WithoutCancel(ctx)

	// Whoever claims a subsystem first, its task or the deadline, reports it.
	claims := make([]*atomic.Bool, len(subsystems))
	tasks := make([]*async.Task, len(subsystems))
	for i, sub := range subsystems {
		claim := &atomic.Bool{}
		claims[i] = claim
		tasks[i] = async.Go("configure-"+sub.Name(), func() {
			o.run(runCtx, sub, settings, session, claim)
		}, async.WithLogger(o.logger))
	}

	var res Result
	due := start.Add(deadline)
	for i, task := range tasks {
		name := subsystems[i].Name()
		if o.join(task, deadline, due) || !claims[i].CompareAndSwap(false, true) {
			res.Completed = append(res.Completed, name)
			continue
		}
		res.Pending = append(res.Pending, name)
		o.metrics.outcomes.WithLabelValues(name, string(OutcomePending)).Inc()
		o.report(Progress{Subsystem: name, Outcome: OutcomePending, Elapsed: time.Since(start)})
	}
	res.Elapsed = time.Since(start)

	o.metrics.duration.Observe(res.Elapsed.Seconds())
	sp.SetAttributes(
		attribute.Int("completed", len(res.Completed)),
		attribute.Int("pending", len(res.Pending)),
	)
	if len(res.Pending) > 0 {
		sp.SetStatus(codes.Error, "deadline exceeded")
		o.logger.Warn(ctx, "subsystems still configuring at deadline",
			zap.Strings("pending", res.Pending),
			zap.Duration("deadline", deadline))
	} else {
		o.logger.Debug(ctx, "subsystems configured",
			zap.Int("count", len(res.Completed)),
			zap.Duration("elapsed", res.Elapsed))
	}
	return res
}

// join waits for task within whatever is left until due.
func (o *Orchestrator) join(task *async.Task, deadline time.Duration, due time.Time) bool {
	if deadline <= 0 {
		return task.Join(0)
	}
	remaining := time.Until(due)
	if remaining <= 0 {
		select {
		case <-task.Done():
			return true
		default:
			return false
		}
	}
	return task.Join(remaining)
}

func (o *Orchestrator) run(ctx context.Context, sub Subsystem, settings *remote.Settings, session *span.Session, claim *atomic.Bool) {
	name := sub.Name()
	start := time.Now()
	outcome := OutcomePanic
	var err error

	// Runs while a panic unwinds too; async.Task recovers and logs it.
	defer func() {
		if !claim.CompareAndSwap(false, true) {
			o.logger.Debug(ctx, "subsystem finished after deadline",
				zap.String("subsystem", name),
				zap.String("outcome", string(outcome)))
			return
		}
		o.metrics.outcomes.WithLabelValues(name, string(outcome)).Inc()
		o.report(Progress{Subsystem: name, Outcome: outcome, Err: err, Elapsed: time.Since(start)})
	}()

	err = sub.Configure(ctx, settings, session)
	if err != nil {
		outcome = OutcomeError
		o.logger.Error(ctx, "subsystem configuration failed",
			zap.String("subsystem", name),
			zap.Error(err))
		return
	}
	outcome = OutcomeOK
	o.logger.Debug(ctx, "subsystem configured",
		zap.String("subsystem", name),
		zap.Duration("elapsed", time.Since(start)))
}

func (o *Orchestrator) report(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}
