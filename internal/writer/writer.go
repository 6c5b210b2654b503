package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/emirpasic/gods/queues/circularbuffer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/testvis/internal/async"
	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/procid"
)

const (
	DefaultFlushInterval     = time.Second
	DefaultMaxInterval       = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBufferSize        = 10000
)

// State is the lifecycle stage of a Writer.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Writer. Zero values take the package defaults.
type Config struct {
	// Name labels metrics and logs.
	Name string

	FlushInterval     time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	BufferSize        int

	// Process identifies the running process for fork detection. Defaults
	// to procid.OS.
	Process procid.Provider
	Logger  *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "events"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.FlushInterval {
		c.MaxInterval = c.FlushInterval
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Writer buffers events and delivers them from a background loop. Write is
// safe for concurrent use and never blocks on delivery.
type Writer[E any] struct {
	cfg       Config
	deliverer Deliverer[E]
	logger    *logging.Logger
	tracker   *procid.Tracker
	metrics   *metrics
	dropLog   *rate.Limiter

	mu    sync.Mutex
	state State
	gen   *generation
}

// generation is one incarnation of the buffer and its loop. A fork replaces
// the whole generation.
type generation struct {
	buf *circularbuffer.Queue // guarded by Writer.mu

	task     *async.Task
	stop     chan struct{}
	stopOnce sync.Once
	force    atomic.Bool

	// interval and backoff are written only by the loop.
	interval atomic.Int64
	backoff  *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle writer delivering through d.
func New[E any](d Deliverer[E], cfg Config) *Writer[E] {
	cfg.applyDefaults()
	w := &Writer[E]{
		cfg:       cfg,
		deliverer: d,
		logger:    logging.OrNop(cfg.Logger).Named("writer").With(zap.String("writer", cfg.Name)),
		tracker:   procid.NewTracker(cfg.Process),
		metrics:   newMetrics(),
		dropLog:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	w.gen = w.newGeneration()
	return w
}

func (w *Writer[E]) newGeneration() *generation {
	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		buf:    circularbuffer.New(w.cfg.BufferSize),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		backoff: &backoff.ExponentialBackOff{
			// NextBackOff returns InitialInterval first, so start one step
			// above the base.
			InitialInterval:     time.Duration(float64(w.cfg.FlushInterval) * w.cfg.BackoffMultiplier),
			RandomizationFactor: 0,
			Multiplier:          w.cfg.BackoffMultiplier,
			MaxInterval:         w.cfg.MaxInterval,
		},
	}
	g.backoff.Reset()
	g.interval.Store(int64(w.cfg.FlushInterval))
	w.metrics.interval.WithLabelValues(w.cfg.Name).Set(w.cfg.FlushInterval.Seconds())
	return g
}

func (g *generation) signalStop(force bool) {
	if force {
		g.force.Store(true)
	}
	g.stopOnce.Do(func() { close(g.stop) })
}

// Write buffers e. It is a no-op once the writer is stopped. The first
// write starts the flush loop.
func (w *Writer[E]) Write(e E) {
	w.mu.Lock()
	if w.state == Stopped {
		w.mu.Unlock()
		return
	}
	if w.tracker.Forked() {
		w.resetLocked()
	}

	g := w.gen
	evicted := false
	if g.buf.Full() {
		g.buf.Dequeue()
		evicted = true
	}
	g.buf.Enqueue(e)
	if w.state == Idle {
		w.startLocked()
	}
	w.mu.Unlock()

	w.metrics.written.WithLabelValues(w.cfg.Name).Inc()
	if evicted {
		w.metrics.dropped.WithLabelValues(w.cfg.Name, "overflow").Inc()
		if w.dropLog.Allow() {
			w.logger.Warn(context.Background(), "event buffer full, dropping oldest events",
				zap.Int("capacity", w.cfg.BufferSize))
		}
	}
}

// resetLocked abandons the inherited generation. The parent process owns
// its events; the child starts empty with a loop of its own.
func (w *Writer[E]) resetLocked() {
	old := w.gen
	discarded := old.buf.Size()
	old.buf.Clear()
	old.signalStop(true)
	old.cancel()

	w.gen = w.newGeneration()
	w.state = Idle

	if discarded > 0 {
		w.metrics.dropped.WithLabelValues(w.cfg.Name, "fork").Add(float64(discarded))
	}
	w.logger.Info(context.Background(), "process fork detected, event buffer reset",
		zap.Int("pid", w.tracker.Owner()),
		zap.Int("discarded", discarded))
}

func (w *Writer[E]) startLocked() {
	g := w.gen
	g.task = async.Go("writer-"+w.cfg.Name, func() { w.loop(g) }, async.WithLogger(w.logger))
	w.state = Running
}

func (w *Writer[E]) loop(g *generation) {
	defer g.cancel()

	timer := time.NewTimer(time.Duration(g.interval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-g.stop:
			if !g.force.Load() {
				w.flush(g)
			}
			return
		case <-timer.C:
			w.flush(g)
			timer.Reset(time.Duration(g.interval.Load()))
		}
	}
}

func (w *Writer[E]) drain(g *generation) []E {
	w.mu.Lock()
	defer w.mu.Unlock()

	if g.buf.Empty() {
		return nil
	}
	values := g.buf.Values()
	g.buf.Clear()

	batch := make([]E, 0, len(values))
	for _, v := range values {
		batch = append(batch, v.(E))
	}
	return batch
}

func (w *Writer[E]) flush(g *generation) {
	batch := w.drain(g)
	if len(batch) == 0 {
		return
	}

	outcomes := w.deliverer.Deliver(g.ctx, batch)
	w.metrics.delivered.WithLabelValues(w.cfg.Name).Add(float64(len(batch)))

	serverError := false
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		kind := "client"
		if o.ServerError {
			kind = "server"
			serverError = true
		}
		w.metrics.failures.WithLabelValues(w.cfg.Name, kind).Inc()
		w.logger.Warn(g.ctx, "event delivery failed",
			zap.Error(o.Err),
			zap.Bool("server_error", o.ServerError),
			zap.Int("batch", len(batch)))
	}

	next := w.cfg.FlushInterval
	if serverError {
		next = g.backoff.NextBackOff()
		if next == backoff.Stop || next > w.cfg.MaxInterval {
			next = w.cfg.MaxInterval
		}
	} else {
		g.backoff.Reset()
	}
	if prev := time.Duration(g.interval.Swap(int64(next))); prev != next {
		w.logger.Debug(g.ctx, "flush interval changed",
			zap.Duration("from", prev),
			zap.Duration("to", next))
	}
	w.metrics.interval.WithLabelValues(w.cfg.Name).Set(next.Seconds())
}

// Stop ends the writer. Without force the loop delivers everything buffered
// before exiting; with force the buffer is discarded. Stop waits up to
// timeout for the loop and reports whether it exited; the loop is never
// interrupted. A stopped writer cannot be restarted.
func (w *Writer[E]) Stop(force bool, timeout time.Duration) bool {
	w.mu.Lock()
	prev := w.state
	w.state = Stopped
	g := w.gen
	discarded := 0
	if force {
		discarded = g.buf.Size()
		g.buf.Clear()
	}
	w.mu.Unlock()

	if discarded > 0 {
		w.metrics.dropped.WithLabelValues(w.cfg.Name, "forced_stop").Add(float64(discarded))
	}
	if g.task == nil {
		return true
	}
	if prev != Stopped {
		g.signalStop(force)
	}
	finished := g.task.Join(timeout)
	if !finished {
		w.logger.Warn(context.Background(), "writer did not stop in time",
			zap.Duration("timeout", timeout))
	}
	return finished
}

// State returns the lifecycle stage.
func (w *Writer[E]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Interval returns the current flush interval, including backoff.
func (w *Writer[E]) Interval() time.Duration {
	w.mu.Lock()
	g := w.gen
	w.mu.Unlock()
	return time.Duration(g.interval.Load())
}

// Len returns the number of buffered events.
func (w *Writer[E]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen.buf.Size()
}
