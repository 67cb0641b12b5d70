// Package engine assembles a complete replication from configuration: the
// source and target stores, the event sink, the synchronizers and the
// reconciliation loop. It owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/internal/replication"
	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/events"
	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// StrategyDelta runs a single reconciliation pass through Sync.
const StrategyDelta = metrics.StrategyDelta

// ErrTickInProgress is returned by a delta Sync that found a reconciliation
// tick already running. Nothing was written.
var ErrTickInProgress = syncerrors.New(syncerrors.ErrorTypeInternal, "delta sync skipped: a reconciliation tick is already running")

// Engine runs one source to target replication.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	source store.Store
	target store.Store
	owned  bool

	sink       *events.Sink
	replicator *replication.Replicator
	loop       *replication.Loop

	// cursor of the last paginated run, kept so an aborted run resumes
	mu     sync.Mutex
	cursor replication.Cursor
	cancel context.CancelFunc
	done   chan struct{}
	// stopPending records a Stop that arrived while Run was not active
	stopPending bool

	tracer    trace.Tracer
	publisher events.Publisher
	observer  func(replication.TickResult)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer wraps both stores in tracing spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithPublisher forwards every written record to p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTickObserver is called after every reconciliation tick.
func WithTickObserver(fn func(replication.TickResult)) Option {
	return func(e *Engine) { e.observer = fn }
}

// New builds an engine over already opened stores. The stores should share
// one store.Clock. Close does not close them.
func New(cfg *config.Config, source, target store.Store, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid configuration")
	}
	if source == nil || target == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "source and target stores are required")
	}

	e := &Engine{
		cfg:    cfg,
		logger: zap.NewNop(),
		cursor: replication.NewCursor(cfg.Sync.PageSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"), zap.String("replication", cfg.Name))

	policy := store.NewRetryPolicy(cfg.Reliability)
	e.source = store.WithTracing(store.WithRetry(source, policy, e.logger), e.tracer, cfg.Source.Driver, "source")
	e.target = store.WithTracing(store.WithRetry(target, policy, e.logger), e.tracer, cfg.Target.Driver, "target")

	var sinkOpts []events.Option
	if e.publisher != nil {
		sinkOpts = append(sinkOpts, events.WithPublisher(e.publisher))
	}
	e.sink = events.NewSink(e.logger, sinkOpts...)

	e.replicator = replication.New(e.source, e.target, e.sink,
		replication.WithWorkers(cfg.Sync.GetWorkers()),
		replication.WithLogger(e.logger),
	)

	loopOpts := []replication.LoopOption{
		replication.WithScanPageSize(cfg.Sync.ScanPageSize),
		replication.WithLoopLogger(e.logger),
	}
	if e.observer != nil {
		loopOpts = append(loopOpts, replication.WithTickObserver(e.observer))
	}
	e.loop = replication.NewLoop(e.replicator, cfg.Sync.Interval(), loopOpts...)

	return e, nil
}

// Open resolves both stores through the backend registry with a shared
// clock and, when brokers are configured, connects the Kafka publisher.
// Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid configuration")
	}

	clock := store.NewClock(cfg.Sync.ClockResolution)

	source, err := store.Open(ctx, cfg.Source, clock)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	target, err := store.Open(ctx, cfg.Target, clock)
	if err != nil {
		_ = source.Close(ctx)
		return nil, fmt.Errorf("target: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]Option{WithLogger(logger)}, opts...)

	if cfg.Events.PublishesEvents() {
		publisher, err := events.NewKafkaPublisher(cfg.Events, logger)
		if err != nil {
			_ = source.Close(ctx)
			_ = target.Close(ctx)
			return nil, err
		}
		opts = append(opts, WithPublisher(publisher))
	}

	e, err := New(cfg, source, target, opts...)
	if err != nil {
		_ = source.Close(ctx)
		_ = target.Close(ctx)
		return nil, err
	}
	e.owned = true
	return e, nil
}

// Seed runs the configured initial replication. It is a no-op when the
// initial seed is disabled.
func (e *Engine) Seed(ctx context.Context) error {
	if !e.cfg.Sync.InitialSeed {
		e.logger.Info("initial seed disabled")
		return nil
	}
	_, err := e.Sync(ctx, e.cfg.Sync.SeedStrategy)
	return err
}

// Sync runs one replication with the named strategy and returns the number
// of records written. A paginated run that aborted earlier resumes from its
// cursor.
func (e *Engine) Sync(ctx context.Context, strategy string) (int, error) {
	log := e.logger.With(zap.String("strategy", strategy))
	timer := metrics.NewTimer()

	var (
		written int
		err     error
	)
	switch strategy {
	case config.SeedBulk:
		written, err = e.replicator.Bulk(ctx)

	case config.SeedPaginated:
		e.mu.Lock()
		cursor := e.cursor
		if cursor.PageSize != e.cfg.Sync.PageSize {
			cursor = replication.NewCursor(e.cfg.Sync.PageSize)
		}
		e.mu.Unlock()

		cursor, written, err = e.replicator.Paginated(ctx, cursor)

		e.mu.Lock()
		e.cursor = cursor
		e.mu.Unlock()

	case StrategyDelta:
		res := e.loop.Tick(ctx)
		written, err = len(res.Delta.AppliedKeys), res.Err
		switch {
		case res.Outcome == metrics.OutcomeDropped:
			err = ErrTickInProgress
		case res.Outcome == metrics.OutcomeCancelled && err == nil:
			err = ctx.Err()
		}

	default:
		return 0, syncerrors.Newf(syncerrors.ErrorTypeValidation, "unknown sync strategy %q", strategy)
	}

	if err != nil {
		log.Error("sync failed", zap.Int("written", written), zap.Error(err))
		return written, err
	}
	log.Info("sync completed",
		zap.Int("written", written),
		zap.Int64("records_seeded", e.sink.RecordsSeeded()),
		zap.Duration("duration", timer.Stop()))
	return written, nil
}

// Run seeds the target and then reconciles until ctx is cancelled or Stop
// is called. A Stop issued before Run registered makes Run return nil
// without seeding.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return syncerrors.New(syncerrors.ErrorTypeInternal, "engine already running")
	}
	if e.stopPending {
		e.stopPending = false
		e.mu.Unlock()
		e.logger.Info("replication stopped before it started")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel, e.done = nil, nil
		close(done)
		e.mu.Unlock()
	}()

	if err := e.Seed(ctx); err != nil {
		return fmt.Errorf("initial seed: %w", err)
	}
	return e.loop.Start(ctx)
}

// Stop ends Run: a seed in progress is cancelled and the reconciliation
// loop stops once an applying tick has finished. It returns after Run has
// returned. When Run is not active the request is held for the next Run.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	if cancel == nil {
		e.stopPending = true
	}
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close releases the publisher and, for engines built by Open, both stores.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink: %w", err))
	}
	if e.owned {
		if err := e.source.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
		if err := e.target.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("target: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Cursor returns the cursor of the last paginated run.
func (e *Engine) Cursor() replication.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Source returns the decorated source store.
func (e *Engine) Source() store.Store { return e.source }

// Target returns the decorated target store.
func (e *Engine) Target() store.Store { return e.target }

// Sink returns the event sink.
func (e *Engine) Sink() *events.Sink { return e.sink }

// Loop returns the reconciliation loop.
func (e *Engine) Loop() *replication.Loop { return e.loop }
