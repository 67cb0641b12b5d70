package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/pkg/logger"
	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// ErrLoopStopping is returned by Tick while Start is shutting the loop down.
var ErrLoopStopping = syncerrors.New(syncerrors.ErrorTypeInternal, "reconciliation loop is stopping")

// State is the reconciliation job state.
type State int32

const (
	// StateIdle waits for the next tick. New ticks start only from here.
	StateIdle State = iota
	// StateScanning diffs source against target.
	StateScanning
	// StateApplying runs the delta sync for the tick's change set.
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateApplying:
		return "applying"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TickResult describes one tick.
type TickResult struct {
	Tick      uint64
	Outcome   string
	ChangeSet []string
	Delta     DeltaResult
	Duration  time.Duration
	Err       error
}

// Stats summarises the loop's history.
type Stats struct {
	Ticks      uint64    `json:"ticks"`
	Dropped    uint64    `json:"dropped"`
	Clean      uint64    `json:"clean"`
	Applied    uint64    `json:"applied"`
	Failed     uint64    `json:"failed"`
	LastTickAt time.Time `json:"last_tick_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Loop is the reconciliation loop. Each timer fire starts a tick that
// scans both stores for drift and, when the change set is not empty,
// applies it with the delta synchronizer. At most one tick is ever past
// Idle: a fire that arrives while a tick is running is dropped.
type Loop struct {
	replicator   *Replicator
	interval     time.Duration
	scanPageSize int
	logger       *zap.Logger
	observer     func(TickResult)

	state atomic.Int32
	seq   atomic.Uint64
	ticks sync.WaitGroup

	mu      sync.Mutex
	stats   Stats
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// stopping is set while Start waits for in-flight ticks; no tick may
	// begin then.
	stopping bool
	// stopPending records a Stop that arrived while the loop was not running.
	stopPending bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithScanPageSize sets the page size used while scanning.
func WithScanPageSize(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.scanPageSize = n
		}
	}
}

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *zap.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTickObserver registers fn to be called after every finished or
// dropped tick.
func WithTickObserver(fn func(TickResult)) LoopOption {
	return func(l *Loop) { l.observer = fn }
}

// NewLoop creates a loop ticking every interval.
func NewLoop(r *Replicator, interval time.Duration, opts ...LoopOption) *Loop {
	l := &Loop{
		replicator:   r,
		interval:     interval,
		scanPageSize: DefaultScanPageSize,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "reconcile_loop"))
	return l
}

// State returns the current job state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns a copy of the loop statistics.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Start runs the loop until ctx is cancelled or Stop is called. It blocks,
// and returns only after any in-flight tick has reached Idle. The loop can
// be started again after it returns. If Stop was called while the loop was
// not running, Start consumes that request and returns nil at once.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return syncerrors.New(syncerrors.ErrorTypeInternal, "reconciliation loop already running")
	}
	if l.interval <= 0 {
		l.mu.Unlock()
		return syncerrors.Newf(syncerrors.ErrorTypeConfig, "poll interval must be positive, got %s", l.interval)
	}
	if l.stopPending {
		l.stopPending = false
		l.mu.Unlock()
		l.logger.Info("reconciliation loop stopped before it started")
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done, l.running = cancel, done, true
	l.mu.Unlock()

	l.logger.Info("starting reconciliation loop", zap.Duration("interval", l.interval))

	defer func() {
		l.mu.Lock()
		l.stopping = true
		l.mu.Unlock()

		cancel()
		l.ticks.Wait()

		l.logger.Info("reconciliation loop stopped")

		l.mu.Lock()
		l.running, l.stopping = false, false
		l.cancel = nil
		close(done)
		l.mu.Unlock()
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.fire(loopCtx)
		case <-loopCtx.Done():
			return nil
		}
	}
}

// Stop prevents further ticks from starting and waits for an in-flight tick
// to finish. Applying phases are never interrupted. A Stop that arrives
// before Start has registered makes that Start return without ticking.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.stopPending = true
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	l.logger.Info("stopping reconciliation loop")
	cancel()
	<-done
}

// claim moves the job from Idle to Scanning and registers the tick with
// the shutdown wait group. It fails while the loop is stopping or another
// tick is past Idle.
func (l *Loop) claim() (claimed, stopping bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return false, true
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateScanning)) {
		return false, false
	}
	l.ticks.Add(1)
	return true, false
}

// fire starts a tick in the background unless one is already running.
func (l *Loop) fire(ctx context.Context) {
	if claimed, _ := l.claim(); !claimed {
		l.dropped()
		return
	}
	go func() {
		defer l.ticks.Done()
		l.run(ctx)
	}()
}

// Tick runs one tick synchronously. If another tick is in progress the
// call is dropped and the result's Outcome is "dropped". While the loop is
// stopping the tick is refused with Outcome "cancelled" and ErrLoopStopping.
func (l *Loop) Tick(ctx context.Context) TickResult {
	claimed, stopping := l.claim()
	switch {
	case stopping:
		return l.refused()
	case !claimed:
		return l.dropped()
	}
	defer l.ticks.Done()
	return l.run(ctx)
}

func (l *Loop) refused() TickResult {
	metrics.ReconcileTicks.WithLabelValues(metrics.OutcomeCancelled).Inc()
	l.logger.Debug("tick refused, loop is stopping")
	res := TickResult{Outcome: metrics.OutcomeCancelled, Err: ErrLoopStopping}
	l.notify(res)
	return res
}

func (l *Loop) dropped() TickResult {
	metrics.ReconcileTicks.WithLabelValues(metrics.OutcomeDropped).Inc()
	l.mu.Lock()
	l.stats.Dropped++
	l.mu.Unlock()

	l.logger.Debug("tick dropped, previous tick still running", zap.Stringer("state", l.State()))
	res := TickResult{Outcome: metrics.OutcomeDropped}
	l.notify(res)
	return res
}

// transition moves the job between states. Any other current state means
// two ticks are active at once, which the CAS in fire/Tick rules out.
func (l *Loop) transition(from, to State) {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		panic(syncerrors.Newf(syncerrors.ErrorTypeSchedulerOverlap,
			"reconciliation state is %s, expected %s before moving to %s", l.State(), from, to))
	}
}

// run executes a tick that has already moved the job to Scanning.
func (l *Loop) run(ctx context.Context) TickResult {
	timer := metrics.NewTimer()
	res := TickResult{Tick: l.seq.Add(1)}
	ctx = context.WithValue(ctx, logger.TickKey, res.Tick)
	log := logger.WithContext(ctx, l.logger)

	changes, err := Diff(ctx, l.replicator.Source(), l.replicator.Target(), l.scanPageSize)
	if err != nil {
		l.transition(StateScanning, StateIdle)
		if ctx.Err() != nil {
			log.Info("scan interrupted by shutdown")
			res.Outcome = metrics.OutcomeCancelled
		} else {
			log.Error("scan failed", zap.Error(err))
			res.Outcome, res.Err = metrics.OutcomeFailed, err
		}
		return l.finish(res, timer)
	}

	res.ChangeSet = changes.Keys()
	metrics.ChangeSetSize.Observe(float64(changes.Len()))

	if changes.Len() == 0 {
		l.transition(StateScanning, StateIdle)
		res.Outcome = metrics.OutcomeClean
		return l.finish(res, timer)
	}

	l.transition(StateScanning, StateApplying)
	log.Info("drift detected", zap.Int("changed", changes.Len()))

	// a stop request must not interrupt writes already scheduled
	res.Delta, res.Err = l.replicator.Delta(context.WithoutCancel(ctx), changes)
	l.transition(StateApplying, StateIdle)

	if res.Err != nil {
		log.Warn("tick applied with failures",
			zap.Int("applied", len(res.Delta.AppliedKeys)),
			zap.Strings("failed_keys", res.Delta.FailedKeys),
			zap.Error(res.Err))
		res.Outcome = metrics.OutcomeFailed
	} else {
		res.Outcome = metrics.OutcomeApplied
	}
	return l.finish(res, timer)
}

func (l *Loop) finish(res TickResult, timer *metrics.Timer) TickResult {
	res.Duration = timer.Stop()
	metrics.ObserveTick(res.Outcome, res.Duration)

	l.mu.Lock()
	l.stats.Ticks++
	l.stats.LastTickAt = time.Now()
	switch res.Outcome {
	case metrics.OutcomeClean:
		l.stats.Clean++
	case metrics.OutcomeApplied:
		l.stats.Applied++
	case metrics.OutcomeFailed:
		l.stats.Failed++
	}
	if res.Err != nil {
		l.stats.LastError = res.Err.Error()
	}
	l.mu.Unlock()

	l.notify(res)
	return res
}

func (l *Loop) notify(res TickResult) {
	if l.observer != nil {
		l.observer(res)
	}
}
