package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
	"github.com/ajitpratap0/driftsync/pkg/testutil"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "applying", StateApplying.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestTick_CleanWhenInSync(t *testing.T) {
	f := newFixture(t, 10)
	r := f.replicator(t)
	_, err := r.Bulk(context.Background())
	require.NoError(t, err)

	loop := NewLoop(r, time.Second, WithLoopLogger(testutil.TestLogger(t)))
	res := loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeClean, res.Outcome)
	assert.Empty(t, res.ChangeSet)
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, uint64(1), loop.Stats().Clean)
}

func TestTick_SingleUpdateIsTheOnlyDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	_, err := f.source.Insert(ctx, testutil.Account("Acme", "alice", 500))
	require.NoError(t, err)

	r := f.replicator(t)
	_, err = r.Bulk(ctx)
	require.NoError(t, err)
	sentAfterSeed := f.sink.EventsSent()
	require.Equal(t, int64(101), sentAfterSeed)

	res, err := f.source.Update(ctx, models.ByKey("Acme"), models.Patch{"owner": "bob"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Modified)

	loop := NewLoop(r, time.Second, WithLoopLogger(testutil.TestLogger(t)))
	tick := loop.Tick(ctx)
	require.NoError(t, tick.Err)
	assert.Equal(t, metrics.OutcomeApplied, tick.Outcome)
	assert.Equal(t, []string{"Acme"}, tick.ChangeSet)
	assert.Equal(t, []string{"Acme"}, tick.Delta.AppliedKeys)

	src, err := store.Get(ctx, f.source, "Acme")
	require.NoError(t, err)
	dst, err := store.Get(ctx, f.target, "Acme")
	require.NoError(t, err)
	assert.Equal(t, src.Fields["owner"], dst.Fields["owner"])
	assert.True(t, src.PayloadEqual(dst))
	assert.Equal(t, sentAfterSeed+1, f.sink.EventsSent())

	// the applied copy is not flagged again
	next := loop.Tick(ctx)
	assert.Equal(t, metrics.OutcomeClean, next.Outcome)
}

// racingSource changes one record right after it has been read by key, the
// way a concurrent writer would while the copy is in flight.
type racingSource struct {
	store.Store
	key   string
	patch models.Patch
	once  sync.Once
}

func (r *racingSource) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	recs, err := r.Store.Find(ctx, filter, opts)
	if key, ok := filter.Key(); ok && key == r.key && err == nil {
		r.once.Do(func() {
			_, err = r.Store.Update(ctx, models.ByKey(r.key), r.patch)
		})
	}
	return recs, err
}

func TestTick_SourceWriteDuringApplyIsNotLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	_, err := f.source.Insert(ctx, testutil.Account("Acme", "alice", 500))
	require.NoError(t, err)
	_, err = f.replicator(t).Bulk(ctx)
	require.NoError(t, err)

	_, err = f.source.Update(ctx, models.ByKey("Acme"), models.Patch{"owner": "bob"})
	require.NoError(t, err)

	racing := &racingSource{Store: f.source, key: "Acme", patch: models.Patch{"owner": "carol"}}
	r := New(racing, f.target, f.sink, WithLogger(testutil.TestLogger(t)))
	loop := NewLoop(r, time.Second, WithLoopLogger(testutil.TestLogger(t)))

	first := loop.Tick(ctx)
	require.NoError(t, first.Err)
	assert.Equal(t, []string{"Acme"}, first.ChangeSet)
	dst, err := store.Get(ctx, f.target, "Acme")
	require.NoError(t, err)
	// the copy was read before carol landed
	assert.Equal(t, "bob", dst.Fields["owner"])

	second := loop.Tick(ctx)
	require.NoError(t, second.Err)
	assert.Equal(t, metrics.OutcomeApplied, second.Outcome)
	assert.Equal(t, []string{"Acme"}, second.ChangeSet)

	src, err := store.Get(ctx, f.source, "Acme")
	require.NoError(t, err)
	dst, err = store.Get(ctx, f.target, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "carol", dst.Fields["owner"])
	assert.True(t, dst.SourceUpdatedAt.Equal(src.UpdatedAt))

	assert.Equal(t, metrics.OutcomeClean, loop.Tick(ctx).Outcome)
}

func TestTick_MissingTargetRecords(t *testing.T) {
	f := newFixture(t, 8)
	loop := NewLoop(f.replicator(t), time.Second, WithScanPageSize(3))

	res := loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)
	assert.Len(t, res.ChangeSet, 8)
	assert.Equal(t, 8, f.target.Len())
	testutil.RequireSameRecords(t, f.source, f.target)
}

func TestTick_PartialFailureKeepsLoopAlive(t *testing.T) {
	f := newFixture(t, 4)
	faulty := testutil.NewFaultyStore(f.target)
	faulty.FailUpsertKey("acct-0001", errors.New("constraint violation"))
	r := New(f.source, faulty, f.sink, WithLogger(testutil.TestLogger(t)))
	loop := NewLoop(r, time.Second)

	res := loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"acct-0001"}, syncerrors.FailedKeys(res.Err))
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, uint64(1), loop.Stats().Failed)
	assert.NotEmpty(t, loop.Stats().LastError)

	// next tick retries only the failed key
	faulty.Heal()
	res = loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)
	assert.Equal(t, []string{"acct-0001"}, res.ChangeSet)
}

func TestTick_ScanFailure(t *testing.T) {
	f := newFixture(t, 4)
	faulty := testutil.NewFaultyStore(f.source)
	faulty.FailFindKey("", store.Unavailable(errors.New("timeout"), "find"))
	loop := NewLoop(New(faulty, f.target, f.sink), time.Second)

	res := loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeFailed, res.Outcome)
	assert.True(t, syncerrors.IsRetryable(res.Err))
	assert.Equal(t, StateIdle, loop.State())
}

func TestTransition_OverlapPanics(t *testing.T) {
	f := newFixture(t, 0)
	loop := NewLoop(f.replicator(t), time.Second)

	defer func() {
		v := recover()
		require.NotNil(t, v)
		err, ok := v.(error)
		require.True(t, ok)
		assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeSchedulerOverlap))
	}()
	loop.transition(StateApplying, StateIdle)
}

// scanWatch flags any full scan of the source that starts while the
// target still has upserts in flight.
type scanWatch struct {
	store.Store
	target     *testutil.SlowStore
	violations atomic.Int32
	scans      atomic.Int32
}

func (w *scanWatch) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	if len(filter) == 0 {
		w.scans.Add(1)
		if w.target.InFlight() > 0 {
			w.violations.Add(1)
		}
	}
	return w.Store.Find(ctx, filter, opts)
}

func TestLoop_NoOverlappingTicks(t *testing.T) {
	f := newFixture(t, 3)
	slow := &testutil.SlowStore{Store: f.target, Delay: 100 * time.Millisecond}
	watch := &scanWatch{Store: f.source, target: slow}
	r := New(watch, slow, f.sink, WithWorkers(1), WithLogger(testutil.TestLogger(t)))

	var observed atomic.Int32
	loop := NewLoop(r, 10*time.Millisecond, WithLoopLogger(testutil.TestLogger(t)), WithTickObserver(func(res TickResult) {
		if res.Outcome == metrics.OutcomeApplied {
			observed.Add(1)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(ctx) }()

	testutil.AssertEventually(t, func() bool {
		s := loop.Stats()
		return s.Applied >= 1 && s.Dropped >= 5
	}, 5*time.Second, "expected an applied tick and dropped fires")

	loop.Stop()
	require.NoError(t, <-errCh)

	assert.Zero(t, watch.violations.Load(), "scan started while applying")
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, int32(1), observed.Load())
	assert.Equal(t, 3, f.target.Len())
}

func TestTick_DroppedWhileRunning(t *testing.T) {
	f := newFixture(t, 2)
	slow := &testutil.SlowStore{Store: f.target, Delay: 100 * time.Millisecond}
	loop := NewLoop(New(f.source, slow, f.sink, WithWorkers(1)), time.Second)

	done := make(chan TickResult, 1)
	go func() { done <- loop.Tick(context.Background()) }()

	testutil.AssertEventually(t, func() bool { return loop.State() == StateApplying }, 2*time.Second, "tick never reached applying")

	second := loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeDropped, second.Outcome)

	first := <-done
	assert.Equal(t, metrics.OutcomeApplied, first.Outcome)
	assert.Equal(t, uint64(1), loop.Stats().Dropped)
	assert.Equal(t, uint64(1), loop.Stats().Ticks)
}

func TestLoop_StopLetsApplyingFinish(t *testing.T) {
	f := newFixture(t, 4)
	slow := &testutil.SlowStore{Store: f.target, Delay: 50 * time.Millisecond}
	loop := NewLoop(New(f.source, slow, f.sink, WithWorkers(1)), 5*time.Millisecond,
		WithLoopLogger(testutil.TestLogger(t)))

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(context.Background()) }()

	testutil.AssertEventually(t, func() bool { return loop.State() == StateApplying }, 2*time.Second, "tick never reached applying")
	loop.Stop()
	require.NoError(t, <-errCh)

	// the in-flight change set was applied in full
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, 4, f.target.Len())
	assert.Equal(t, uint64(1), loop.Stats().Applied)

	// and no tick starts after Stop returned
	ticks := loop.Stats().Ticks
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, loop.Stats().Ticks)
}

func TestLoop_RestartFromIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	loop := NewLoop(f.replicator(t), 5*time.Millisecond)

	for round := 0; round < 2; round++ {
		_, err := f.source.Upsert(ctx, "acct-0000", testutil.Account("acct-0000", "round", round))
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() { errCh <- loop.Start(ctx) }()

		testutil.AssertEventually(t, func() bool {
			rec, err := store.Get(ctx, f.target, "acct-0000")
			return err == nil && models.ValueEqual(round, rec.Fields["amount"])
		}, 2*time.Second, "update not replicated")

		loop.Stop()
		require.NoError(t, <-errCh)
	}
}

func TestLoop_StartTwiceFails(t *testing.T) {
	f := newFixture(t, 0)
	loop := NewLoop(f.replicator(t), 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return loop.Stats().Ticks > 0 }, 2*time.Second, "loop never ticked")

	assert.Error(t, loop.Start(context.Background()))
	loop.Stop()
	require.NoError(t, <-errCh)
}

func TestLoop_InvalidInterval(t *testing.T) {
	f := newFixture(t, 0)
	err := NewLoop(f.replicator(t), 0).Start(context.Background())
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeConfig))
}

func TestLoop_ContextCancelStops(t *testing.T) {
	f := newFixture(t, 1)
	loop := NewLoop(f.replicator(t), 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(ctx) }()
	testutil.AssertEventually(t, func() bool { return f.target.Len() == 1 }, 2*time.Second, "record not replicated")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after context cancellation")
	}
	// with the loop not running, Stop holds until the next Start
	ticks := loop.Stats().Ticks
	loop.Stop()
	assert.NoError(t, loop.Start(context.Background()))
	assert.Equal(t, ticks, loop.Stats().Ticks)
}

func TestLoop_StopBeforeStart(t *testing.T) {
	f := newFixture(t, 2)
	loop := NewLoop(f.replicator(t), 5*time.Millisecond)

	loop.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(context.Background()) }()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start ignored a Stop issued before it")
	}
	assert.Zero(t, loop.Stats().Ticks)
	assert.Zero(t, f.target.Len())

	// the request is consumed, so the loop starts normally afterwards
	go func() { errCh <- loop.Start(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return f.target.Len() == 2 }, 2*time.Second, "restarted loop never reconciled")
	loop.Stop()
	require.NoError(t, <-errCh)
}

func TestLoop_StopRacingStart(t *testing.T) {
	f := newFixture(t, 1)

	for i := 0; i < 50; i++ {
		loop := NewLoop(f.replicator(t), time.Millisecond)

		errCh := make(chan error, 1)
		go func() { errCh <- loop.Start(context.Background()) }()
		loop.Stop()

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: Start kept running after Stop", i)
		}
		assert.Equal(t, StateIdle, loop.State())
	}
}

func TestTick_RefusedWhileStopping(t *testing.T) {
	f := newFixture(t, 2)
	slow := &testutil.SlowStore{Store: f.target, Delay: 100 * time.Millisecond}
	loop := NewLoop(New(f.source, slow, f.sink, WithWorkers(1)), 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return loop.State() == StateApplying }, 2*time.Second, "tick never reached applying")

	stopped := make(chan struct{})
	go func() {
		loop.Stop()
		close(stopped)
	}()
	testutil.AssertEventually(t, func() bool {
		loop.mu.Lock()
		defer loop.mu.Unlock()
		return loop.stopping
	}, 2*time.Second, "loop never began stopping")

	res := loop.Tick(context.Background())
	assert.Equal(t, metrics.OutcomeCancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrLoopStopping)

	<-stopped
	require.NoError(t, <-errCh)
	assert.Equal(t, uint64(1), loop.Stats().Ticks)

	// once the loop has returned, standalone ticks run again
	assert.Equal(t, metrics.OutcomeClean, loop.Tick(context.Background()).Outcome)
}

func TestTick_LogsCarryTickAndStrategy(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixture(t, 1)
	loop := NewLoop(f.replicator(t, WithLogger(zap.New(core))), time.Second,
		WithLoopLogger(zap.New(core)))

	res := loop.Tick(context.Background())
	require.Equal(t, metrics.OutcomeApplied, res.Outcome)

	drift := logs.FilterMessage("drift detected").All()
	require.Len(t, drift, 1)
	assert.Equal(t, res.Tick, drift[0].ContextMap()["tick"])

	applied := logs.FilterMessage("delta sync completed").All()
	require.Len(t, applied, 1)
	fields := applied[0].ContextMap()
	assert.Equal(t, res.Tick, fields["tick"])
	assert.Equal(t, metrics.StrategyDelta, fields["strategy"])
}
