package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/driftsync/internal/replication"
	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/events"
	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/store/memory"
	_ "github.com/ajitpratap0/driftsync/pkg/store/sqlstore"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
	"github.com/ajitpratap0/driftsync/pkg/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sync.PageSize = 5
	cfg.Sync.PollInterval = 10 * time.Millisecond
	cfg.Sync.Workers = 4
	cfg.Reliability.RetryAttempts = 1
	return cfg
}

type pair struct {
	source *memory.Store
	target *memory.Store
}

func newPair(t *testing.T, n int) pair {
	t.Helper()
	clock := store.NewClock(store.DefaultClockResolution)
	p := pair{source: memory.New(clock), target: memory.New(clock)}
	testutil.SeedAccounts(t, p.source, n)
	return p
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SyncEvent
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.SyncEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestNew_InvalidConfig(t *testing.T) {
	p := newPair(t, 0)
	cfg := testConfig()
	cfg.Sync.PageSize = 0

	_, err := New(cfg, p.source, p.target)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeConfig))

	_, err = New(testConfig(), p.source, nil)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeConfig))
}

func TestSync_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		seeded   int64
	}{
		{"bulk", config.SeedBulk, 23},
		{"paginated", config.SeedPaginated, 23},
		{"delta", StrategyDelta, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t, 23)
			e, err := New(testConfig(), p.source, p.target, WithLogger(testutil.TestLogger(t)))
			require.NoError(t, err)

			written, err := e.Sync(context.Background(), tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, 23, written)
			assert.Equal(t, tt.seeded, e.Sink().RecordsSeeded())
			assert.Equal(t, int64(23), e.Sink().EventsSent())
			testutil.RequireSameRecords(t, p.source, p.target)
		})
	}
}

func TestSync_UnknownStrategy(t *testing.T) {
	p := newPair(t, 1)
	e, err := New(testConfig(), p.source, p.target)
	require.NoError(t, err)

	_, err = e.Sync(context.Background(), "mirror")
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeValidation))
}

func TestSync_PaginatedResumesAfterAbort(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, 23)
	faulty := testutil.NewFaultyStore(p.target)
	faulty.FailUpsertAfter(12, errors.New("disk full"))

	e, err := New(testConfig(), p.source, faulty, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)

	written, err := e.Sync(ctx, config.SeedPaginated)
	require.Error(t, err)
	assert.Equal(t, 12, written)
	assert.Equal(t, replication.Cursor{PageSize: 5, PagesCompleted: 2, TotalExpected: 5}, e.Cursor())

	faulty.Heal()
	written, err = e.Sync(ctx, config.SeedPaginated)
	require.NoError(t, err)
	assert.Equal(t, 13, written)
	assert.True(t, e.Cursor().Done())
	testutil.RequireSameRecords(t, p.source, p.target)
}

func TestSeed_Disabled(t *testing.T) {
	p := newPair(t, 5)
	cfg := testConfig()
	cfg.Sync.InitialSeed = false

	e, err := New(cfg, p.source, p.target)
	require.NoError(t, err)
	require.NoError(t, e.Seed(context.Background()))
	assert.Zero(t, p.target.Len())
}

func TestRun_SeedsThenReconciles(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, 10)

	var applied atomic.Int32
	e, err := New(testConfig(), p.source, p.target,
		WithLogger(testutil.TestLogger(t)),
		WithTickObserver(func(res replication.TickResult) {
			if res.Outcome == metrics.OutcomeApplied {
				applied.Add(1)
			}
		}))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return p.target.Len() == 10 }, 2*time.Second, "seed did not complete")

	_, err = p.source.Update(ctx, models.ByKey("acct-0004"), models.Patch{"owner": "mallory"})
	require.NoError(t, err)

	testutil.AssertEventually(t, func() bool {
		rec, err := store.Get(ctx, p.target, "acct-0004")
		return err == nil && rec.Fields["owner"] == "mallory"
	}, 2*time.Second, "update not reconciled")

	e.Stop()
	require.NoError(t, <-errCh)
	assert.Equal(t, replication.StateIdle, e.Loop().State())
	assert.Equal(t, int32(1), applied.Load())
}

func TestRun_SeedFailureStops(t *testing.T) {
	p := newPair(t, 4)
	faulty := testutil.NewFaultyStore(p.target)
	faulty.FailUpsertKey("acct-0002", errors.New("constraint violation"))

	cfg := testConfig()
	cfg.Sync.SeedStrategy = config.SeedBulk
	e, err := New(cfg, p.source, faulty)
	require.NoError(t, err)

	err = e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, replication.Applied(err))
	assert.Zero(t, e.Loop().Stats().Ticks)
}

func TestStop_BeforeLoopStarts(t *testing.T) {
	p := newPair(t, 50)
	slow := &testutil.SlowStore{Store: p.target, Delay: 5 * time.Millisecond}
	e, err := New(testConfig(), p.source, slow)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	testutil.AssertEventually(t, func() bool { return p.target.Len() > 0 }, 2*time.Second, "seed never started")
	e.Stop()

	select {
	case err := <-errCh:
		// the interrupted seed surfaces as the run error
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStop_BeforeRun(t *testing.T) {
	p := newPair(t, 3)
	e, err := New(testConfig(), p.source, p.target)
	require.NoError(t, err)

	e.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored a Stop issued before it")
	}
	assert.Zero(t, p.target.Len())

	go func() { errCh <- e.Run(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return p.target.Len() == 3 }, 2*time.Second, "second Run did not seed")
	e.Stop()
	require.NoError(t, <-errCh)
}

func TestStop_RacingRun(t *testing.T) {
	p := newPair(t, 5)

	for i := 0; i < 20; i++ {
		e, err := New(testConfig(), p.source, p.target)
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() { errCh <- e.Run(context.Background()) }()
		e.Stop()

		select {
		case err := <-errCh:
			if err != nil {
				assert.ErrorIs(t, err, context.Canceled)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: Run kept going after Stop", i)
		}
		assert.Equal(t, replication.StateIdle, e.Loop().State())
	}
}

func TestRun_Twice(t *testing.T) {
	p := newPair(t, 1)
	e, err := New(testConfig(), p.source, p.target)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return e.Loop().Stats().Ticks > 0 }, 2*time.Second, "loop never ticked")

	assert.Error(t, e.Run(context.Background()))
	e.Stop()
	require.NoError(t, <-errCh)
}

func TestSync_DeltaWhileTickRunning(t *testing.T) {
	p := newPair(t, 3)
	slow := &testutil.SlowStore{Store: p.target, Delay: 100 * time.Millisecond}
	cfg := testConfig()
	cfg.Sync.Workers = 1
	e, err := New(cfg, p.source, slow)
	require.NoError(t, err)

	first := make(chan int, 1)
	go func() {
		n, _ := e.Sync(context.Background(), StrategyDelta)
		first <- n
	}()
	testutil.AssertEventually(t, func() bool { return e.Loop().State() == replication.StateApplying }, 2*time.Second, "tick never reached applying")

	written, err := e.Sync(context.Background(), StrategyDelta)
	assert.ErrorIs(t, err, ErrTickInProgress)
	assert.Zero(t, written)

	assert.Equal(t, 3, <-first)
}

func TestSync_DeltaCancelledScan(t *testing.T) {
	p := newPair(t, 3)
	e, err := New(testConfig(), p.source, p.target)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Sync(ctx, StrategyDelta)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.target.Len())
}

func TestWithPublisher(t *testing.T) {
	p := newPair(t, 3)
	pub := &recordingPublisher{}
	e, err := New(testConfig(), p.source, p.target, WithPublisher(pub))
	require.NoError(t, err)

	_, err = e.Sync(context.Background(), config.SeedBulk)
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	assert.Len(t, pub.events, 3)
	assert.Equal(t, metrics.StrategyBulk, pub.events[0].Strategy)
	assert.True(t, pub.closed)
}

func TestWithTracer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p := newPair(t, 2)
	e, err := New(testConfig(), p.source, p.target, WithTracer(tp.Tracer("test")))
	require.NoError(t, err)

	_, err = e.Sync(context.Background(), config.SeedPaginated)
	require.NoError(t, err)

	names := map[string]int{}
	for _, span := range exporter.GetSpans() {
		names[span.Name]++
	}
	assert.Equal(t, 1, names["store.Count"])
	assert.Equal(t, 2, names["store.Upsert"])
	assert.NotZero(t, names["store.Find"])
}

func TestOpen_Registry(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Source = config.StoreConfig{Driver: "sqlite", DSN: ":memory:"}
	cfg.Target = config.StoreConfig{Driver: memory.Driver}

	e, err := Open(ctx, cfg, testutil.TestLogger(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close(ctx)) }()

	testutil.SeedAccounts(t, e.Source(), 12)
	require.NoError(t, e.Seed(ctx))
	testutil.RequireSameRecords(t, e.Source(), e.Target())

	// stamps from both stores come from one clock
	res := e.Loop().Tick(ctx)
	assert.Equal(t, metrics.OutcomeClean, res.Outcome)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Target = config.StoreConfig{Driver: "cassandra"}

	_, err := Open(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeConfig))
}
