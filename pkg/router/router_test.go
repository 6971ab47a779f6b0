package router

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/directory"
	"github.com/khryptorgraphics/dispatchcore/pkg/metrics"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

type fakeConn struct{}

func (fakeConn) Forward(_ context.Context, _ []byte) (stream.Source, error) { return nil, nil }

func newDirWithWorkers(ids ...uint64) *directory.Directory {
	d := directory.New()
	for _, id := range ids {
		d.AddWorker(&directory.Worker{ID: id, Conn: fakeConn{}})
	}
	return d
}

func TestRouterRandomReturnsAny(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	r, err := New(Config{Policy: PolicyRandom}, dir, agg, clock.NewMock(), zerolog.Nop())
	require.NoError(t, err)

	dec, err := r.Select(&request.Request{ID: "req"})
	require.NoError(t, err)
	require.Equal(t, DecisionAny, dec.Kind)
}

func TestRouterRoundRobinDelegatesToDirectory(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	r, err := New(Config{Policy: PolicyRoundRobin}, dir, agg, clock.NewMock(), zerolog.Nop())
	require.NoError(t, err)

	dec, err := r.Select(&request.Request{ID: "req"})
	require.NoError(t, err)
	require.Equal(t, DecisionRoundRobin, dec.Kind)
}

func TestRouterKvLoadAwarePicksMinUsage(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	now := int64(1000)
	agg.OnUpdate(1, metrics.Record{KVCacheUsage: 0.8, PendingRequests: 1, LastUpdatedMs: now})
	agg.OnUpdate(2, metrics.Record{KVCacheUsage: 0.2, PendingRequests: 5, LastUpdatedMs: now})

	mock := clock.NewMock()
	r, err := New(Config{Policy: PolicyKvLoadAware}, dir, agg, mock, zerolog.Nop())
	require.NoError(t, err)

	dec, err := r.Select(&request.Request{ID: "req"})
	require.NoError(t, err)
	require.Equal(t, DecisionWorker, dec.Kind)
	require.Equal(t, uint64(2), dec.WorkerID)
}

func TestRouterKvLoadAwareNoMetricsFallsBackToAny(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New() // empty snapshot
	r, err := New(Config{Policy: PolicyKvLoadAware}, dir, agg, clock.NewMock(), zerolog.Nop())
	require.NoError(t, err)

	dec, err := r.Select(&request.Request{ID: "req"})
	require.NoError(t, err)
	require.Equal(t, DecisionAny, dec.Kind, "empty metrics snapshot must downgrade KvLoadAware to Random")
}

func TestRouterKvLoadAwareHonoursPrefixHint(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	r, err := New(Config{Policy: PolicyKvLoadAware}, dir, agg, clock.NewMock(), zerolog.Nop())
	require.NoError(t, err)

	dec, err := r.Select(&request.Request{ID: "req", Hint: &request.RoutingHint{WorkerID: 7, PrefixHitRate: 0.9}})
	require.NoError(t, err)
	require.Equal(t, DecisionWorker, dec.Kind)
	require.Equal(t, uint64(7), dec.WorkerID)
}

func TestRouterCacheAwareOverridesOnLoadImbalance(t *testing.T) {
	// Reproduces the spec's concrete override scenario: worker 1 holds the
	// cached prefix but is far more loaded than worker 2; the gap exceeds
	// both the absolute and relative thresholds, so the router overrides
	// to the less-loaded worker across all reachable workers.
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	now := int64(1000)
	agg.OnUpdate(1, metrics.Record{PendingRequests: 40, LastUpdatedMs: now})
	agg.OnUpdate(2, metrics.Record{PendingRequests: 2, LastUpdatedMs: now})

	mock := clock.NewMock()
	cfg := Config{Policy: PolicyCacheAware, CacheAware: CacheAwareParams{
		CacheThreshold:       0.5,
		BalanceAbsThreshold:  32,
		BalanceRelThreshold:  1.0001,
		MaxTreeSize:          1024,
		EvictionIntervalSecs: 60,
	}}
	r, err := New(cfg, dir, agg, mock, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	tokens := []int64{1, 2, 3}
	r.tree.Insert(tokens, 1, 0)

	dec, err := r.Select(&request.Request{ID: "req", PromptTokenIDs: tokens})
	require.NoError(t, err)
	require.Equal(t, DecisionWorker, dec.Kind)
	require.Equal(t, uint64(2), dec.WorkerID, "large load gap must override to the less-loaded worker")
}

func TestRouterCacheAwarePreservesCacheHitUnderSmallGap(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	now := int64(1000)
	agg.OnUpdate(1, metrics.Record{PendingRequests: 10, LastUpdatedMs: now})
	agg.OnUpdate(2, metrics.Record{PendingRequests: 2, LastUpdatedMs: now})

	mock := clock.NewMock()
	cfg := Config{Policy: PolicyCacheAware, CacheAware: CacheAwareParams{
		CacheThreshold:       0.5,
		BalanceAbsThreshold:  32,
		BalanceRelThreshold:  1.0001,
		MaxTreeSize:          1024,
		EvictionIntervalSecs: 60,
	}}
	r, err := New(cfg, dir, agg, mock, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	tokens := []int64{1, 2, 3}
	r.tree.Insert(tokens, 1, 0)

	dec, err := r.Select(&request.Request{ID: "req", PromptTokenIDs: tokens})
	require.NoError(t, err)
	require.Equal(t, DecisionWorker, dec.Kind)
	require.Equal(t, uint64(1), dec.WorkerID, "gap below threshold must preserve the cached worker")
}

func TestRouterCacheAwareFallsBackOnNoPrefixMatch(t *testing.T) {
	dir := newDirWithWorkers(1, 2)
	agg := metrics.New()
	now := int64(1000)
	agg.OnUpdate(1, metrics.Record{PendingRequests: 10, LastUpdatedMs: now})
	agg.OnUpdate(2, metrics.Record{PendingRequests: 1, LastUpdatedMs: now})

	r, err := New(Config{Policy: PolicyCacheAware, CacheAware: DefaultCacheAwareParams()}, dir, agg, clock.NewMock(), zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	dec, err := r.Select(&request.Request{ID: "req", PromptTokenIDs: []int64{9, 9, 9}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), dec.WorkerID, "no cache hit must load-balance across all reachable workers")
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	dir := directory.New()
	agg := metrics.New()
	_, err := New(Config{Policy: "bogus"}, dir, agg, clock.NewMock(), zerolog.Nop())
	require.ErrorIs(t, err, ErrConfigInvalid)
}
