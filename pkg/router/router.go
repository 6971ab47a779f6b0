// Package router implements the Router (SPEC_FULL.md §4.4 / C4): given
// a Request, produce a RoutingDecision under one of four policies
// chosen once at startup, per the "tagged variant" design note in
// SPEC_FULL.md §9.
//
// CacheAware is grounded on the cache-tree procedure described
// declaratively in spec.md §4.4.3 (no teacher file implements this
// directly — see DESIGN.md); KvLoadAware and the policy dispatch shape
// are grounded on the teacher's algorithm switch in
// pkg/scheduler/load_balancer.go's SelectWorker.
package router

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/dispatchcore/pkg/cachetree"
	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/directory"
	"github.com/khryptorgraphics/dispatchcore/pkg/metrics"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
)

// ErrConfigInvalid is returned by New for an unknown policy or
// out-of-range cache-aware parameters.
var ErrConfigInvalid = errors.New("router: config invalid")

// ErrNoMetrics is raised internally by KvLoadAware when the metrics
// snapshot is empty; Select converts it to a Random fallback per
// SPEC_FULL.md §7, so it never escapes to callers.
var ErrNoMetrics = errors.New("router: no metrics available")

// Policy names the selection strategy, matching SPEC_FULL.md §6's
// `policy` configuration option.
type Policy string

const (
	PolicyRandom      Policy = "random"
	PolicyRoundRobin  Policy = "round_robin"
	PolicyCacheAware  Policy = "cache_aware"
	PolicyKvLoadAware Policy = "kv_load_aware"
)

// CacheAwareParams configures the CacheAware policy, defaults matching
// SPEC_FULL.md §6.
type CacheAwareParams struct {
	CacheThreshold       float64
	BalanceAbsThreshold  int64
	BalanceRelThreshold  float64
	MaxTreeSize          int
	EvictionIntervalSecs int64
}

// DefaultCacheAwareParams returns spec.md §6's defaults.
func DefaultCacheAwareParams() CacheAwareParams {
	return CacheAwareParams{
		CacheThreshold:       0.5,
		BalanceAbsThreshold:  32,
		BalanceRelThreshold:  1.0001,
		MaxTreeSize:          1 << 24,
		EvictionIntervalSecs: 60,
	}
}

// Config selects and parameterizes a policy.
type Config struct {
	Policy     Policy
	CacheAware CacheAwareParams
}

// DecisionKind tells the Dispatcher which Worker Directory primitive to
// invoke for a Decision.
type DecisionKind int

const (
	// DecisionAny means call WorkerDirectory.Any.
	DecisionAny DecisionKind = iota
	// DecisionRoundRobin means call WorkerDirectory.RoundRobin — the
	// Router never touches the cursor itself (SPEC_FULL.md §4.4.2,
	// §9 Open Question #3).
	DecisionRoundRobin
	// DecisionWorker means call WorkerDirectory.Direct(WorkerID).
	DecisionWorker
)

// Decision is the Router's output for one Request.
type Decision struct {
	Kind     DecisionKind
	WorkerID uint64
}

// Router selects a worker (or Any) for each incoming Request under a
// single policy fixed at construction (SPEC_FULL.md §4.4: "hot-reconfig
// is not required").
type Router struct {
	policy     Policy
	cacheParms CacheAwareParams

	tree *cachetree.Tree
	agg  *metrics.Aggregator
	dir  *directory.Directory

	clock clock.Clock
	log   zerolog.Logger

	stopEviction chan struct{}
}

// New constructs a Router. For PolicyCacheAware it also starts the
// tree's periodic eviction ticker.
func New(cfg Config, dir *directory.Directory, agg *metrics.Aggregator, clk clock.Clock, log zerolog.Logger) (*Router, error) {
	switch cfg.Policy {
	case PolicyRandom, PolicyRoundRobin, PolicyCacheAware, PolicyKvLoadAware:
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrConfigInvalid, cfg.Policy)
	}

	params := cfg.CacheAware
	if cfg.Policy == PolicyCacheAware {
		if params.CacheThreshold < 0 || params.CacheThreshold > 1 {
			return nil, fmt.Errorf("%w: cache_threshold must be in [0,1], got %v", ErrConfigInvalid, params.CacheThreshold)
		}
		if params.BalanceRelThreshold < 1 {
			return nil, fmt.Errorf("%w: balance_rel_threshold must be >= 1, got %v", ErrConfigInvalid, params.BalanceRelThreshold)
		}
		if params.MaxTreeSize < 1 {
			return nil, fmt.Errorf("%w: max_tree_size must be >= 1, got %d", ErrConfigInvalid, params.MaxTreeSize)
		}
	}

	if clk == nil {
		clk = clock.New()
	}

	r := &Router{
		policy:     cfg.Policy,
		cacheParms: params,
		agg:        agg,
		dir:        dir,
		clock:      clk,
		log:        log,
	}

	if cfg.Policy == PolicyCacheAware {
		r.tree = cachetree.New(params.MaxTreeSize)
		r.stopEviction = make(chan struct{})
		go r.evictionLoop()
	}

	return r, nil
}

// Close stops the cache-tree eviction ticker, if running.
func (r *Router) Close() {
	if r.stopEviction != nil {
		close(r.stopEviction)
	}
}

func (r *Router) evictionLoop() {
	interval := r.cacheParms.EvictionIntervalSecs
	if interval < 1 {
		interval = 60
	}
	ticker := r.clock.Ticker(durationSecs(interval))
	defer ticker.Stop()
	for {
		select {
		case <-r.stopEviction:
			return
		case <-ticker.C:
			cutoff := clock.NowMs(r.clock) - interval*1000
			r.tree.EvictStale(cutoff)
		}
	}
}

// Select returns a RoutingDecision for req per the Router's configured
// policy (SPEC_FULL.md §4.4).
func (r *Router) Select(req *request.Request) (Decision, error) {
	switch r.policy {
	case PolicyRandom:
		return Decision{Kind: DecisionAny}, nil
	case PolicyRoundRobin:
		return Decision{Kind: DecisionRoundRobin}, nil
	case PolicyCacheAware:
		return r.selectCacheAware(req)
	case PolicyKvLoadAware:
		dec, err := r.selectKvLoadAware(req)
		if errors.Is(err, ErrNoMetrics) {
			r.log.Warn().Str("request_id", req.ID).Msg("no metrics snapshot, falling back to random routing")
			return Decision{Kind: DecisionAny}, nil
		}
		return dec, err
	default:
		return Decision{}, fmt.Errorf("%w: unknown policy %q", ErrConfigInvalid, r.policy)
	}
}

func (r *Router) selectKvLoadAware(req *request.Request) (Decision, error) {
	if req.Hint != nil && req.Hint.WorkerID != 0 {
		return Decision{Kind: DecisionWorker, WorkerID: req.Hint.WorkerID}, nil
	}

	now := clock.NowMs(r.clock)
	snap := r.agg.FreshSnapshot(now)
	reachable := r.dir.ReachableIDs()

	var bestID uint64
	var bestUsage float64
	found := false
	for _, id := range reachable {
		rec, ok := snap[id]
		if !ok {
			continue
		}
		if !found || rec.KVCacheUsage < bestUsage || (rec.KVCacheUsage == bestUsage && id < bestID) {
			bestID, bestUsage, found = id, rec.KVCacheUsage, true
		}
	}
	if !found {
		return Decision{}, ErrNoMetrics
	}
	return Decision{Kind: DecisionWorker, WorkerID: bestID}, nil
}

func (r *Router) selectCacheAware(req *request.Request) (Decision, error) {
	reachable := r.dir.ReachableIDs()
	pending := r.pendingByWorker()

	result := r.tree.Descend(req.PromptTokenIDs)
	hitFraction := 0.0
	if total := len(req.PromptTokenIDs); total > 0 {
		hitFraction = float64(result.MatchedLen) / float64(total)
	}

	// The tree may still name workers that have since left the directory;
	// only reachable ones form the cache-candidate set.
	reachableSet := make(map[uint64]struct{}, len(reachable))
	for _, id := range reachable {
		reachableSet[id] = struct{}{}
	}
	var cached []uint64
	for _, w := range result.Workers {
		if _, ok := reachableSet[w]; ok {
			cached = append(cached, w)
		}
	}

	var chosen uint64
	var err error
	if hitFraction < r.cacheParms.CacheThreshold || len(cached) == 0 {
		chosen, err = minLoadAmong(reachable, pending)
	} else {
		// min_load/max_load are evaluated across all reachable workers, not
		// just the cache-candidate set C, so a single cached worker can
		// still be outweighed by a lightly loaded worker outside C
		// (SPEC_FULL.md §8 scenario 6: pending[1]=40, pending[2]=2, C={1}).
		allLoad := minMaxLoad(reachable, pending)
		gap := allLoad.max - allLoad.min
		overridden := gap > r.cacheParms.BalanceAbsThreshold &&
			float64(allLoad.max) > float64(allLoad.min)*r.cacheParms.BalanceRelThreshold
		if overridden {
			chosen, err = minLoadAmong(reachable, pending)
		} else {
			chosen, err = minLoadAmong(cached, pending)
		}
	}
	if err != nil {
		return Decision{}, err
	}

	r.tree.Insert(req.PromptTokenIDs, chosen, clock.NowMs(r.clock))
	return Decision{Kind: DecisionWorker, WorkerID: chosen}, nil
}

func (r *Router) pendingByWorker() map[uint64]int64 {
	snap := r.agg.GetSnapshot()
	out := make(map[uint64]int64, len(snap))
	for id, rec := range snap {
		out[id] = rec.PendingRequests
	}
	return out
}

type loadRange struct{ min, max int64 }

func minMaxLoad(workers []uint64, pending map[uint64]int64) loadRange {
	if len(workers) == 0 {
		return loadRange{}
	}
	lr := loadRange{min: pending[workers[0]], max: pending[workers[0]]}
	for _, w := range workers[1:] {
		load := pending[w]
		if load < lr.min {
			lr.min = load
		}
		if load > lr.max {
			lr.max = load
		}
	}
	return lr
}

// minLoadAmong returns the worker with the smallest pending load,
// tie-broken by the smallest worker_id (SPEC_FULL.md §4.4.3 step 3/4).
func minLoadAmong(candidates []uint64, pending map[uint64]int64) (uint64, error) {
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w: no reachable workers to route to", errNoReachableWorkers)
	}
	sorted := append([]uint64(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	best := sorted[0]
	bestLoad := pending[best]
	for _, w := range sorted[1:] {
		if load := pending[w]; load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best, nil
}

var errNoReachableWorkers = errors.New("router: no reachable workers")

func durationSecs(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
