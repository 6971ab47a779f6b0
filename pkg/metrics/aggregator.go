// Package metrics implements the Metrics Aggregator (SPEC_FULL.md §4.1
// / C1): a consistent per-worker telemetry snapshot for the Router,
// fed by an external pub/sub-style feed and exposed as Prometheus
// gauges.
//
// The copy-on-write snapshot pointer is grounded on the teacher's
// WorkerManager metrics map in pkg/scheduler/worker_manager.go,
// generalized from an aggregate-only metrics struct to a
// per-worker map so readers (the Router) never block writers
// (on_update).
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Record is a single worker's telemetry as of LastUpdatedMs.
type Record struct {
	KVCacheUsage    float64
	PendingRequests int64
	LastUpdatedMs   int64
}

// Snapshot is a value-typed copy of the aggregator's current state.
type Snapshot map[uint64]Record

// staleAfterMsDefault matches SPEC_FULL.md §4.1's default.
const staleAfterMsDefault = 5000

// Aggregator maintains worker_id -> Record and exposes a non-blocking,
// infallible get_snapshot alongside an idempotent, last-writer-wins
// on_update.
type Aggregator struct {
	staleAfterMs int64
	snapshot     atomic.Pointer[Snapshot]

	mu  sync.Mutex // serializes on_update writers only
	log zerolog.Logger

	kvGauge      *prometheus.GaugeVec
	pendingGauge *prometheus.GaugeVec
}

// Option configures an Aggregator at construction.
type Option func(*Aggregator)

// WithStaleAfterMs overrides the default 5000ms staleness window.
func WithStaleAfterMs(ms int64) Option {
	return func(a *Aggregator) { a.staleAfterMs = ms }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

// WithRegisterer registers Prometheus gauges for kv_cache_usage and
// pending_requests on reg. Registration failures are logged, not
// fatal — metrics exposition is observability, not a scheduling
// dependency.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Aggregator) {
		a.kvGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_worker_kv_cache_usage",
			Help: "Last-reported KV cache usage fraction per worker.",
		}, []string{"worker_id"})
		a.pendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_worker_pending_requests",
			Help: "Last-reported pending request count per worker.",
		}, []string{"worker_id"})
		if err := reg.Register(a.kvGauge); err != nil {
			a.log.Warn().Err(err).Msg("kv_cache_usage gauge already registered")
		}
		if err := reg.Register(a.pendingGauge); err != nil {
			a.log.Warn().Err(err).Msg("pending_requests gauge already registered")
		}
	}
}

// New creates an Aggregator with an empty snapshot.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{staleAfterMs: staleAfterMsDefault}
	for _, o := range opts {
		o(a)
	}
	empty := Snapshot{}
	a.snapshot.Store(&empty)
	return a
}

// GetSnapshot returns a value-typed copy of the current state; it never
// blocks and never fails.
func (a *Aggregator) GetSnapshot() Snapshot {
	cur := *a.snapshot.Load()
	out := make(Snapshot, len(cur))
	for id, rec := range cur {
		out[id] = rec
	}
	return out
}

// FreshSnapshot is GetSnapshot filtered to records newer than
// nowMs - staleAfterMs, the view KvLoadAware routing is allowed to
// consider (SPEC_FULL.md §4.1: stale records are "unknown" to
// KV-load routing though still counted reachable for "any" routing).
func (a *Aggregator) FreshSnapshot(nowMs int64) Snapshot {
	cur := *a.snapshot.Load()
	out := make(Snapshot, len(cur))
	for id, rec := range cur {
		if nowMs-rec.LastUpdatedMs <= a.staleAfterMs {
			out[id] = rec
		}
	}
	return out
}

// OnUpdate applies rec for workerID, idempotently and with
// last-writer-wins semantics by LastUpdatedMs.
func (a *Aggregator) OnUpdate(workerID uint64, rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := *a.snapshot.Load()
	if existing, ok := cur[workerID]; ok && existing.LastUpdatedMs > rec.LastUpdatedMs {
		return // stale write, last-writer-wins keeps the newer record
	}

	next := make(Snapshot, len(cur)+1)
	for id, r := range cur {
		next[id] = r
	}
	next[workerID] = rec
	a.snapshot.Store(&next)

	if a.kvGauge != nil {
		label := prometheus.Labels{"worker_id": formatWorkerID(workerID)}
		a.kvGauge.With(label).Set(rec.KVCacheUsage)
		a.pendingGauge.With(label).Set(float64(rec.PendingRequests))
	}
}

func formatWorkerID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
