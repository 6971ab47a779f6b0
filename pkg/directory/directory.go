// Package directory implements the Worker Directory (SPEC_FULL.md §4.2
// / C2): the reachable worker set and its three dispatch primitives —
// any, direct(id), and round_robin.
//
// Grounded on the teacher's WorkerManager copy-on-write membership
// pattern (pkg/scheduler/worker_manager.go) and its round-robin
// selector in pkg/scheduler/load_balancer.go, generalized so the
// round-robin cursor lives here rather than in the Router — spec.md
// §9's Open Question explicitly directs consolidating it in the
// directory to avoid dual-state drift between the two.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

// ErrNoSuchWorker is returned by Direct when the target ID is absent
// from the reachable set.
var ErrNoSuchWorker = errors.New("directory: no such worker")

// ErrNoReachableWorkers is returned by Any and RoundRobin when the
// reachable set is empty.
var ErrNoReachableWorkers = errors.New("directory: no reachable workers")

// Conn is a live forwarding channel to one worker's engine endpoint. An
// implementation typically wraps a gorilla/websocket connection
// (internal/workerconn), translating payload into a wire frame and its
// response stream into a stream.Source.
type Conn interface {
	Forward(ctx context.Context, payload []byte) (stream.Source, error)
}

// Worker is a single reachable backend.
type Worker struct {
	ID   uint64
	Conn Conn
}

// Directory maintains the reachable worker set with copy-on-write
// membership updates and an atomic round-robin cursor, so a selection
// call always observes one consistent snapshot even under concurrent
// churn (SPEC_FULL.md §4.2, §5).
type Directory struct {
	workers atomic.Pointer[[]*Worker]
	cursor  atomic.Uint64
}

// New creates an empty Directory.
func New() *Directory {
	d := &Directory{}
	empty := []*Worker{}
	d.workers.Store(&empty)
	return d
}

// AddWorker makes w reachable, replacing any existing worker with the
// same ID.
func (d *Directory) AddWorker(w *Worker) {
	for {
		old := d.workers.Load()
		next := make([]*Worker, 0, len(*old)+1)
		for _, existing := range *old {
			if existing.ID != w.ID {
				next = append(next, existing)
			}
		}
		next = append(next, w)
		if d.workers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveWorker makes workerID unreachable. After it returns, no
// subsequent routing decision can yield workerID (SPEC_FULL.md §8,
// "No dispatch to unreachable").
func (d *Directory) RemoveWorker(workerID uint64) {
	for {
		old := d.workers.Load()
		next := make([]*Worker, 0, len(*old))
		changed := false
		for _, existing := range *old {
			if existing.ID == workerID {
				changed = true
				continue
			}
			next = append(next, existing)
		}
		if !changed {
			return
		}
		if d.workers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Snapshot returns the currently reachable workers. The slice itself is
// never mutated in place; callers may retain it.
func (d *Directory) Snapshot() []*Worker {
	return *d.workers.Load()
}

// ReachableIDs returns the IDs of the currently reachable workers.
func (d *Directory) ReachableIDs() []uint64 {
	snap := d.Snapshot()
	ids := make([]uint64, len(snap))
	for i, w := range snap {
		ids[i] = w.ID
	}
	return ids
}

// Any forwards payload to an arbitrary reachable worker.
func (d *Directory) Any(ctx context.Context, payload []byte) (stream.Source, error) {
	snap := d.Snapshot()
	if len(snap) == 0 {
		return nil, ErrNoReachableWorkers
	}
	return snap[0].Conn.Forward(ctx, payload)
}

// Direct forwards payload to workerID, failing with ErrNoSuchWorker if
// it is not currently reachable.
func (d *Directory) Direct(ctx context.Context, workerID uint64, payload []byte) (stream.Source, error) {
	snap := d.Snapshot()
	for _, w := range snap {
		if w.ID == workerID {
			return w.Conn.Forward(ctx, payload)
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNoSuchWorker, workerID)
}

// RoundRobin forwards payload to the next worker in the reachable set,
// advancing a cursor modulo the list length so that over k*N dispatches
// across N workers, each worker receives exactly k (SPEC_FULL.md §8,
// "Round-robin fairness").
func (d *Directory) RoundRobin(ctx context.Context, payload []byte) (stream.Source, error) {
	snap := d.Snapshot()
	if len(snap) == 0 {
		return nil, ErrNoReachableWorkers
	}
	idx := d.cursor.Add(1) - 1
	w := snap[idx%uint64(len(snap))]
	return w.Conn.Forward(ctx, payload)
}
