// Package darq implements the Deadline-Aware Request Queue (DARQ,
// SPEC_FULL.md §4.3 / C3): a priority queue ordered by
// (deadline_ms, estimated_prefill_ms, sequence_number) whose release is
// gated by an eligibility rule, with an opportunistic bypass for idle
// workers.
//
// The heap + condition-variable shape is grounded on the request queue
// in other_examples' llm-gateway performance package, generalized from
// its flat Priority enum to DARQ's three-part ordering and from a
// fixed worker pool to the spec's dequeue_eligible(is_idle) gate.
package darq

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
)

func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ErrConfigInvalid is returned by New when constructor arguments violate
// SPEC_FULL.md §7's ConfigInvalid rules for DARQ.
var ErrConfigInvalid = errors.New("darq: config invalid")

// entry is the queue tuple from SPEC_FULL.md §3: (deadline_ms,
// estimated_prefill_ms, sequence_number, request).
type entry struct {
	deadlineMs int64
	prefillMs  int64
	seq        uint64
	req        *request.Request
}

// entryHeap implements container/heap.Interface with the three-part
// ascending priority order: deadline, then prefill, then sequence.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.deadlineMs != b.deadlineMs {
		return a.deadlineMs < b.deadlineMs
	}
	if a.prefillMs != b.prefillMs {
		return a.prefillMs < b.prefillMs
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the concurrency-safe DARQ implementation described in
// SPEC_FULL.md §4.3 and §5: one mutex plus one condition variable
// guarding a container/heap priority structure.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
	heap entryHeap

	bufferMs int64
	bucketMs int64
	clock    clock.Clock

	nextSeq   uint64
	tombstone map[string]struct{}
}

// New constructs a Queue. bufferMs must be non-negative and bucketMs
// must be at least 1, matching SPEC_FULL.md §6/§7; violating either
// returns ErrConfigInvalid (scenario 4 of SPEC_FULL.md §8).
func New(bufferMs, bucketMs int64, clk clock.Clock) (*Queue, error) {
	if bufferMs < 0 {
		return nil, fmt.Errorf("%w: buffer_ms must be non-negative, got %d", ErrConfigInvalid, bufferMs)
	}
	if bucketMs < 1 {
		return nil, fmt.Errorf("%w: bucket_ms must be >= 1, got %d", ErrConfigInvalid, bucketMs)
	}
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		bufferMs:  bufferMs,
		bucketMs:  bucketMs,
		clock:     clk,
		tombstone: make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.heap)
	return q, nil
}

// Enqueue computes the derived deadline and inserts req. It never
// blocks and never fails; admission control is the caller's
// responsibility (SPEC_FULL.md §4.3 "Failure semantics").
func (q *Queue) Enqueue(req *request.Request) uint64 {
	q.mu.Lock()
	q.nextSeq++
	seq := q.nextSeq
	e := &entry{
		deadlineMs: req.Deadline(q.bucketMs),
		prefillMs:  req.EstimatedPrefillMs,
		seq:        seq,
		req:        req,
	}
	heap.Push(&q.heap, e)
	q.mu.Unlock()

	// A new entry may have become the new head with an earlier
	// eligibility; wake any waiter so it can re-evaluate.
	q.cond.Broadcast()
	return seq
}

// Cancel tombstones the request with the given ID so a subsequent
// DequeueEligible discards it instead of releasing it, satisfying
// "a cancelled request must not appear on any worker after cancel()
// returns successfully" for requests not yet released. Cancelling an ID
// that was already released or never enqueued affects no queued request,
// but its tombstone stays recorded and discards any later request
// enqueued under the same ID.
func (q *Queue) Cancel(requestID string) {
	q.mu.Lock()
	q.tombstone[requestID] = struct{}{}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// NotifyIdleChanged wakes any goroutine blocked in DequeueEligible so
// it can re-evaluate eligibility against an updated isIdle() result,
// implementing the "is_idle flag transitions to true" wake-up rule of
// SPEC_FULL.md §5 without DARQ owning idle state itself.
func (q *Queue) NotifyIdleChanged() {
	q.cond.Broadcast()
}

// Size returns an approximate current queue length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// DequeueEligible returns the highest-priority request whose release is
// currently allowed, per SPEC_FULL.md §4.3:
//
//   - isIdle is evaluated fresh on every wake-up; when it reports true
//     the current head is returned immediately regardless of its
//     eligibility (opportunistic release).
//   - otherwise the head is released once now_ms >= deadline_ms -
//     buffer_ms; until then the caller is suspended on the queue's
//     condition variable, woken by Enqueue, Cancel, NotifyIdleChanged,
//     or its own eligibility timer, whichever comes first.
//
// DequeueEligible returns ctx.Err() if ctx is cancelled before a
// request becomes eligible.
func (q *Queue) DequeueEligible(ctx context.Context, isIdle func() bool) (*request.Request, error) {
	if isIdle == nil {
		isIdle = func() bool { return false }
	}

	// waiterDone lets the context-cancellation goroutine below know it
	// can stop nudging the condition variable.
	waiterDone := make(chan struct{})
	defer close(waiterDone)
	go func() {
		select {
		case <-ctx.Done():
			// Holding q.mu guarantees the waiter is either inside
			// cond.Wait or has not yet re-checked ctx, so the wake-up
			// cannot be lost.
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-waiterDone:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.discardTombstonedLocked()

		if len(q.heap) == 0 {
			q.cond.Wait()
			continue
		}

		head := q.heap[0]

		if isIdle() {
			return q.popLocked(), nil
		}

		eligibleAt := head.deadlineMs - q.bufferMs
		nowMs := clock.NowMs(q.clock)
		if nowMs >= eligibleAt {
			return q.popLocked(), nil
		}

		q.waitUntilLocked(ctx, eligibleAt-nowMs)
	}
}

// discardTombstonedLocked drops any cancelled entries sitting at the
// heap root so they are never handed to a caller. Must be called with
// q.mu held.
func (q *Queue) discardTombstonedLocked() {
	for len(q.heap) > 0 {
		head := q.heap[0]
		if _, cancelled := q.tombstone[head.req.ID]; !cancelled {
			return
		}
		heap.Pop(&q.heap)
		delete(q.tombstone, head.req.ID)
	}
}

// popLocked removes and returns the heap root. Must be called with
// q.mu held and the heap non-empty.
func (q *Queue) popLocked() *request.Request {
	e := heap.Pop(&q.heap).(*entry)
	delete(q.tombstone, e.req.ID)
	return e.req
}

// waitUntilLocked blocks until waitMs elapses, q.cond is signalled, or
// ctx is done — releasing q.mu for the duration, as sync.Cond.Wait
// requires. A background timer goroutine performs the Broadcast so the
// eligibility timeout itself participates in the same wake-up channel
// as Enqueue/Cancel/NotifyIdleChanged.
func (q *Queue) waitUntilLocked(ctx context.Context, waitMs int64) {
	if waitMs < 0 {
		waitMs = 0
	}
	timer := q.clock.Timer(durationMs(waitMs))
	stop := make(chan struct{})
	go func() {
		select {
		case <-timer.C:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
			timer.Stop()
		}
	}()
	q.cond.Wait()
	close(stop)
}
