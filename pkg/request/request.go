// Package request defines the data model shared by the dispatch core:
// the inbound Request, its derived scheduling priority, and the stream
// sink a caller receives token frames on.
package request

import (
	"go.opentelemetry.io/otel/propagation"

	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

// RoutingHint lets an upstream component (e.g. a tokenizer-side router)
// pre-compute a worker placement; see SPEC_FULL.md §4.4.5.
type RoutingHint struct {
	WorkerID      uint64
	PrefixHitRate float64
}

// Request is a single generation request entering the dispatch core.
type Request struct {
	ID                 string
	ArrivalTimeMs      int64
	TTFTBudgetMs        int64
	EstimatedPrefillMs int64
	PromptTokenIDs     []int64

	// TraceContext is carried as an OTel propagation carrier; the
	// Dispatcher forwards it unchanged to the worker as the payload's
	// trace_headers.
	TraceContext propagation.MapCarrier

	// Hint, when non-nil with a non-zero WorkerID, short-circuits
	// KvLoadAware routing per SPEC_FULL.md §4.4.5.
	Hint *RoutingHint

	// Sink is where token frames produced by the chosen worker are
	// written; the Dispatcher owns closing it.
	Sink stream.Sink
}

// CeilToBucket rounds ms up to the nearest multiple of bucketMs.
// bucketMs must be >= 1 (enforced by the queue constructor). Go's /
// truncates toward zero rather than flooring, so the quotient is
// adjusted by hand instead of folding bucketMs-1 into the dividend —
// that trick only rounds up correctly for non-negative ms.
func CeilToBucket(ms int64, bucketMs int64) int64 {
	q := ms / bucketMs
	if ms%bucketMs > 0 {
		q++
	}
	return q * bucketMs
}

// Deadline computes the derived deadline_ms for this request per
// SPEC_FULL.md §3 ("Derived deadline"): ceil_to_bucket(arrival + ttft -
// prefill, bucket_ms). Already-late requests are not rejected here —
// admission control is the caller's responsibility.
func (r *Request) Deadline(bucketMs int64) int64 {
	raw := r.ArrivalTimeMs + r.TTFTBudgetMs - r.EstimatedPrefillMs
	return CeilToBucket(raw, bucketMs)
}
