package darq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

func newTestRequest(id string, arrival, ttft, prefill int64) *request.Request {
	sink, _ := stream.NewChanPipe(1)
	return &request.Request{
		ID:                 id,
		ArrivalTimeMs:      arrival,
		TTFTBudgetMs:       ttft,
		EstimatedPrefillMs: prefill,
		Sink:               sink,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(-1, 1, clock.NewMock())
	require.ErrorIs(t, err, ErrConfigInvalid)

	_, err = New(0, 0, clock.NewMock())
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestEDFReleaseOrder(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(0, 1, mock)
	require.NoError(t, err)

	a := newTestRequest("a", 0, 100, 0) // deadline 100
	b := newTestRequest("b", 0, 200, 0) // deadline 200
	q.Enqueue(b)
	q.Enqueue(a)

	mock.Set(time.UnixMilli(200))

	ctx := context.Background()
	first, err := q.DequeueEligible(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, "a", first.ID)

	second, err := q.DequeueEligible(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, "b", second.ID)
}

func TestPrefillTieBreak(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(0, 1, mock)
	require.NoError(t, err)

	// Equal deadlines (arrival + ttft - prefill = 100 for both), differing
	// estimated_prefill_ms.
	slow := newTestRequest("slow", 0, 110, 10) // 0+110-10=100
	fast := newTestRequest("fast", 0, 100, 0)  // 0+100-0=100

	q.Enqueue(slow)
	q.Enqueue(fast)

	mock.Set(time.UnixMilli(100))

	ctx := context.Background()
	first, err := q.DequeueEligible(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, "fast", first.ID, "lower estimated_prefill_ms must dequeue first on a deadline tie")
}

func TestFIFOOnFullTie(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(0, 1, mock)
	require.NoError(t, err)

	first := newTestRequest("first", 0, 100, 0)
	second := newTestRequest("second", 0, 100, 0)
	q.Enqueue(first)
	q.Enqueue(second)

	mock.Set(time.UnixMilli(100))

	ctx := context.Background()
	got1, err := q.DequeueEligible(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, "first", got1.ID)

	got2, err := q.DequeueEligible(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, "second", got2.ID)
}

func TestBufferBlocksRelease(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(50, 1, mock) // buffer_ms = 50
	require.NoError(t, err)

	req := newTestRequest("req", 0, 100, 0) // deadline 100, eligible_at = 50
	q.Enqueue(req)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	mock.Set(time.UnixMilli(49))

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = q.DequeueEligible(ctx, func() bool { return false })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dequeue_eligible returned before deadline - buffer_ms, expected it to block")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	<-done
	require.True(t, errors.Is(gotErr, context.Canceled))
}

func TestIdleBypassIgnoresEligibility(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(0, 1, mock)
	require.NoError(t, err)

	req := newTestRequest("req", 0, 1_000_000, 0) // deadline far in the future
	q.Enqueue(req)

	mock.Set(time.UnixMilli(0))

	ctx := context.Background()
	got, err := q.DequeueEligible(ctx, func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, "req", got.ID)
}

func TestCancelPreventsRelease(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(0, 1, mock)
	require.NoError(t, err)

	cancelled := newTestRequest("cancelled", 0, 100, 0)
	survivor := newTestRequest("survivor", 0, 100, 0)
	q.Enqueue(cancelled)
	q.Enqueue(survivor)
	q.Cancel("cancelled")

	mock.Set(time.UnixMilli(100))

	ctx := context.Background()
	got, err := q.DequeueEligible(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, "survivor", got.ID)
	require.Equal(t, 0, q.Size())
}

func TestSizeReflectsPendingEntries(t *testing.T) {
	mock := clock.NewMock()
	q, err := New(0, 1, mock)
	require.NoError(t, err)
	require.Equal(t, 0, q.Size())

	q.Enqueue(newTestRequest("a", 0, 100, 0))
	q.Enqueue(newTestRequest("b", 0, 100, 0))
	require.Equal(t, 2, q.Size())
}
