package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/darq"
	"github.com/khryptorgraphics/dispatchcore/pkg/directory"
	"github.com/khryptorgraphics/dispatchcore/pkg/metrics"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
	"github.com/khryptorgraphics/dispatchcore/pkg/router"
	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

// singleFrameConn immediately completes every forward with one data
// frame followed by end-of-stream.
type singleFrameConn struct{}

func (singleFrameConn) Forward(_ context.Context, _ []byte) (stream.Source, error) {
	sink, source := stream.NewChanPipe(2)
	_ = sink.Send(stream.Frame{Data: []byte(`{"token":"hi"}`)})
	_ = sink.Send(stream.Frame{Finished: true})
	return source, nil
}

func TestDispatcherProxiesSingleRequestToCompletion(t *testing.T) {
	mock := clock.NewMock()
	queue, err := darq.New(0, 1, mock)
	require.NoError(t, err)

	dir := directory.New()
	dir.AddWorker(&directory.Worker{ID: 1, Conn: singleFrameConn{}})

	agg := metrics.New()
	rt, err := router.New(router.Config{Policy: router.PolicyRandom}, dir, agg, mock, zerolog.Nop())
	require.NoError(t, err)

	d := New(queue, rt, dir, Config{
		MaxRetries:        1,
		FirstTokenTimeout: time.Second,
		IsIdle:            func() bool { return true },
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	sink, source := stream.NewChanPipe(4)
	req := &request.Request{ID: "r1", Sink: sink}
	queue.Enqueue(req)

	frame, err := source.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"token":"hi"}`, string(frame.Data))

	frame, err = source.Next(ctx)
	require.NoError(t, err)
	require.True(t, frame.Finished)
}
