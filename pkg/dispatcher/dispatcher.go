// Package dispatcher implements the Dispatcher (SPEC_FULL.md §4.5 /
// C5): the glue that pulls eligible requests off DARQ, routes them,
// forwards them through the Worker Directory, and proxies the
// resulting token stream back to the caller's sink.
//
// Grounded on the teacher's scheduling loop shape in
// pkg/scheduler/engine.go (a release-loop goroutine draining a queue
// and handing work to a worker pool), generalized to DARQ's
// condition-gated release and the Router's decision kinds.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/khryptorgraphics/dispatchcore/pkg/darq"
	"github.com/khryptorgraphics/dispatchcore/pkg/directory"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
	"github.com/khryptorgraphics/dispatchcore/pkg/router"
	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

// ErrRetriable marks engine failures the Dispatcher may retry with a
// fresh routing decision, per SPEC_FULL.md §4.5 step 4 / §7.
var ErrRetriable = errors.New("dispatcher: retriable engine error")

// wirePayload mirrors SPEC_FULL.md §6's worker-facing payload shape.
type wirePayload struct {
	RequestID     string            `json:"request_id"`
	EnginePrompt  []int64           `json:"engine_prompt"`
	SamplingParams json.RawMessage  `json:"sampling_params,omitempty"`
	PrefixHitRate *float64          `json:"prefix_hit_rate,omitempty"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// Config tunes Dispatcher behavior; zero value uses spec defaults.
type Config struct {
	MaxRetries        int
	FirstTokenTimeout time.Duration
	IsIdle            func() bool
}

// DefaultConfig returns SPEC_FULL.md §6/§5 defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        1,
		FirstTokenTimeout: 30 * time.Second,
		IsIdle:            func() bool { return false },
	}
}

// Dispatcher wires DARQ -> Router -> Worker Directory and proxies
// response streams back to each request's sink.
type Dispatcher struct {
	queue *darq.Queue
	rt    *router.Router
	dir   *directory.Directory
	cfg   Config
	log   zerolog.Logger
	tr    trace.Tracer
}

// New constructs a Dispatcher. A zero Config is replaced with
// DefaultConfig.
func New(queue *darq.Queue, rt *router.Router, dir *directory.Directory, cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.MaxRetries == 0 && cfg.FirstTokenTimeout == 0 && cfg.IsIdle == nil {
		cfg = DefaultConfig()
	}
	if cfg.IsIdle == nil {
		cfg.IsIdle = func() bool { return false }
	}
	return &Dispatcher{
		queue: queue,
		rt:    rt,
		dir:   dir,
		cfg:   cfg,
		log:   log,
		tr:    otel.Tracer("dispatchcore/dispatcher"),
	}
}

// Run drives the release loop until ctx is cancelled: pull the next
// eligible request from DARQ and handle it in its own goroutine so a
// slow stream never blocks the release of the next request.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		req, err := d.queue.DequeueEligible(ctx, d.cfg.IsIdle)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		go d.handle(ctx, req)
	}
}

func (d *Dispatcher) handle(ctx context.Context, req *request.Request) {
	ctx, span := d.tr.Start(ctx, "dispatch_request", trace.WithAttributes(
		attribute.String("request_id", req.ID),
	))
	defer span.End()

	log := d.log.With().Str("request_id", req.ID).Logger()

	attempt := 0
	firstTokenSeen := false
	for {
		src, err := d.route(ctx, req)
		if err != nil {
			log.Error().Err(err).Msg("routing failed, terminating request")
			_ = req.Sink.Close(err)
			return
		}

		err = d.proxy(ctx, req, src, &firstTokenSeen)
		if err == nil {
			_ = req.Sink.Close(nil)
			return
		}
		if errors.Is(err, context.Canceled) {
			_ = req.Sink.Close(err)
			return
		}
		if errors.Is(err, ErrRetriable) && !firstTokenSeen && attempt < d.cfg.MaxRetries {
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Msg("retrying with fresh routing decision")
			continue
		}

		log.Error().Err(err).Msg("engine error, surfacing to sink")
		_ = req.Sink.Close(err)
		return
	}
}

func (d *Dispatcher) route(ctx context.Context, req *request.Request) (stream.Source, error) {
	decision, err := d.rt.Select(req)
	if err != nil {
		return nil, err
	}

	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}

	switch decision.Kind {
	case router.DecisionWorker:
		return d.dir.Direct(ctx, decision.WorkerID, payload)
	case router.DecisionRoundRobin:
		return d.dir.RoundRobin(ctx, payload)
	default:
		return d.dir.Any(ctx, payload)
	}
}

// proxy streams frames from src to req.Sink until Finished or error. A
// stream.FatalError (the engine itself reported failure) and
// context.Canceled surface as-is; any other stream error is classified
// as ErrRetriable so handle can decide whether a retry applies.
func (d *Dispatcher) proxy(ctx context.Context, req *request.Request, src stream.Source, firstTokenSeen *bool) error {
	defer src.Close()

	firstTokenCtx, cancel := context.WithTimeout(ctx, d.cfg.FirstTokenTimeout)
	defer cancel()

	for {
		waitCtx := ctx
		if !*firstTokenSeen {
			waitCtx = firstTokenCtx
		}

		frame, err := src.Next(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !*firstTokenSeen {
				return errRetriable(err)
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			var fatal *stream.FatalError
			if errors.As(err, &fatal) {
				return err
			}
			return errRetriable(err)
		}

		if len(frame.Data) > 0 {
			*firstTokenSeen = true
			if err := req.Sink.Send(frame); err != nil {
				return err // sink disconnected; cooperative cancel of upstream via defer src.Close()
			}
		}
		if frame.Finished {
			return nil
		}
	}
}

func errRetriable(cause error) error {
	return errors.Join(ErrRetriable, cause)
}

func encodePayload(req *request.Request) ([]byte, error) {
	wp := wirePayload{
		RequestID:    req.ID,
		EnginePrompt: req.PromptTokenIDs,
	}
	if req.Hint != nil {
		rate := req.Hint.PrefixHitRate
		wp.PrefixHitRate = &rate
	}
	if len(req.TraceContext) > 0 {
		wp.TraceHeaders = map[string]string(req.TraceContext)
	}
	return json.Marshal(wp)
}

// NewRequestID generates an opaque request_id (SPEC_FULL.md §3).
func NewRequestID() string {
	return uuid.NewString()
}
