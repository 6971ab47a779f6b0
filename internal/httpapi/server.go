// Package httpapi exposes the inbound chat/completions gateway
// (SPEC_FULL.md §6): a gin server accepting a request envelope and
// server-streaming delta frames over SSE.
//
// Grounded on the teacher's createCompletion/handleStreamingCompletion
// handlers in pkg/api/integration_handler.go (gin.Context binding,
// OpenTelemetry span-per-request middleware, `data: %s\n\n` SSE
// framing), adapted to enqueue onto DARQ instead of a database-backed
// job queue.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/darq"
	"github.com/khryptorgraphics/dispatchcore/pkg/dispatcher"
	"github.com/khryptorgraphics/dispatchcore/pkg/request"
	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

// chatCompletionRequest mirrors SPEC_FULL.md §6's inbound envelope.
type chatCompletionRequest struct {
	Messages      json.RawMessage   `json:"messages"`
	Prompt        string            `json:"prompt"`
	SamplingParams json.RawMessage  `json:"sampling_params"`
	Stream        bool              `json:"stream"`
	TTFTBudgetMs  int64             `json:"ttft_budget_ms"`
	TraceContext  map[string]string `json:"trace_context"`
	PromptTokenIDs []int64          `json:"prompt_token_ids"`
	EstimatedPrefillMs int64        `json:"estimated_prefill_ms"`
}

// Server is the chat/completions HTTP gateway.
type Server struct {
	queue      *darq.Queue
	clock      clock.Clock
	log        zerolog.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	engine     *gin.Engine
}

// New constructs the gin engine and registers routes.
func New(queue *darq.Queue, clk clock.Clock, log zerolog.Logger, tracer trace.Tracer, propagator propagation.TextMapPropagator) *Server {
	s := &Server{
		queue:      queue,
		clock:      clk,
		log:        log,
		tracer:     tracer,
		propagator: propagator,
		engine:     gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.tracingMiddleware())
	s.engine.POST("/v1/chat/completions", s.createChatCompletion)
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx, span := s.tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func (s *Server) createChatCompletion(c *gin.Context) {
	var body chatCompletionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	ttft := body.TTFTBudgetMs
	if ttft <= 0 {
		ttft = 30_000
	}

	sink, source := stream.NewChanPipe(16)
	req := &request.Request{
		ID:                 dispatcher.NewRequestID(),
		ArrivalTimeMs:      clock.NowMs(s.clock),
		TTFTBudgetMs:       ttft,
		EstimatedPrefillMs: body.EstimatedPrefillMs,
		PromptTokenIDs:     body.PromptTokenIDs,
		TraceContext:       propagation.MapCarrier(body.TraceContext),
		Sink:               sink,
	}

	s.queue.Enqueue(req)

	if !body.Stream {
		c.JSON(http.StatusAccepted, gin.H{"id": req.ID, "status": "queued"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			fmt.Fprintf(c.Writer, "data: {\"error\":%q}\n\n", err.Error())
			c.Writer.Flush()
			return
		}
		if len(frame.Data) > 0 {
			fmt.Fprintf(c.Writer, "data: %s\n\n", frame.Data)
			c.Writer.Flush()
		}
		if frame.Finished {
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return
		}
	}
}
