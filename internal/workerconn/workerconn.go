// Package workerconn implements directory.Conn over a persistent
// gorilla/websocket connection to one inference worker, the
// "worker-facing" transport SPEC_FULL.md §6 calls for: a duplex
// channel carrying one opaque JSON payload out and a stream of JSON
// RequestOutput frames back.
//
// Grounded on the teacher's websocket.DefaultDialer.Dial usage in
// tests/standalone/integration_test.go, generalized from a one-shot
// test client into a long-lived, request-multiplexing connection.
package workerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/dispatchcore/pkg/stream"
)

// wireFrame is the wire shape of one worker RequestOutput frame per
// SPEC_FULL.md §6.
type wireFrame struct {
	RequestID string          `json:"request_id"`
	Finished  bool            `json:"finished"`
	Outputs   json.RawMessage `json:"outputs"`
	Error     string          `json:"error,omitempty"`
}

// Conn is a single worker's websocket endpoint. Each request gets its
// own demultiplexed stream.Source keyed by request_id embedded in the
// outbound payload.
type Conn struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan wireFrame
}

// Dial opens the websocket connection to a worker's engine endpoint
// and starts its inbound-frame demultiplexing loop.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("workerconn: dial %s: %w", url, err)
	}
	c := &Conn{
		url:     url,
		log:     log,
		ws:      ws,
		pending: make(map[string]chan wireFrame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Str("url", c.url).Msg("worker connection closed")
			c.closeAllPending(err)
			return
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed worker frame")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.RequestID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		ch <- f
		if f.Finished || f.Error != "" {
			c.mu.Lock()
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			close(ch)
		}
	}
}

func (c *Conn) closeAllPending(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	_ = cause
}

// Forward implements directory.Conn: it writes payload as one text
// message and returns a stream.Source yielding this request's frames
// as they arrive on the shared read loop.
func (c *Conn) Forward(ctx context.Context, payload []byte) (stream.Source, error) {
	var hdr struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return nil, fmt.Errorf("workerconn: payload missing request_id: %w", err)
	}

	ch := make(chan wireFrame, 8)
	c.mu.Lock()
	c.pending[hdr.RequestID] = ch
	c.mu.Unlock()

	c.mu.Lock()
	err := c.ws.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, hdr.RequestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("workerconn: write: %w", err)
	}

	return &frameSource{ch: ch}, nil
}

// Close tears down the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

type frameSource struct {
	ch chan wireFrame
}

func (s *frameSource) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return stream.Frame{Finished: true}, nil
		}
		if f.Error != "" {
			return stream.Frame{}, &stream.FatalError{Err: fmt.Errorf("workerconn: engine error: %s", f.Error)}
		}
		return stream.Frame{Data: f.Outputs, Finished: f.Finished}, nil
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (s *frameSource) Close() error {
	return nil
}
