// Package rpcengine implements the host-side JSON-RPC 2.0 correlation layer
// used over a command substream: every outbound request gets a fresh,
// collision-resistant id; responses may arrive out of order and are routed
// back to the waiting caller by that id.
package rpcengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xfeldman/snapexec/internal/stream"
)

// Request is an outbound JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Middleware wraps a Call. The terminal middleware (installed by New)
// writes the request to the substream and resolves it on matching
// response; middleware passed to New runs around that, outermost first.
type Middleware func(next CallFunc) CallFunc

// CallFunc issues one RPC call and returns its raw result or an error.
type CallFunc func(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

// Engine correlates outbound requests sent on a command substream with
// their responses. One Engine exists per job. It is the substream's only
// reader: every inbound message, id-bearing or not, passes through
// recvLoop, so a second goroutine can never race it for a message.
type Engine struct {
	sub *stream.Substream

	mu      sync.Mutex
	pending map[string]chan Response

	chain CallFunc

	onOutOfBand func(json.RawMessage)

	recvOnce sync.Once
	recvDone chan struct{}
}

// New creates an Engine bound to a command substream and starts its
// response-reading loop. onOutOfBand, if non-nil, is invoked from that same
// loop for every inbound message that carries no id (not a response to any
// in-flight Call) — callers must not start their own reader on sub, since
// Substream.Recv hands each message to exactly one caller and a second
// reader would steal messages the engine needs. mws are applied
// outermost-first around the terminal stage that writes to the substream.
func New(sub *stream.Substream, onOutOfBand func(json.RawMessage), mws ...Middleware) *Engine {
	e := &Engine{
		sub:         sub,
		pending:     make(map[string]chan Response),
		recvDone:    make(chan struct{}),
		onOutOfBand: onOutOfBand,
	}

	terminal := e.send
	for i := len(mws) - 1; i >= 0; i-- {
		terminal = mws[i](terminal)
	}
	e.chain = terminal

	go e.recvLoop()
	return e
}

// Call issues method(params) and blocks for the matching response. The
// response's error field (if any) surfaces as a non-nil error whose message
// is the response's error message.
func (e *Engine) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return e.chain(ctx, method, params)
}

func (e *Engine) send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := uuid.NewString()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpcengine: marshal params for %s: %w", method, err)
	}

	respCh := make(chan Response, 1)
	e.mu.Lock()
	e.pending[id] = respCh
	e.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		e.dropPending(id)
		return nil, fmt.Errorf("rpcengine: marshal request %s: %w", method, err)
	}

	if err := e.sub.Send(ctx, reqJSON); err != nil {
		e.dropPending(id)
		return nil, fmt.Errorf("rpcengine: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		e.dropPending(id)
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("rpcengine: %s: terminated", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%w", resp.Error)
		}
		return resp.Result, nil
	case <-e.recvDone:
		return nil, fmt.Errorf("rpcengine: %s: stream closed", method)
	}
}

func (e *Engine) dropPending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) recvLoop() {
	defer close(e.recvDone)
	ctx := context.Background()
	for {
		raw, err := e.sub.Recv(ctx)
		if err != nil {
			e.rejectAllPending()
			return
		}

		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			// Not a well-formed Response (e.g. a string error field); it can
			// still be an id-less out-of-band message.
			var probe struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(raw, &probe) != nil || probe.ID != "" {
				continue
			}
			resp = Response{}
		}
		if resp.ID == "" {
			// Out-of-band message (no id) — not a response to any Call.
			if e.onOutOfBand != nil {
				e.onOutOfBand(raw)
			}
			continue
		}

		e.mu.Lock()
		ch, ok := e.pending[resp.ID]
		if ok {
			delete(e.pending, resp.ID)
		}
		e.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (e *Engine) rejectAllPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		close(ch)
		delete(e.pending, id)
	}
}

// Terminated reports whether the engine's receive loop has exited (the
// underlying substream closed or failed).
func (e *Engine) Terminated() <-chan struct{} {
	return e.recvDone
}
