package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/xfeldman/snapexec/internal/stream"
)

// rpcHandler is the snap-registered callback for inbound JSON-RPC requests
// forwarded from the host (wallet_invokeSnap and friends land here).
type rpcHandler struct {
	fn goja.Callable
	rt *goja.Runtime
}

// provider is the `wallet` endowment: the only channel a snap has to talk
// back to the host. It exposes request(args) to send an outbound JSON-RPC
// call over the jsonRpc substream, and registerRpcMessageHandler(fn) to
// receive inbound calls the host routes to this snap. A snap may register
// at most one handler; a second registration throws, mirroring the
// single-handler invariant on the host's job registry.
type provider struct {
	snapID string
	jsonRPC *stream.Substream
	loop    *eventLoop

	mu      sync.Mutex
	handler *rpcHandler

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
}

func newProvider(snapID string, jsonRPC *stream.Substream, loop *eventLoop) *provider {
	p := &provider{
		snapID:  snapID,
		jsonRPC: jsonRPC,
		loop:    loop,
		pending: make(map[string]chan json.RawMessage),
	}
	go p.recvLoop()
	return p
}

// recvLoop resolves responses to this snap's own outbound wallet.request()
// calls. Host-initiated calls into the snap arrive on the command channel
// as a snapRpc dispatch instead (see dispatch.go), not here — the jsonRpc
// substream carries only the snap's own provider traffic.
func (p *provider) recvLoop() {
	ctx := context.Background()
	for {
		raw, err := p.jsonRPC.Recv(ctx)
		if err != nil {
			return
		}

		var envelope struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if envelope.ID == "" {
			continue
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[envelope.ID]
		if ok {
			delete(p.pending, envelope.ID)
		}
		p.pendingMu.Unlock()
		if ok {
			ch <- envelope.Result
		}
	}
}

// object builds the goja.Value exposed to the snap as `wallet`.
func (p *provider) object(rt *goja.Runtime) goja.Value {
	obj := rt.NewObject()
	obj.Set("registerRpcMessageHandler", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("registerRpcMessageHandler requires a function"))
		}
		fn, ok := goja.AssertFunction(call.Arguments[0])
		if !ok {
			panic(rt.NewTypeError("registerRpcMessageHandler argument must be a function"))
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.handler != nil {
			panic(rt.NewGoError(fmt.Errorf("rpc message handler already registered for %s", p.snapID)))
		}
		p.handler = &rpcHandler{fn: fn, rt: rt}
		return goja.Undefined()
	})
	obj.Set("request", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("wallet.request requires an argument"))
		}
		id := p.snapID + "-" + fmt.Sprint(len(p.pending))
		respCh := make(chan json.RawMessage, 1)
		p.pendingMu.Lock()
		p.pending[id] = respCh
		p.pendingMu.Unlock()

		payload := map[string]interface{}{
			"id":     id,
			"method": "snapRpc",
			"params": call.Arguments[0].Export(),
		}
		out, _ := json.Marshal(payload)
		if err := p.jsonRPC.Send(context.Background(), out); err != nil {
			panic(rt.NewGoError(err))
		}

		// No cooperative cancellation here by design: a request outlives its
		// call only until the job is terminated, which tears down jsonRPC
		// and every pending continuation along with it.
		result := <-respCh
		return rt.ToValue(string(result))
	})
	return obj
}

// hasHandler reports whether a handler is registered, used by dispatch to
// distinguish "snap exists but hasn't registered" from "handler invoked".
func (p *provider) hasHandler() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}
