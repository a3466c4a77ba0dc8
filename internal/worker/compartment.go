package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/stream"
)

// Compartment is one snap's isolated evaluation context: a fresh
// goja.Runtime with only the closed Endowments set installed, driven by its
// own single-goroutine event loop. goja.Runtime is not safe for concurrent
// use, so every touch of rt — including endowment callbacks firing from
// background goroutines — is funneled through loop.schedule.
type Compartment struct {
	snapID string
	rt     *goja.Runtime
	loop   *eventLoop
	log    *zap.Logger

	provider *provider
	stop     chan struct{}
	done     chan struct{}
}

// NewCompartment builds and starts a compartment for snapID. jsonRPC is the
// substream the snap's wallet provider uses to talk to the host.
func NewCompartment(snapID string, jsonRPC *stream.Substream, log *zap.Logger) (*Compartment, error) {
	rt := goja.New()
	loop := newEventLoop()
	p := newProvider(snapID, jsonRPC, loop)

	endow, err := buildEndowments(rt, log, loop, p.object(rt))
	if err != nil {
		return nil, fmt.Errorf("compartment %s: build endowments: %w", snapID, err)
	}
	if err := endow.install(rt); err != nil {
		return nil, fmt.Errorf("compartment %s: install endowments: %w", snapID, err)
	}

	c := &Compartment{
		snapID:   snapID,
		rt:       rt,
		loop:     loop,
		log:      log,
		provider: p,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.loop.run(c.stop)
	}()
	return c, nil
}

// Evaluate runs source synchronously on the compartment's loop goroutine and
// returns any evaluation error. Evaluate does not itself clear a handler the
// source registered before throwing; the dispatcher discards the whole
// compartment, handler included, when evaluation fails.
func (c *Compartment) Evaluate(source string) error {
	errCh := make(chan error, 1)
	c.loop.schedule(func() {
		_, err := c.rt.RunString(source)
		errCh <- err
	})
	return <-errCh
}

// InvokeHandler calls the snap's registered RPC message handler, if any,
// with origin and the parsed request value as arguments, returning its
// exported result. request is unmarshaled before crossing into the
// runtime so `request.method` reads naturally inside a snap instead of
// requiring the snap to JSON.parse a string.
func (c *Compartment) InvokeHandler(origin string, request json.RawMessage) (interface{}, error) {
	if !c.provider.hasHandler() {
		return nil, fmt.Errorf("no rpc message handler registered for %s", c.snapID)
	}

	var parsed interface{}
	if len(request) > 0 {
		if err := json.Unmarshal(request, &parsed); err != nil {
			return nil, fmt.Errorf("invoke handler %s: unmarshal request: %w", c.snapID, err)
		}
	}

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	c.loop.schedule(func() {
		c.provider.mu.Lock()
		h := c.provider.handler
		c.provider.mu.Unlock()
		if h == nil {
			errCh <- fmt.Errorf("no rpc message handler registered for %s", c.snapID)
			return
		}
		result, err := h.fn(goja.Undefined(), c.rt.ToValue(origin), c.rt.ToValue(parsed))
		if err != nil {
			// A synchronously thrown Error surfaces as its message alone.
			if ex, ok := err.(*goja.Exception); ok {
				if obj, ok := ex.Value().(*goja.Object); ok {
					if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
						err = errors.New(msg.String())
					}
				}
			}
			errCh <- err
			return
		}
		exported, err := settleHandlerResult(result)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- exported
	})
	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return nil, err
	}
}

// settleHandlerResult exports the value an RPC message handler returned. An
// async handler's call always produces a *goja.Promise rather than its
// resolved value; since the handler runs to completion with no host-visible
// await point, the promise is already settled by the time h.fn returns, so
// its fulfilled value or rejection reason is read directly rather than
// scheduling further continuations.
func settleHandlerResult(result goja.Value) (interface{}, error) {
	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		return result.Export(), nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		// A thrown Error's message is surfaced verbatim, matching the
		// synchronous-throw path in InvokeHandler, so a caller sees the
		// same message regardless of whether the handler was async.
		reason := promise.Result()
		if obj, ok := reason.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return nil, errors.New(msg.String())
			}
		}
		return nil, fmt.Errorf("%v", reason.Export())
	default:
		return nil, fmt.Errorf("rpc message handler returned an unsettled promise")
	}
}

// Terminate stops the compartment's event loop. The goja.Runtime and any
// in-flight background goroutines (fetch, WebSocket) are left to the Go
// garbage collector and to fail their own continuations once scheduling
// becomes a no-op.
func (c *Compartment) Terminate() {
	c.loop.stop()
	close(c.stop)
	<-c.done
}
