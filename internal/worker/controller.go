// Package worker implements the isolate side of a job: platform lockdown,
// the closed endowment set, per-snap compartments, and the command
// dispatch loop that talks to the execution environment service over a
// multiplexed transport.
package worker

import (
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/rpcengine"
	"github.com/xfeldman/snapexec/internal/stream"
)

// Controller is the top-level isolate-side process: it owns the transport
// multiplexer, the command substream loop, and the dispatcher that routes
// commands to compartments.
type Controller struct {
	log        *zap.Logger
	mux        *stream.Multiplexer
	commandSub *stream.Substream
	jsonRPCSub *stream.Substream
	dispatcher *Dispatcher
}

// NewController performs the one-time platform lockdown and wires a
// controller around transport, a duplex connection back to the host
// process (a subprocess's stdio pipes or a loopback TCP connection).
func NewController(transport io.ReadWriteCloser, log *zap.Logger) *Controller {
	Lockdown(DefaultLockdown)

	mux := stream.NewMultiplexer(stream.NewFramedStream(transport))
	return &Controller{
		log:        log,
		mux:        mux,
		commandSub: mux.Channel("command"),
		jsonRPCSub: mux.Channel("jsonRpc"),
		dispatcher: NewDispatcher(log),
	}
}

// Run reads commands off the command substream until ctx is done or the
// transport closes. Every command gets exactly one response, success or
// error, so the host's rpcengine call always resolves.
func (c *Controller) Run(ctx context.Context) error {
	defer c.dispatcher.TerminateAll()
	defer c.mux.Close()

	for {
		raw, err := c.commandSub.Recv(ctx)
		if err != nil {
			return err
		}

		var req rpcengine.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("dropping unparsable command", zap.Error(err))
			continue
		}

		go c.handle(ctx, req)
	}
}

func (c *Controller) handle(ctx context.Context, req rpcengine.Request) {
	result, err := c.dispatcher.Dispatch(req.Method, req.Params, c.jsonRPCSub)

	resp := rpcengine.Response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = &rpcengine.RPCError{Message: err.Error()}
	} else {
		resultJSON, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Error = &rpcengine.RPCError{Message: marshalErr.Error()}
		} else {
			resp.Result = resultJSON
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("marshal command response", zap.Error(err))
		return
	}
	if err := c.commandSub.Send(ctx, out); err != nil {
		c.log.Warn("send command response", zap.String("method", req.Method), zap.Error(err))
	}
}
