package execenv

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xfeldman/snapexec/internal/stream"
)

// RPCHook is the function the service exposes to callers for one snap:
// deliver an origin-tagged request into the snap and await its result.
// Created when executeSnap succeeds, deleted when the snap is terminated.
type RPCHook func(ctx context.Context, origin string, request json.RawMessage) (json.RawMessage, error)

// snapRPCParams is the wire shape sent to the worker's snapRpc command.
type snapRPCParams struct {
	Origin  string          `json:"origin"`
	Request json.RawMessage `json:"request"`
	Target  string          `json:"target"`
}

func newRPCHook(j *job) RPCHook {
	return func(ctx context.Context, origin string, request json.RawMessage) (json.RawMessage, error) {
		select {
		case <-j.engine.Terminated():
			return nil, ErrTerminated
		default:
		}
		params := snapRPCParams{Origin: origin, Request: request, Target: j.snapID}
		// Returned verbatim, not wrapped: a snap handler's thrown error message
		// must reach the caller unchanged, since rpcengine's error already
		// carries exactly that message.
		result, err := j.engine.Call(ctx, "snapRpc", params)
		if errors.Is(err, stream.ErrClosed) {
			return nil, ErrTerminated
		}
		return result, err
	}
}
