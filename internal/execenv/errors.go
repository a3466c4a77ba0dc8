// Package execenv implements the host-side execution environment service:
// job spawn/terminate, the snap↔job registry, RPC routing, and liveness
// polling over a per-job JSON-RPC engine.
package execenv

import "errors"

var (
	// ErrAlreadyExecuting is returned by executeSnap for a snapId already
	// present in the snap↔job mapping.
	ErrAlreadyExecuting = errors.New("snap already being executed")
	// ErrUnknownSnap is returned by terminateSnap for a snapId with no live
	// job (getRpcMessageHandler reports that case with ok=false instead).
	ErrUnknownSnap = errors.New("unknown snap")
	// ErrTerminated is returned by a snap RPC hook invoked after its job
	// has been terminated.
	ErrTerminated = errors.New("job terminated")
)
