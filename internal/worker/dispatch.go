package worker

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/stream"
)

// executeSnapParams mirrors the host's executeSnap command payload.
type executeSnapParams struct {
	SnapID     string `json:"snapId"`
	SourceCode string `json:"sourceCode"`
}

// snapRpcParams mirrors the host's snapRpc command payload. Request is the
// raw JSON value the handler receives as its second argument, not a
// pre-stringified blob, so `request.method` reads naturally inside a snap.
type snapRpcParams struct {
	Target  string          `json:"target"`
	Origin  string          `json:"origin"`
	Request json.RawMessage `json:"request"`
}

// Dispatcher is the isolate-side command table: every message the host
// sends on the command substream lands here and is routed by method name,
// matching the teacher's harness dispatch switch.
type Dispatcher struct {
	log *zap.Logger

	mu           sync.Mutex
	compartments map[string]*Compartment
}

// NewDispatcher constructs an empty dispatcher. The substream new
// compartments bind their wallet provider to is passed to each Dispatch call.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		log:          log,
		compartments: make(map[string]*Compartment),
	}
}

// Dispatch handles one command and returns its JSON-RPC result, or an error
// whose message becomes the response's error field.
func (d *Dispatcher) Dispatch(method string, params json.RawMessage, jsonRPC *stream.Substream) (interface{}, error) {
	switch method {
	case "ping":
		return "OK", nil

	case "executeSnap":
		var p executeSnapParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid executeSnap params: %w", err)
		}
		if p.SnapID == "" || p.SourceCode == "" {
			return nil, fmt.Errorf("executeSnap requires snapId and sourceCode")
		}
		return nil, d.executeSnap(p.SnapID, p.SourceCode, jsonRPC)

	case "snapRpc":
		var p snapRpcParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid snapRpc params: %w", err)
		}
		return d.snapRPC(p)

	default:
		return nil, fmt.Errorf("Unrecognized command: %s", method)
	}
}

func (d *Dispatcher) executeSnap(snapID, source string, jsonRPC *stream.Substream) error {
	compartment, err := NewCompartment(snapID, jsonRPC, d.log)
	if err != nil {
		return fmt.Errorf("construct compartment for %s: %w", snapID, err)
	}

	d.mu.Lock()
	d.compartments[snapID] = compartment
	d.mu.Unlock()

	if err := compartment.Evaluate(source); err != nil {
		d.log.Warn("snap evaluation failed, tearing down handler",
			zap.String("snap_id", snapID), zap.Error(err))
		d.terminate(snapID)
		return fmt.Errorf("evaluate %s: %w", snapID, err)
	}
	return nil
}

func (d *Dispatcher) snapRPC(p snapRpcParams) (interface{}, error) {
	d.mu.Lock()
	compartment, ok := d.compartments[p.Target]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no running snap %q", p.Target)
	}
	return compartment.InvokeHandler(p.Origin, p.Request)
}

func (d *Dispatcher) terminate(snapID string) {
	d.mu.Lock()
	compartment, ok := d.compartments[snapID]
	if ok {
		delete(d.compartments, snapID)
	}
	d.mu.Unlock()
	if ok {
		compartment.Terminate()
	}
}

// TerminateAll tears down every running compartment, used when the isolate
// process itself is shutting down.
func (d *Dispatcher) TerminateAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.compartments))
	for id := range d.compartments {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.terminate(id)
	}
}
