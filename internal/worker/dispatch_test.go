package worker

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/xfeldman/snapexec/internal/stream"
)

func newTestJSONRPCSub(t *testing.T) *stream.Substream {
	t.Helper()
	a, b := netPipe(t)
	mux := stream.NewMultiplexer(stream.NewFramedStream(a))
	t.Cleanup(func() { mux.Close() })
	_ = stream.NewMultiplexer(stream.NewFramedStream(b)) // peer, drains frames via its own recvLoop
	return mux.Channel("jsonRpc")
}

func TestDispatchPing(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	sub := newTestJSONRPCSub(t)

	result, err := d.Dispatch("ping", nil, sub)
	if err != nil {
		t.Fatalf("Dispatch(ping): %v", err)
	}
	if result != "OK" {
		t.Errorf("result = %v, want OK", result)
	}
}

func TestDispatchUnrecognizedCommand(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	sub := newTestJSONRPCSub(t)

	_, err := d.Dispatch("doesNotExist", nil, sub)
	if err == nil {
		t.Fatal("expected error for unrecognized command")
	}
}

// terminateSnap is not in the closed command table: a snap is torn down by
// closing its transport, never by an RPC method on it.
func TestDispatchTerminateSnapIsUnrecognized(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	sub := newTestJSONRPCSub(t)

	_, err := d.Dispatch("terminateSnap", json.RawMessage(`{"snapId":"local:test"}`), sub)
	if err == nil {
		t.Fatal("expected error for terminateSnap, which is outside the closed dispatch table")
	}
}

func TestDispatchExecuteSnapRejectsMissingParams(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	sub := newTestJSONRPCSub(t)

	_, err := d.Dispatch("executeSnap", json.RawMessage(`{"snapId":""}`), sub)
	if err == nil {
		t.Fatal("expected error for missing sourceCode")
	}
}

func TestDispatchExecuteSnapThenSnapRpc(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	sub := newTestJSONRPCSub(t)

	params, _ := json.Marshal(executeSnapParams{
		SnapID: "local:test",
		SourceCode: `
			wallet.registerRpcMessageHandler(async (origin, request) => "handled:" + origin);
		`,
	})
	if _, err := d.Dispatch("executeSnap", params, sub); err != nil {
		t.Fatalf("Dispatch(executeSnap): %v", err)
	}
	t.Cleanup(d.TerminateAll)

	rpcParams, _ := json.Marshal(snapRpcParams{
		Target:  "local:test",
		Origin:  "https://example.test",
		Request: json.RawMessage(`{"method":"hello"}`),
	})
	result, err := d.Dispatch("snapRpc", rpcParams, sub)
	if err != nil {
		t.Fatalf("Dispatch(snapRpc): %v", err)
	}
	if result != "handled:https://example.test" {
		t.Errorf("result = %v, want handled:https://example.test", result)
	}
}

func TestDispatchSnapRpcUnknownTarget(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	sub := newTestJSONRPCSub(t)

	rpcParams, _ := json.Marshal(snapRpcParams{Target: "local:ghost"})
	_, err := d.Dispatch("snapRpc", rpcParams, sub)
	if err == nil {
		t.Fatal("expected error for unknown snap target")
	}
}
