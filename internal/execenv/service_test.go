package execenv

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/xfeldman/snapexec/internal/messenger"
	"github.com/xfeldman/snapexec/internal/rpcengine"
	"github.com/xfeldman/snapexec/internal/stream"
	"github.com/xfeldman/snapexec/internal/worker"
)

// inProcessFactory spawns the real worker.Controller in-process over a
// net.Pipe instead of an external binary, so these tests exercise the full
// host↔isolate protocol without forking.
type inProcessFactory struct {
	t *testing.T
}

func (f *inProcessFactory) New(timeout time.Duration) Container {
	return &inProcessContainer{t: f.t, timeout: timeout}
}

type inProcessContainer struct {
	t       *testing.T
	timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	peer   net.Conn
}

func (c *inProcessContainer) Spawn(ctx context.Context, jobID string) (io.ReadWriteCloser, error) {
	host, isolate := net.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.peer = isolate
	c.mu.Unlock()

	controller := worker.NewController(isolate, zaptest.NewLogger(c.t))
	go controller.Run(runCtx)

	return host, nil
}

func (c *inProcessContainer) Destroy(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.peer != nil {
		c.peer.Close()
	}
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(Config{
		ContainerFactory:            &inProcessFactory{t: t},
		Log:                         zaptest.NewLogger(t),
		UnresponsivePollingInterval: time.Hour, // tests drive liveness explicitly where needed
		UnresponsiveTimeout:         2 * time.Second,
		CreateWindowTimeout:         5 * time.Second,
	})
}

func TestExecuteSnapThenRpcHookRoundTrips(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.ExecuteSnap(ctx, SnapData{
		SnapID: "local:echo",
		SourceCode: `
			wallet.registerRpcMessageHandler(async (origin, request) => request.method);
		`,
	})
	if err != nil {
		t.Fatalf("ExecuteSnap: %v", err)
	}
	t.Cleanup(s.TerminateAllSnaps)

	hook, ok := s.GetRPCMessageHandler("local:echo")
	if !ok {
		t.Fatal("expected installed hook after successful executeSnap")
	}

	result, err := hook(ctx, "https://example.test", []byte(`{"method":"hello"}`))
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if string(result) != `"hello"` {
		t.Errorf("result = %s, want \"hello\"", result)
	}
}

func TestRPCHookErrorMessageRoundTripsExactly(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.ExecuteSnap(ctx, SnapData{
		SnapID: "local:throws",
		SourceCode: `
			wallet.registerRpcMessageHandler(async (origin, request) => {
				throw new Error("boom");
			});
		`,
	})
	if err != nil {
		t.Fatalf("ExecuteSnap: %v", err)
	}
	t.Cleanup(s.TerminateAllSnaps)

	hook, ok := s.GetRPCMessageHandler("local:throws")
	if !ok {
		t.Fatal("expected installed hook after successful executeSnap")
	}

	_, err = hook(ctx, "https://example.test", []byte(`{"method":"hello"}`))
	if err == nil {
		t.Fatal("expected hook to surface the handler's thrown error")
	}
	if err.Error() != "boom" {
		t.Errorf("hook error = %q, want exactly %q", err.Error(), "boom")
	}
}

func TestExecuteSnapRejectsDuplicate(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := SnapData{SnapID: "local:dup", SourceCode: `wallet.registerRpcMessageHandler(()=>1)`}
	if err := s.ExecuteSnap(ctx, data); err != nil {
		t.Fatalf("first ExecuteSnap: %v", err)
	}
	t.Cleanup(s.TerminateAllSnaps)

	err := s.ExecuteSnap(ctx, data)
	if err == nil {
		t.Fatal("expected second executeSnap to reject")
	}
}

func TestExecuteSnapEvaluationThrowLeavesNoMappingOrHook(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.ExecuteSnap(ctx, SnapData{SnapID: "local:bad", SourceCode: `throw new Error('boom')`})
	if err == nil {
		t.Fatal("expected executeSnap to reject on evaluation throw")
	}

	if _, ok := s.GetRPCMessageHandler("local:bad"); ok {
		t.Fatal("expected no hook installed after evaluation throw")
	}
	s.mu.Lock()
	_, mapped := s.snapToJob["local:bad"]
	s.mu.Unlock()
	if mapped {
		t.Fatal("expected no snap→job mapping after evaluation throw")
	}
}

func TestTerminateSnapUnknownRejects(t *testing.T) {
	s := newTestService(t)
	if err := s.TerminateSnap("local:ghost"); err == nil {
		t.Fatal("expected terminateSnap for unknown snap to reject")
	}
}

// chattyFactory builds containers backed by a fake worker that, on every
// ping, pushes an id-less error message on the command channel before
// answering the ping itself — exercising
// the case where an out-of-band message and a pending Call are both live on
// the same substream at once.
type chattyFactory struct{ t *testing.T }

func (f *chattyFactory) New(timeout time.Duration) Container {
	return &chattyContainer{t: f.t}
}

type chattyContainer struct{ t *testing.T }

func (c *chattyContainer) Spawn(ctx context.Context, jobID string) (io.ReadWriteCloser, error) {
	host, isolate := net.Pipe()
	go runChattyWorker(c.t, isolate)
	return host, nil
}

func (c *chattyContainer) Destroy(jobID string) error { return nil }

func runChattyWorker(t *testing.T, conn net.Conn) {
	mux := stream.NewMultiplexer(stream.NewFramedStream(conn))
	defer mux.Close()
	cmd := mux.Channel("command")
	ctx := context.Background()

	for {
		raw, err := cmd.Recv(ctx)
		if err != nil {
			return
		}
		var req rpcengine.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		if req.Method == "ping" {
			// Before answering, push an out-of-band, id-less error — it
			// must not be mistaken for this ping's response.
			oob, _ := json.Marshal(map[string]interface{}{"error": map[string]string{"message": "background failure"}})
			cmd.Send(ctx, oob)
		}

		resp := rpcengine.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"OK"`)}
		out, _ := json.Marshal(resp)
		if err := cmd.Send(ctx, out); err != nil {
			return
		}
	}
}

func TestOutOfBandErrorAndPendingPingBothResolve(t *testing.T) {
	m, err := messenger.New(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("messenger.New: %v", err)
	}
	t.Cleanup(m.Close)

	received := make(chan messenger.UnhandledErrorEvent, 4)
	sub, err := m.SubscribeUnhandledError(func(evt messenger.UnhandledErrorEvent) { received <- evt })
	if err != nil {
		t.Fatalf("SubscribeUnhandledError: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })

	s := New(Config{
		ContainerFactory:            &chattyFactory{t: t},
		Messenger:                   m,
		Log:                         zaptest.NewLogger(t),
		UnresponsivePollingInterval: time.Hour,
		CreateWindowTimeout:         5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// spawn's readiness ping must resolve despite the interleaved
	// out-of-band message from the same fake worker.
	j, err := s.spawn(ctx, "local:chatty")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(j.destroy)

	select {
	case evt := <-received:
		if evt.SnapID != "local:chatty" {
			t.Errorf("SnapID = %q, want local:chatty", evt.SnapID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhandledError event")
	}
}

func TestTerminateAllSnapsClearsEverything(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"local:a", "local:b", "local:c"} {
		err := s.ExecuteSnap(ctx, SnapData{SnapID: id, SourceCode: `wallet.registerRpcMessageHandler(()=>1)`})
		if err != nil {
			t.Fatalf("ExecuteSnap(%s): %v", id, err)
		}
	}

	s.TerminateAllSnaps()

	s.mu.Lock()
	jobCount, mapCount, hookCount := len(s.jobs), len(s.snapToJob), len(s.hooks)
	s.mu.Unlock()
	if jobCount != 0 || mapCount != 0 || hookCount != 0 {
		t.Errorf("jobs=%d snapToJob=%d hooks=%d, want all zero", jobCount, mapCount, hookCount)
	}

	for _, id := range []string{"local:a", "local:b", "local:c"} {
		if _, ok := s.GetRPCMessageHandler(id); ok {
			t.Errorf("hook for %s still present after terminateAllSnaps", id)
		}
	}
}
