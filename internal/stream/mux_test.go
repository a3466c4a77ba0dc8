package stream

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (Stream, Stream) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewFramedStream(a), NewFramedStream(b)
}

func TestMultiplexerRoutesByChannel(t *testing.T) {
	hostRaw, workerRaw := pipePair(t)
	hostMux := NewMultiplexer(hostRaw)
	workerMux := NewMultiplexer(workerRaw)
	defer hostMux.Close()
	defer workerMux.Close()

	hostCmd := hostMux.Channel("command")
	hostRPC := hostMux.Channel("jsonRpc")
	workerCmd := workerMux.Channel("command")
	workerRPC := workerMux.Channel("jsonRpc")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := hostCmd.Send(ctx, json.RawMessage(`{"hello":"command"}`)); err != nil {
		t.Fatalf("send on command: %v", err)
	}
	if err := hostRPC.Send(ctx, json.RawMessage(`{"hello":"rpc"}`)); err != nil {
		t.Fatalf("send on jsonRpc: %v", err)
	}

	gotCmd, err := workerCmd.Recv(ctx)
	if err != nil {
		t.Fatalf("recv on command: %v", err)
	}
	if string(gotCmd) != `{"hello":"command"}` {
		t.Errorf("command payload = %s, want the command message", gotCmd)
	}

	gotRPC, err := workerRPC.Recv(ctx)
	if err != nil {
		t.Fatalf("recv on jsonRpc: %v", err)
	}
	if string(gotRPC) != `{"hello":"rpc"}` {
		t.Errorf("jsonRpc payload = %s, want the rpc message", gotRPC)
	}
}

func TestMultiplexerCloseTearsDownAllSubstreams(t *testing.T) {
	hostRaw, _ := pipePair(t)
	m := NewMultiplexer(hostRaw)

	cmd := m.Channel("command")
	rpc := m.Channel("jsonRpc")

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := cmd.Recv(ctx); err != ErrClosed {
		t.Errorf("command recv after close = %v, want ErrClosed", err)
	}
	if _, err := rpc.Recv(ctx); err != ErrClosed {
		t.Errorf("jsonRpc recv after close = %v, want ErrClosed", err)
	}
}

func TestLargePayloadRoundTripsCompressed(t *testing.T) {
	hostRaw, workerRaw := pipePair(t)
	hostMux := NewMultiplexer(hostRaw)
	workerMux := NewMultiplexer(workerRaw)
	defer hostMux.Close()
	defer workerMux.Close()

	hostCmd := hostMux.Channel("command")
	workerCmd := workerMux.Channel("command")

	big := make([]byte, compressThreshold*3)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(map[string]string{"sourceCode": string(big)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := hostCmd.Send(ctx, payload); err != nil {
		t.Fatalf("send large payload: %v", err)
	}
	got, err := workerCmd.Recv(ctx)
	if err != nil {
		t.Fatalf("recv large payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("large payload did not round-trip intact")
	}
}
