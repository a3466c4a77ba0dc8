package worker

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestInvokeHandlerUnwrapsFulfilledAsyncHandler(t *testing.T) {
	sub := newTestJSONRPCSub(t)
	c, err := NewCompartment("local:async", sub, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewCompartment: %v", err)
	}
	t.Cleanup(c.Terminate)

	if err := c.Evaluate(`wallet.registerRpcMessageHandler(async (origin, request) => request.method);`); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	result, err := c.InvokeHandler("https://example.test", []byte(`{"method":"hello"}`))
	if err != nil {
		t.Fatalf("InvokeHandler: %v", err)
	}
	if result != "hello" {
		t.Errorf("result = %v, want hello", result)
	}
}

func TestInvokeHandlerSurfacesRejectedAsyncHandler(t *testing.T) {
	sub := newTestJSONRPCSub(t)
	c, err := NewCompartment("local:async-throw", sub, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewCompartment: %v", err)
	}
	t.Cleanup(c.Terminate)

	if err := c.Evaluate(`wallet.registerRpcMessageHandler(async (origin, request) => { throw new Error('boom'); });`); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	_, err = c.InvokeHandler("https://example.test", []byte(`{"method":"hello"}`))
	if err == nil {
		t.Fatal("expected error from rejected promise")
	}
}
