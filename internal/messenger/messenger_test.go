package messenger

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestPublishUnresponsiveDeliversToSubscriber(t *testing.T) {
	m, err := New(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)

	received := make(chan UnresponsiveEvent, 1)
	sub, err := m.SubscribeUnresponsive(func(evt UnresponsiveEvent) { received <- evt })
	if err != nil {
		t.Fatalf("SubscribeUnresponsive: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })

	if err := m.PublishUnresponsive("local:test"); err != nil {
		t.Fatalf("PublishUnresponsive: %v", err)
	}

	select {
	case evt := <-received:
		if evt.SnapID != "local:test" {
			t.Errorf("SnapID = %q, want local:test", evt.SnapID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unresponsive event")
	}
}

func TestPublishUnhandledErrorDeliversToSubscriber(t *testing.T) {
	m, err := New(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)

	received := make(chan UnhandledErrorEvent, 1)
	sub, err := m.SubscribeUnhandledError(func(evt UnhandledErrorEvent) { received <- evt })
	if err != nil {
		t.Fatalf("SubscribeUnhandledError: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })

	if err := m.PublishUnhandledError("local:test", "boom"); err != nil {
		t.Fatalf("PublishUnhandledError: %v", err)
	}

	select {
	case evt := <-received:
		if evt.SnapID != "local:test" || evt.Error != "boom" {
			t.Errorf("evt = %+v, want {local:test boom}", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhandled error event")
	}
}
