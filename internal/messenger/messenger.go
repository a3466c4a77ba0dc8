// Package messenger implements the Service Messenger: a pub/sub bus the
// execution environment service publishes unresponsive-worker and
// unhandled-error events to, backed by an embedded, in-process NATS server
// so no external broker is required to run the service.
package messenger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// SubjectUnresponsive is published when a snap misses a liveness ping.
	SubjectUnresponsive = "snapexec.unresponsive"
	// SubjectUnhandledError is published when an out-of-band isolate
	// error (one with no correlating request id) is observed.
	SubjectUnhandledError = "snapexec.unhandled_error"
)

// UnresponsiveEvent is the payload published on SubjectUnresponsive.
type UnresponsiveEvent struct {
	SnapID string `json:"snapId"`
}

// UnhandledErrorEvent is the payload published on SubjectUnhandledError.
type UnhandledErrorEvent struct {
	SnapID string `json:"snapId"`
	Error  string `json:"error"`
}

// Messenger wraps an embedded NATS server and a loopback client connection.
type Messenger struct {
	srv  *server.Server
	conn *nats.Conn
	log  *zap.Logger
}

// New starts an embedded NATS server on a loopback address and connects a
// client to it. The server and connection are both torn down by Close.
func New(log *zap.Logger) (*Messenger, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("messenger: create embedded nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("messenger: embedded nats server not ready within 10s")
	}

	conn, err := nats.Connect(srv.ClientURL(),
		nats.Name("snapexec-service-messenger"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("messenger: connect to embedded nats: %w", err)
	}

	log.Info("service messenger started", zap.String("url", srv.ClientURL()))
	return &Messenger{srv: srv, conn: conn, log: log}, nil
}

// PublishUnresponsive publishes an unresponsive(snapId) event.
func (m *Messenger) PublishUnresponsive(snapID string) error {
	return m.publish(SubjectUnresponsive, UnresponsiveEvent{SnapID: snapID})
}

// PublishUnhandledError publishes an unhandledError(snapId, error) event.
func (m *Messenger) PublishUnhandledError(snapID, errMsg string) error {
	return m.publish(SubjectUnhandledError, UnhandledErrorEvent{SnapID: snapID, Error: errMsg})
}

func (m *Messenger) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messenger: marshal %s payload: %w", subject, err)
	}
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messenger: publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeUnresponsive registers fn to run for every UnresponsiveEvent.
func (m *Messenger) SubscribeUnresponsive(fn func(UnresponsiveEvent)) (*nats.Subscription, error) {
	return m.conn.Subscribe(SubjectUnresponsive, func(msg *nats.Msg) {
		var evt UnresponsiveEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			m.log.Warn("messenger: unparsable unresponsive event", zap.Error(err))
			return
		}
		fn(evt)
	})
}

// SubscribeUnhandledError registers fn to run for every UnhandledErrorEvent.
func (m *Messenger) SubscribeUnhandledError(fn func(UnhandledErrorEvent)) (*nats.Subscription, error) {
	return m.conn.Subscribe(SubjectUnhandledError, func(msg *nats.Msg) {
		var evt UnhandledErrorEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			m.log.Warn("messenger: unparsable unhandled error event", zap.Error(err))
			return
		}
		fn(evt)
	})
}

// Close drains the client connection and shuts down the embedded server.
func (m *Messenger) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
	if m.srv != nil {
		m.srv.Shutdown()
	}
}
