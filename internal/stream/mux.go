package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/klauspost/compress/flate"
)

// compressThreshold is the payload size at or above which a frame is
// deflate-compressed before framing. sourceCode for a snap can run into the tens of
// kilobytes; RPC chatter on the same transport is small and latency
// sensitive, so only large payloads pay the compression cost.
const compressThreshold = 8 * 1024

// Multiplexer splits one parent Stream into independent named substreams.
// A write on substream X arrives only on the peer's substream X. Destroying
// the parent destroys every substream; a parent-level read failure is
// reported exactly once and then the whole pipeline is closed.
type Multiplexer struct {
	parent Stream

	mu         sync.Mutex
	substreams map[string]*Substream
	closed     bool

	onFatal     sync.Once
	fatalErr    error
	fatalSignal chan struct{}
}

// NewMultiplexer creates a multiplexer and starts its receive loop. Callers
// obtain substreams with Channel before or after construction; frames for a
// channel that hasn't been opened yet are dropped with a log line (mirrors
// the teacher's demuxer behavior of logging unroutable messages rather than
// blocking the whole pipeline on them).
func NewMultiplexer(parent Stream) *Multiplexer {
	m := &Multiplexer{
		parent:      parent,
		substreams:  make(map[string]*Substream),
		fatalSignal: make(chan struct{}),
	}
	go m.recvLoop()
	return m
}

// Channel returns (creating if necessary) the substream for the given
// channel name. Channel names are stable identifiers agreed between host
// and worker builds ("command", "jsonRpc" for this core).
func (m *Multiplexer) Channel(name string) *Substream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.substreams[name]; ok {
		return s
	}
	s := &Substream{
		name:   name,
		parent: m,
		inbox:  make(chan json.RawMessage, 64),
	}
	m.substreams[name] = s
	return s
}

// Close tears down the parent transport and every substream.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Substream, 0, len(m.substreams))
	for _, s := range m.substreams {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.closeInbox()
	}
	return m.parent.Close()
}

func (m *Multiplexer) recvLoop() {
	ctx := context.Background()
	for {
		raw, err := m.parent.Recv(ctx)
		if err != nil {
			m.fail(err)
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("mux: dropping unframeable message: %v", err)
			continue
		}

		payload, err := maybeDecompress(f.Payload)
		if err != nil {
			log.Printf("mux: dropping frame on channel %q: decompress: %v", f.Channel, err)
			continue
		}

		m.mu.Lock()
		s, ok := m.substreams[f.Channel]
		m.mu.Unlock()
		if !ok {
			log.Printf("mux: dropping frame for unopened channel %q", f.Channel)
			continue
		}
		s.deliver(payload)
	}
}

func (m *Multiplexer) fail(err error) {
	m.onFatal.Do(func() {
		m.fatalErr = err
		close(m.fatalSignal)
		log.Printf("mux: parent stream failed, closing pipeline: %v", err)
		m.Close()
	})
}

// Substream is one named duplex channel multiplexed over a shared parent
// Stream. It satisfies Stream itself so callers (the JSON-RPC engine, the
// worker controller) never need to know they are not holding a raw
// transport.
type Substream struct {
	name   string
	parent *Multiplexer

	inboxMu sync.Mutex
	inbox   chan json.RawMessage
	closed  bool
}

var _ Stream = (*Substream)(nil)

func (s *Substream) Send(ctx context.Context, msg json.RawMessage) error {
	payload, err := maybeCompress(msg)
	if err != nil {
		return fmt.Errorf("substream %q: compress: %w", s.name, err)
	}
	wire, err := json.Marshal(frame{Channel: s.name, Payload: payload})
	if err != nil {
		return fmt.Errorf("substream %q: marshal frame: %w", s.name, err)
	}
	return s.parent.parent.Send(ctx, wire)
}

func (s *Substream) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	}
}

// Close detaches this substream. Per-substream Close does not tear down the
// parent transport or sibling substreams.
func (s *Substream) Close() error {
	s.parent.mu.Lock()
	delete(s.parent.substreams, s.name)
	s.parent.mu.Unlock()
	s.closeInbox()
	return nil
}

func (s *Substream) deliver(msg json.RawMessage) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.inbox <- msg:
	default:
		log.Printf("substream %q: inbox full, dropping message", s.name)
	}
}

func (s *Substream) closeInbox() {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.inbox)
}

// compressedEnvelope wraps a deflate-compressed payload so the receiver can
// tell compressed frames from plain ones without a side channel.
type compressedEnvelope struct {
	Deflate []byte `json:"__deflate"` // encoding/json base64-encodes []byte automatically
}

func maybeCompress(msg json.RawMessage) (json.RawMessage, error) {
	if len(msg) < compressThreshold {
		return msg, nil
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(msg); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	wrapped, err := json.Marshal(compressedEnvelope{Deflate: buf.Bytes()})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

func maybeDecompress(payload json.RawMessage) (json.RawMessage, error) {
	var env compressedEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Deflate) > 0 {
		r := flate.NewReader(bytes.NewReader(env.Deflate))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	}
	return payload, nil
}
