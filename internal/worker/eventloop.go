package worker

import (
	"sync"
	"time"

	"github.com/dop251/goja"
)

// eventLoop serializes all callbacks that must touch a goja.Runtime from a
// goroutine other than the one driving Evaluate. goja.Runtime is not safe
// for concurrent use, so setTimeout, fetch, XHR and the WebSocket endowment
// all hand their continuations to schedule instead of calling into the
// runtime directly from background goroutines.
type eventLoop struct {
	mu      sync.Mutex
	tasks   chan func()
	closed  bool
	timers  map[int]*time.Timer
	nextID  int
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		tasks:  make(chan func(), 64),
		timers: make(map[int]*time.Timer),
	}
}

// schedule enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including after the loop has stopped (the task is dropped).
func (l *eventLoop) schedule(fn func()) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	select {
	case l.tasks <- fn:
	default:
		// Back-pressure: the queue is full, so hand the send to a fresh
		// goroutine rather than blocking the caller while the loop catches up.
		go func() {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.tasks <- fn
			}
		}()
	}
}

// run drains pending tasks until stop is closed. Must be called from the
// single goroutine that owns the associated goja.Runtime.
func (l *eventLoop) run(stop <-chan struct{}) {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-stop:
			return
		}
	}
}

func (l *eventLoop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, t := range l.timers {
		t.Stop()
	}
}

// setTimeout implements the endowed setTimeout(fn, delayMs) semantics: fn
// runs on the loop goroutine after delayMs elapses.
func (l *eventLoop) setTimeout(rt *goja.Runtime, call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		panic(rt.NewTypeError("setTimeout requires a callback"))
	}
	cb, ok := goja.AssertFunction(call.Arguments[0])
	if !ok {
		panic(rt.NewTypeError("setTimeout callback must be a function"))
	}
	delay := time.Duration(0)
	if len(call.Arguments) > 1 {
		delay = time.Duration(call.Arguments[1].ToInteger()) * time.Millisecond
	}

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		l.schedule(func() {
			cb(goja.Undefined())
		})
	})

	l.mu.Lock()
	l.timers[id] = timer
	l.mu.Unlock()

	return rt.ToValue(id)
}
