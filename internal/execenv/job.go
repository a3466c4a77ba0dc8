package execenv

import (
	"io"
	"sync"
	"time"

	"github.com/xfeldman/snapexec/internal/rpcengine"
	"github.com/xfeldman/snapexec/internal/stream"
)

// job is one isolate instance: never reused across snaps, terminated
// explicitly or on execute-failure.
type job struct {
	id     string
	snapID string

	container  Container
	transport  io.ReadWriteCloser
	mux        *stream.Multiplexer
	commandSub *stream.Substream
	jsonRPCSub *stream.Substream
	engine     *rpcengine.Engine

	// livenessMu guards livenessTimer: scheduleLiveness (re)arms it from its
	// own tick closure while destroy, called from a concurrent
	// TerminateSnap, stops it — both must agree on the same *Timer value.
	livenessMu    sync.Mutex
	livenessTimer *time.Timer
}

func (j *job) setLivenessTimer(t *time.Timer) {
	j.livenessMu.Lock()
	defer j.livenessMu.Unlock()
	j.livenessTimer = t
}

func (j *job) destroy() {
	j.livenessMu.Lock()
	if j.livenessTimer != nil {
		j.livenessTimer.Stop()
	}
	j.livenessMu.Unlock()

	if j.mux != nil {
		_ = j.mux.Close()
	}
	if j.container != nil {
		_ = j.container.Destroy(j.id)
	}
}
