package execenv

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Container abstracts "something you construct that gives you back a
// targetable transport endpoint within a bounded time". The two concrete
// implementations (subprocess, loopback TCP) both launch cmd/snap-worker;
// they differ only in how the duplex connection is established.
type Container interface {
	// Spawn starts the isolate and returns a duplex connection to its
	// transport once the process is ready to accept frames. It does not
	// itself send or await the protocol-level ping; that is the caller's
	// (Service's) job once it has a substream multiplexer.
	Spawn(ctx context.Context, jobID string) (io.ReadWriteCloser, error)
	// Destroy tears down the isolate. Safe to call more than once and
	// safe to call on a container whose Spawn failed partway through.
	Destroy(jobID string) error
}

// ContainerFactory builds a fresh Container per job, given the spawn
// timeout that governs how long Spawn may take before it must fail and
// clean up after itself.
type ContainerFactory interface {
	New(createWindowTimeout time.Duration) Container
}

// ErrSpawnTimeout is returned when a container fails to become ready
// within its createWindowTimeout.
type ErrSpawnTimeout struct {
	JobID   string
	Timeout time.Duration
}

func (e *ErrSpawnTimeout) Error() string {
	return fmt.Sprintf("job %s: isolate not ready within %s", e.JobID, e.Timeout)
}
