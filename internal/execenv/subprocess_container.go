package execenv

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// SubprocessFactory builds containers that run the isolate as a child
// process connected over stdio pipes, the nearest host-platform analogue
// to a dedicated worker's postMessage channel.
type SubprocessFactory struct {
	WorkerBinary string
	Log          *zap.Logger
}

func (f *SubprocessFactory) New(createWindowTimeout time.Duration) Container {
	return &subprocessContainer{
		binary:  f.WorkerBinary,
		log:     f.Log,
		timeout: createWindowTimeout,
	}
}

type subprocessContainer struct {
	binary  string
	log     *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	cmd *exec.Cmd
}

// pipeConn adapts a child process's stdin/stdout into a single
// io.ReadWriteCloser, closing both pipes and waiting on the process when
// closed.
type pipeConn struct {
	io.Reader
	io.Writer
	stdin io.Closer
	wait  func() error
}

func (p *pipeConn) Close() error {
	err := p.stdin.Close()
	_ = p.wait()
	return err
}

func (c *subprocessContainer) Spawn(ctx context.Context, jobID string) (io.ReadWriteCloser, error) {
	cmd := exec.Command(c.binary, "--job-id", jobID)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess container %s: stdin pipe: %w", jobID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess container %s: stdout pipe: %w", jobID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess container %s: start %s: %w", jobID, c.binary, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	c.log.Debug("spawned worker subprocess",
		zap.String("job_id", jobID), zap.String("binary", c.binary), zap.Int("pid", cmd.Process.Pid))

	conn := &pipeConn{
		Reader: stdout,
		Writer: stdin,
		stdin:  stdin,
		wait:   cmd.Wait,
	}

	select {
	case <-ctx.Done():
		conn.Close()
		_ = cmd.Process.Kill()
		return nil, &ErrSpawnTimeout{JobID: jobID, Timeout: c.timeout}
	default:
	}

	return conn, nil
}

func (c *subprocessContainer) Destroy(jobID string) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}
