package execenv

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// TCPFactory builds containers that run the isolate as a child process
// listening on loopback TCP rather than stdio pipes — the out-of-process
// debugging variant, standing in for the iframe-addressed isolate.
type TCPFactory struct {
	WorkerBinary string
	Log          *zap.Logger
}

func (f *TCPFactory) New(createWindowTimeout time.Duration) Container {
	return &tcpContainer{
		binary:  f.WorkerBinary,
		log:     f.Log,
		timeout: createWindowTimeout,
	}
}

type tcpContainer struct {
	binary  string
	log     *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn net.Conn
}

func (c *tcpContainer) Spawn(ctx context.Context, jobID string) (io.ReadWriteCloser, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("tcp container %s: listen: %w", jobID, err)
	}
	defer listener.Close()

	addr := listener.Addr().String()
	cmd := exec.Command(c.binary, "--job-id", jobID, "--connect", addr)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tcp container %s: stderr pipe: %w", jobID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tcp container %s: start %s: %w", jobID, c.binary, err)
	}
	go c.drainStderr(jobID, stderr)

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	select {
	case r := <-acceptCh:
		if r.err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("tcp container %s: accept: %w", jobID, r.err)
		}
		c.mu.Lock()
		c.conn = r.conn
		c.mu.Unlock()
		c.log.Debug("accepted worker tcp connection",
			zap.String("job_id", jobID), zap.String("addr", addr), zap.Int("pid", cmd.Process.Pid))
		return r.conn, nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, &ErrSpawnTimeout{JobID: jobID, Timeout: c.timeout}
	}
}

func (c *tcpContainer) drainStderr(jobID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			c.log.Debug("worker stderr", zap.String("job_id", jobID), zap.String("line", line))
		}
	}
}

func (c *tcpContainer) Destroy(jobID string) error {
	c.mu.Lock()
	conn := c.conn
	cmd := c.cmd
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
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
