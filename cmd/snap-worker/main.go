// snap-worker is the isolate-side process spawned by the execution
// environment service: one instance per running snap job. It establishes
// its transport back to the host (stdio pipes or a loopback TCP dial),
// then hands off to the worker controller until the transport closes.
package main

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/logging"
	"github.com/xfeldman/snapexec/internal/version"
	"github.com/xfeldman/snapexec/internal/worker"
)

var (
	jobID   string
	connect string
	dev     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "snap-worker",
	Short:   "Isolate process hosting the worker controller for one snap job",
	Version: version.Version(),
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&jobID, "job-id", "", "job identifier assigned by the host")
	rootCmd.Flags().StringVar(&connect, "connect", "", "host address to dial instead of using stdio (host:port)")
	rootCmd.Flags().BoolVar(&dev, "dev", false, "use human-readable development logging")
}

// stdioTransport adapts os.Stdin/os.Stdout into a single duplex stream,
// the default transport used when the host spawns this binary as a
// subprocess.
type stdioTransport struct {
	in  *os.File
	out *os.File
}

func (t stdioTransport) Read(p []byte) (int, error)  { return t.in.Read(p) }
func (t stdioTransport) Write(p []byte) (int, error) { return t.out.Write(p) }
func (t stdioTransport) Close() error {
	_ = t.in.Close()
	return t.out.Close()
}

func runWorker(cmd *cobra.Command, args []string) error {
	log, err := logging.New(dev)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("job_id", jobID))

	transport, err := dialTransport(connect)
	if err != nil {
		log.Error("establish transport", zap.Error(err))
		return err
	}

	controller := worker.NewController(transport, log)
	if err := controller.Run(context.Background()); err != nil && err != io.EOF {
		log.Warn("controller exited", zap.Error(err))
	}
	return nil
}

func dialTransport(connect string) (io.ReadWriteCloser, error) {
	if connect == "" {
		return stdioTransport{in: os.Stdin, out: os.Stdout}, nil
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.Dial("tcp", connect)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
