// snapexecd is the execution environment service daemon: it spawns
// per-snap isolate jobs, routes RPC between callers and snaps, polls for
// liveness, and exposes a control API over HTTP.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/auditlog"
	"github.com/xfeldman/snapexec/internal/config"
	"github.com/xfeldman/snapexec/internal/controlapi"
	"github.com/xfeldman/snapexec/internal/execenv"
	"github.com/xfeldman/snapexec/internal/logging"
	"github.com/xfeldman/snapexec/internal/messenger"
	"github.com/xfeldman/snapexec/internal/metrics"
	"github.com/xfeldman/snapexec/internal/version"
)

var (
	configPath string
	devLog     bool
	serverURL  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "snapexecd",
	Short:   "Sandboxed snap execution environment daemon",
	Version: version.Version(),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "use human-readable development logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8761", "snapexecd control API URL")

	rootCmd.AddCommand(serveCmd)
	snapsCmd.AddCommand(snapsExecCmd)
	snapsCmd.AddCommand(snapsTerminateCmd)
	rootCmd.AddCommand(snapsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution environment service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(devLog)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	m, err := messenger.New(log)
	if err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}
	defer m.Close()

	audit, err := auditlog.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()
	if err := audit.Attach(m); err != nil {
		return fmt.Errorf("attach audit log to messenger: %w", err)
	}

	collectors := metrics.New()
	reg := prometheus.NewRegistry()
	collectors.MustRegister(reg)

	var factory execenv.ContainerFactory
	switch cfg.ContainerKind {
	case "tcp":
		factory = &execenv.TCPFactory{WorkerBinary: cfg.WorkerBinary, Log: log}
	default:
		factory = &execenv.SubprocessFactory{WorkerBinary: cfg.WorkerBinary, Log: log}
	}

	service := execenv.New(execenv.Config{
		ContainerFactory:            factory,
		Messenger:                   m,
		Metrics:                     collectors,
		Log:                         log,
		UnresponsivePollingInterval: cfg.UnresponsivePollingInterval,
		UnresponsiveTimeout:         cfg.UnresponsiveTimeout,
		CreateWindowTimeout:         cfg.CreateWindowTimeout,
	})

	srv := controlapi.NewServer(service, audit, reg, log)
	if err := srv.Listen(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("snapexecd listening", zap.String("addr", srv.Addr()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		service.TerminateAllSnaps()
		return srv.Shutdown()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

var snapsCmd = &cobra.Command{
	Use:   "snaps",
	Short: "Drive a running snapexecd instance's snaps",
}

var snapsExecCmd = &cobra.Command{
	Use:   "exec <snapId> <sourceFile>",
	Short: "Execute a snap from a source file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapsExec,
}

func runSnapsExec(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}

	body, _ := json.Marshal(map[string]string{"snapId": args[0], "sourceCode": string(source)})
	resp, err := http.Post(serverURL+"/v1/snaps", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post /v1/snaps: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("executeSnap failed: status %d", resp.StatusCode)
	}
	return nil
}

var snapsTerminateCmd = &cobra.Command{
	Use:   "terminate <snapId>",
	Short: "Terminate a running snap",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapsTerminate,
}

func runSnapsTerminate(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, serverURL+"/v1/snaps/"+args[0], nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("delete /v1/snaps/%s: %w", args[0], err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("terminateSnap failed: status %d", resp.StatusCode)
	}
	return nil
}
