package execenv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/messenger"
	"github.com/xfeldman/snapexec/internal/metrics"
	"github.com/xfeldman/snapexec/internal/rpcengine"
	"github.com/xfeldman/snapexec/internal/stream"
)

// SnapData is the executeSnap request payload.
type SnapData struct {
	SnapID     string
	SourceCode string
}

// SetupSnapProvider plumbs the host's wallet-provider middleware into a
// newly executing snap's jsonRpc substream. Out of scope for this core; the
// default implementation is a no-op that leaves the substream unconsumed.
// The snap RPC hook does not use it: hook calls travel on the command
// substream as snapRpc commands.
type SetupSnapProvider func(ctx context.Context, snapID string, jsonRPC *stream.Substream) error

// Config holds the service's tunables, all with spec-mandated defaults.
type Config struct {
	ContainerFactory            ContainerFactory
	SetupSnapProvider            SetupSnapProvider
	Messenger                    *messenger.Messenger
	Metrics                      *metrics.Collectors
	Log                           *zap.Logger
	UnresponsivePollingInterval  time.Duration
	UnresponsiveTimeout           time.Duration
	CreateWindowTimeout           time.Duration
}

func (c *Config) setDefaults() {
	if c.UnresponsivePollingInterval == 0 {
		c.UnresponsivePollingInterval = 5 * time.Second
	}
	if c.UnresponsiveTimeout == 0 {
		c.UnresponsiveTimeout = 30 * time.Second
	}
	if c.CreateWindowTimeout == 0 {
		c.CreateWindowTimeout = 60 * time.Second
	}
	if c.SetupSnapProvider == nil {
		c.SetupSnapProvider = func(context.Context, string, *stream.Substream) error { return nil }
	}
}

// Service is the host-side execution environment service: it owns the job
// registry, the snap↔job mapping, the RPC hooks, and the liveness timers.
type Service struct {
	cfg Config

	mu        sync.Mutex
	jobs      map[string]*job
	snapToJob map[string]string
	hooks     map[string]RPCHook
}

// New constructs a Service. cfg.setDefaults is applied for any zero-valued
// tunable.
func New(cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:       cfg,
		jobs:      make(map[string]*job),
		snapToJob: make(map[string]string),
		hooks:     make(map[string]RPCHook),
	}
}

// ExecuteSnap spawns a fresh job, sends executeSnap over its command
// channel, and on success installs the snap↔job mapping, the RPC hook, and
// liveness polling. On any failure the partially built job is torn down and
// no mapping or hook is left behind.
func (s *Service) ExecuteSnap(ctx context.Context, data SnapData) error {
	s.mu.Lock()
	if _, exists := s.snapToJob[data.SnapID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("executeSnap %s: %w", data.SnapID, ErrAlreadyExecuting)
	}
	s.mu.Unlock()

	j, err := s.spawn(ctx, data.SnapID)
	if err != nil {
		return fmt.Errorf("executeSnap %s: spawn: %w", data.SnapID, err)
	}

	params := map[string]string{"snapId": data.SnapID, "sourceCode": data.SourceCode}
	if _, err := j.engine.Call(ctx, "executeSnap", params); err != nil {
		j.destroy()
		s.recordTerminated(metrics.ReasonExecuteError)
		return fmt.Errorf("executeSnap %s: %w", data.SnapID, err)
	}

	if err := s.cfg.SetupSnapProvider(ctx, data.SnapID, j.jsonRPCSub); err != nil {
		j.destroy()
		s.recordTerminated(metrics.ReasonExecuteError)
		return fmt.Errorf("executeSnap %s: setup snap provider: %w", data.SnapID, err)
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.snapToJob[data.SnapID] = j.id
	s.hooks[data.SnapID] = newRPCHook(j)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.JobsRunning.Inc()
	}
	s.scheduleLiveness(data.SnapID, j)
	return nil
}

// TerminateSnap resolves snapID to its job and destroys it, clearing the
// mapping, hook, and liveness timer.
func (s *Service) TerminateSnap(snapID string) error {
	s.mu.Lock()
	jobID, ok := s.snapToJob[snapID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("terminateSnap %s: %w", snapID, ErrUnknownSnap)
	}
	j := s.jobs[jobID]
	delete(s.snapToJob, snapID)
	delete(s.hooks, snapID)
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if j != nil {
		j.destroy()
	}
	s.recordTerminated(metrics.ReasonExplicit)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.JobsRunning.Dec()
	}
	return nil
}

// TerminateAllSnaps terminates every live job and unconditionally clears
// every hook, even ones whose job record had already gone missing.
func (s *Service) TerminateAllSnaps() {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	count := len(s.jobs)
	s.jobs = make(map[string]*job)
	s.snapToJob = make(map[string]string)
	s.hooks = make(map[string]RPCHook)
	s.mu.Unlock()

	for _, j := range jobs {
		j.destroy()
	}
	for i := 0; i < count; i++ {
		s.recordTerminated(metrics.ReasonShutdown)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.JobsRunning.Set(0)
	}
}

// GetRPCMessageHandler returns the installed hook for snapID, or ok=false
// if no such hook is installed.
func (s *Service) GetRPCMessageHandler(snapID string) (RPCHook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hook, ok := s.hooks[snapID]
	return hook, ok
}

func (s *Service) recordTerminated(reason string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.JobsTerminated.WithLabelValues(reason).Inc()
	}
}

// spawn (_init): mint a jobId, create the container, build command + rpc
// substreams, attach a JSON-RPC engine, install the out-of-band error
// listener, then ping and await readiness. Any handshake failure tears
// down the partial job.
func (s *Service) spawn(ctx context.Context, snapID string) (*job, error) {
	jobID := uuid.NewString()
	container := s.cfg.ContainerFactory.New(s.cfg.CreateWindowTimeout)

	spawnCtx, cancel := context.WithTimeout(ctx, s.cfg.CreateWindowTimeout)
	defer cancel()

	transport, err := container.Spawn(spawnCtx, jobID)
	if err != nil {
		return nil, fmt.Errorf("container spawn: %w", err)
	}

	mux := stream.NewMultiplexer(stream.NewFramedStream(transport))
	commandSub := mux.Channel("command")
	jsonRPCSub := mux.Channel("jsonRpc")

	engine := rpcengine.New(commandSub, func(raw json.RawMessage) { s.handleOutOfBand(snapID, raw) })
	j := &job{
		id:         jobID,
		snapID:     snapID,
		container:  container,
		transport:  transport,
		mux:        mux,
		commandSub: commandSub,
		jsonRPCSub: jsonRPCSub,
		engine:     engine,
	}

	if _, err := engine.Call(spawnCtx, "ping", nil); err != nil {
		j.destroy()
		return nil, fmt.Errorf("readiness ping: %w", err)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.JobsSpawned.Inc()
	}
	return j, nil
}

// handleOutOfBand fires unhandledError for a command-channel message that
// carries an error field but no id — not a response to anything in flight.
// It runs as the rpcengine.Engine's own out-of-band callback, invoked from
// the engine's single recvLoop goroutine, so there is exactly one reader of
// the command substream and an id-bearing response can never be stolen by a
// separate listener racing for the same message.
func (s *Service) handleOutOfBand(snapID string, raw json.RawMessage) {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if len(envelope.Error) == 0 {
		return
	}
	if s.cfg.Messenger != nil {
		_ = s.cfg.Messenger.PublishUnhandledError(snapID, string(envelope.Error))
	}
}

// scheduleLiveness pings the job on cfg.UnresponsivePollingInterval,
// racing each ping against cfg.UnresponsiveTimeout. A failed ping publishes
// unresponsive(snapID) and stops rescheduling; the supervisor decides
// whether to terminate.
func (s *Service) scheduleLiveness(snapID string, j *job) {
	var tick func()
	tick = func() {
		s.mu.Lock()
		_, stillLive := s.snapToJob[snapID]
		s.mu.Unlock()
		if !stillLive {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UnresponsiveTimeout)
		_, err := j.engine.Call(ctx, "ping", nil)
		cancel()

		if err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.Unresponsive.Inc()
			}
			if s.cfg.Messenger != nil {
				_ = s.cfg.Messenger.PublishUnresponsive(snapID)
			}
			return
		}

		j.setLivenessTimer(time.AfterFunc(s.cfg.UnresponsivePollingInterval, tick))
	}
	j.setLivenessTimer(time.AfterFunc(s.cfg.UnresponsivePollingInterval, tick))
}
