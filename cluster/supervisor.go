// Package cluster supervises gateway worker processes: it spawns them,
// watches their heartbeats and memory, replaces them with jittered backoff
// when they die and carries operator commands from the control channel to
// every worker.
package cluster

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/ipc"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/pkg/retry"
)

const megabyte = 1024 * 1024

// Modes for stop and restart
const (
	ModeImmediate = "immediate"
	ModeTimed     = "timed"
)

// DefaultRestartInterval staggers immediate restarts when no interval is given
const DefaultRestartInterval = 500 * time.Millisecond

// Config holds the supervisor settings
type Config struct {
	// Workers is the worker count; zero means NumCPU/2+1
	Workers           int
	WorkerTimeout     time.Duration
	WatchdogInterval  time.Duration
	RestartDelay      time.Duration
	MaxRestartBackoff int
	// MemoryLimits and MemoryWarnings are in MB keyed by memory type
	MemoryLimits   map[string]uint64
	MemoryWarnings map[string]uint64
	ShutdownCode   string
	// LogLevel and ResendInterval are sent when the control command
	// carries no argument
	LogLevel       string
	ResendInterval time.Duration
	// ShutdownTimeout bounds how long Start waits for workers to exit
	// after its context ends
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the supervisor defaults
func DefaultConfig() Config {
	return Config{
		WorkerTimeout:     10 * time.Second,
		WatchdogInterval:  time.Second,
		RestartDelay:      time.Second,
		MaxRestartBackoff: 6,
		LogLevel:          "info",
		ResendInterval:    7500 * time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
	}
}

// WorkerCount returns the configured worker count or NumCPU/2+1
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()/2 + 1
}

// ExitFunc ends the supervisor process
type ExitFunc func(code int)

// ControlSource delivers operator command lines until ctx ends
type ControlSource interface {
	Run(ctx context.Context, handle func(line string)) error
}

// Supervisor owns the worker registry
type Supervisor struct {
	cfg     Config
	spawner Spawner
	logger  *slog.Logger
	metrics *metric.Metrics
	exit    ExitFunc
	now     func() time.Time

	mu                  sync.Mutex
	workers             map[int]*Process // live set
	running             map[int]*Process // spawned and not yet exited
	consecutiveFailures int
	shuttingDown        bool
	exited              bool
	done                chan struct{}
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithMetrics records registry changes
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithExitFunc replaces os.Exit
func WithExitFunc(fn ExitFunc) Option {
	return func(s *Supervisor) { s.exit = fn }
}

// WithClock replaces time.Now for heartbeat bookkeeping
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// NewSupervisor creates a supervisor spawning workers through spawner
func NewSupervisor(cfg Config, spawner Spawner, logger *slog.Logger, opts ...Option) *Supervisor {
	d := DefaultConfig()
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = d.WorkerTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = d.WatchdogInterval
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = d.RestartDelay
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = d.ResendInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		logger:  logger.With("component", "supervisor"),
		exit:    os.Exit,
		now:     time.Now,
		workers: make(map[int]*Process),
		running: make(map[int]*Process),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the configured number of workers and serves control
// commands until ctx ends or the supervisor exits. control may be nil.
func (s *Supervisor) Start(ctx context.Context, control ControlSource) error {
	count := s.cfg.WorkerCount()
	s.logger.Info("Starting supervisor", "cpus", runtime.NumCPU(), "workers", count)

	for i := 0; i < count; i++ {
		s.createWorkerProcess(false)
	}

	g, gctx := errgroup.WithContext(ctx)
	if control != nil {
		g.Go(func() error {
			return control.Run(gctx, s.HandleCommand)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		return nil
	})
	err := g.Wait()

	s.shutdown()
	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "Supervisor", "Start", "serve control channel")
	}
	return nil
}

// shutdown stops replacements and kills every worker, waiting up to
// ShutdownTimeout for them to exit
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	procs := make([]*Process, 0, len(s.running))
	for _, p := range s.running {
		procs = append(procs, p)
	}
	for _, p := range procs {
		s.stopAndRemove(p, 0, "shutdown")
	}
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		if s.RunningCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.logger.Warn("Workers still running after shutdown timeout", "workers", s.RunningCount())
}

// Done is closed when the supervisor has exited
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// WorkerCount returns the size of the live set
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// RunningCount returns the number of spawned workers that have not exited
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// ConsecutiveFailures returns the current backoff counter
func (s *Supervisor) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// ShuttingDown reports whether an accepted shutdown is in progress
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// CreateWorkerProcess spawns a worker unless shutting down or, when not
// forced, the live set is already full
func (s *Supervisor) CreateWorkerProcess(force bool) {
	s.createWorkerProcess(force)
}

func (s *Supervisor) createWorkerProcess(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		s.logger.Info("Shutting down, not starting worker")
		return
	}
	if len(s.workers) >= s.cfg.WorkerCount() {
		if !force {
			s.logger.Info("Reached max workers, not starting another", "workers", len(s.workers))
			return
		}
		s.logger.Info("Reached max workers, forcing another", "workers", len(s.workers))
	}

	id := s.freeID()
	p := &Process{ID: id, registered: true}
	handle, err := s.spawner.Spawn(id, Events{
		Message: func(m ipc.Message) { s.onMessage(p, m) },
		Exit:    func(err error) { s.onExit(p, err) },
	})
	if err != nil {
		s.logger.Error("Failed to spawn worker", "worker_id", id, "error", err)
		s.scheduleReplacement()
		return
	}
	p.handle = handle
	s.workers[id] = p
	s.running[id] = p
	s.metrics.SetLiveWorkers(len(s.workers))
	s.online(p)
}

// freeID returns the lowest id not held by a running worker, so each
// worker slot keeps its id across replacements
func (s *Supervisor) freeID() int {
	for id := 1; ; id++ {
		if _, taken := s.running[id]; !taken {
			return id
		}
	}
}

func (s *Supervisor) online(p *Process) {
	s.logger.Info("Worker online", "worker_id", p.ID, "pid", p.Pid())
	p.lastHeartbeat = s.now()
	stop := make(chan struct{})
	p.stopWatchdog = stop

	go func() {
		ticker := time.NewTicker(s.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.checkHeartbeat(p)
			}
		}
	}()
}

func (s *Supervisor) checkHeartbeat(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.killed {
		return
	}
	if s.now().Sub(p.lastHeartbeat) > s.cfg.WorkerTimeout {
		s.logger.Warn("Worker heartbeat stopped, destroying worker",
			"worker_id", p.ID, "pid", p.Pid(), "last_heartbeat", p.lastHeartbeat)
		s.stopAndRemove(p, 0, "timeout")
	}
}

func (s *Supervisor) onMessage(p *Process, m ipc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Cmd {
	case ipc.CmdHeartbeat:
		s.onHeartbeat(p, m)
	case ipc.CmdDisconnect:
		s.logger.Warn("Worker reported a fatal error", "worker_id", p.ID, "pid", p.Pid())
		s.stopAndRemove(p, 0, "disconnect")
	case ipc.CmdStop:
		s.logger.Info("Stopping worker", "worker_id", p.ID, "pid", p.Pid())
		s.stopAndRemove(p, 0, "stop")
		if len(s.workers) == 0 {
			s.logger.Info("All workers stopped, exiting")
			s.exitOnce(0)
		}
	case ipc.CmdRestart:
		// The exit handler starts the replacement
		s.logger.Info("Restarting worker", "worker_id", p.ID, "pid", p.Pid())
		s.stopAndRemove(p, 0, "restart")
	case ipc.CmdClientCount:
		s.logger.Info("Worker client count", "worker_id", p.ID, "pid", p.Pid(), "clients", m.StringData())
	default:
		s.logger.Info("Unknown worker message", "worker_id", p.ID, "cmd", m.Cmd)
	}
}

func (s *Supervisor) onHeartbeat(p *Process, m ipc.Message) {
	if !p.gotFirstHeartbeat {
		p.gotFirstHeartbeat = true
		s.consecutiveFailures = 0
	}
	p.lastHeartbeat = s.now()
	s.metrics.RecordHeartbeat()

	for kind, used := range m.Memory {
		if limit := s.cfg.MemoryLimits[kind]; limit > 0 && used > limit*megabyte {
			s.logger.Error("Worker exceeded hard memory limit",
				"worker_id", p.ID, "type", kind, "used", used, "limit", limit*megabyte)
			s.stopAndRemove(p, 0, "memory")
		}
		if warn := s.cfg.MemoryWarnings[kind]; warn > 0 && used > warn*megabyte {
			s.logger.Warn("Worker exceeded soft memory limit",
				"worker_id", p.ID, "type", kind, "used", used, "limit", warn*megabyte)
		}
	}
}

func (s *Supervisor) onExit(p *Process, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Worker exited", "worker_id", p.ID, "pid", p.Pid(), "error", err)
	p.haltWatchdog()
	p.killed = true
	if s.running[p.ID] == p {
		delete(s.running, p.ID)
	}
	if p.registered {
		p.registered = false
		delete(s.workers, p.ID)
		s.metrics.RecordWorkerExit("crash")
	}
	s.metrics.SetLiveWorkers(len(s.workers))

	if s.shuttingDown || s.exited {
		return
	}
	s.scheduleReplacement()
}

// scheduleReplacement starts a worker after the jittered backoff delay.
// Caller holds s.mu.
func (s *Supervisor) scheduleReplacement() {
	delay := retry.FullJitterDelay(s.consecutiveFailures, s.cfg.MaxRestartBackoff, s.cfg.RestartDelay)
	s.consecutiveFailures++
	s.logger.Info("Starting replacement worker", "delay", delay, "consecutive_failures", s.consecutiveFailures)
	time.AfterFunc(delay, func() { s.createWorkerProcess(false) })
}

// stopAndRemove takes p out of the live set and kills it after delay. It
// acts once per process. Caller holds s.mu.
func (s *Supervisor) stopAndRemove(p *Process, delay time.Duration, reason string) {
	if p.killed {
		return
	}
	p.killed = true
	p.haltWatchdog()
	if p.registered {
		p.registered = false
		delete(s.workers, p.ID)
		s.metrics.RecordWorkerExit(reason)
		s.metrics.SetLiveWorkers(len(s.workers))
	}

	kill := func() {
		if err := p.handle.Kill(); err != nil {
			s.logger.Warn("Could not stop worker", "worker_id", p.ID, "error", err)
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, kill)
		return
	}
	kill()
}

// detach empties the live set without killing anything and returns what
// was in it. Caller holds s.mu.
func (s *Supervisor) detach() []*Process {
	procs := make([]*Process, 0, len(s.workers))
	for id := 1; len(procs) < len(s.workers); id++ {
		if p, ok := s.workers[id]; ok {
			procs = append(procs, p)
		}
	}
	for _, p := range procs {
		p.registered = false
		delete(s.workers, p.ID)
	}
	s.metrics.SetLiveWorkers(0)
	return procs
}

func (s *Supervisor) exitOnce(code int) {
	if s.exited {
		return
	}
	s.exited = true
	close(s.done)
	s.exit(code)
}

// StopWorkerProcesses stops every worker. immediate kills them and exits;
// any other mode asks each worker to drain, with timeout as its deadline
// when positive.
func (s *Supervisor) StopWorkerProcesses(mode string, timeout time.Duration) {
	s.logger.Info("Stopping workers", "mode", mode, "timeout", timeout)

	s.mu.Lock()
	if mode == ModeImmediate {
		for _, p := range s.running {
			s.stopAndRemove(p, 0, "stop")
		}
		s.exitOnce(0)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.broadcast(drainMessage(ipc.CmdStop, timeout))
}

// RestartWorkerProcesses replaces every worker. immediate kills worker j
// after j*interval and lets the exit handler replace it; any other mode asks
// each worker to drain first.
func (s *Supervisor) RestartWorkerProcesses(mode string, interval time.Duration) {
	s.mu.Lock()
	old := s.detach()
	s.logger.Info("Restarting workers", "mode", mode, "workers", len(old))

	if mode == ModeImmediate {
		if interval <= 0 {
			interval = DefaultRestartInterval
		}
		s.logger.Info("Restarting workers at intervals", "interval", interval)
		for j, p := range old {
			s.stopAndRemove(p, time.Duration(j)*interval, "restart")
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendTo(old, drainMessage(ipc.CmdRestart, interval))
}

// SetLogLevel forwards a log level to every worker
func (s *Supervisor) SetLogLevel(level string) {
	s.logger.Info("Setting worker log level", "level", level)
	s.broadcast(ipc.New(ipc.CmdLogLevel, level))
}

// SetClientMessageResendInterval forwards a resend interval to every worker
func (s *Supervisor) SetClientMessageResendInterval(ms int64) {
	s.logger.Info("Setting client message resend interval", "ms", ms)
	s.broadcast(ipc.New(ipc.CmdResendInterval, ms))
}

// ClientCount asks every worker to report its client count
func (s *Supervisor) ClientCount() {
	s.logger.Info("Requesting client counts")
	s.broadcast(ipc.Message{Cmd: ipc.CmdClientCount})
}

func (s *Supervisor) broadcast(m ipc.Message) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.workers))
	for _, p := range s.workers {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	s.sendTo(procs, m)
}

// sendTo delivers m outside the supervisor lock so a slow pipe cannot
// stall heartbeat handling
func (s *Supervisor) sendTo(procs []*Process, m ipc.Message) {
	for _, p := range procs {
		if err := p.handle.Send(m); err != nil {
			s.logger.Warn("Unable to message worker", "worker_id", p.ID, "cmd", m.Cmd, "error", err)
		}
	}
}

func drainMessage(cmd string, deadline time.Duration) ipc.Message {
	m := ipc.Message{Cmd: cmd, Type: ipc.TypeOnClientQueueEmpty}
	if deadline > 0 {
		m = ipc.New(cmd, deadline.Milliseconds())
		m.Type = ipc.TypeOnClientQueueEmpty
	}
	return m
}
