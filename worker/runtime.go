// Package worker is the per-process runtime of a gateway worker. It sends
// heartbeats to the supervisor, watches its own memory, coordinates graceful
// drain with the connection-owning subsystem and escalates fatal errors.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ActiveStack/gateway/ipc"
)

// Subsystem is the connection-owning part of the worker
type Subsystem interface {
	// OnShutdown stops accepting new connections
	OnShutdown()
	// HandleError releases every resource after a fatal error in source
	HandleError(err error, source string)
}

// Config holds the runtime settings
type Config struct {
	HeartbeatInterval   time.Duration
	MemoryCheckInterval time.Duration
	// MemoryLimits and MemoryWarnings are in MB keyed by memory type
	// (heapAlloc, heapSys, sys, stackInuse)
	MemoryLimits   map[string]uint64
	MemoryWarnings map[string]uint64
	ResendInterval time.Duration
}

// DefaultConfig returns the runtime defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   time.Second,
		MemoryCheckInterval: time.Second,
		ResendInterval:      7500 * time.Millisecond,
	}
}

// Runtime is the worker side of the supervisor protocol
type Runtime struct {
	cfg       Config
	sender    ipc.Sender
	logger    *slog.Logger
	level     *slog.LevelVar
	subsystem Subsystem
	readMem   func() map[string]uint64

	resendMs     atomic.Int64
	exiting      atomic.Bool
	disconnected atomic.Bool

	mu          sync.Mutex
	queueLength int
	drain       *drain
	stopBeat    context.CancelFunc
}

// drain is one pending stop/restart directive waiting for the client
// queue to empty
type drain struct {
	cmd   string
	timer *time.Timer
	done  bool
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLevelVar lets logLevel messages change the shared log level
func WithLevelVar(v *slog.LevelVar) Option {
	return func(r *Runtime) { r.level = v }
}

// WithMemoryReader replaces the memory source. Used by tests.
func WithMemoryReader(fn func() map[string]uint64) Option {
	return func(r *Runtime) { r.readMem = fn }
}

// NewRuntime creates a runtime reporting to sender. sender may be nil in
// single-process mode, in which case nothing is reported.
func NewRuntime(cfg Config, sender ipc.Sender, logger *slog.Logger, opts ...Option) *Runtime {
	d := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.MemoryCheckInterval <= 0 {
		cfg.MemoryCheckInterval = d.MemoryCheckInterval
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = d.ResendInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runtime{
		cfg:     cfg,
		sender:  sender,
		logger:  logger.With("component", "worker"),
		readMem: ReadMemory,
	}
	r.resendMs.Store(cfg.ResendInterval.Milliseconds())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSubsystem wires the connection-owning subsystem. It must be called
// before Start.
func (r *Runtime) SetSubsystem(s Subsystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subsystem = s
}

// Start runs the heartbeat and memory pollers until ctx ends
func (r *Runtime) Start(ctx context.Context) {
	beatCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stopBeat = cancel
	r.mu.Unlock()

	if r.sender != nil {
		go r.heartbeatLoop(beatCtx)
	}
	go r.memoryLoop(ctx)
}

// Serve handles supervisor messages from recv until it closes or ctx ends
func (r *Runtime) Serve(ctx context.Context, recv interface{ Receive() (ipc.Message, error) }) error {
	msgs := make(chan ipc.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := recv.Receive()
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case m := <-msgs:
			r.HandleMessage(m)
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.send(ipc.Message{Cmd: ipc.CmdHeartbeat, Memory: r.readMem()})
		}
	}
}

func (r *Runtime) memoryLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckMemory()
		}
	}
}

// CheckMemory logs hard and soft limit breaches. It never terminates the
// process; the supervisor does that on the next heartbeat.
func (r *Runtime) CheckMemory() {
	usage := r.readMem()
	for kind, used := range usage {
		if limit, ok := r.cfg.MemoryLimits[kind]; ok && limit > 0 && used > limit*megabyte {
			r.logger.Error("Worker exceeded hard memory limit",
				"type", kind, "used", used, "limit", limit*megabyte)
		}
		if warn, ok := r.cfg.MemoryWarnings[kind]; ok && warn > 0 && used > warn*megabyte {
			r.logger.Warn("Worker exceeded soft memory limit",
				"type", kind, "used", used, "limit", warn*megabyte)
		}
	}
}

// HandleMessage applies one supervisor directive
func (r *Runtime) HandleMessage(m ipc.Message) {
	switch strings.ToLower(m.Cmd) {
	case ipc.CmdRestart, ipc.CmdStop:
		r.stopOrRestart(m)
	case strings.ToLower(ipc.CmdLogLevel):
		r.setLogLevel(m.StringData())
	case strings.ToLower(ipc.CmdResendInterval):
		ms, ok := m.IntData()
		if !ok || ms <= 0 {
			r.logger.Warn("Ignoring invalid resend interval", "data", string(m.Data))
			return
		}
		r.logger.Info("Setting client message resend interval", "ms", ms)
		r.resendMs.Store(ms)
	case strings.ToLower(ipc.CmdClientCount):
		n := r.ClientQueueLength()
		r.logger.Info("Reporting client count", "clients", n)
		r.send(ipc.New(ipc.CmdClientCount, n))
	default:
		r.logger.Info("Received unknown message", "cmd", m.Cmd, "type", m.Type)
	}
}

func (r *Runtime) stopOrRestart(m ipc.Message) {
	cmd := strings.ToLower(m.Cmd)
	r.logger.Info("Received drain directive", "cmd", cmd, "type", m.Type)

	if !strings.EqualFold(m.Type, ipc.TypeOnClientQueueEmpty) {
		r.send(ipc.Message{Cmd: cmd})
		return
	}

	r.mu.Lock()
	subsystem := r.subsystem
	r.mu.Unlock()
	if subsystem != nil {
		r.catchAndWarn("subsystem shutdown", func() error {
			subsystem.OnShutdown()
			return nil
		})
	}

	r.mu.Lock()
	if r.drain != nil && r.drain.timer != nil {
		r.drain.timer.Stop()
	}
	d := &drain{cmd: cmd}
	r.drain = d
	if r.queueLength <= 0 {
		d.done = true
		r.mu.Unlock()
		r.send(ipc.Message{Cmd: cmd})
		return
	}

	if ms, ok := m.IntData(); ok && ms > 0 {
		r.logger.Info("Waiting for clients to leave",
			"cmd", cmd, "clients", r.queueLength, "timeout_ms", ms)
		d.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			r.mu.Lock()
			clients := r.queueLength
			r.mu.Unlock()
			r.logger.Warn("Drain timeout, reporting with clients still connected", "cmd", cmd, "clients", clients)
			r.report(d)
		})
	}
	r.mu.Unlock()
}

// report sends the completion for d once
func (r *Runtime) report(d *drain) {
	r.mu.Lock()
	if d.done {
		r.mu.Unlock()
		return
	}
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
	}
	r.mu.Unlock()
	r.send(ipc.Message{Cmd: d.cmd})
}

// SetClientQueueLength records the connected client count and completes a
// pending drain once it reaches zero
func (r *Runtime) SetClientQueueLength(n int) {
	r.mu.Lock()
	r.queueLength = n
	d := r.drain
	r.mu.Unlock()

	if d != nil && n <= 0 {
		r.logger.Info("Client queue is empty", "cmd", d.cmd)
		r.report(d)
	}
}

// ClientQueueLength returns the last reported client count
func (r *Runtime) ClientQueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queueLength
}

// ResendInterval returns the current client message resend interval
func (r *Runtime) ResendInterval() time.Duration {
	return time.Duration(r.resendMs.Load()) * time.Millisecond
}

// Exiting reports whether a fatal error has been handled
func (r *Runtime) Exiting() bool {
	return r.exiting.Load()
}

// ErrorHandler returns the fatal error handler for source. The first fatal
// error stops the heartbeat and tells the supervisor to replace this
// worker; every error is handed to the subsystem for cleanup.
func (r *Runtime) ErrorHandler(source string) func(error) {
	return func(err error) {
		r.logger.Error("Fatal error", "source", source, "error", err)

		r.mu.Lock()
		stop := r.stopBeat
		subsystem := r.subsystem
		r.mu.Unlock()
		if stop != nil {
			stop()
		}

		if r.sender != nil && r.disconnected.CompareAndSwap(false, true) {
			r.catchAndWarn("supervisor channel", func() error {
				return r.sender.Send(ipc.Message{Cmd: ipc.CmdDisconnect})
			})
		}

		if subsystem != nil {
			r.catchAndWarn(source, func() error {
				subsystem.HandleError(err, source)
				return nil
			})
		}

		r.exiting.Store(true)
	}
}

// catchAndWarn runs a cleanup step, logging a failure or panic instead of
// propagating it. Failures after exit has begun are expected and silent.
func (r *Runtime) catchAndWarn(what string, fn func() error) {
	defer func() {
		if p := recover(); p != nil && !r.exiting.Load() {
			r.logger.Warn("Error disconnecting", "connection", what, "error", fmt.Sprint(p))
		}
	}()
	if err := fn(); err != nil && !r.exiting.Load() {
		r.logger.Warn("Error disconnecting", "connection", what, "error", err)
	}
}

// CatchAndWarn is catchAndWarn for the subsystem's own cleanup steps
func (r *Runtime) CatchAndWarn(what string, fn func() error) {
	r.catchAndWarn(what, fn)
}

func (r *Runtime) send(m ipc.Message) {
	if r.sender == nil {
		return
	}
	if err := r.sender.Send(m); err != nil {
		r.logger.Warn("Unable to reach supervisor", "cmd", m.Cmd, "error", err)
	}
}

func (r *Runtime) setLogLevel(name string) {
	if r.level == nil {
		r.logger.Warn("Log level is not adjustable", "level", name)
		return
	}
	level, err := ParseLevel(name)
	if err != nil {
		r.logger.Warn("Ignoring unknown log level", "level", name)
		return
	}
	r.level.Set(level)
	r.logger.Info("Log level changed", "level", level.String())
}

// ParseLevel maps a log level name to a slog level. verbose, silly and
// warning are accepted as aliases.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "verbose", "silly", "trace":
		return slog.LevelDebug, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	err := level.UnmarshalText([]byte(name))
	return level, err
}
