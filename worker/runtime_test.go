package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ActiveStack/gateway/ipc"
	"github.com/ActiveStack/gateway/testutil"
)

type fakeSubsystem struct {
	mu        sync.Mutex
	shutdowns int
	errors    []string
	panicOn   bool
}

func (f *fakeSubsystem) OnShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeSubsystem) HandleError(_ error, source string) {
	f.mu.Lock()
	f.errors = append(f.errors, source)
	panicking := f.panicOn
	f.mu.Unlock()
	if panicking {
		panic("cleanup blew up")
	}
}

func (f *fakeSubsystem) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

func (f *fakeSubsystem) Errors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errors...)
}

func newTestRuntime(opts ...Option) (*Runtime, *testutil.RecordingSender, *fakeSubsystem) {
	sender := &testutil.RecordingSender{}
	sub := &fakeSubsystem{}
	rt := NewRuntime(Config{}, sender, nil, opts...)
	rt.SetSubsystem(sub)
	return rt, sender, sub
}

func drainMsg(cmd string, data string) ipc.Message {
	m := ipc.Message{Cmd: cmd, Type: ipc.TypeOnClientQueueEmpty}
	if data != "" {
		m.Data = json.RawMessage(data)
	}
	return m
}

// TestRuntime_DrainWithEmptyQueue tests immediate completion when no client is connected
func TestRuntime_DrainWithEmptyQueue(t *testing.T) {
	for _, cmd := range []string{ipc.CmdStop, ipc.CmdRestart} {
		t.Run(cmd, func(t *testing.T) {
			rt, sender, sub := newTestRuntime()

			rt.HandleMessage(drainMsg(cmd, ""))

			assert.Equal(t, 1, sub.Shutdowns())
			assert.Equal(t, []string{cmd}, sender.Commands())
		})
	}
}

// TestRuntime_DrainWaitsForClients tests that completion follows the last client
func TestRuntime_DrainWaitsForClients(t *testing.T) {
	rt, sender, sub := newTestRuntime()
	rt.SetClientQueueLength(3)

	rt.HandleMessage(drainMsg(ipc.CmdStop, ""))
	assert.Equal(t, 1, sub.Shutdowns())
	assert.Empty(t, sender.Sent())

	rt.SetClientQueueLength(2)
	rt.SetClientQueueLength(1)
	assert.Empty(t, sender.Sent())

	rt.SetClientQueueLength(0)
	assert.Equal(t, []string{ipc.CmdStop}, sender.Commands())

	// Reported exactly once
	rt.SetClientQueueLength(0)
	assert.Equal(t, 1, sender.Count(ipc.CmdStop))
}

// TestRuntime_DrainDeadline tests the forced report at the deadline
func TestRuntime_DrainDeadline(t *testing.T) {
	rt, sender, _ := newTestRuntime()
	rt.SetClientQueueLength(2)

	rt.HandleMessage(drainMsg(ipc.CmdRestart, `30`))
	assert.Empty(t, sender.Sent())

	testutil.Eventually(t, func() bool { return sender.Count(ipc.CmdRestart) == 1 }, time.Second)

	// The queue draining later does not report again
	rt.SetClientQueueLength(0)
	testutil.Never(t, func() bool { return sender.Count(ipc.CmdRestart) > 1 }, 50*time.Millisecond)
}

// TestRuntime_DrainBeforeDeadline tests that draining cancels the deadline
func TestRuntime_DrainBeforeDeadline(t *testing.T) {
	rt, sender, _ := newTestRuntime()
	rt.SetClientQueueLength(1)

	rt.HandleMessage(drainMsg(ipc.CmdStop, `"40"`))
	rt.SetClientQueueLength(0)
	assert.Equal(t, 1, sender.Count(ipc.CmdStop))

	testutil.Never(t, func() bool { return sender.Count(ipc.CmdStop) > 1 }, 100*time.Millisecond)
}

// TestRuntime_ImmediateDirective tests that other types report at once
func TestRuntime_ImmediateDirective(t *testing.T) {
	rt, sender, sub := newTestRuntime()
	rt.SetClientQueueLength(5)

	rt.HandleMessage(ipc.Message{Cmd: "STOP", Type: "immediate"})

	assert.Equal(t, []string{ipc.CmdStop}, sender.Commands())
	assert.Equal(t, 0, sub.Shutdowns())
}

// TestRuntime_HandleMessage tests the non-drain directives
func TestRuntime_HandleMessage(t *testing.T) {
	level := &slog.LevelVar{}
	rt, sender, _ := newTestRuntime(WithLevelVar(level))
	rt.SetClientQueueLength(4)

	rt.HandleMessage(ipc.New(ipc.CmdLogLevel, "debug"))
	assert.Equal(t, slog.LevelDebug, level.Level())

	rt.HandleMessage(ipc.New(ipc.CmdLogLevel, "warning"))
	assert.Equal(t, slog.LevelWarn, level.Level())

	rt.HandleMessage(ipc.New(ipc.CmdLogLevel, "loud"))
	assert.Equal(t, slog.LevelWarn, level.Level())

	assert.Equal(t, 7500*time.Millisecond, rt.ResendInterval())
	rt.HandleMessage(ipc.New(ipc.CmdResendInterval, 2000))
	assert.Equal(t, 2*time.Second, rt.ResendInterval())
	rt.HandleMessage(ipc.New(ipc.CmdResendInterval, "soon"))
	assert.Equal(t, 2*time.Second, rt.ResendInterval())

	rt.HandleMessage(ipc.Message{Cmd: "clientcount"})
	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ipc.CmdClientCount, sent[0].Cmd)
	n, ok := sent[0].IntData()
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)

	rt.HandleMessage(ipc.Message{Cmd: "dance"})
	assert.Len(t, sender.Sent(), 1)
}

// TestRuntime_ErrorHandler tests the once-per-process disconnect report
func TestRuntime_ErrorHandler(t *testing.T) {
	rt, sender, sub := newTestRuntime()
	sub.panicOn = true

	rt.ErrorHandler("nats")(errors.New("connection closed"))
	assert.True(t, rt.Exiting())
	assert.Equal(t, []string{ipc.CmdDisconnect}, sender.Commands())
	assert.Equal(t, []string{"nats"}, sub.Errors())

	rt.ErrorHandler("websocket")(errors.New("listener failed"))
	assert.Equal(t, 1, sender.Count(ipc.CmdDisconnect))
	assert.Equal(t, []string{"nats", "websocket"}, sub.Errors())
}

// TestRuntime_ErrorHandlerConcurrent tests that simultaneous fatal errors
// report a single disconnect and all reach the subsystem
func TestRuntime_ErrorHandlerConcurrent(t *testing.T) {
	tests := []struct {
		name    string
		callers int
	}{
		{"two sources", 2},
		{"many sources", 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, sender, sub := newTestRuntime()

			start := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < tt.callers; i++ {
				wg.Add(1)
				handle := rt.ErrorHandler("source")
				go func() {
					defer wg.Done()
					<-start
					handle(errors.New("connection closed"))
				}()
			}
			close(start)
			wg.Wait()

			assert.True(t, rt.Exiting())
			assert.Equal(t, 1, sender.Count(ipc.CmdDisconnect))
			assert.Len(t, sub.Errors(), tt.callers)
		})
	}
}

// TestRuntime_ErrorHandlerSupervisorGone tests that a broken channel does not stop cleanup
func TestRuntime_ErrorHandlerSupervisorGone(t *testing.T) {
	rt, sender, sub := newTestRuntime()
	sender.Fail(errors.New("broken pipe"))

	rt.ErrorHandler("redis")(errors.New("boom"))

	assert.True(t, rt.Exiting())
	assert.Equal(t, []string{"redis"}, sub.Errors())
}

// TestRuntime_Heartbeat tests periodic heartbeats with memory usage
func TestRuntime_Heartbeat(t *testing.T) {
	sender := &testutil.RecordingSender{}
	rt := NewRuntime(Config{HeartbeatInterval: 10 * time.Millisecond}, sender, nil,
		WithMemoryReader(func() map[string]uint64 { return map[string]uint64{MemHeapAlloc: 42} }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	testutil.Eventually(t, func() bool { return sender.Count(ipc.CmdHeartbeat) >= 2 }, time.Second)
	assert.Equal(t, uint64(42), sender.Sent()[0].Memory[MemHeapAlloc])

	// A fatal error stops the heartbeat
	rt.ErrorHandler("test")(errors.New("fatal"))
	time.Sleep(20 * time.Millisecond)
	beats := sender.Count(ipc.CmdHeartbeat)
	testutil.Never(t, func() bool { return sender.Count(ipc.CmdHeartbeat) > beats }, 50*time.Millisecond)
}

// TestRuntime_Serve tests that supervisor messages are applied until the channel closes
func TestRuntime_Serve(t *testing.T) {
	supervisor, workerEnd := ipc.Pipe()
	rt := NewRuntime(Config{}, workerEnd, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Serve(context.Background(), workerEnd) }()

	require.NoError(t, supervisor.Send(ipc.New(ipc.CmdResendInterval, 1234)))
	require.NoError(t, supervisor.Send(ipc.Message{Cmd: ipc.CmdClientCount}))

	reply, err := supervisor.Receive()
	require.NoError(t, err)
	assert.Equal(t, ipc.CmdClientCount, reply.Cmd)
	assert.Equal(t, 1234*time.Millisecond, rt.ResendInterval())

	require.NoError(t, supervisor.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after the supervisor closed")
	}
}

// TestCheckMemory tests hard and soft limits against a fixed reading
func TestCheckMemory(t *testing.T) {
	rt := NewRuntime(Config{
		MemoryLimits:   map[string]uint64{MemHeapAlloc: 1},
		MemoryWarnings: map[string]uint64{MemSys: 1},
	}, nil, nil, WithMemoryReader(func() map[string]uint64 {
		return map[string]uint64{MemHeapAlloc: 2 * megabyte, MemSys: megabyte / 2}
	}))

	assert.NotPanics(t, rt.CheckMemory)
	assert.NotEmpty(t, ReadMemory()[MemSys])
}

// TestParseLevel tests level aliases
func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"verbose": slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
