package cluster

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/ipc"
)

// Events are the callbacks a spawned worker reports through. A Spawner must
// never invoke them from inside Spawn.
type Events struct {
	// Message is called for every message the worker sends, in order
	Message func(m ipc.Message)
	// Exit is called once after the worker is gone and its last message
	// has been delivered
	Exit func(err error)
}

// Handle controls one spawned worker
type Handle interface {
	Pid() int
	Send(m ipc.Message) error
	Kill() error
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(id int, ev Events) (Handle, error)
}

// Process is the supervisor's record of one worker
type Process struct {
	ID     int
	handle Handle

	lastHeartbeat     time.Time
	gotFirstHeartbeat bool
	registered        bool
	killed            bool
	stopWatchdog      chan struct{}
}

// Pid returns the OS process id
func (p *Process) Pid() int {
	return p.handle.Pid()
}

func (p *Process) haltWatchdog() {
	if p.stopWatchdog != nil {
		close(p.stopWatchdog)
		p.stopWatchdog = nil
	}
}

// ExecSpawner re-executes a binary as a worker. The worker reads
// supervisor messages from fd 3 and writes its own to fd 4.
type ExecSpawner struct {
	// Path defaults to the running executable
	Path string
	// Args are passed before --worker-id
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// WorkerFDs are the descriptor numbers the worker finds its channel on
const (
	WorkerReadFD  = 3
	WorkerWriteFD = 4
)

// Spawn starts a worker with the given id
func (s *ExecSpawner) Spawn(id int, ev Events) (Handle, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.WrapFatal(err, "ExecSpawner", "Spawn", "resolve executable")
		}
		path = exe
	}

	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapTransient(err, "ExecSpawner", "Spawn", "create pipe")
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, errors.WrapTransient(err, "ExecSpawner", "Spawn", "create pipe")
	}

	args := append(append([]string{}, s.Args...), "--worker-id", strconv.Itoa(id))
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}

	if err := cmd.Start(); err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		fromWorkerR.Close()
		fromWorkerW.Close()
		return nil, errors.WrapTransient(err, "ExecSpawner", "Spawn", fmt.Sprintf("start worker %d", id))
	}
	// The child holds its own copies
	toWorkerR.Close()
	fromWorkerW.Close()

	p := &execProcess{cmd: cmd, ch: ipc.NewChannel(fromWorkerR, toWorkerW)}

	var reading sync.WaitGroup
	reading.Add(1)
	go func() {
		defer reading.Done()
		for {
			m, err := p.ch.Receive()
			if err != nil {
				return
			}
			ev.Message(m)
		}
	}()
	go func() {
		err := cmd.Wait()
		reading.Wait()
		_ = p.ch.Close()
		ev.Exit(err)
	}()

	return p, nil
}

type execProcess struct {
	cmd *exec.Cmd
	ch  *ipc.Channel
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Send(m ipc.Message) error {
	return p.ch.Send(m)
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return errors.WrapTransient(err, "Process", "Kill", fmt.Sprintf("kill pid %d", p.Pid()))
	}
	return nil
}
