package cluster

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"
)

// Control command names
const (
	CommandRestart        = "restart"
	CommandShutdown       = "shutdown"
	CommandLogLevel       = "loglevel"
	CommandResendInterval = "clientmessageresendinterval"
	CommandClientCount    = "clientcount"
)

// Command is one parsed control channel line
type Command struct {
	Name string
	Args []string
}

// ParseCommand lowercases and splits a control line on whitespace
func ParseCommand(line string) Command {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Name: fields[0], Args: fields[1:]}
}

// Arg returns argument i or def when absent
func (c Command) Arg(i int, def string) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return def
}

// millisArg parses argument i as milliseconds. An absent argument yields
// zero; a present but non-numeric one is an error.
func (c Command) millisArg(i int) (time.Duration, bool) {
	if i >= len(c.Args) {
		return 0, true
	}
	ms, err := strconv.ParseInt(c.Args[i], 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// HandleCommand applies one control channel line
func (s *Supervisor) HandleCommand(line string) {
	cmd := ParseCommand(line)
	switch cmd.Name {
	case CommandRestart:
		s.onRestartCommand(cmd)
	case CommandShutdown:
		s.onShutdownCommand(cmd)
	case CommandLogLevel:
		s.logger.Info("Processing loglevel command")
		s.SetLogLevel(cmd.Arg(0, s.cfg.LogLevel))
	case CommandResendInterval:
		s.logger.Info("Processing clientmessageresendinterval command")
		interval, ok := cmd.millisArg(0)
		if !ok || (len(cmd.Args) > 0 && interval == 0) {
			s.logger.Warn("Rejected resend interval", "arg", cmd.Arg(0, ""))
			return
		}
		if interval == 0 {
			interval = s.cfg.ResendInterval
		}
		s.SetClientMessageResendInterval(interval.Milliseconds())
	case CommandClientCount:
		s.logger.Info("Processing clientcount command")
		s.ClientCount()
	default:
		s.logger.Info("Received unknown control message", "message", line)
	}
}

func (s *Supervisor) onRestartCommand(cmd Command) {
	s.logger.Info("Processing restart command")
	interval, ok := cmd.millisArg(1)
	if !ok {
		s.logger.Warn("Rejected restart interval", "arg", cmd.Arg(1, ""))
		return
	}
	s.RestartWorkerProcesses(cmd.Arg(0, ModeImmediate), interval)
}

func (s *Supervisor) onShutdownCommand(cmd Command) {
	s.logger.Info("Processing shutdown command")

	// The line was lowercased, so compare against the lowercased code
	expected := strings.ToLower(s.cfg.ShutdownCode)
	code := cmd.Arg(0, "")
	if expected == "" || subtle.ConstantTimeCompare([]byte(code), []byte(expected)) != 1 {
		s.logger.Warn("Invalid shutdown code received, ignoring shutdown")
		return
	}

	timeout, ok := cmd.millisArg(2)
	if !ok {
		s.logger.Warn("Rejected shutdown timeout", "arg", cmd.Arg(2, ""))
		return
	}

	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	s.StopWorkerProcesses(cmd.Arg(1, ModeImmediate), timeout)
}
