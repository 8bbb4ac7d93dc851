package testutil

import (
	"sync"

	"github.com/ActiveStack/gateway/ipc"
)

// RecordingSender is an ipc.Sender that keeps every message
type RecordingSender struct {
	mu   sync.Mutex
	sent []ipc.Message
	err  error
}

// Fail makes every following Send return err (nil to clear)
func (s *RecordingSender) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *RecordingSender) Send(m ipc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

// Sent returns a copy of every message sent
func (s *RecordingSender) Sent() []ipc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ipc.Message(nil), s.sent...)
}

// Commands returns the cmd of every message sent, in order
func (s *RecordingSender) Commands() []string {
	var out []string
	for _, m := range s.Sent() {
		out = append(out, m.Cmd)
	}
	return out
}

// Count returns how many messages with cmd were sent
func (s *RecordingSender) Count(cmd string) int {
	n := 0
	for _, m := range s.Sent() {
		if m.Cmd == cmd {
			n++
		}
	}
	return n
}
