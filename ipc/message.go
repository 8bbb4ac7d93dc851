// Package ipc carries supervisor<->worker messages as JSON lines over a pair
// of pipes.
package ipc

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Command names
const (
	CmdRestart        = "restart"
	CmdStop           = "stop"
	CmdLogLevel       = "logLevel"
	CmdResendInterval = "clientMessageResendInterval"
	CmdClientCount    = "clientCount"
	CmdHeartbeat      = "heartbeat"
	CmdDisconnect     = "disconnect"
)

// TypeOnClientQueueEmpty asks a worker to drain before stopping or restarting
const TypeOnClientQueueEmpty = "on_client_queue_empty"

// Message is one supervisor<->worker message
type Message struct {
	Cmd    string            `json:"cmd"`
	Type   string            `json:"type,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
	Memory map[string]uint64 `json:"memory,omitempty"`
}

// New returns a message with data encoded as JSON. A nil data is omitted.
func New(cmd string, data any) Message {
	m := Message{Cmd: cmd}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			m.Data = raw
		}
	}
	return m
}

// Is compares the command case-insensitively
func (m Message) Is(cmd string) bool {
	return strings.EqualFold(m.Cmd, cmd)
}

// IntData reads Data as an integer. Numbers and numeric strings are
// accepted; anything else reports false.
func (m Message) IntData() (int64, bool) {
	if len(m.Data) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(m.Data, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// StringData reads Data as a string; numbers are returned in their JSON form
func (m Message) StringData() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}
