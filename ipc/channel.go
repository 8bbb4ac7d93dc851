package ipc

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"

	"github.com/ActiveStack/gateway/errors"
)

// Sender delivers messages to the other side
type Sender interface {
	Send(m Message) error
}

// Channel is one end of a supervisor<->worker link. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Channel struct {
	r io.ReadCloser
	w io.WriteCloser

	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder

	closeOnce sync.Once
	closeErr  error
}

// NewChannel reads messages from r and writes them to w
func NewChannel(r io.ReadCloser, w io.WriteCloser) *Channel {
	return &Channel{
		r:   r,
		w:   w,
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(r),
	}
}

// Send writes m as one JSON line
func (c *Channel) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(m); err != nil {
		return errors.WrapTransient(err, "Channel", "Send", "write "+m.Cmd)
	}
	return nil
}

// Receive blocks for the next message. io.EOF means the other side closed.
func (c *Channel) Receive() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		if stderrors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, errors.WrapInvalid(err, "Channel", "Receive", "decode message")
	}
	return m, nil
}

// Close closes both pipe ends
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.w != nil {
			errs = append(errs, c.w.Close())
		}
		if c.r != nil {
			errs = append(errs, c.r.Close())
		}
		c.closeErr = stderrors.Join(errs...)
	})
	return c.closeErr
}

// Pipe returns two connected in-process channels
func Pipe() (*Channel, *Channel) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return NewChannel(ar, aw), NewChannel(br, bw)
}
