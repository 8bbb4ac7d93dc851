// Package bridge connects client sessions to backend agents through the
// broker: requests are published to the exchange keyed by event name, and
// each client owns a response queue the agents reply into.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ActiveStack/gateway/errors"
)

// Exchange is the broker side seen by a client session
type Exchange interface {
	// IsOpen reports whether publishes can currently succeed
	IsOpen() bool
	// Publish sends payload to the agents bound to routingKey and waits for
	// the broker to confirm it. replyTo names the response queue.
	Publish(ctx context.Context, routingKey, replyTo string, payload []byte) error
	// OpenQueue creates the response queue name and starts delivering to h
	OpenQueue(ctx context.Context, name string, h Handler) (Queue, error)
}

// Queue is an open per-client response queue
type Queue interface {
	Name() string
	// Close stops delivery and removes the queue from the broker. Idempotent.
	Close(ctx context.Context) error
}

// Delivery settles one broker message after local processing
type Delivery interface {
	Ack() error
	Nak() error
}

// Handler receives queue traffic
type Handler interface {
	OnQueueMessage(resp *Response, d Delivery)
	// OnQueueClosed is called when the broker removes the queue underneath
	// the session. It is not called after Queue.Close.
	OnQueueClosed(err error)
}

// Response is an agent message addressed to one client. Body holds every
// field verbatim so unknown fields reach the client untouched.
type Response struct {
	CN                     string
	ClientID               string
	CorrespondingMessageID string
	EOL                    bool
	Body                   map[string]any
}

// ParseResponse decodes an agent response envelope
func ParseResponse(data []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, errors.WrapInvalid(err, "bridge", "ParseResponse", "decode response")
	}
	if body == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "bridge", "ParseResponse", "decode response")
	}

	return &Response{
		CN:                     stringField(body, "cn"),
		ClientID:               stringField(body, "clientId"),
		CorrespondingMessageID: stringField(body, "correspondingMessageId"),
		EOL:                    truthy(body["EOL"]),
		Body:                   body,
	}, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case json.Number:
		return t.String() != "0"
	default:
		return false
	}
}
