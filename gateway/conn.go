package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ActiveStack/gateway/errors"
)

// envelope is the wire frame in both directions
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// conn is one websocket connection. It implements client.Transport.
type conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, cfg Config, logger *slog.Logger) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Emit queues an event for the client. A client whose queue is full is
// too slow to keep and gets disconnected.
func (c *conn) Emit(event string, payload any) error {
	data, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return errors.WrapInvalid(err, "conn", "Emit", "encode event")
	}

	select {
	case <-c.done:
		return errors.WrapTransient(errors.ErrConnectionLost, "conn", "Emit", "send "+event)
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.WrapTransient(errors.ErrConnectionLost, "conn", "Emit", "send "+event)
	default:
		c.logger.Warn("Client send buffer full, disconnecting", "event", event)
		_ = c.Close()
		return errors.WrapTransient(errors.ErrResourceExhausted, "conn", "Emit", "send "+event)
	}
}

// Close ends the connection. The read loop notices and runs the
// connection's cleanup.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Closed reports whether Close has been called
func (c *conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump owns all data writes to the socket
func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

// readPump decodes frames and hands them to route until the socket fails
func (c *conn) readPump(route func(envelope)) {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.Closed() {
				c.logger.Debug("Connection closed unexpectedly", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("Ignoring malformed frame", "size", len(data))
			continue
		}
		route(env)
	}
}
