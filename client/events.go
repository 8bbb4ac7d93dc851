package client

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/ActiveStack/gateway/errors"
)

// Request class names the gateway itself sends to agents
const (
	connectRequest        = "com.percero.agents.sync.vo.ConnectRequest"
	reconnectRequest      = "com.percero.agents.sync.vo.ReconnectRequest"
	hibernateRequest      = "com.percero.agents.sync.vo.HibernateRequest"
	disconnectRequest     = "com.percero.agents.sync.vo.DisconnectRequest"
	disconnectAuthRequest = "com.percero.agents.auth.vo.DisconnectRequest"
)

const (
	routeConnect        = "connect"
	routeReconnect      = "reconnect"
	routeHibernate      = "hibernate"
	routeDisconnect     = "disconnect"
	routeDisconnectAuth = "disconnectAuth"
)

// UnauthEvents are forwarded for any connected client
var UnauthEvents = []string{
	"authenticateOAuthAccessToken",
	"authenticateOAuthCode",
	"authenticateUserAccount",
	"authenticate",
	"reauthenticate",
	"getAllServiceProviders",
	"getOAuthRequestToken",
	"getRegAppOAuths",
	"getRegisteredApplication",
	"getServiceUsers",
	"logoutUser",
	"testCall",
	"validateUserByToken",
}

// AuthEvents are forwarded only once the session carries a user
var AuthEvents = []string{
	"createObject",
	"create",
	"delete",
	"deletesReceived",
	"logout",
	"findByExample",
	"findById",
	"findByIds",
	"findUnique",
	"getHistory",
	"countAllByName",
	"getAllByName",
	"processTransaction",
	"putObject",
	"removeObject",
	"runProcess",
	"runQuery",
	"searchByExample",
	"update",
	"updatesReceived",
	"upgradeClient",
	"getChangeWatcher",
}

type category int

const (
	categoryUnknown category = iota
	categoryUnauth
	categoryAuth
)

var categories = func() map[string]category {
	m := make(map[string]category, len(UnauthEvents)+len(AuthEvents))
	for _, e := range UnauthEvents {
		m[e] = categoryUnauth
	}
	for _, e := range AuthEvents {
		m[e] = categoryAuth
	}
	return m
}()

// IsRequestEvent reports whether name is a request the gateway forwards
func IsRequestEvent(name string) bool {
	return categories[name] != categoryUnknown
}

// special message sub-types, in the order they are handled
var specialTypes = []string{"reconnect", "connect", "hibernate", "ack"}

// HandleSpecial routes the sub-types of a multiplexed "message" event.
// The session token is re-sent after each handled sub-type if it changed.
func (c *Client) HandleSpecial(message map[string]json.RawMessage) {
	c.lock()
	defer c.unlock()

	for key := range message {
		if !isSpecialType(key) {
			c.logger.Warn("Ignoring unknown message type", "type", key)
		}
	}

	for _, kind := range specialTypes {
		raw, ok := message[kind]
		if !ok || c.state == StateDisposed {
			continue
		}
		c.logger.Debug("Handling special message", "type", kind)

		switch kind {
		case "ack":
			c.ack(stringOrField(raw, "correspondingMessageId"))
		case "connect":
			c.connect()
		case "hibernate":
			c.hibernate()
		case "reconnect":
			c.reconnect(stringOrField(raw, "reconnectId"))
		}
		c.sendSessionIfDirty()
	}
}

func isSpecialType(kind string) bool {
	for _, t := range specialTypes {
		if t == kind {
			return true
		}
	}
	return false
}

// Connect opens the response queue and enables request events
func (c *Client) Connect() {
	c.lock()
	defer c.unlock()
	c.connect()
	c.sendSessionIfDirty()
}

func (c *Client) connect() {
	switch c.state {
	case StateConnected:
		c.logger.Warn("Client is already connected")
		return
	case StateDisposed:
		c.logger.Warn("Connect on disposed client")
		return
	}

	c.queueGen++
	name := c.session.ClientID()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	q, err := c.exchange.OpenQueue(ctx, name, &queueHandler{c: c, gen: c.queueGen})
	if err != nil {
		c.logger.Error("Unable to open response queue", "queue", name, "error", err)
		c.disposeAndSignal(false)
		return
	}
	c.queue = q
	c.state = StateConnected
	c.metrics.RecordClientState(StateConnected.String())
	c.logger.Debug("Client connected", "client_id", name)
}

// Reconnect resumes the session carried by reconnectID on this connection
func (c *Client) Reconnect(reconnectID string) {
	c.lock()
	defer c.unlock()
	c.reconnect(reconnectID)
	c.sendSessionIfDirty()
}

func (c *Client) reconnect(reconnectID string) {
	if c.state == StateDisposed {
		c.logger.Warn("Reconnect on disposed client")
		return
	}
	if c.state == StateConnected {
		c.logger.Warn("Client is already connected, taking over with reconnect")
		c.teardown()
	}

	newClientID := c.session.ClientID()
	prior := c.session.ExistingClientIDs()
	if err := c.session.Load(reconnectID); err != nil {
		c.logger.Warn("Ignoring invalid reconnect token", "error", err)
	} else if old := c.session.ClientID(); old == "" {
		c.logger.Error("No previous client id on reconnect")
	} else {
		// Ids superseded on this connection survive a takeover
		for _, id := range prior {
			c.session.AppendExistingClientID(id)
		}
		c.session.SetExistingClientID(old)
		c.session.AppendExistingClientID(old)
	}
	c.session.SetClientID(newClientID)

	c.connect()
}

// HandleEvent forwards a client request to the agents bound to name. A
// request the session may not send is dropped with ErrDisposed,
// ErrNotStarted, ErrUnauthorized or ErrUnknownEvent.
func (c *Client) HandleEvent(name string, payload json.RawMessage) error {
	c.lock()
	defer c.unlock()

	switch c.state {
	case StateConnected:
	case StateDisposed:
		c.logger.Warn("Dropping request from disposed client", "event", name)
		c.metrics.RecordRequest("rejected")
		return errors.ErrDisposed
	default:
		c.logger.Warn("Dropping request from unconnected client", "event", name, "state", c.state.String())
		c.metrics.RecordRequest("rejected")
		return errors.ErrNotStarted
	}

	switch categories[name] {
	case categoryUnauth:
		c.metrics.RecordRequest("unauth")
	case categoryAuth:
		if !c.session.IsLoggedIn() {
			c.logger.Warn("Got auth event for unauthenticated session", "event", name)
			c.metrics.RecordRequest("rejected")
			return errors.WrapInvalid(errors.ErrUnauthorized, "Client", "HandleEvent", name)
		}
		c.metrics.RecordRequest("auth")
	default:
		c.logger.Warn("Ignoring unknown event", "event", name)
		c.metrics.RecordRequest("unknown")
		return errors.WrapInvalid(errors.ErrUnknownEvent, "Client", "HandleEvent", name)
	}

	request, err := decodeObject(payload)
	if err != nil {
		c.logger.Error("Received invalid request", "event", name, "error", err)
		return errors.WrapInvalid(err, "Client", "HandleEvent", "decode "+name)
	}
	// The session, not the client, is authoritative for identity
	c.session.Populate(request)

	if err := c.publish(name, request); err != nil {
		return err
	}
	if truthy(request["sendAck"]) {
		c.emit(EventAck, request["messageId"])
	}
	return nil
}

// Hibernate tells agents the client is going idle
func (c *Client) Hibernate() {
	c.lock()
	defer c.unlock()
	c.hibernate()
}

func (c *Client) hibernate() {
	_ = c.publish(routeHibernate, c.session.Populate(map[string]any{"cn": hibernateRequest}))
}

// Logout tells the auth agent the user signed out and clears the
// credentials. The superseded id history is kept.
func (c *Client) Logout() {
	c.lock()
	defer c.unlock()
	if c.state == StateDisposed {
		return
	}
	_ = c.publish(routeDisconnectAuth, c.session.Populate(map[string]any{"cn": disconnectAuthRequest}))
	c.session.Logout()
	c.sendSessionIfDirty()
}

// publish sends msg to the agents bound to routingKey with the canonical
// client id as reply queue. A closed exchange ends the session.
func (c *Client) publish(routingKey string, msg map[string]any) error {
	if c.exchange == nil || !c.exchange.IsOpen() {
		c.logger.Error("Exchange closed, dropping client", "route", routingKey)
		c.disposeAndSignal(false)
		return errors.ErrExchangeClosed
	}

	if err := c.publishRaw(routingKey, msg); err != nil {
		if errors.IsFatal(err) {
			c.logger.Error("Publish failed, dropping client", "route", routingKey, "error", err)
			c.disposeAndSignal(false)
			return err
		}
		c.logger.Error("Error sending message to agent", "route", routingKey, "error", err)
		return err
	}
	return nil
}

func (c *Client) publishRaw(routingKey string, msg map[string]any) error {
	canonical := c.session.ClientID()
	if id, ok := msg["clientId"].(string); ok && id != canonical {
		c.logger.Debug("Rewriting stale client id", "from", id, "to", canonical)
	}
	msg["clientId"] = canonical

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "publish", "encode "+routingKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.exchange.Publish(ctx, routingKey, canonical, data)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.ErrInvalidData
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.ErrInvalidData
	}
	return m, nil
}

// stringOrField accepts either a bare JSON string or an object carrying key
func stringOrField(raw json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return stringOf(m[key])
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
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
