package client

import (
	"strings"
	"time"

	"github.com/ActiveStack/gateway/bridge"
)

// pendingAck is a pushed response the client has not acknowledged yet
type pendingAck struct {
	delivery bridge.Delivery
	body     map[string]any
	timer    *time.Timer
	resends  int
}

// queueHandler binds deliveries to the queue generation that produced
// them, so a delivery racing a reconnect takeover is not applied to the
// queue that replaced it.
type queueHandler struct {
	c   *Client
	gen uint64
}

func (h *queueHandler) OnQueueMessage(resp *bridge.Response, d bridge.Delivery) {
	h.c.onQueueMessage(h.gen, resp, d)
}

func (h *queueHandler) OnQueueClosed(err error) {
	h.c.onQueueClosed(h.gen, err)
}

func (c *Client) onQueueMessage(gen uint64, resp *bridge.Response, d bridge.Delivery) {
	c.lock()
	defer c.unlock()

	if gen != c.queueGen || c.state != StateConnected {
		c.logger.Debug("Bailing on response, queue is already closed", "cn", resp.CN)
		_ = d.Nak()
		return
	}

	if resp.EOL {
		if resp.ClientID != "" && resp.ClientID != c.session.ClientID() {
			c.logger.Debug("Ignoring stale EOL", "eol_client_id", resp.ClientID, "client_id", c.session.ClientID())
			_ = d.Ack()
			return
		}
		c.logger.Info("Received EOL for queue", "client_id", c.session.ClientID())
		_ = d.Ack()
		c.disposeAndSignal(true)
		return
	}

	c.processResponse(resp)
	c.sendSessionIfDirty()
	if c.state != StateConnected {
		// processResponse may have published and found the exchange gone
		return
	}

	if resp.CorrespondingMessageID != "" {
		c.awaitAck(resp, d)
	} else {
		_ = d.Ack()
	}

	c.emit(EventPush, resp.Body)
	c.metrics.RecordPush(false)
}

func (c *Client) onQueueClosed(gen uint64, err error) {
	c.lock()
	defer c.unlock()

	if gen != c.queueGen {
		return
	}
	c.logger.Info("Response queue closed by broker", "client_id", c.session.ClientID(), "error", err)
	c.queue = nil
	c.disposeAndSignal(false)
}

// processResponse updates the session from authentication and connection
// responses. Other responses pass through untouched.
func (c *Client) processResponse(resp *bridge.Response) {
	name := resp.CN
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	switch name {
	case "UserToken":
		c.logUserIn(resp, resp.Body)
	case "AuthenticateUserAccountResponse",
		"AuthenticateOAuthCodeResponse",
		"AuthenticateOAuthAccessTokenResponse",
		"AuthenticationResponse":
		result, _ := resp.Body["result"].(map[string]any)
		c.logUserIn(resp, result)
	case "ConnectResponse":
		if resp.ClientID == "" {
			c.logger.Error("Invalid client id for ConnectResponse", "existing_client_id", c.session.ExistingClientID())
			c.session.Logout()
		}
	case "ReconnectResponse":
		if resp.ClientID == "" {
			c.logger.Error("Invalid client id for ReconnectResponse", "existing_client_id", c.session.ExistingClientID())
			c.session.Logout()
		}
		c.session.SetExistingClientID("")
	}
}

// logUserIn stores the credentials in src (the response itself for a
// UserToken, its result for the Authenticate responses) then announces the
// client to the sync agents.
func (c *Client) logUserIn(resp *bridge.Response, src map[string]any) {
	if user, ok := src["user"].(map[string]any); ok {
		userID := ""
		if v, ok := user["ID"]; ok {
			userID = stringOf(v)
		} else if v, ok := user["id"]; ok {
			userID = stringOf(v)
		} else {
			c.logger.Error("Invalid user in auth response", "cn", resp.CN)
		}
		c.session.SetCredentials(userID, stringOf(src["token"]), stringOf(src["deviceId"]))
	}
	c.logger.Debug("Received auth response", "cn", resp.CN)
	c.afterLogin()
}

func (c *Client) afterLogin() {
	if !c.session.IsLoggedIn() {
		return
	}

	existing := c.session.ExistingClientID()
	if existing != "" && existing != c.session.ClientID() {
		msg := c.session.Populate(map[string]any{"cn": reconnectRequest})
		_ = c.publish(routeReconnect, msg)
		return
	}
	_ = c.publish(routeConnect, c.session.Populate(map[string]any{"cn": connectRequest}))
}

// awaitAck holds the delivery until the client acks it and arms the
// resend timer.
func (c *Client) awaitAck(resp *bridge.Response, d bridge.Delivery) {
	id := resp.CorrespondingMessageID
	if prev, ok := c.pending[id]; ok {
		// A redelivered response replaces the one still waiting
		prev.timer.Stop()
		_ = prev.delivery.Ack()
	}

	p := &pendingAck{delivery: d, body: resp.Body}
	p.timer = time.AfterFunc(c.resendInterval(), func() { c.resend(id, p) })
	c.pending[id] = p
}

func (c *Client) resend(id string, p *pendingAck) {
	c.lock()
	defer c.unlock()

	if c.state == StateDisposed || c.pending[id] != p {
		return
	}
	p.resends++
	c.logger.Warn("Unacknowledged message being sent again", "correspondingMessageId", id, "attempt", p.resends)
	c.emit(EventPush, p.body)
	c.metrics.RecordPush(true)
	p.timer.Reset(c.resendInterval())
}

// Ack settles the pending push for correspondingMessageID
func (c *Client) Ack(correspondingMessageID string) {
	c.lock()
	defer c.unlock()
	c.ack(correspondingMessageID)
}

func (c *Client) ack(id string) {
	p, ok := c.pending[id]
	if !ok {
		// Usually the ack for a resend that turned out to be superfluous
		c.logger.Warn("Unexpected response ack", "correspondingMessageId", id)
		c.metrics.RecordAck(false)
		return
	}
	p.timer.Stop()
	delete(c.pending, id)
	if err := p.delivery.Ack(); err != nil {
		c.logger.Debug("Broker ack failed", "correspondingMessageId", id, "error", err)
	}
	c.metrics.RecordAck(true)
}
