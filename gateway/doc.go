// Package gateway is the connection-owning subsystem of a worker. It accepts
// websocket connections, gives each one a client session bridged to the
// broker, and reports the open connection count to the worker runtime so a
// graceful drain knows when the last client has left.
//
// Frames in both directions are JSON text messages of the form
//
//	{"event": "<name>", "data": <json>}
//
// The client sends request events by name, "message" with a map of special
// sub-types (connect, reconnect, hibernate, ack) and "logout". The server
// sends "push", "ack" and "gatewayConnectAck".
//
// Server implements worker.Subsystem: OnShutdown stops accepting new
// connections and HandleError releases the broker, the open sockets and the
// HTTP listener after a fatal error.
package gateway
