// Package gateway is a websocket front end that relays client traffic to
// backend agents over NATS JetStream.
//
// # Architecture
//
// A gateway deployment is one supervisor process and a pool of workers:
//
//	            redis pub/sub (control channel)
//	                      │
//	               ┌──────▼──────┐
//	               │ supervisor  │  cluster.Supervisor
//	               └──┬───────┬──┘
//	     fd3/fd4 JSON │       │ lines (ipc.Message)
//	          ┌───────▼─┐   ┌─▼───────┐
//	          │ worker 1│   │ worker N│  worker.Runtime + gateway.Server
//	          └────┬────┘   └────┬────┘
//	   websocket   │             │
//	   clients ────┘             └──── client.Client per connection
//	                      │
//	               NATS JetStream (bridge.JetStream)
//	                      │
//	                backend agents
//
// The supervisor spawns workers, watches their heartbeats and memory
// reports, replaces failed workers with exponential backoff and applies
// operator commands (restart, shutdown, loglevel,
// clientmessageresendinterval, clientcount) received on the control
// channel.
//
// Each worker accepts websocket connections and gives every connection a
// client session. A session authenticates with a signed token
// (session.Signer), forwards requests to agents through the exchange,
// delivers agent pushes to the socket and resends them until the client
// acknowledges.
//
// # Packages
//
//   - session: token codec, signing and the session record
//   - client: the per-connection protocol state machine
//   - bridge: the JetStream exchange and per-client response queues
//   - gateway: the websocket server that owns client sessions
//   - worker: heartbeat, memory checks, drain and fatal error handling
//   - cluster: the supervisor and its control command protocol
//   - ipc: supervisor/worker messages over pipes
//   - control: the Redis control channel and the operator console
//   - config: layered JSON/YAML configuration with environment overrides
//   - natsclient, metric, health, errors: shared infrastructure
//
// # Running
//
//	gateway --config gateway.yaml             # supervisor and workers
//	gateway serve --standalone -c gateway.yaml
//	gateway console -c gateway.yaml           # operator console
//	gateway validate -c gateway.yaml
package gateway
