// Package testutil provides in-memory fakes for the gateway's collaborator
// interfaces so packages can be tested without a broker, a socket or a
// supervisor process.
//
// # Fakes
//
// FakeExchange implements bridge.Exchange. It records every publish and
// hands out FakeQueue values whose Deliver method pushes a response into the
// owning session exactly as a JetStream consumer would.
//
// FakeTransport implements the client transport and records every emitted
// event.
//
// RecordingSender implements the worker's supervisor channel and records
// every ipc.Message sent.
//
// All fakes are safe for concurrent use.
//
// # Waiting
//
// Timers in the gateway fire on their own goroutines. Eventually polls a
// condition until it holds or the timeout passes:
//
//	testutil.Eventually(t, func() bool { return len(tr.Events("push")) == 2 }, time.Second)
//
// Real dependencies are preferred for integration tests; see
// natsclient.NewTestClient.
package testutil
