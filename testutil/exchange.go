package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ActiveStack/gateway/bridge"
	"github.com/ActiveStack/gateway/errors"
)

// Published is one recorded request publish
type Published struct {
	RoutingKey string
	ReplyTo    string
	Payload    map[string]any
}

// FakeExchange is an in-memory bridge.Exchange
type FakeExchange struct {
	mu         sync.Mutex
	open       bool
	publishErr error
	openErr    error
	published  []Published
	queues     map[string]*FakeQueue
	opened     int
}

// NewFakeExchange returns an open exchange
func NewFakeExchange() *FakeExchange {
	return &FakeExchange{
		open:   true,
		queues: make(map[string]*FakeQueue),
	}
}

// SetOpen changes what IsOpen reports
func (e *FakeExchange) SetOpen(open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = open
}

// FailPublish makes every following Publish return err (nil to clear)
func (e *FakeExchange) FailPublish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishErr = err
}

// FailOpenQueue makes every following OpenQueue return err (nil to clear)
func (e *FakeExchange) FailOpenQueue(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openErr = err
}

func (e *FakeExchange) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *FakeExchange) Publish(_ context.Context, routingKey, replyTo string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open {
		return errors.WrapFatal(errors.ErrExchangeClosed, "FakeExchange", "Publish", "publish")
	}
	if e.publishErr != nil {
		return e.publishErr
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return errors.WrapInvalid(err, "FakeExchange", "Publish", "decode payload")
	}
	e.published = append(e.published, Published{RoutingKey: routingKey, ReplyTo: replyTo, Payload: body})
	return nil
}

func (e *FakeExchange) OpenQueue(_ context.Context, name string, h bridge.Handler) (bridge.Queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openErr != nil {
		return nil, e.openErr
	}
	q := &FakeQueue{name: name, handler: h}
	e.queues[name] = q
	e.opened++
	return q, nil
}

// Published returns a copy of every recorded publish
func (e *FakeExchange) Published() []Published {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Published(nil), e.published...)
}

// PublishedTo returns the publishes with the given routing key
func (e *FakeExchange) PublishedTo(routingKey string) []Published {
	var out []Published
	for _, p := range e.Published() {
		if p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

// Queue returns the most recently opened queue with the given name
func (e *FakeExchange) Queue(name string) *FakeQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues[name]
}

// QueuesOpened counts OpenQueue calls that succeeded
func (e *FakeExchange) QueuesOpened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// FakeQueue is a response queue opened on a FakeExchange
type FakeQueue struct {
	name    string
	handler bridge.Handler
	closes  atomic.Int32
}

func (q *FakeQueue) Name() string { return q.name }

func (q *FakeQueue) Close(_ context.Context) error {
	q.closes.Add(1)
	return nil
}

// Closed reports whether Close was called at least once
func (q *FakeQueue) Closed() bool {
	return q.closes.Load() > 0
}

// Deliver hands body to the queue handler as an agent response and returns
// the delivery so the caller can check how it was settled.
func (q *FakeQueue) Deliver(body map[string]any) *FakeDelivery {
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	resp, err := bridge.ParseResponse(data)
	if err != nil {
		panic(err)
	}
	d := &FakeDelivery{}
	q.handler.OnQueueMessage(resp, d)
	return d
}

// Remove simulates the broker deleting the queue
func (q *FakeQueue) Remove() {
	q.handler.OnQueueClosed(errors.WrapFatal(errors.ErrQueueClosed, "FakeQueue", "Remove", "consume "+q.name))
}

// FakeDelivery records how a delivery was settled
type FakeDelivery struct {
	acks atomic.Int32
	naks atomic.Int32
}

func (d *FakeDelivery) Ack() error {
	d.acks.Add(1)
	return nil
}

func (d *FakeDelivery) Nak() error {
	d.naks.Add(1)
	return nil
}

// Acks returns how many times Ack was called
func (d *FakeDelivery) Acks() int { return int(d.acks.Load()) }

// Naks returns how many times Nak was called
func (d *FakeDelivery) Naks() int { return int(d.naks.Load()) }
