package bridge

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/natsclient"
)

var sharedNATS *natsclient.TestClient

// TestMain starts one JetStream-enabled NATS container for the integration tests
func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		tc, err := natsclient.NewSharedTestClient(natsclient.WithJetStream())
		if err != nil {
			log.Fatalf("Failed to create shared test client: %v", err)
		}
		sharedNATS = tc
	}

	code := m.Run()

	if sharedNATS != nil {
		_ = sharedNATS.Terminate()
	}
	os.Exit(code)
}

func newTestExchange(t *testing.T) *JetStream {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	require.NotNil(t, sharedNATS)

	// A fresh prefix and stream per test keep subjects from overlapping
	id := uuid.NewString()[:8]
	js, err := NewJetStream(sharedNATS.Client, Config{
		StreamName:    "GW_" + id,
		SubjectPrefix: "gw" + id,
		Durable:       false,
	}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, js.Start(ctx))
	t.Cleanup(js.Close)
	return js
}

type recordingHandler struct {
	mu       sync.Mutex
	received []*Response
	closed   []error
	msgs     chan *Response
	lost     chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		msgs: make(chan *Response, 16),
		lost: make(chan error, 1),
	}
}

func (h *recordingHandler) OnQueueMessage(resp *Response, d Delivery) {
	h.mu.Lock()
	h.received = append(h.received, resp)
	h.mu.Unlock()
	_ = d.Ack()
	h.msgs <- resp
}

func (h *recordingHandler) OnQueueClosed(err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
	h.lost <- err
}

// TestIntegration_QueueDelivery tests that responses published on a client
// subject reach the queue handler in order
func TestIntegration_QueueDelivery(t *testing.T) {
	js := newTestExchange(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	h := newRecordingHandler()
	q, err := js.OpenQueue(ctx, "client-a", h)
	require.NoError(t, err)
	assert.Equal(t, "client-a", q.Name())
	assert.Equal(t, 1, js.OpenQueues())

	// Agents answer on the client subject
	for _, id := range []string{"m1", "m2", "m3"} {
		msg := nats.NewMsg(js.Config().ClientSubject("client-a"))
		msg.Data = []byte(`{"cn":"X","clientId":"client-a","correspondingMessageId":"` + id + `"}`)
		_, err := sharedNATS.Client.PublishMsg(ctx, msg)
		require.NoError(t, err)
	}

	var got []string
	for range 3 {
		select {
		case resp := <-h.msgs:
			got = append(got, resp.CorrespondingMessageID)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for deliveries, got %v", got)
		}
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)

	require.NoError(t, q.Close(ctx))
	assert.Equal(t, 0, js.OpenQueues())
	// Closing twice does not fail
	assert.NoError(t, q.Close(ctx))
	assert.Empty(t, h.closed)
}

// TestIntegration_RequestPublish tests that requests land on the agent subject
// with the reply-to header
func TestIntegration_RequestPublish(t *testing.T) {
	js := newTestExchange(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, js.Publish(ctx, "findById", "client-b", []byte(`{"cn":"FindByIdRequest"}`)))

	raw, err := sharedNATS.Client.JetStream()
	require.NoError(t, err)
	stream, err := raw.Stream(ctx, js.Config().StreamName)
	require.NoError(t, err)

	msg, err := stream.GetLastMsgForSubject(ctx, js.Config().AgentSubject("findById"))
	require.NoError(t, err)
	assert.Equal(t, "client-b", msg.Header.Get(ReplyToHeader))
	assert.JSONEq(t, `{"cn":"FindByIdRequest"}`, string(msg.Data))
}

// TestIntegration_QueueRemovedByBroker tests that deleting the consumer
// underneath a session reports the queue as closed
func TestIntegration_QueueRemovedByBroker(t *testing.T) {
	js := newTestExchange(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := newRecordingHandler()
	_, err := js.OpenQueue(ctx, "client-c", h)
	require.NoError(t, err)

	require.NoError(t, sharedNATS.Client.DeleteConsumer(ctx, js.Config().StreamName, "client-c"))

	select {
	case err := <-h.lost:
		assert.ErrorIs(t, err, gwerrors.ErrQueueClosed)
		assert.True(t, gwerrors.IsFatal(err))
	case <-ctx.Done():
		t.Fatal("queue loss was not reported")
	}
	assert.Equal(t, 0, js.OpenQueues())
}
