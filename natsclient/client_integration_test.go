package natsclient

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ActiveStack/gateway/errors"
)

var sharedTestClient *TestClient

// TestMain starts one NATS container for the integration tests of this package
func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		tc, err := NewSharedTestClient(WithJetStream())
		if err != nil {
			log.Fatalf("Failed to create shared test client: %v", err)
		}
		sharedTestClient = tc
	}

	code := m.Run()

	if sharedTestClient != nil {
		_ = sharedTestClient.Terminate()
	}
	os.Exit(code)
}

func getSharedClient(t *testing.T) *Client {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	require.NotNil(t, sharedTestClient, "TestMain should have created the shared client")
	return sharedTestClient.Client
}

// TestIntegration_StreamPublishConsume tests confirmed publish into a stream and
// consumption through a filtered durable consumer
func TestIntegration_StreamPublishConsume(t *testing.T) {
	client := getSharedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "ITEST",
		Subjects: []string{"itest.>"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	// Updating in place is allowed
	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "ITEST",
		Subjects: []string{"itest.>"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	cons, err := client.CreateOrUpdateConsumer(ctx, "ITEST", jetstream.ConsumerConfig{
		Durable:       "c1",
		FilterSubject: "itest.client.c1",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	msg := nats.NewMsg("itest.client.c1")
	msg.Data = []byte(`{"cn":"X"}`)
	ack, err := client.PublishMsg(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "ITEST", ack.Stream)

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
	require.NoError(t, err)
	for m := range batch.Messages() {
		assert.Equal(t, `{"cn":"X"}`, string(m.Data()))
		require.NoError(t, m.Ack())
	}

	require.NoError(t, client.DeleteConsumer(ctx, "ITEST", "c1"))
	// Deleting twice is not an error
	require.NoError(t, client.DeleteConsumer(ctx, "ITEST", "c1"))
}

// TestIntegration_PublishUnroutable tests that a subject outside every stream fails
func TestIntegration_PublishUnroutable(t *testing.T) {
	client := getSharedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.PublishMsg(ctx, nats.NewMsg("nobody.listens.here"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnroutable)
}
