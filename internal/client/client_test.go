package client

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/pesio-ai/be-approvals/internal/errors"
)

// fakeJetStream records publishes; every other method panics via the nil
// embedded interface.
type fakeJetStream struct {
	jetstream.JetStream
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: "NOTIFICATIONS", Sequence: uint64(len(f.subjects))}, nil
}

func TestNotificationPublisher(t *testing.T) {
	js := &fakeJetStream{}
	p := NewNotificationPublisher(js, "notifications.approvals", zerolog.Nop())

	p.Publish(context.Background(), &NotificationEvent{
		EventType:    EventRequestApproved,
		ActorID:      "R1",
		Recipients:   []string{"alice"},
		ResourceType: "approval_request",
		ResourceID:   "req-1",
		ResourceRef:  "FIN-2026-000001",
		OccurredAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:      map[string]any{"status": "approved"},
	})

	require.Equal(t, []string{"notifications.approvals.request_approved"}, js.subjects)
	var got map[string]any
	require.NoError(t, json.Unmarshal(js.payloads[0], &got))
	assert.Equal(t, "request_approved", got["event_type"])
	assert.Equal(t, "req-1", got["resource_id"])
	assert.Equal(t, "FIN-2026-000001", got["resource_ref"])
	assert.Equal(t, []any{"alice"}, got["recipients"])
}

func TestNotificationPublisherSwallowsErrors(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	p := NewNotificationPublisher(js, "notifications.approvals", zerolog.Nop())

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), &NotificationEvent{EventType: EventRequestSigned})
	})

	var nilPub *NotificationPublisher
	assert.NotPanics(t, func() {
		nilPub.Publish(context.Background(), &NotificationEvent{EventType: EventRequestSigned})
		NopPublisher{}.Publish(context.Background(), nil)
	})
}

func TestForwardMetadata(t *testing.T) {
	in := metadata.New(map[string]string{"authorization": "Bearer t", ActorMetadataKey: "alice"})
	ctx := metadata.NewIncomingContext(context.Background(), in)

	var seen metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		seen, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}
	require.NoError(t, forwardMetadata(ctx, "/x", nil, nil, nil, invoker))
	assert.Equal(t, []string{"Bearer t"}, seen.Get("authorization"))
	assert.Equal(t, []string{"alice"}, seen.Get(ActorMetadataKey))

	seen = nil
	require.NoError(t, forwardMetadata(WithActor(context.Background(), "bob"), "/x", nil, nil, nil, invoker))
	assert.Equal(t, []string{"bob"}, seen.Get(ActorMetadataKey))
}

func TestRedisSequencer(t *testing.T) {
	addr := os.Getenv("APPROVALS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("APPROVALS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, addr, "", 0)
	require.NoError(t, err)
	defer rdb.Close()

	scope := "TEST-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { rdb.Del(context.Background(), sequenceKeyPrefix+scope) })

	seq := NewRedisSequencer(rdb)
	for want := int64(1); want <= 3; want++ {
		n, err := seq.Next(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestRedisSequencerUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := NewRedisClient(ctx, "127.0.0.1:1", "", 0)
	require.Error(t, err)
}

func TestRedisSequencerMapsErrors(t *testing.T) {
	rdb := newUnreachableRedis()
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := NewRedisSequencer(rdb).Next(ctx, "FIN-2026")
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
}

func newUnreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
}
