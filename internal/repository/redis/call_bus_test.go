package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/database"
)

type delivery struct {
	userIDs    []uuid.UUID
	exceptConn uuid.UUID
	frame      string
}

type recordingDelivery struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recordingDelivery) DeliverToUsers(userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{userIDs: userIDs, exceptConn: exceptConn, frame: string(frame)})
}

func degradedClient(t *testing.T) *database.RedisClient {
	t.Helper()
	client := database.NewRedisDB(&database.RedisConfig{
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 50 * time.Millisecond,
	}, nil)
	client.MarkDegraded()
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCallBus_PublishDeliversLocallyWhenDegraded(t *testing.T) {
	local := &recordingDelivery{}
	bus := NewCallBus(degradedClient(t), local, nil)

	users := []uuid.UUID{uuid.New(), uuid.New()}
	except := uuid.New()
	frame := []byte(`{"event":"CALL_ENDED","payload":{}}`)

	err := bus.Publish(context.Background(), users, except, frame)
	require.NoError(t, err)

	require.Len(t, local.got, 1)
	assert.Equal(t, users, local.got[0].userIDs)
	assert.Equal(t, except, local.got[0].exceptConn)
	assert.JSONEq(t, string(frame), local.got[0].frame)
}

func TestCallBus_PublishWithoutRecipientsIsNoop(t *testing.T) {
	local := &recordingDelivery{}
	bus := NewCallBus(degradedClient(t), local, nil)

	require.NoError(t, bus.Publish(context.Background(), nil, uuid.Nil, []byte(`{}`)))
	assert.Empty(t, local.got)
}

func TestCallBus_HandleSkipsOwnMessages(t *testing.T) {
	local := &recordingDelivery{}
	bus := NewCallBus(degradedClient(t), local, nil)
	user := uuid.New()

	own, err := json.Marshal(busMessage{Origin: bus.origin, UserIDs: []uuid.UUID{user}, Frame: json.RawMessage(`{}`)})
	require.NoError(t, err)
	bus.handle(own)
	assert.Empty(t, local.got)

	remote, err := json.Marshal(busMessage{Origin: "other-instance", UserIDs: []uuid.UUID{user}, Frame: json.RawMessage(`{"event":"START_CALL"}`)})
	require.NoError(t, err)
	bus.handle(remote)
	require.Len(t, local.got, 1)
	assert.Equal(t, []uuid.UUID{user}, local.got[0].userIDs)
	assert.JSONEq(t, `{"event":"START_CALL"}`, local.got[0].frame)

	bus.handle([]byte("not json"))
	assert.Len(t, local.got, 1)
}

func TestCallBus_RunReturnsOnCancelWhileDegraded(t *testing.T) {
	bus := NewCallBus(degradedClient(t), &recordingDelivery{}, nil)
	bus.retryGap = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bus did not stop")
	}
}
