package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// CallEventsChannel carries call signaling fan-out between gateway instances
const CallEventsChannel = "calls:events"

// LocalDelivery writes a frame to this instance's connections of the given users
type LocalDelivery interface {
	DeliverToUsers(userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte)
}

type busMessage struct {
	Origin     string          `json:"origin"`
	UserIDs    []uuid.UUID     `json:"user_ids"`
	ExceptConn uuid.UUID       `json:"except_conn"`
	Frame      json.RawMessage `json:"frame"`
}

// CallBus fans call events out to every gateway instance. Frames are always
// delivered locally first; Redis only carries them to the other instances, so a
// degraded Redis never loses local delivery.
type CallBus struct {
	client   *database.RedisClient
	local    LocalDelivery
	metrics  *metrics.Metrics
	origin   string
	retryGap time.Duration
	wake     chan struct{}
}

// NewCallBus creates a bus delivering to local. m may be nil.
func NewCallBus(client *database.RedisClient, local LocalDelivery, m *metrics.Metrics) *CallBus {
	b := &CallBus{
		client:   client,
		local:    local,
		metrics:  m,
		origin:   uuid.NewString(),
		retryGap: 2 * time.Second,
		wake:     make(chan struct{}, 1),
	}
	// resubscribe as soon as Redis is healthy again instead of waiting out the gap
	client.OnRecover(func() {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	})
	return b
}

// Publish delivers frame to every connection of userIDs except exceptConn
func (b *CallBus) Publish(ctx context.Context, userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte) error {
	if len(userIDs) == 0 {
		return nil
	}
	b.local.DeliverToUsers(userIDs, exceptConn, frame)

	data, err := json.Marshal(busMessage{
		Origin:     b.origin,
		UserIDs:    userIDs,
		ExceptConn: exceptConn,
		Frame:      frame,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	err = b.client.SafePublish(ctx, CallEventsChannel, data).Err()
	if b.metrics != nil {
		b.metrics.RecordRedisCommand("publish", err)
	}
	if err != nil {
		if !b.client.IsDegraded() {
			b.client.MarkDegraded()
		}
		logger.Debug("Call event published locally only", zap.Error(err))
		return nil
	}
	return nil
}

// Run relays frames published by other instances to local connections until ctx is done
func (b *CallBus) Run(ctx context.Context) error {
	for {
		if err := b.subscribe(ctx); err != nil {
			logger.Warn("Call event subscription interrupted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retryGap):
		case <-b.wake:
		}
	}
}

func (b *CallBus) subscribe(ctx context.Context) error {
	pubsub := b.client.SafeSubscribe(ctx, CallEventsChannel)
	if pubsub == nil {
		return nil
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", CallEventsChannel, err)
	}
	logger.Info("Subscribed to call events", zap.String("channel", CallEventsChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel %s closed", CallEventsChannel)
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

func (b *CallBus) handle(payload []byte) {
	var m busMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		logger.Warn("Failed to unmarshal call bus message", zap.Error(err))
		return
	}
	if m.Origin == b.origin {
		return
	}
	b.local.DeliverToUsers(m.UserIDs, m.ExceptConn, m.Frame)
}
