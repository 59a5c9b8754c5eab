package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	taskChannelPrefix    = "research:task:"
	sessionChannelPrefix = "research:session:"
)

// redisEnvelope is the message body published on per-task and
// per-session channels. The channel addresses the entity; the envelope
// carries the logical topic.
type redisEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RedisTransport forwards push subscriptions over Redis pub/sub. One
// receive loop feeds every subscribed channel into the sink, so events
// for a single channel are applied in arrival order.
type RedisTransport struct {
	client *redis.Client
	pubsub *redis.PubSub
	sink   Sink
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisTransport opens a pub/sub connection and starts the receive
// loop. Channels are joined lazily as tasks and sessions subscribe.
func NewRedisTransport(ctx context.Context, client *redis.Client, sink Sink, logger *zap.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		client: client,
		pubsub: client.Subscribe(loopCtx),
		sink:   sink,
		logger: logger,
		ctx:    loopCtx,
		cancel: cancel,
	}
	go t.receiveLoop()
	return t, nil
}

func (t *RedisTransport) receiveLoop() {
	ch := t.pubsub.Channel()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.deliver(msg)
		}
	}
}

func (t *RedisTransport) deliver(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Topic == "" {
		t.logger.Debug("dropping unparseable redis push message",
			zap.String("channel", msg.Channel))
		return
	}
	var payload interface{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.logger.Debug("dropping redis push message with bad payload",
				zap.String("topic", env.Topic))
			return
		}
	}
	t.sink.Emit(env.Topic, payload)
}

// SubscribeTask joins the task's channel.
func (t *RedisTransport) SubscribeTask(id string) error {
	return t.pubsub.Subscribe(t.ctx, taskChannelPrefix+id)
}

// UnsubscribeTask leaves the task's channel.
func (t *RedisTransport) UnsubscribeTask(id string) error {
	return t.pubsub.Unsubscribe(t.ctx, taskChannelPrefix+id)
}

// SubscribeSession joins the session's channel.
func (t *RedisTransport) SubscribeSession(id string) error {
	return t.pubsub.Subscribe(t.ctx, sessionChannelPrefix+id)
}

// UnsubscribeSession leaves the session's channel.
func (t *RedisTransport) UnsubscribeSession(id string) error {
	return t.pubsub.Unsubscribe(t.ctx, sessionChannelPrefix+id)
}

// Close stops the receive loop and closes the pub/sub connection.
func (t *RedisTransport) Close() error {
	t.cancel()
	return t.pubsub.Close()
}
