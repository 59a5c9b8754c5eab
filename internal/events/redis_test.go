package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisTransportDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := NewRouter(16, zap.NewNop())
	tr, err := NewRedisTransport(context.Background(), client, router, zap.NewNop())
	require.NoError(t, err)
	defer tr.Close()
	router.SetTransport(tr)

	received := make(chan interface{}, 1)
	router.On(TopicTaskProgress, func(payload interface{}) {
		received <- payload
	})

	router.SubscribeToTask("7")
	// Give the dynamic channel join a moment to land.
	time.Sleep(50 * time.Millisecond)

	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer pub.Close()
	body := `{"topic":"task_progress","payload":{"task_id":7,"progress":40}}`
	require.NoError(t, pub.Publish(context.Background(), "research:task:7", body).Err())

	select {
	case payload := <-received:
		m, ok := payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(7), m["task_id"])
		assert.Equal(t, float64(40), m["progress"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for push delivery")
	}
}

func TestRedisTransportDropsGarbage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := NewRouter(16, zap.NewNop())
	tr, err := NewRedisTransport(context.Background(), client, router, zap.NewNop())
	require.NoError(t, err)
	defer tr.Close()

	received := make(chan interface{}, 1)
	router.On(TopicTaskProgress, func(payload interface{}) {
		received <- payload
	})

	require.NoError(t, tr.SubscribeTask("9"))
	time.Sleep(50 * time.Millisecond)

	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer pub.Close()
	require.NoError(t, pub.Publish(context.Background(), "research:task:9", "not json").Err())
	require.NoError(t, pub.Publish(context.Background(), "research:task:9", `{"no_topic":true}`).Err())

	select {
	case <-received:
		t.Fatal("garbage message must not be dispatched")
	case <-time.After(200 * time.Millisecond):
	}
}
