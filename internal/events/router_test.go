package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport records subscription traffic for assertions.
type fakeTransport struct {
	mu          sync.Mutex
	taskSubs    []string
	taskUnsubs  []string
	sessionSubs []string
	sessUnsubs  []string
}

func (f *fakeTransport) SubscribeTask(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskSubs = append(f.taskSubs, id)
	return nil
}

func (f *fakeTransport) UnsubscribeTask(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskUnsubs = append(f.taskUnsubs, id)
	return nil
}

func (f *fakeTransport) SubscribeSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionSubs = append(f.sessionSubs, id)
	return nil
}

func (f *fakeTransport) UnsubscribeSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessUnsubs = append(f.sessUnsubs, id)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func TestRouterHandlerOrder(t *testing.T) {
	r := NewRouter(16, zap.NewNop())
	var order []int
	r.On("topic", func(interface{}) { order = append(order, 1) })
	r.On("topic", func(interface{}) { order = append(order, 2) })
	r.On("topic", func(interface{}) { order = append(order, 3) })

	r.Emit("topic", nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRouterPanicIsolation(t *testing.T) {
	r := NewRouter(16, zap.NewNop())
	var ran bool
	r.On("topic", func(interface{}) { panic("boom") })
	r.On("topic", func(interface{}) { ran = true })

	require.NotPanics(t, func() { r.Emit("topic", nil) })
	assert.True(t, ran, "sibling handler must run after a panic")
}

func TestRouterOff(t *testing.T) {
	r := NewRouter(16, zap.NewNop())
	var calls int
	id := r.On("topic", func(interface{}) { calls++ })

	r.Emit("topic", nil)
	r.Off("topic", id)
	r.Emit("topic", nil)
	assert.Equal(t, 1, calls)

	// Unknown ids are a no-op.
	r.Off("topic", HandlerID(999))
}

func TestRouterSubscriptionIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	r := NewRouter(16, zap.NewNop())
	r.SetTransport(tr)

	r.SubscribeToTask("t1")
	r.SubscribeToTask("t1")
	r.SubscribeToSession("s1")
	r.SubscribeToSession("s1")
	assert.Equal(t, []string{"t1"}, tr.taskSubs)
	assert.Equal(t, []string{"s1"}, tr.sessionSubs)

	r.UnsubscribeFromTask("t1")
	r.UnsubscribeFromTask("t1")
	r.UnsubscribeFromTask("never-subscribed")
	assert.Equal(t, []string{"t1"}, tr.taskUnsubs)
}

func TestRouterReset(t *testing.T) {
	tr := &fakeTransport{}
	r := NewRouter(16, zap.NewNop())
	r.SetTransport(tr)

	r.SubscribeToTask("t1")
	r.SubscribeToTask("t2")
	r.SubscribeToSession("s1")
	r.Reset()

	assert.ElementsMatch(t, []string{"t1", "t2"}, tr.taskUnsubs)
	assert.Equal(t, []string{"s1"}, tr.sessUnsubs)

	// Subscriptions can be re-established after a reset.
	r.SubscribeToTask("t1")
	assert.Equal(t, []string{"t1", "t2", "t1"}, tr.taskSubs)
}

func TestRouterReplaySince(t *testing.T) {
	r := NewRouter(3, zap.NewNop())

	// The very first event on a topic is replayable from since=0.
	r.Emit("first", "a")
	evs := r.ReplaySince("first", 0)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)

	for i := 0; i < 5; i++ {
		r.Emit("topic", i)
	}
	// Capacity 3 keeps seq 3,4,5.
	evs = r.ReplaySince("topic", 2)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[2].Seq)

	assert.Nil(t, r.ReplaySince("unknown", 0))
}

func TestRouterReplayDuringEmit(t *testing.T) {
	r := NewRouter(8, zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.Emit("topic", i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.ReplaySince("topic", uint64(i))
		}
	}()
	wg.Wait()

	evs := r.ReplaySince("topic", 0)
	require.Len(t, evs, 8)
	assert.Equal(t, uint64(500), evs[len(evs)-1].Seq)
}
