package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/models"
)

func ptrInt64(v int64) *int64    { return &v }
func ptrStr(v string) *string    { return &v }
func ptrFloat(v float64) *float64 { return &v }

// fakeFetcher scripts task detail payloads and signals each call.
type fakeFetcher struct {
	payload map[string]interface{}
	err     error
	called  chan int64
}

func newFakeFetcher(payload map[string]interface{}) *fakeFetcher {
	return &fakeFetcher{payload: payload, called: make(chan int64, 4)}
}

func (f *fakeFetcher) TaskDetail(_ context.Context, id int64) (map[string]interface{}, error) {
	f.called <- id
	return f.payload, f.err
}

type fakeSubs struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeSubs) UnsubscribeFromTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func TestMergeTasks(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		existing := []models.Task{{ID: "a"}, {ID: "b"}}
		assert.Equal(t, existing, MergeTasks(nil, existing))

		incoming := []models.Task{{ID: "a"}, {ID: "a"}, {ID: "b"}}
		merged := MergeTasks(incoming, nil)
		assert.Len(t, merged, 2)
	})

	t.Run("right bias", func(t *testing.T) {
		existing := []models.Task{{ID: "t1", Status: models.StatusRunning}}
		incoming := []models.Task{{ID: "t1", Status: models.StatusCompleted}}
		merged := MergeTasks(incoming, existing)
		require.Len(t, merged, 1)
		assert.Equal(t, models.StatusCompleted, merged[0].Status)
	})

	t.Run("backend key preferred", func(t *testing.T) {
		existing := []models.Task{{ID: "local-1", BackendTaskID: ptrInt64(42), Status: models.StatusRunning}}
		incoming := []models.Task{{ID: "local-2", BackendTaskID: ptrInt64(42), Status: models.StatusCompleted}}
		merged := MergeTasks(incoming, existing)
		require.Len(t, merged, 1)
		assert.Equal(t, "local-2", merged[0].ID)
	})

	t.Run("untouched tasks survive a partial refresh", func(t *testing.T) {
		existing := []models.Task{{ID: "a"}, {ID: "b"}}
		incoming := []models.Task{{ID: "a", Status: models.StatusRunning}}
		merged := MergeTasks(incoming, existing)
		assert.Len(t, merged, 2)
	})
}

func TestUpdateLocatesByAnyKey(t *testing.T) {
	l := New(nil, nil, zap.NewNop())
	l.Register(models.Task{ID: "local-1", BackendTaskID: ptrInt64(42), Status: models.StatusPending})

	l.Update(context.Background(), "42", Update{Progress: ptrFloat(30)})
	require.Equal(t, float64(30), l.Tasks()[0].Progress)

	l.Update(context.Background(), "local-1", Update{Status: ptrStr(models.StatusRunning), Message: ptrStr("working")})
	task := l.Tasks()[0]
	assert.Equal(t, models.StatusRunning, task.Status)
	assert.Equal(t, "working", task.Message)
	assert.Equal(t, float64(30), task.Progress, "unset fields stay untouched")

	// Unknown ids are dropped silently.
	l.Update(context.Background(), "nope", Update{Status: ptrStr(models.StatusFailed)})
	assert.Len(t, l.Tasks(), 1)
}

func TestCompletionTriggersDetailFetch(t *testing.T) {
	fetcher := newFakeFetcher(map[string]interface{}{
		"answer":     "found it",
		"confidence": 0.8,
	})
	l := New(fetcher, nil, zap.NewNop())
	l.Register(models.Task{ID: "local-1", BackendTaskID: ptrInt64(42), Query: "q", ProjectID: 3, Status: models.StatusRunning})

	l.Update(context.Background(), "42", Update{Status: ptrStr(models.StatusCompleted)})

	select {
	case id := <-fetcher.called:
		assert.Equal(t, int64(42), id)
	case <-time.After(time.Second):
		t.Fatal("detail fetch never fired")
	}
	require.Eventually(t, func() bool {
		return len(l.Results()) == 1
	}, time.Second, 10*time.Millisecond)

	res := l.Results()[0]
	assert.Equal(t, "found it", res.Answer)
	assert.Equal(t, "local-1", res.ID)
	assert.Equal(t, 3, res.ProjectID)
	assert.Equal(t, "42", res.Metadata["task_id"])

	// A repeated completed update must not refetch.
	l.Update(context.Background(), "42", Update{Status: ptrStr(models.StatusCompleted)})
	select {
	case <-fetcher.called:
		t.Fatal("fetch fired twice for one completion")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompletionWithoutBackendIDDoesNotFetch(t *testing.T) {
	fetcher := newFakeFetcher(map[string]interface{}{"answer": "x"})
	l := New(fetcher, nil, zap.NewNop())
	l.Register(models.Task{ID: "local-1", Status: models.StatusRunning})

	l.Update(context.Background(), "local-1", Update{Status: ptrStr(models.StatusCompleted)})
	select {
	case <-fetcher.called:
		t.Fatal("fetch must require a backend task id")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmptyCompletionIsNotInserted(t *testing.T) {
	fetcher := newFakeFetcher(map[string]interface{}{
		"answer":       "",
		"key_findings": []interface{}{},
		"sources":      []interface{}{},
	})
	l := New(fetcher, nil, zap.NewNop())
	l.Register(models.Task{ID: "local-1", BackendTaskID: ptrInt64(7), Status: models.StatusRunning})

	l.Update(context.Background(), "7", Update{Status: ptrStr(models.StatusCompleted)})
	<-fetcher.called
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, l.Results(), "trivial completion must not pollute the result list")
}

func TestInsertResultDedup(t *testing.T) {
	l := New(nil, nil, zap.NewNop())
	l.InsertResult(models.ResearchResult{ID: "r1", Answer: "old"})
	l.InsertResult(models.ResearchResult{ID: "r2", Answer: "other"})
	l.InsertResult(models.ResearchResult{ID: "r1", Answer: "new"})

	results := l.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "new", results[0].Answer)
	assert.Equal(t, "r2", results[1].ID)
}

func TestRemove(t *testing.T) {
	t.Run("backend task releases the backend-id subscription", func(t *testing.T) {
		subs := &fakeSubs{}
		l := New(nil, subs, zap.NewNop())
		l.Register(models.Task{ID: "local-1", BackendTaskID: ptrInt64(42)})

		l.Remove("local-1")
		assert.Empty(t, l.Tasks())
		// The subscribe path registers under the bare backend id, so the
		// release must use the identical string.
		assert.Equal(t, []string{"42"}, subs.removed)
	})

	t.Run("local-only task releases by local id", func(t *testing.T) {
		subs := &fakeSubs{}
		l := New(nil, subs, zap.NewNop())
		l.Register(models.Task{ID: "local-2"})

		l.Remove("local-2")
		assert.Equal(t, []string{"local-2"}, subs.removed)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		subs := &fakeSubs{}
		l := New(nil, subs, zap.NewNop())
		l.Remove("ghost")
		assert.Empty(t, subs.removed)
	})
}

func TestResultHook(t *testing.T) {
	l := New(nil, nil, zap.NewNop())
	var got []string
	l.SetResultHook(func(res models.ResearchResult) { got = append(got, res.ID) })

	l.InsertResult(models.ResearchResult{ID: "r1", Answer: "a"})
	assert.Equal(t, []string{"r1"}, got)
}
