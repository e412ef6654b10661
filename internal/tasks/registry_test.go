// ABOUTME: Tests for the task registry lifecycle, retention pruning and capacity eviction.
// ABOUTME: Uses an injected clock to step past the retention window.

package tasks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(maxEntries int, retention time.Duration) (*Registry, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(maxEntries, retention, WithClock(clock.Now)), clock
}

func TestRegistry_Lifecycle(t *testing.T) {
	r, clock := newTestRegistry(10, time.Minute)

	task := r.Create(NewTask{SessionID: "s1", RunID: "r1", Intent: "book"})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusQueued, task.Status)
	assert.Equal(t, "received", task.Stage)
	assert.Equal(t, 35, task.ProgressPct)

	clock.Advance(time.Second)
	running, err := r.Advance(task.ID, Update{Status: StatusRunning, Stage: "dispatch", ProgressPct: 60})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, clock.Now(), running.UpdatedAt)
	assert.Equal(t, task.CreatedAt, running.CreatedAt)

	// Earlier snapshots are not mutated.
	assert.Equal(t, StatusQueued, task.Status)

	done, err := r.Advance(task.ID, Update{Status: StatusCompleted, Stage: "completed", ProgressPct: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, done.ProgressPct)

	_, err = r.Advance(task.ID, Update{Status: StatusRunning, ProgressPct: 60})
	assert.ErrorIs(t, err, ErrTerminal)

	got, ok := r.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, done, got)
}

func TestRegistry_AdvanceUnknown(t *testing.T) {
	r, _ := newTestRegistry(10, time.Minute)
	_, err := r.Advance("missing", Update{Status: StatusRunning})
	assert.ErrorIs(t, err, ErrNotFound)

	task := r.Create(NewTask{SessionID: "s1"})
	_, err = r.Advance(task.ID, Update{Status: "exploded"})
	assert.Error(t, err)
}

func TestRegistry_FailedKeepsError(t *testing.T) {
	r, _ := newTestRegistry(10, time.Minute)
	task := r.Create(NewTask{SessionID: "s1"})

	failed, err := r.Advance(task.ID, Update{Status: StatusFailed, Stage: "failed", ProgressPct: 100, Error: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, "timeout", failed.Error)
	assert.True(t, failed.Status.Terminal())
}

func TestRegistry_PrunesAfterRetention(t *testing.T) {
	r, clock := newTestRegistry(10, time.Minute)

	done := r.Create(NewTask{SessionID: "s1"})
	_, err := r.Advance(done.ID, Update{Status: StatusCompleted, ProgressPct: 100})
	require.NoError(t, err)
	pending := r.Create(NewTask{SessionID: "s1"})
	_, err = r.Advance(pending.ID, Update{Status: StatusPendingApproval, Stage: "approval", ProgressPct: 70})
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, ok := r.Get(done.ID)
	assert.True(t, ok, "still inside the retention window")

	clock.Advance(time.Second)
	_, ok = r.Get(done.ID)
	assert.False(t, ok)

	_, ok = r.Get(pending.ID)
	assert.True(t, ok, "non-terminal tasks are never pruned by retention")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CapEvictsOldest(t *testing.T) {
	r, clock := newTestRegistry(3, time.Hour)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, r.Create(NewTask{SessionID: "s1"}).ID)
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, 3, r.Len())
	for _, id := range ids[:2] {
		_, ok := r.Get(id)
		assert.False(t, ok)
	}
	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[4], all[2].ID)
}

func TestRegistry_Active(t *testing.T) {
	r, _ := newTestRegistry(10, time.Hour)

	a := r.Create(NewTask{SessionID: "s1"})
	b := r.Create(NewTask{SessionID: "s2"})
	_, err := r.Advance(a.ID, Update{Status: StatusFailed, ProgressPct: 100, Error: "x"})
	require.NoError(t, err)

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)
	assert.Len(t, r.All(), 2)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New(50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				task := r.Create(NewTask{SessionID: "s"})
				_, _ = r.Advance(task.ID, Update{Status: StatusRunning, ProgressPct: 60})
				_, _ = r.Advance(task.ID, Update{Status: StatusCompleted, ProgressPct: 100})
				r.Active()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 50)
}
