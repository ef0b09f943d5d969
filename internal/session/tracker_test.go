package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/pkg/types"
)

type memoryRecorder struct {
	mu          sync.Mutex
	transitions []types.ConnectionTransition
}

func (m *memoryRecorder) RecordTransition(ctx context.Context, t types.ConnectionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *memoryRecorder) states() []types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ConnectionState, len(m.transitions))
	for i, t := range m.transitions {
		out[i] = t.To
	}
	return out
}

func TestTracker_OpenIsIdempotent(t *testing.T) {
	tr := NewTracker(nil, nil)

	c, created, err := tr.Open("c1", "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.StatePending, c.State)

	_, created, err = tr.Open("c1", "alice")
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = tr.Open("c1", "mallory")
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	_, _, err = tr.Open("bad id", "")
	assert.ErrorIs(t, err, types.ErrInvalidConnectionID)
}

func TestTracker_Lifecycle(t *testing.T) {
	rec := &memoryRecorder{}
	tr := NewTracker(rec, nil)
	_, _, err := tr.Open("c1", "")
	require.NoError(t, err)

	_, err = tr.Transition("c1", types.StateActive, "handshake", types.StatePending)
	require.NoError(t, err)
	_, err = tr.Transition("c1", types.StateDraining, "disconnect", types.StateActive)
	require.NoError(t, err)

	// A competing teardown that expected Active loses.
	_, err = tr.Transition("c1", types.StateClosed, "heartbeat", types.StateActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = tr.Transition("c1", types.StateClosed, "drained")
	require.NoError(t, err)

	_, ok := tr.Get("c1")
	assert.False(t, ok, "closed connections are forgotten")
	_, err = tr.Transition("c1", types.StateClosed, "again")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	assert.Equal(t, []types.ConnectionState{
		types.StatePending, types.StateActive, types.StateDraining, types.StateClosed,
	}, rec.states())
}

func TestTracker_RejectsIllegalTransition(t *testing.T) {
	tr := NewTracker(nil, nil)
	_, _, err := tr.Open("c1", "")
	require.NoError(t, err)

	_, err = tr.Transition("c1", types.StateDraining, "skip")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTracker_Expired(t *testing.T) {
	tr := NewTracker(nil, nil)
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	_, _, _ = tr.Open("active", "")
	_, _, _ = tr.Open("pending", "")
	_, err := tr.Transition("active", types.StateActive, "handshake")
	require.NoError(t, err)

	now = now.Add(10 * time.Second)
	stale, abandoned := tr.Expired(30*time.Second, 30*time.Second)
	assert.Empty(t, stale)
	assert.Empty(t, abandoned)

	now = now.Add(25 * time.Second)
	stale, abandoned = tr.Expired(30*time.Second, 30*time.Second)
	assert.Equal(t, []string{"active"}, stale)
	assert.Equal(t, []string{"pending"}, abandoned)

	assert.True(t, tr.Touch("active"))
	stale, _ = tr.Expired(30*time.Second, 0)
	assert.Empty(t, stale)
	assert.False(t, tr.Touch("unknown"))
}

func TestTracker_CountsAndList(t *testing.T) {
	tr := NewTracker(nil, nil)
	_, _, _ = tr.Open("b", "")
	_, _, _ = tr.Open("a", "")
	_, err := tr.Transition("a", types.StateActive, "handshake")
	require.NoError(t, err)

	counts := tr.Counts()
	assert.Equal(t, 1, counts["pending"])
	assert.Equal(t, 1, counts["active"])
	assert.Equal(t, 0, counts["draining"])

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
}

func TestTracker_ConcurrentTransitions(t *testing.T) {
	tr := NewTracker(nil, nil)
	_, _, _ = tr.Open("c1", "")
	_, err := tr.Transition("c1", types.StateActive, "handshake")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transition("c1", types.StateDraining, "disconnect", types.StateActive); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTracker_OpenDuringTransitions(t *testing.T) {
	tr := NewTracker(nil, nil)
	ids := []string{"c1", "c2", "c3", "c4"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := ids[(w+i)%len(ids)]
				conn, _, err := tr.Open(id, "alice")
				if err != nil {
					continue
				}
				assert.Equal(t, id, conn.ID)
				_, _ = tr.Transition(id, types.StateActive, "handshake", types.StatePending)
				_, _ = tr.Transition(id, types.StateDraining, "disconnect", types.StateActive)
				_, _ = tr.Transition(id, types.StateClosed, "drained", types.StateDraining)
			}
		}(w)
	}
	wg.Wait()

	for _, c := range tr.List() {
		assert.Equal(t, "alice", c.OwnerID)
	}
}
