// Package session tracks client connection sessions through their lifecycle.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Tracker owns every connection record and enforces the state machine.
// ARCHITECTURAL DISCOVERY: Each transition is a compare-and-set on the
// current state under the tracker lock, so two competing teardown paths
// (client disconnect and heartbeat expiry) cannot both win.
type Tracker struct {
	mu          sync.RWMutex
	connections map[string]*types.Connection
	recorder    interfaces.LifecycleRecorder
	logger      *zap.Logger
	now         func() time.Time
}

// NewTracker creates a tracker. recorder may be nil.
func NewTracker(recorder interfaces.LifecycleRecorder, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		connections: make(map[string]*types.Connection),
		recorder:    recorder,
		logger:      logger,
		now:         time.Now,
	}
}

// Open returns the connection with the given ID, creating it in Pending state
// when it is unknown. created reports whether a new record was made.
func (t *Tracker) Open(connectionID, ownerID string) (conn types.Connection, created bool, err error) {
	if !types.IsValidConnectionID(connectionID) {
		return types.Connection{}, false, types.ErrInvalidConnectionID
	}

	t.mu.Lock()
	if existing, ok := t.connections[connectionID]; ok {
		snapshot := *existing
		t.mu.Unlock()
		if ownerID != "" && snapshot.OwnerID != "" && snapshot.OwnerID != ownerID {
			return types.Connection{}, false, ErrOwnerMismatch
		}
		return snapshot, false, nil
	}
	now := t.now()
	c := &types.Connection{
		ID:        connectionID,
		OwnerID:   ownerID,
		State:     types.StatePending,
		CreatedAt: now,
		LastSeen:  now,
	}
	t.connections[connectionID] = c
	t.mu.Unlock()

	t.record(types.ConnectionTransition{
		ConnectionID: connectionID,
		OwnerID:      ownerID,
		To:           types.StatePending,
		Reason:       "registered",
		OccurredAt:   now,
	})
	return *c, true, nil
}

// Transition moves a connection from one of the expected states to next.
// Closing a connection removes its record.
func (t *Tracker) Transition(connectionID string, next types.ConnectionState, reason string, from ...types.ConnectionState) (types.Connection, error) {
	t.mu.Lock()
	c, ok := t.connections[connectionID]
	if !ok {
		t.mu.Unlock()
		return types.Connection{}, ErrConnectionNotFound
	}
	if len(from) > 0 && !containsState(from, c.State) {
		state := c.State
		t.mu.Unlock()
		return types.Connection{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, connectionID, state)
	}
	if !c.State.CanTransitionTo(next) {
		state := c.State
		t.mu.Unlock()
		return types.Connection{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, next)
	}

	prev := c.State
	now := t.now()
	c.State = next
	c.LastSeen = now
	snapshot := *c
	if next == types.StateClosed {
		delete(t.connections, connectionID)
	}
	t.mu.Unlock()

	t.logger.Debug("connection transition",
		zap.String("connection_id", connectionID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	t.record(types.ConnectionTransition{
		ConnectionID: connectionID,
		OwnerID:      snapshot.OwnerID,
		From:         prev,
		To:           next,
		Reason:       reason,
		OccurredAt:   now,
	})
	return snapshot, nil
}

func containsState(states []types.ConnectionState, s types.ConnectionState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func (t *Tracker) record(tr types.ConnectionTransition) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.RecordTransition(context.Background(), tr); err != nil {
		t.logger.Debug("transition not recorded", zap.String("connection_id", tr.ConnectionID), zap.Error(err))
	}
}

// Touch records a heartbeat. It reports whether the connection exists.
func (t *Tracker) Touch(connectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.connections[connectionID]
	if ok {
		c.LastSeen = t.now()
	}
	return ok
}

// Get returns a copy of a connection record.
func (t *Tracker) Get(connectionID string) (types.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.connections[connectionID]
	if !ok {
		return types.Connection{}, false
	}
	return *c, true
}

// List returns every tracked connection ordered by ID.
func (t *Tracker) List() []types.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Connection, 0, len(t.connections))
	for _, c := range t.connections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expired returns active connections whose last heartbeat is older than
// heartbeatTimeout, and pending connections older than pendingTimeout.
// A non-positive timeout disables that check.
func (t *Tracker) Expired(heartbeatTimeout, pendingTimeout time.Duration) (stale, abandoned []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	for id, c := range t.connections {
		switch c.State {
		case types.StateActive:
			if heartbeatTimeout > 0 && now.Sub(c.LastSeen) > heartbeatTimeout {
				stale = append(stale, id)
			}
		case types.StatePending:
			if pendingTimeout > 0 && now.Sub(c.CreatedAt) > pendingTimeout {
				abandoned = append(abandoned, id)
			}
		}
	}
	sort.Strings(stale)
	sort.Strings(abandoned)
	return stale, abandoned
}

// Counts returns the number of connections in each state.
func (t *Tracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := map[string]int{
		string(types.StatePending):  0,
		string(types.StateActive):   0,
		string(types.StateDraining): 0,
	}
	for _, c := range t.connections {
		counts[string(c.State)]++
	}
	return counts
}
