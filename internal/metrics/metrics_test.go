package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := New()
	m.IncIngested()
	m.IncIngested()
	m.IncMalformed()
	m.ObserveRoute(3)
	m.ObserveRoute(0)
	m.ObserveFlush(5)
	m.IncCacheHit()
	m.IncCacheHit()
	m.IncCacheHit()
	m.IncCacheMiss()
	m.AddDropped(DropQueueFull, 2)
	m.AddDropped(DropRateLimited, 4)
	m.SetBacklogSource(func() map[string]int { return map[string]int{"c1": 7} })
	m.SetConnectionSource(func() map[string]int { return map[string]int{"active": 1} })

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.EventsIngested)
	assert.Equal(t, uint64(1), s.EventsMalformed)
	assert.Equal(t, uint64(1), s.EventsRouted)
	assert.Equal(t, uint64(1), s.EventsUnmatched)
	assert.Equal(t, uint64(3), s.Deliveries)
	assert.Equal(t, uint64(5), s.EventsDelivered)
	assert.Equal(t, uint64(1), s.BatchesFlushed)
	assert.InDelta(t, 0.75, s.CacheHitRate, 1e-9)
	assert.Equal(t, uint64(6), s.DroppedTotal)
	assert.Equal(t, 7, s.Backlog["c1"])
	assert.Equal(t, 1, s.Connections["active"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.IncIngested()
	m.ObserveRoute(1)
	m.AddDropped(DropClosed, 1)
	m.SetBacklogSource(nil)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncIngested()
	m.AddDropped(DropRateLimited, 2)
	m.SetBacklogSource(func() map[string]int { return map[string]int{"conn-1": 3} })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tickstream_events_ingested_total 1"))
	assert.True(t, strings.Contains(body, `tickstream_events_dropped_total{reason="rate_limited"} 2`))
	assert.True(t, strings.Contains(body, `tickstream_connection_backlog{connection_id="conn-1"} 3`))
}
