// Package router decides, for each event, which connections receive it.
package router

import (
	"go.uber.org/zap"

	"tickstream/internal/index"
	"tickstream/internal/metrics"
	"tickstream/pkg/types"
)

// SubscriptionIndex is the part of the index the router reads.
type SubscriptionIndex interface {
	Dimensions() ([]string, uint64)
	Lookup(e *types.Event) ([]index.Match, uint64)
}

// Router is the EventRouter. It holds no state besides the route cache and
// never blocks on I/O.
type Router struct {
	index   SubscriptionIndex
	cache   *RouteCache
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a router over idx.
func NewRouter(idx SubscriptionIndex, cfg CacheConfig, logger *zap.Logger, m *metrics.Metrics) (*Router, error) {
	if idx == nil {
		return nil, ErrNilIndex
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		index:   idx,
		cache:   NewRouteCache(cfg),
		logger:  logger,
		metrics: m,
	}, nil
}

// Route returns one delivery per matching connection, ordered by connection
// ID, each listing every subscription of that connection the event matched.
// A malformed event is logged, counted and returned as MalformedEventError.
func (r *Router) Route(e *types.Event) ([]types.Delivery, error) {
	if err := e.Validate(); err != nil {
		r.metrics.IncMalformed()
		fields := []zap.Field{zap.Error(err)}
		if e != nil {
			fields = append(fields, zap.String("event_id", e.ID))
		}
		r.logger.Warn("dropping malformed event", fields...)
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: The signature only covers dimensions some filter
	// references, and it is read together with the generation so the cached
	// result and the signature always describe the same subscription set.
	dims, gen := r.index.Dimensions()
	signature := Signature(e, dims)

	matches, outcome := r.cache.Get(signature, gen)
	if outcome == cacheHit {
		r.metrics.IncCacheHit()
	} else {
		r.metrics.IncCacheMiss()
		var lookupGen uint64
		matches, lookupGen = r.index.Lookup(e)
		if lookupGen == gen {
			r.cache.Put(signature, gen, matches)
		}
	}

	deliveries := groupByConnection(e, matches)
	r.metrics.ObserveRoute(len(deliveries))
	if len(deliveries) > 0 {
		r.logger.Debug("routed event",
			zap.String("event_id", e.ID),
			zap.Int("connections", len(deliveries)),
			zap.Int("subscriptions", len(matches)))
	}
	return deliveries, nil
}

// groupByConnection collapses matches sorted by connection into deliveries.
// Cached match slices are shared, so they are only read here.
func groupByConnection(e *types.Event, matches []index.Match) []types.Delivery {
	var deliveries []types.Delivery
	for _, m := range matches {
		n := len(deliveries)
		if n > 0 && deliveries[n-1].ConnectionID == m.ConnectionID {
			deliveries[n-1].SubscriptionIDs = append(deliveries[n-1].SubscriptionIDs, m.SubscriptionID)
			continue
		}
		deliveries = append(deliveries, types.Delivery{
			ConnectionID:    m.ConnectionID,
			Event:           e,
			SubscriptionIDs: []string{m.SubscriptionID},
		})
	}
	return deliveries
}

// CacheStats reports route cache occupancy.
func (r *Router) CacheStats() CacheStats {
	return r.cache.Stats()
}
