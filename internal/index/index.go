// Package index keeps the live subscription set and answers "which
// subscriptions could this event match" without scanning every filter.
package index

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"tickstream/pkg/types"
)

// Match is one subscription whose filter accepted an event.
type Match struct {
	SubscriptionID string
	ConnectionID   string
}

type entry struct {
	sub types.Subscription
	// numeric lower bounds per attribute, kept for removal
	numeric map[string]float64
}

// numericEntry places a subscription on a numeric dimension by the lowest
// value it can accept.
type numericEntry struct {
	lo float64
	id string
}

// Index is the SubscriptionIndex: one inverted index per categorical
// dimension, one sorted bound list per numeric dimension, and a wildcard set
// for filters with no predicates.
// ARCHITECTURAL DISCOVERY: A single RWMutex guards every map so a reader never
// observes a subscription half-inserted across dimensions. Matches share the
// read lock, writes take the write lock for O(k) work in predicate dimensions.
type Index struct {
	mu sync.RWMutex

	subs         map[string]*entry
	byConnection map[string]map[string]struct{}

	// attr -> value -> subscription IDs
	categorical map[string]map[string]map[string]struct{}
	// attr -> entries sorted by lower bound
	numeric map[string][]numericEntry
	// subscriptions with an empty filter
	wildcard map[string]struct{}

	// attr -> number of live subscriptions constraining it
	dimensionRefs map[string]int
	dimensions    []string

	generation atomic.Uint64
}

// New creates an empty index.
func New() *Index {
	return &Index{
		subs:          make(map[string]*entry),
		byConnection:  make(map[string]map[string]struct{}),
		categorical:   make(map[string]map[string]map[string]struct{}),
		numeric:       make(map[string][]numericEntry),
		wildcard:      make(map[string]struct{}),
		dimensionRefs: make(map[string]int),
	}
}

// Add validates and inserts a subscription. On error nothing is inserted and
// the generation is unchanged.
func (idx *Index) Add(sub types.Subscription) error {
	if sub.ID == "" {
		return ErrEmptySubscriptionID
	}
	if !types.IsValidConnectionID(sub.ConnectionID) {
		return types.ErrInvalidConnectionID
	}
	if err := sub.Filter.Validate(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.subs[sub.ID]; exists {
		return ErrDuplicateSubscription
	}

	e := &entry{sub: sub, numeric: make(map[string]float64)}
	for _, p := range sub.Filter.Predicates() {
		switch pred := p.(type) {
		case types.SetPredicate:
			values := idx.categorical[pred.Attr]
			if values == nil {
				values = make(map[string]map[string]struct{})
				idx.categorical[pred.Attr] = values
			}
			for _, v := range pred.Values {
				ids := values[v]
				if ids == nil {
					ids = make(map[string]struct{})
					values[v] = ids
				}
				ids[sub.ID] = struct{}{}
			}
		case types.NumericPredicate:
			lo, _ := pred.Bounds()
			if prev, ok := e.numeric[pred.Attribute()]; !ok || lo > prev {
				e.numeric[pred.Attribute()] = lo
			}
		}
	}
	for attr, lo := range e.numeric {
		idx.insertNumeric(attr, numericEntry{lo: lo, id: sub.ID})
	}
	if sub.Filter.IsEmpty() {
		idx.wildcard[sub.ID] = struct{}{}
	}
	for _, attr := range sub.Filter.Attributes() {
		idx.dimensionRefs[attr]++
	}

	idx.subs[sub.ID] = e
	conn := idx.byConnection[sub.ConnectionID]
	if conn == nil {
		conn = make(map[string]struct{})
		idx.byConnection[sub.ConnectionID] = conn
	}
	conn[sub.ID] = struct{}{}

	idx.rebuildDimensions()
	idx.generation.Add(1)
	return nil
}

// Remove deletes a subscription. Removing an unknown ID is a no-op and does
// not bump the generation.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.removeLocked(id) {
		return false
	}
	idx.rebuildDimensions()
	idx.generation.Add(1)
	return true
}

// RemoveByConnection deletes every subscription owned by a connection and
// returns the removed IDs.
func (idx *Index) RemoveByConnection(connectionID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	owned := idx.byConnection[connectionID]
	if len(owned) == 0 {
		return nil
	}
	removed := make([]string, 0, len(owned))
	for id := range owned {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	for _, id := range removed {
		idx.removeLocked(id)
	}
	idx.rebuildDimensions()
	idx.generation.Add(1)
	return removed
}

func (idx *Index) removeLocked(id string) bool {
	e, ok := idx.subs[id]
	if !ok {
		return false
	}
	for _, p := range e.sub.Filter.Predicates() {
		set, ok := p.(types.SetPredicate)
		if !ok {
			continue
		}
		values := idx.categorical[set.Attr]
		for _, v := range set.Values {
			delete(values[v], id)
			if len(values[v]) == 0 {
				delete(values, v)
			}
		}
		if len(values) == 0 {
			delete(idx.categorical, set.Attr)
		}
	}
	for attr := range e.numeric {
		idx.deleteNumeric(attr, id)
	}
	delete(idx.wildcard, id)
	for _, attr := range e.sub.Filter.Attributes() {
		idx.dimensionRefs[attr]--
		if idx.dimensionRefs[attr] <= 0 {
			delete(idx.dimensionRefs, attr)
		}
	}

	delete(idx.subs, id)
	if conn := idx.byConnection[e.sub.ConnectionID]; conn != nil {
		delete(conn, id)
		if len(conn) == 0 {
			delete(idx.byConnection, e.sub.ConnectionID)
		}
	}
	return true
}

func (idx *Index) insertNumeric(attr string, ne numericEntry) {
	entries := idx.numeric[attr]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].lo > ne.lo })
	entries = append(entries, numericEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = ne
	idx.numeric[attr] = entries
}

func (idx *Index) deleteNumeric(attr, id string) {
	entries := idx.numeric[attr]
	for i := range entries {
		if entries[i].id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(idx.numeric, attr)
		return
	}
	idx.numeric[attr] = entries
}

func (idx *Index) rebuildDimensions() {
	dims := make([]string, 0, len(idx.dimensionRefs))
	for attr := range idx.dimensionRefs {
		dims = append(dims, attr)
	}
	sort.Strings(dims)
	idx.dimensions = dims
}

// Match returns the candidate subscription IDs for an event: the union of
// dimension hits for the attributes the event carries plus every wildcard
// subscription. Candidates still need full predicate evaluation. An event
// with no recognized attributes yields only the wildcard set.
func (idx *Index) Match(e *types.Event) ([]string, uint64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := idx.candidatesLocked(e)
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, idx.generation.Load()
}

// Lookup runs Match and full predicate evaluation under one read lock and
// returns the accepted subscriptions ordered by connection then subscription.
func (idx *Index) Lookup(e *types.Event) ([]Match, uint64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var matches []Match
	for id := range idx.candidatesLocked(e) {
		ent := idx.subs[id]
		if ent == nil || !ent.sub.Filter.Matches(e) {
			continue
		}
		matches = append(matches, Match{SubscriptionID: id, ConnectionID: ent.sub.ConnectionID})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ConnectionID != matches[j].ConnectionID {
			return matches[i].ConnectionID < matches[j].ConnectionID
		}
		return matches[i].SubscriptionID < matches[j].SubscriptionID
	})
	return matches, idx.generation.Load()
}

func (idx *Index) candidatesLocked(e *types.Event) map[string]struct{} {
	candidates := make(map[string]struct{}, len(idx.wildcard))
	for id := range idx.wildcard {
		candidates[id] = struct{}{}
	}
	if e == nil {
		return candidates
	}

	for attr, values := range idx.categorical {
		v, ok := e.Value(attr)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		for id := range values[s] {
			candidates[id] = struct{}{}
		}
	}

	for attr, entries := range idx.numeric {
		v, ok := e.Value(attr)
		if !ok {
			continue
		}
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) {
			continue
		}
		n := sort.Search(len(entries), func(i int) bool { return entries[i].lo > f })
		for _, ne := range entries[:n] {
			candidates[ne.id] = struct{}{}
		}
	}
	return candidates
}

// Dimensions returns the attributes constrained by at least one live filter,
// sorted, together with the generation they belong to.
func (idx *Index) Dimensions() ([]string, uint64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dimensions, idx.generation.Load()
}

// Generation returns the mutation counter. It changes on every successful
// add or remove.
func (idx *Index) Generation() uint64 {
	return idx.generation.Load()
}

// Get returns a subscription by ID.
func (idx *Index) Get(id string) (types.Subscription, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.subs[id]
	if !ok {
		return types.Subscription{}, false
	}
	return e.sub, true
}

// ByConnection returns a connection's subscriptions ordered by ID.
func (idx *Index) ByConnection(connectionID string) []types.Subscription {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	owned := idx.byConnection[connectionID]
	subs := make([]types.Subscription, 0, len(owned))
	for id := range owned {
		subs = append(subs, idx.subs[id].sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}

// Len returns the number of live subscriptions.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.subs)
}

// Stats is a point-in-time view of index sizes.
type Stats struct {
	Subscriptions int            `json:"subscriptions"`
	Connections   int            `json:"connections"`
	Wildcards     int            `json:"wildcards"`
	Generation    uint64         `json:"generation"`
	Dimensions    map[string]int `json:"dimensions"`
}

// Stats returns index sizes, with per-dimension subscription counts.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	dims := make(map[string]int, len(idx.dimensionRefs))
	for attr, n := range idx.dimensionRefs {
		dims[attr] = n
	}
	return Stats{
		Subscriptions: len(idx.subs),
		Connections:   len(idx.byConnection),
		Wildcards:     len(idx.wildcard),
		Generation:    idx.generation.Load(),
		Dimensions:    dims,
	}
}
