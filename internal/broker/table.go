package broker

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/herald/internal/cluster"
)

// SubscriptionTable maps topics to the subscriber endpoints served by this
// node. An endpoint appears at most once per topic.
// Thread-safe: All methods are safe for concurrent access.
type SubscriptionTable struct {
	topics map[string]map[string]cluster.Endpoint
	mu     sync.RWMutex
}

// NewSubscriptionTable creates an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{topics: make(map[string]map[string]cluster.Endpoint)}
}

// Add subscribes ep to topic. It reports whether the pair was new.
func (t *SubscriptionTable) Add(topic string, ep cluster.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.topics[topic]
	if !ok {
		subs = make(map[string]cluster.Endpoint)
		t.topics[topic] = subs
	}
	if _, exists := subs[ep.Addr()]; exists {
		return false
	}
	subs[ep.Addr()] = ep
	return true
}

// RemoveEndpoint drops ep from every topic and returns the number of
// subscriptions removed.
func (t *SubscriptionTable) RemoveEndpoint(ep cluster.Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for topic, subs := range t.topics {
		if _, ok := subs[ep.Addr()]; ok {
			delete(subs, ep.Addr())
			removed++
		}
		if len(subs) == 0 {
			delete(t.topics, topic)
		}
	}
	return removed
}

// Subscribers returns the endpoints subscribed to topic, ordered by address.
func (t *SubscriptionTable) Subscribers(topic string) []cluster.Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.topics[topic]
	out := make([]cluster.Endpoint, 0, len(subs))
	for _, ep := range subs {
		out = append(out, ep)
	}
	slices.SortFunc(out, func(a, b cluster.Endpoint) int {
		return strings.Compare(a.Addr(), b.Addr())
	})
	return out
}

// Topics returns the topics with at least one subscriber, sorted.
func (t *SubscriptionTable) Topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of (topic, endpoint) pairs.
func (t *SubscriptionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, subs := range t.topics {
		n += len(subs)
	}
	return n
}

// Reset discards every subscription.
func (t *SubscriptionTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics = make(map[string]map[string]cluster.Endpoint)
}
