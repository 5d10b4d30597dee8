package cluster

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrNodeNotFound is returned when an id is not a member of the roster.
var ErrNodeNotFound = errors.New("node not found in roster")

// Roster is the ordered membership list of a node's view of the cluster.
// Members are kept sorted by ascending id and ids are unique.
// Thread-safe: all methods may be called concurrently.
type Roster struct {
	nodes []NodeDescriptor // sorted by ID
	mu    sync.RWMutex
}

// NewRoster builds a roster from an arbitrary list of descriptors.
// The input is copied and sorted; duplicate ids are rejected.
func NewRoster(nodes []NodeDescriptor) (*Roster, error) {
	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b NodeDescriptor) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return nil, fmt.Errorf("duplicate node id %d in roster", sorted[i].ID)
		}
	}
	return &Roster{nodes: sorted}, nil
}

// Len returns the number of members.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns a copy of all members in ascending id order.
func (r *Roster) Snapshot() []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// Clone returns an independent roster with the same members.
func (r *Roster) Clone() *Roster {
	return &Roster{nodes: r.Snapshot()}
}

// IndexOf returns the position of id in the roster, or -1.
func (r *Roster) IndexOf(id int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.IndexFunc(r.nodes, func(n NodeDescriptor) bool { return n.ID == id })
}

// Lookup returns the descriptor for id.
func (r *Roster) Lookup(id int) (NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := slices.IndexFunc(r.nodes, func(n NodeDescriptor) bool { return n.ID == id })
	if idx < 0 {
		return NodeDescriptor{}, false
	}
	return r.nodes[idx], true
}

// Highest returns the member with the largest id.
func (r *Roster) Highest() (NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 {
		return NodeDescriptor{}, false
	}
	return r.nodes[len(r.nodes)-1], true
}

// Higher returns every member whose id is greater than id, ascending.
func (r *Roster) Higher(id int) []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeDescriptor, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.ID > id {
			out = append(out, n)
		}
	}
	return out
}

// Others returns every member except id, ascending.
func (r *Roster) Others(id int) []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeDescriptor, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// Remove deletes the member with the given id. Only that member is removed,
// regardless of its position.
func (r *Roster) Remove(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.nodes)
	r.nodes = slices.DeleteFunc(r.nodes, func(n NodeDescriptor) bool { return n.ID == id })
	if len(r.nodes) == before {
		return fmt.Errorf("remove %d: %w", id, ErrNodeNotFound)
	}
	return nil
}
