package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

var (
	// ErrRegistryUnavailable means the registry could not be reached or
	// closed the connection without a roster.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrRosterTooSmall means the node is the only member of the roster.
	ErrRosterTooSmall = errors.New("not enough nodes registered")
)

// Register announces self to the registry and blocks until the roster
// arrives or wait elapses. It returns the local descriptor with its assigned
// id and the sorted roster.
func Register(ctx context.Context, transport wire.Transport, registry, self cluster.Endpoint, wait time.Duration) (cluster.NodeDescriptor, []cluster.NodeDescriptor, error) {
	msg := &wire.Message{Kind: wire.KindRegister, IP: self.IP, Port: self.Port}

	reply, err := transport.Request(ctx, registry, msg, wait)
	if err != nil {
		return cluster.NodeDescriptor{}, nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if reply.Kind != wire.KindRegistered {
		return cluster.NodeDescriptor{}, nil, fmt.Errorf("%w: unexpected reply %s", ErrRegistryUnavailable, reply.Kind)
	}

	roster, err := cluster.NewRoster(reply.Roster)
	if err != nil {
		return cluster.NodeDescriptor{}, nil, fmt.Errorf("invalid roster: %w", err)
	}
	me, ok := roster.Lookup(reply.SenderID)
	if !ok || me.Endpoint() != self {
		return cluster.NodeDescriptor{}, nil, fmt.Errorf("assigned id %d does not match %s in roster", reply.SenderID, self)
	}
	if roster.Len() < 2 {
		return me, roster.Snapshot(), ErrRosterTooSmall
	}
	return me, roster.Snapshot(), nil
}
