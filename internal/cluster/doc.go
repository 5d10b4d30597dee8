// Package cluster provides the membership primitives shared by every component
// of a herald node: the node descriptor issued by the Registration Service and
// the ordered roster the Bully election compares ids against.
//
// # Overview
//
// A herald cluster is a small, fixed fleet of server nodes. Membership is
// decided once, at bootstrap, by the Registration Service, which assigns each
// node a unique integer id and hands every registrant the same roster
// snapshot sorted by ascending id. After that the roster only ever shrinks:
// when a follower's heartbeat to the leader fails, the follower removes that
// exact node and runs a new election against the reduced roster.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│                 Roster                   │
//	├──────────────────────────────────────────┤
//	│  [ {1 10.0.0.1 7001}                     │
//	│    {2 10.0.0.2 7002}   ascending by id   │
//	│    {3 10.0.0.3 7003} ]                   │
//	├──────────────────────────────────────────┤
//	│  Higher(1) → [2 3]   Others(2) → [1 3]   │
//	│  Remove(3) → [1 2]                       │
//	└──────────────────────────────────────────┘
//
// # Core Types
//
// NodeDescriptor: identity and listening endpoint of one node
//   - ID is the identity key and the Bully priority
//   - Immutable once issued by the Registration Service
//
// Endpoint: an ip:port pair used for subscribers, publishers and peers
//
// Roster: ordered, mutex-guarded membership list
//   - Never contains duplicate ids
//   - Order is the basis for "higher" and "lower" comparisons
//   - Removal targets a specific id, never a position
//
// # Concurrency Model
//
// Roster methods are safe for concurrent use. Every accessor returns a copy
// so callers can iterate without holding the roster's lock while they dial
// peers.
//
// # See Also
//
//   - internal/election: consumes Higher and Others for Bully rounds
//   - internal/heartbeat: reports the node to Remove after a crash
//   - internal/registry: produces the initial roster
package cluster
