// Package registry implements the rendezvous service that bootstraps a
// herald cluster, and the client nodes use to join it.
//
// Nodes send REGISTER with their advertised endpoint. The service keeps each
// connection open and collects registrations until no new one arrives for
// the configured window. It then assigns every node a unique random id,
// sorts the roster by id, and replies REGISTERED on each held connection.
//
//	node A ──REGISTER──►┐
//	node B ──REGISTER──►│ registry (window)
//	node C ──REGISTER──►┘
//	       ◄──REGISTERED{id, roster}── to each
//
// A node that cannot reach the service or receives a single-member roster
// cannot take part in an election and must exit.
package registry
