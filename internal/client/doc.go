// Package client provides the publisher and subscriber front-ends of a
// herald cluster.
//
// Both register by sending CONNECT_TO_CLIENT to the well-known client
// address served by the current leader, then wait for the node they were
// assigned to dial back on their own listening endpoint. A subscriber reads
// event frames from that connection; a publisher writes them.
package client
