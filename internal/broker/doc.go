// Package broker implements the topic-based publish/subscribe relay that
// runs on every herald node.
//
// The leader accepts client registrations on the well-known client address
// and spreads them round-robin across the roster by relaying
// CONNECT_TO_CLIENT to the chosen node. Each node keeps its own
// SubscriptionTable of the subscribers it was assigned and a persistent
// connection per subscriber endpoint.
//
// An event read from a publisher session is delivered to the local
// subscribers of its topic and relayed once to every other roster member,
// which delivers it to its own subscribers without relaying further:
//
//	publisher ──► node B ──► B's subscribers
//	                 │
//	                 ├──PUBLISH_TO_SUBSCRIBERS──► node A ──► A's subscribers
//	                 └──PUBLISH_TO_SUBSCRIBERS──► node C ──► C's subscribers
//
// Every event carries a uuid and each node remembers recently seen ids, so
// a duplicated relay is never delivered twice.
package broker
