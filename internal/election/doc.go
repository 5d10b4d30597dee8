// Package election implements the Bully leader election used by herald nodes.
//
// # Overview
//
// Each node runs one Coordinator per roster view. A round is triggered at
// startup, after a detected leader crash, or when a lower-ranked peer
// challenges this node:
//
//	IDLE ──► ELECTING ──► AWAITING_ANSWERS ──┬──► FOLLOWER (COORDINATOR received)
//	             │                           └──► LEADER   (no answer / no COORDINATOR)
//	             └── no higher peer reachable ──► LEADER
//
// The highest id among reachable members always wins. A peer that refuses a
// connection is skipped for the current round only; removing it from the
// roster is the heartbeat monitor's job.
//
// # Round Generations
//
// Every round carries a generation number in its ELECTION frames and the
// challenged peers echo it in their ANSWER. Answers for any other generation
// are discarded and each peer is counted at most once, so a late or
// duplicated ANSWER from an abandoned round cannot distort the current one.
//
// # Concurrency Model
//
// All election state lives behind a single mutex. Waiting is done on a
// notify channel captured under that same mutex together with the predicate
// check, so a wake-up between the check and the wait is never lost. The
// mutex is never held across network I/O.
package election
