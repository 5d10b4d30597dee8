package election

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

// NoLeader is the leader id before any leader is known.
const NoLeader = -1

// Sender delivers one frame to a peer. *wire.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, to cluster.Endpoint, msg *wire.Message) error
}

// Config holds the election timeouts.
type Config struct {
	// AnswerTimeout bounds the wait for ANSWER replies after ELECTION was sent.
	AnswerTimeout time.Duration
	// CoordinatorTimeout bounds the wait for COORDINATOR after an ANSWER.
	CoordinatorTimeout time.Duration
	// InitialRound seeds the generation counter so that a reconstructed
	// coordinator never reuses a generation of its predecessor.
	InitialRound uint64
}

// DefaultConfig returns production timeouts.
func DefaultConfig() Config {
	return Config{
		AnswerTimeout:      3 * time.Second,
		CoordinatorTimeout: 3 * time.Second,
	}
}

// State is a point-in-time copy of the election state.
type State struct {
	Leader             cluster.NodeDescriptor
	LeaderID           int
	PendingAnswers     int
	Round              uint64
	Electing           bool
	CoordinatorPending bool
}

// Coordinator runs Bully rounds for one node against one roster view.
// Thread-safe: handlers may be called concurrently from the dispatcher.
type Coordinator struct {
	ctx       context.Context
	sender    Sender
	roster    *cluster.Roster
	onElected func(leader cluster.NodeDescriptor)
	cancel    context.CancelFunc

	expected map[int]bool // peers ELECTION was delivered to this round
	answered map[int]bool // peers that answered this round
	changed  chan struct{}
	elected  chan struct{}

	leader cluster.NodeDescriptor
	self   cluster.NodeDescriptor
	cfg    Config

	wg sync.WaitGroup
	mu sync.Mutex

	round              uint64
	leaderID           int
	pendingAnswers     int
	electing           bool
	coordinatorPending bool
	electedClosed      bool
}

// New creates a coordinator for self over roster. onElected is invoked,
// outside any lock, every time a leader is settled (self or a peer).
func New(self cluster.NodeDescriptor, roster *cluster.Roster, sender Sender, cfg Config, onElected func(leader cluster.NodeDescriptor)) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if onElected == nil {
		onElected = func(cluster.NodeDescriptor) {}
	}
	return &Coordinator{
		ctx:       ctx,
		cancel:    cancel,
		self:      self,
		roster:    roster,
		sender:    sender,
		cfg:       cfg,
		onElected: onElected,
		leaderID:  NoLeader,
		round:     cfg.InitialRound,
		expected:  make(map[int]bool),
		answered:  make(map[int]bool),
		changed:   make(chan struct{}),
		elected:   make(chan struct{}),
	}
}

// Self returns the local node descriptor.
func (c *Coordinator) Self() cluster.NodeDescriptor {
	return c.self
}

// Start launches the initial election round in the background.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spawnRoundLocked()
}

// Elect runs one full round synchronously and returns when it settles,
// is superseded, or the coordinator is stopped.
func (c *Coordinator) Elect() {
	c.mu.Lock()
	gen := c.beginRoundLocked()
	c.mu.Unlock()

	c.runRound(c.ctx, gen)
}

// Stop abandons any running round and waits for background work to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// State returns a copy of the current election state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		LeaderID:           c.leaderID,
		Leader:             c.leader,
		Electing:           c.electing,
		CoordinatorPending: c.coordinatorPending,
		PendingAnswers:     c.pendingAnswers,
		Round:              c.round,
	}
}

// LeaderID returns the current leader id or NoLeader.
func (c *Coordinator) LeaderID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// IsLeader reports whether the local node is the settled leader.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID == c.self.ID
}

// Round returns the latest generation issued by this coordinator.
func (c *Coordinator) Round() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// Elected is closed the first time a leader is settled.
func (c *Coordinator) Elected() <-chan struct{} {
	return c.elected
}

// WaitForLeader blocks until a leader is known or ctx is done.
func (c *Coordinator) WaitForLeader(ctx context.Context) (cluster.NodeDescriptor, error) {
	select {
	case <-c.elected:
	case <-ctx.Done():
		return cluster.NodeDescriptor{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader, nil
}

// HandleElection answers a challenge from a lower-ranked peer and, unless a
// round is already running, starts one.
func (c *Coordinator) HandleElection(msg *wire.Message) {
	if msg.SenderID >= c.self.ID {
		log.Printf("[election] node %d: ignoring ELECTION from non-lower node %d", c.self.ID, msg.SenderID)
		return
	}
	log.Printf("[election] node %d: ELECTION from node %d (round %d)", c.self.ID, msg.SenderID, msg.Round)

	answer := wire.NewControl(wire.KindAnswer, c.self, msg.Round)
	if err := c.sender.Send(c.ctx, msg.Endpoint(), answer); err != nil {
		log.Printf("[election] node %d: ANSWER to node %d failed: %v", c.self.ID, msg.SenderID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.electing {
		c.spawnRoundLocked()
	}
}

// HandleAnswer records an ANSWER for the current round. Answers for any
// other round, from non-higher peers, or repeated answers are ignored.
func (c *Coordinator) HandleAnswer(msg *wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.electing || msg.Round != c.round {
		log.Printf("[election] node %d: dropping stale ANSWER from node %d (round %d, current %d)",
			c.self.ID, msg.SenderID, msg.Round, c.round)
		return
	}
	if msg.SenderID <= c.self.ID || c.answered[msg.SenderID] {
		return
	}

	c.answered[msg.SenderID] = true
	if c.expected[msg.SenderID] {
		c.pendingAnswers--
	}
	log.Printf("[election] node %d: ANSWER from node %d (round %d, %d pending)",
		c.self.ID, msg.SenderID, msg.Round, c.pendingAnswers)
	c.notifyLocked()
}

// HandleCoordinator adopts an announced leader. An announcement from a
// lower-ranked node is answered with a fresh round, since this node outranks it.
func (c *Coordinator) HandleCoordinator(msg *wire.Message) {
	if msg.SenderID == c.self.ID {
		return
	}
	if msg.SenderID < c.self.ID {
		log.Printf("[election] node %d: lower node %d announced itself leader, challenging", c.self.ID, msg.SenderID)
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.electing {
			c.spawnRoundLocked()
		}
		return
	}

	leader := cluster.NodeDescriptor{ID: msg.SenderID, IP: msg.IP, Port: msg.Port}

	c.mu.Lock()
	c.leaderID = leader.ID
	c.leader = leader
	c.electing = false
	c.coordinatorPending = false
	c.pendingAnswers = 0
	c.markElectedLocked()
	c.notifyLocked()
	c.mu.Unlock()

	log.Printf("[election] node %d: adopted leader node %d (%s)", c.self.ID, leader.ID, leader.Addr())
	c.onElected(leader)
}

// spawnRoundLocked opens a round and runs it in the background. Caller
// holds c.mu; the cancellation check under the same lock keeps wg.Add
// ordered before Stop's Wait.
func (c *Coordinator) spawnRoundLocked() {
	if c.ctx.Err() != nil {
		return
	}
	gen := c.beginRoundLocked()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runRound(c.ctx, gen)
	}()
}

// beginRoundLocked opens a new generation. Caller holds c.mu.
func (c *Coordinator) beginRoundLocked() uint64 {
	c.round++
	c.electing = true
	c.coordinatorPending = false
	c.leaderID = NoLeader
	c.leader = cluster.NodeDescriptor{}
	c.expected = make(map[int]bool)
	c.answered = make(map[int]bool)
	c.pendingAnswers = 0
	c.notifyLocked()
	return c.round
}

func (c *Coordinator) runRound(ctx context.Context, gen uint64) {
	log.Printf("[election] node %d: starting round %d", c.self.ID, gen)

	higher := c.roster.Higher(c.self.ID)
	reached := c.broadcast(ctx, higher, wire.NewControl(wire.KindElection, c.self, gen))

	c.mu.Lock()
	if gen != c.round || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	for _, id := range reached {
		c.expected[id] = true
		if !c.answered[id] {
			c.pendingAnswers++
		}
	}
	c.mu.Unlock()

	if len(reached) == 0 {
		log.Printf("[election] node %d: no higher node reachable in round %d", c.self.ID, gen)
		c.becomeLeader(ctx, gen)
		return
	}

	c.waitUntil(ctx, c.cfg.AnswerTimeout, func() bool {
		return gen != c.round || c.leaderID != NoLeader || c.pendingAnswers == 0
	})

	c.mu.Lock()
	if gen != c.round || c.leaderID != NoLeader || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if len(c.answered) == 0 {
		c.mu.Unlock()
		log.Printf("[election] node %d: no ANSWER in round %d, no higher node alive", c.self.ID, gen)
		c.becomeLeader(ctx, gen)
		return
	}
	c.coordinatorPending = true
	c.notifyLocked()
	c.mu.Unlock()

	settled := c.waitUntil(ctx, c.cfg.CoordinatorTimeout, func() bool {
		return gen != c.round || c.leaderID != NoLeader
	})
	if settled || ctx.Err() != nil {
		return
	}

	log.Printf("[election] node %d: no COORDINATOR in round %d, taking over", c.self.ID, gen)
	c.becomeLeader(ctx, gen)
}

func (c *Coordinator) becomeLeader(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.round || c.leaderID != NoLeader || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.leaderID = c.self.ID
	c.leader = c.self
	c.electing = false
	c.coordinatorPending = false
	c.pendingAnswers = 0
	c.markElectedLocked()
	c.notifyLocked()
	c.mu.Unlock()

	log.Printf("[election] node %d: I am now the LEADER (round %d)", c.self.ID, gen)

	others := c.roster.Others(c.self.ID)
	reached := c.broadcast(ctx, others, wire.NewControl(wire.KindCoordinator, c.self, 0))
	if len(others) > 0 && len(reached) == 0 {
		log.Printf("[election] node %d: leader with no reachable peers", c.self.ID)
	}

	c.onElected(c.self)
}

// broadcast sends msg to every target concurrently and returns the ids that
// accepted it. Unreachable peers are skipped.
func (c *Coordinator) broadcast(ctx context.Context, targets []cluster.NodeDescriptor, msg *wire.Message) []int {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reached = make([]int, 0, len(targets))
	)
	for _, n := range targets {
		wg.Add(1)
		go func(n cluster.NodeDescriptor) {
			defer wg.Done()
			if err := c.sender.Send(ctx, n.Endpoint(), msg); err != nil {
				if wire.IsPeerDown(err) {
					log.Printf("[election] node %d: node %d is down, skipping %s", c.self.ID, n.ID, msg.Kind)
				} else {
					log.Printf("[election] node %d: %s to node %d failed: %v", c.self.ID, msg.Kind, n.ID, err)
				}
				return
			}
			mu.Lock()
			reached = append(reached, n.ID)
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return reached
}

// waitUntil blocks until pred holds, the timeout elapses, or ctx is done.
// pred runs with c.mu held. It reports whether pred became true.
func (c *Coordinator) waitUntil(ctx context.Context, timeout time.Duration, pred func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if pred() {
			c.mu.Unlock()
			return true
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) markElectedLocked() {
	if !c.electedClosed {
		close(c.elected)
		c.electedClosed = true
	}
}
