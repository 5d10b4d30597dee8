package election

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

var testConfig = Config{
	AnswerTimeout:      200 * time.Millisecond,
	CoordinatorTimeout: 400 * time.Millisecond,
}

// memNet routes frames between in-process coordinators. Delivery is
// asynchronous, like a real connection handed to the dispatcher.
type memNet struct {
	nodes map[string]*Coordinator
	down  map[string]bool
	mu    sync.Mutex
}

func newMemNet() *memNet {
	return &memNet{
		nodes: make(map[string]*Coordinator),
		down:  make(map[string]bool),
	}
}

func (n *memNet) attach(c *Coordinator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[c.Self().Addr()] = c
	delete(n.down, c.Self().Addr())
}

func (n *memNet) kill(node cluster.NodeDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[node.Addr()] = true
}

func (n *memNet) Send(ctx context.Context, to cluster.Endpoint, msg *wire.Message) error {
	n.mu.Lock()
	target, ok := n.nodes[to.Addr()]
	down := n.down[to.Addr()]
	n.mu.Unlock()

	if !ok || down {
		return &wire.PeerDownError{Addr: to.Addr(), Err: fmt.Errorf("connection refused")}
	}

	copied := *msg
	go func() {
		switch copied.Kind {
		case wire.KindElection:
			target.HandleElection(&copied)
		case wire.KindAnswer:
			target.HandleAnswer(&copied)
		case wire.KindCoordinator:
			target.HandleCoordinator(&copied)
		}
	}()
	return nil
}

// recordingSender accepts every frame and delivers none of them.
type recordingSender struct {
	sent []*wire.Message
	mu   sync.Mutex
}

func (r *recordingSender) Send(ctx context.Context, to cluster.Endpoint, msg *wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) count(kind wire.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func descriptors(ids ...int) []cluster.NodeDescriptor {
	out := make([]cluster.NodeDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, cluster.NodeDescriptor{ID: id, IP: "127.0.0.1", Port: 7000 + id})
	}
	return out
}

func descriptor(id int) cluster.NodeDescriptor {
	return descriptors(id)[0]
}

// buildCluster builds one coordinator per id on net, all sharing the same roster
// view. Coordinators for ids in skip are not created.
func buildCluster(t *testing.T, net *memNet, roster []cluster.NodeDescriptor, skip ...int) map[int]*Coordinator {
	t.Helper()
	skipped := make(map[int]bool)
	for _, id := range skip {
		skipped[id] = true
	}

	coords := make(map[int]*Coordinator)
	for _, n := range roster {
		if skipped[n.ID] {
			continue
		}
		r, err := cluster.NewRoster(roster)
		require.NoError(t, err)
		c := New(n, r, net, testConfig, nil)
		net.attach(c)
		coords[n.ID] = c
		t.Cleanup(c.Stop)
	}
	return coords
}

func allAgreeOn(coords map[int]*Coordinator, leader int) func() bool {
	return func() bool {
		for _, c := range coords {
			st := c.State()
			if st.LeaderID != leader || st.Electing {
				return false
			}
		}
		return true
	}
}

// TestAgreementOnHighestID verifies that concurrent startup settles on the
// highest id for several cluster sizes.
func TestAgreementOnHighestID(t *testing.T) {
	tests := []struct {
		name string
		ids  []int
	}{
		{name: "two nodes", ids: []int{1, 2}},
		{name: "three nodes", ids: []int{1, 2, 3}},
		{name: "sparse ids", ids: []int{4, 9, 15, 23}},
		{name: "five nodes", ids: []int{10, 20, 30, 40, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newMemNet()
			coords := buildCluster(t, net, descriptors(tt.ids...))
			for _, c := range coords {
				c.Start()
			}

			want := tt.ids[len(tt.ids)-1]
			require.Eventually(t, allAgreeOn(coords, want), 5*time.Second, 20*time.Millisecond)
		})
	}
}

// TestElectionSkipsRefusedPeers verifies that a higher peer that refuses
// connections does not block the round.
func TestElectionSkipsRefusedPeers(t *testing.T) {
	net := newMemNet()
	coords := buildCluster(t, net, descriptors(1, 2, 3), 3)

	for _, c := range coords {
		c.Start()
	}
	require.Eventually(t, allAgreeOn(coords, 2), 5*time.Second, 20*time.Millisecond)
}

// TestHighestNodeElectsItselfImmediately verifies that with no higher peer
// the round concludes without waiting on any timeout.
func TestHighestNodeElectsItselfImmediately(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2, 3))
	require.NoError(t, err)

	var elected []cluster.NodeDescriptor
	c := New(descriptor(3), r, sender, testConfig, func(leader cluster.NodeDescriptor) {
		elected = append(elected, leader)
	})
	defer c.Stop()

	start := time.Now()
	c.Elect()

	assert.Less(t, time.Since(start), testConfig.AnswerTimeout)
	assert.True(t, c.IsLeader())
	assert.Equal(t, 0, sender.count(wire.KindElection))
	assert.Equal(t, 2, sender.count(wire.KindCoordinator))
	require.Len(t, elected, 1)
	assert.Equal(t, 3, elected[0].ID)

	select {
	case <-c.Elected():
	default:
		t.Fatal("elected channel not closed")
	}
}

// TestStaleAnswerIgnored verifies that an ANSWER tagged with an abandoned
// round does not count toward the current one.
func TestStaleAnswerIgnored(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2))
	require.NoError(t, err)

	cfg := testConfig
	cfg.InitialRound = 5
	c := New(descriptor(1), r, sender, cfg, nil)
	defer c.Stop()

	done := make(chan struct{})
	go func() {
		c.Elect()
		close(done)
	}()

	require.Eventually(t, func() bool {
		st := c.State()
		return st.Round == 6 && st.PendingAnswers == 1
	}, time.Second, 5*time.Millisecond)

	stale := wire.NewControl(wire.KindAnswer, descriptor(2), 5)
	c.HandleAnswer(stale)
	c.HandleAnswer(stale)
	assert.Equal(t, 1, c.State().PendingAnswers)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("round did not conclude")
	}

	// No valid ANSWER arrived, so node 1 takes over after AnswerTimeout.
	st := c.State()
	assert.Equal(t, 1, st.LeaderID)
	assert.False(t, st.Electing)
}

// TestDuplicateAnswerCountedOnce verifies that repeated ANSWERs from the
// same peer are counted once and the round keeps waiting for the rest.
func TestDuplicateAnswerCountedOnce(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2, 3))
	require.NoError(t, err)

	c := New(descriptor(1), r, sender, testConfig, nil)
	defer c.Stop()

	done := make(chan struct{})
	go func() {
		c.Elect()
		close(done)
	}()

	require.Eventually(t, func() bool {
		return c.State().PendingAnswers == 2
	}, time.Second, 5*time.Millisecond)

	answer := wire.NewControl(wire.KindAnswer, descriptor(2), c.Round())
	c.HandleAnswer(answer)
	c.HandleAnswer(answer)
	c.HandleAnswer(answer)
	assert.Equal(t, 1, c.State().PendingAnswers)

	// Answers from lower or equal ids never count.
	c.HandleAnswer(wire.NewControl(wire.KindAnswer, descriptor(1), c.Round()))
	assert.Equal(t, 1, c.State().PendingAnswers)

	require.Eventually(t, func() bool {
		return c.State().CoordinatorPending
	}, time.Second, 5*time.Millisecond)

	c.HandleCoordinator(wire.NewControl(wire.KindCoordinator, descriptor(3), 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("round did not conclude")
	}

	st := c.State()
	assert.Equal(t, 3, st.LeaderID)
	assert.Equal(t, 3, st.Leader.ID)
	assert.False(t, st.Electing)
	assert.False(t, st.CoordinatorPending)
}

// TestSelfPromotionWithoutCoordinator verifies that an answered round with no
// COORDINATOR announcement ends with the local node as leader.
func TestSelfPromotionWithoutCoordinator(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2))
	require.NoError(t, err)

	c := New(descriptor(1), r, sender, testConfig, nil)
	defer c.Stop()

	go func() {
		assert.Eventually(t, func() bool {
			return c.State().PendingAnswers == 1
		}, time.Second, 5*time.Millisecond)
		c.HandleAnswer(wire.NewControl(wire.KindAnswer, descriptor(2), c.Round()))
	}()

	start := time.Now()
	c.Elect()

	assert.True(t, c.IsLeader())
	assert.GreaterOrEqual(t, time.Since(start), testConfig.CoordinatorTimeout)
}

// TestElectionFromLowerPeer verifies that a challenge is answered with the
// challenger's round and that an idle node starts its own round.
func TestElectionFromLowerPeer(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2))
	require.NoError(t, err)

	c := New(descriptor(2), r, sender, testConfig, nil)
	defer c.Stop()

	c.HandleElection(wire.NewControl(wire.KindElection, descriptor(1), 42))

	sender.mu.Lock()
	require.NotEmpty(t, sender.sent)
	first := sender.sent[0]
	sender.mu.Unlock()
	assert.Equal(t, wire.KindAnswer, first.Kind)
	assert.Equal(t, uint64(42), first.Round)
	assert.Equal(t, 2, first.SenderID)

	require.Eventually(t, func() bool {
		return c.IsLeader() && sender.count(wire.KindCoordinator) == 1
	}, time.Second, 5*time.Millisecond)

	// A challenge from a higher id is ignored.
	c.HandleElection(wire.NewControl(wire.KindElection, descriptor(5), 1))
	assert.Equal(t, 1, sender.count(wire.KindAnswer))
}

// TestLowerCoordinatorIsChallenged verifies that the highest reachable id
// wins even when a lower node announces itself first.
func TestLowerCoordinatorIsChallenged(t *testing.T) {
	net := newMemNet()
	coords := buildCluster(t, net, descriptors(1, 2))

	// Node 1 claims leadership while node 2 is idle.
	coords[2].HandleCoordinator(wire.NewControl(wire.KindCoordinator, descriptor(1), 0))
	require.Eventually(t, allAgreeOn(coords, 2), 5*time.Second, 20*time.Millisecond)
}

// TestConvergenceAfterLeaderCrash verifies that rebuilding coordinators over
// the shrunk roster elects the highest surviving id.
func TestConvergenceAfterLeaderCrash(t *testing.T) {
	net := newMemNet()
	roster := descriptors(1, 2, 3)
	coords := buildCluster(t, net, roster)
	for _, c := range coords {
		c.Start()
	}
	require.Eventually(t, allAgreeOn(coords, 3), 5*time.Second, 20*time.Millisecond)

	net.kill(descriptor(3))
	coords[3].Stop()

	survivors := make(map[int]*Coordinator)
	for _, id := range []int{1, 2} {
		old := coords[id]
		old.Stop()

		r, err := cluster.NewRoster(roster)
		require.NoError(t, err)
		require.NoError(t, r.Remove(3))

		cfg := testConfig
		cfg.InitialRound = old.Round()
		c := New(old.Self(), r, net, cfg, nil)
		net.attach(c)
		t.Cleanup(c.Stop)
		survivors[id] = c
	}
	for _, c := range survivors {
		c.Start()
	}

	require.Eventually(t, allAgreeOn(survivors, 2), 5*time.Second, 20*time.Millisecond)
}

func TestWaitForLeader(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2))
	require.NoError(t, err)

	c := New(descriptor(1), r, sender, testConfig, nil)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.WaitForLeader(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.HandleCoordinator(wire.NewControl(wire.KindCoordinator, descriptor(2), 0))
	leader, err := c.WaitForLeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, leader.ID)
	assert.Equal(t, "127.0.0.1:7002", leader.Addr())
}

// TestStopAbandonsRound verifies that Stop returns promptly while a round is
// waiting and that the abandoned round never promotes the node.
func TestStopAbandonsRound(t *testing.T) {
	sender := &recordingSender{}
	r, err := cluster.NewRoster(descriptors(1, 2))
	require.NoError(t, err)

	cfg := Config{AnswerTimeout: 10 * time.Second, CoordinatorTimeout: 10 * time.Second}
	c := New(descriptor(1), r, sender, cfg, nil)
	c.Start()

	require.Eventually(t, func() bool {
		return c.State().PendingAnswers == 1
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, NoLeader, c.LeaderID())
	assert.Equal(t, 0, sender.count(wire.KindCoordinator))
}
