// Package node assembles a herald server node: the dispatcher, the election
// coordinator, the heartbeat monitor, and the broker.
//
// Lifecycle:
//
//	New ──► Join (registry) ──► Start ──► ... ──► Stop
//
// When the heartbeat monitor declares the leader crashed, the node removes
// exactly that member from its roster and replaces the coordinator and
// monitor with fresh ones over the shrunk roster. Whenever the settled
// leader changes the broker is reset; the leader also runs the client
// accept loop.
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dreamware/herald/internal/broker"
	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/dispatcher"
	"github.com/dreamware/herald/internal/election"
	"github.com/dreamware/herald/internal/heartbeat"
	"github.com/dreamware/herald/internal/registry"
	"github.com/dreamware/herald/internal/wire"
)

// acceptRetry is the pause between attempts to bind the client address.
const acceptRetry = 500 * time.Millisecond

// Config holds the runtime settings of a node.
type Config struct {
	Sink              broker.Sink
	IP                string
	RegistryAddr      string
	ClientAddr        string
	Election          election.Config
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	RegistryWait      time.Duration
}

// DefaultConfig returns production settings for the node at ip:port.
func DefaultConfig(ip string, port int) Config {
	return Config{
		IP:                ip,
		Port:              port,
		Election:          election.DefaultConfig(),
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  2 * time.Second,
		DialTimeout:       2 * time.Second,
		RegistryWait:      time.Minute,
	}
}

// Node is one running cluster member.
type Node struct {
	ctx        context.Context
	cancel     context.CancelFunc
	dispatcher *dispatcher.Dispatcher
	broker     *broker.Broker
	roster     *cluster.Roster
	coord      *election.Coordinator
	monitor    *heartbeat.Monitor
	stopAccept context.CancelFunc
	transport  wire.Transport
	endpoint   cluster.Endpoint
	self       cluster.NodeDescriptor
	cfg        Config
	wg         sync.WaitGroup
	mu         sync.Mutex
	leaderID   int
	started    bool
	stopped    bool
}

// New binds the node listener. The bound endpoint is what the node
// advertises to the registry.
func New(cfg Config) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		transport: wire.Transport{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.DialTimeout},
		leaderID:  election.NoLeader,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.dispatcher = dispatcher.New(brokerRef{n}, 0)
	if err := n.dispatcher.Listen(net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port))); err != nil {
		return nil, err
	}
	ep, err := n.dispatcher.Endpoint()
	if err != nil {
		n.dispatcher.Close()
		return nil, err
	}
	n.endpoint = ep
	return n, nil
}

// Endpoint returns the address peers reach this node on.
func (n *Node) Endpoint() cluster.Endpoint {
	return n.endpoint
}

// Join registers with the registry and starts the node with the roster it
// returns. Registry failures are returned as registry.ErrRegistryUnavailable
// or registry.ErrRosterTooSmall.
func (n *Node) Join(ctx context.Context) error {
	target, err := cluster.ParseEndpoint(n.cfg.RegistryAddr)
	if err != nil {
		return fmt.Errorf("registry address: %w", err)
	}

	log.Printf("node[%s]: registering with %s", n.endpoint, target)
	self, members, err := registry.Register(ctx, n.transport, target, n.endpoint, n.cfg.RegistryWait)
	if err != nil {
		return err
	}
	log.Printf("node[%d]: assigned id %d, roster %v", self.ID, self.ID, members)
	return n.Start(self, members)
}

// Start runs the node as self over members.
func (n *Node) Start(self cluster.NodeDescriptor, members []cluster.NodeDescriptor) error {
	roster, err := cluster.NewRoster(members)
	if err != nil {
		return err
	}
	if _, ok := roster.Lookup(self.ID); !ok {
		return fmt.Errorf("node %d is not in the roster", self.ID)
	}

	b, err := broker.New(broker.Config{
		Self:       self,
		ClientAddr: n.cfg.ClientAddr,
		Transport:  n.transport,
		Sink:       n.cfg.Sink,
	}, roster)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped {
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.self = self
	n.roster = roster
	n.broker = b

	n.dispatcher.SetSelf(self)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dispatcher.Serve(n.ctx)
	}()

	n.electLocked(0)
	return nil
}

// electLocked builds and starts a coordinator and monitor over n.roster.
// Caller holds n.mu.
func (n *Node) electLocked(initialRound uint64) {
	cfg := n.cfg.Election
	cfg.InitialRound = initialRound

	var coord *election.Coordinator
	coord = election.New(n.self, n.roster, n.transport, cfg, func(leader cluster.NodeDescriptor) {
		n.onElected(coord, leader)
	})
	mon := heartbeat.NewMonitor(coord, n.cfg.HeartbeatInterval, n.cfg.HeartbeatTimeout)
	mon.SetProbeFunction(heartbeat.TCPProbe(n.transport, n.cfg.HeartbeatTimeout))
	mon.SetOnCrash(func(leader cluster.NodeDescriptor) {
		n.onLeaderCrash(coord, leader)
	})

	n.coord = coord
	n.monitor = mon
	n.dispatcher.SetElector(coord)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		mon.Start(n.ctx)
	}()
	coord.Start()
}

// onElected reacts to a settled leader reported by coord.
func (n *Node) onElected(coord *election.Coordinator, leader cluster.NodeDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped || n.coord != coord {
		return
	}
	if coord.LeaderID() != leader.ID || n.leaderID == leader.ID {
		return
	}

	previous := n.leaderID
	n.leaderID = leader.ID
	log.Printf("node[%d]: leader changed %d -> %d", n.self.ID, previous, leader.ID)
	n.broker.Reset()

	if leader.ID == n.self.ID {
		n.startAcceptLocked()
	} else {
		n.stopAcceptLocked()
	}
}

// onLeaderCrash replaces coord after its monitor declared leader dead.
func (n *Node) onLeaderCrash(coord *election.Coordinator, leader cluster.NodeDescriptor) {
	n.mu.Lock()
	if n.stopped || n.coord != coord {
		n.mu.Unlock()
		return
	}
	oldMonitor := n.monitor

	shrunk := n.roster.Clone()
	if err := shrunk.Remove(leader.ID); err != nil {
		log.Printf("node[%d]: %v", n.self.ID, err)
	}
	n.roster = shrunk
	n.broker.SetRoster(shrunk)
	n.leaderID = election.NoLeader
	n.coord = nil
	n.stopAcceptLocked()
	n.mu.Unlock()

	log.Printf("node[%d]: removed crashed leader %d, %d members left", n.self.ID, leader.ID, shrunk.Len())
	coord.Stop()
	oldMonitor.Stop()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.electLocked(coord.Round())
}

func (n *Node) startAcceptLocked() {
	if n.stopAccept != nil || n.cfg.ClientAddr == "" {
		return
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.stopAccept = cancel
	b := n.broker

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for ctx.Err() == nil {
			err := b.AcceptClients(ctx)
			if err == nil {
				return
			}
			log.Printf("node[%d]: client listener unavailable, retrying: %v", n.self.ID, err)
			select {
			case <-ctx.Done():
			case <-time.After(acceptRetry):
			}
		}
	}()
}

func (n *Node) stopAcceptLocked() {
	if n.stopAccept != nil {
		n.stopAccept()
		n.stopAccept = nil
	}
}

// Stop shuts the node down and waits for every goroutine to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	coord, mon, b := n.coord, n.monitor, n.broker
	n.stopAcceptLocked()
	n.cancel()
	n.mu.Unlock()

	n.dispatcher.Close()
	if coord != nil {
		coord.Stop()
	}
	if mon != nil {
		mon.Stop()
	}
	if b != nil {
		b.Close()
	}
	n.wg.Wait()
	log.Printf("node[%d]: stopped", n.self.ID)
}

// Self returns the local descriptor.
func (n *Node) Self() cluster.NodeDescriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// LeaderID returns the leader the node currently follows, or
// election.NoLeader. A leader is only reported once the node has reset its
// broker for it.
func (n *Node) LeaderID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.coord == nil || n.coord.LeaderID() != n.leaderID {
		return election.NoLeader
	}
	return n.leaderID
}

// IsLeader reports whether the node leads the cluster.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.coord != nil && n.coord.IsLeader()
}

// Members returns the ids in the node's current roster view.
func (n *Node) Members() []int {
	n.mu.Lock()
	roster := n.roster
	n.mu.Unlock()
	if roster == nil {
		return nil
	}
	snap := roster.Snapshot()
	ids := make([]int, 0, len(snap))
	for _, m := range snap {
		ids = append(ids, m.ID)
	}
	return ids
}

// Broker returns the node broker, nil before Start.
func (n *Node) Broker() *broker.Broker {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.broker
}

// brokerRef forwards dispatcher traffic to the broker created at Start.
type brokerRef struct{ n *Node }

func (r brokerRef) HandleClient(ctx context.Context, msg *wire.Message) error {
	b := r.n.Broker()
	if b == nil {
		return fmt.Errorf("node not started")
	}
	return b.HandleClient(ctx, msg)
}

func (r brokerRef) DeliverRelay(msg *wire.Message) int {
	b := r.n.Broker()
	if b == nil {
		return 0
	}
	return b.DeliverRelay(msg)
}
