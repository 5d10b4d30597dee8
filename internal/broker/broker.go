package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

const (
	// DefaultWriteTimeout bounds one frame write to a subscriber.
	DefaultWriteTimeout = 2 * time.Second
	// DefaultSeenEvents is the size of the recently-seen event id cache.
	DefaultSeenEvents = 4096
)

// ErrEmptyTopic is returned when publishing without a topic.
var ErrEmptyTopic = errors.New("topic is required")

// Sink receives a copy of every event originated on this node.
type Sink interface {
	Mirror(ctx context.Context, event *wire.Message) error
}

// Config configures a Broker.
type Config struct {
	Sink         Sink
	ClientAddr   string
	Self         cluster.NodeDescriptor
	Transport    wire.Transport
	WriteTimeout time.Duration
	SeenEvents   int
}

// Broker owns the subscription table, subscriber connections, and publisher
// sessions of one node.
// Thread-safe: All methods are safe for concurrent access.
type Broker struct {
	ctx         context.Context
	cancel      context.CancelFunc
	sink        Sink
	table       *SubscriptionTable
	seen        *lru.Cache[string, struct{}]
	roster      *cluster.Roster
	subscribers map[string]*subscriberConn
	publishers  map[string]*publisherSession
	clientAddr  string
	self        cluster.NodeDescriptor
	transport   wire.Transport
	timeout     time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
	placed      uint64
}

// subscriberConn is the persistent connection to one subscriber endpoint.
type subscriberConn struct {
	conn     net.Conn
	endpoint cluster.Endpoint
	mu       sync.Mutex
}

func (s *subscriberConn) write(msg *wire.Message, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return wire.WriteFrame(s.conn, msg)
}

// New creates a broker for cfg.Self over roster.
func New(cfg Config, roster *cluster.Roster) (*Broker, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SeenEvents <= 0 {
		cfg.SeenEvents = DefaultSeenEvents
	}
	seen, err := lru.New[string, struct{}](cfg.SeenEvents)
	if err != nil {
		return nil, fmt.Errorf("create event cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		ctx:         ctx,
		cancel:      cancel,
		sink:        cfg.Sink,
		table:       NewSubscriptionTable(),
		seen:        seen,
		roster:      roster,
		subscribers: make(map[string]*subscriberConn),
		publishers:  make(map[string]*publisherSession),
		clientAddr:  cfg.ClientAddr,
		self:        cfg.Self,
		transport:   cfg.Transport,
		timeout:     cfg.WriteTimeout,
	}, nil
}

// Table returns the local subscription table.
func (b *Broker) Table() *SubscriptionTable {
	return b.table
}

// SetRoster replaces the roster used for placement and relays.
func (b *Broker) SetRoster(roster *cluster.Roster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roster = roster
}

func (b *Broker) currentRoster() *cluster.Roster {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roster
}

// AcceptClients listens on the client address and places every client
// registration until ctx is done or the broker is closed. Only the leader
// runs it.
func (b *Broker) AcceptClients(ctx context.Context) error {
	ln, err := wire.Listen(b.clientAddr)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		case <-done:
		}
		ln.Close()
	}()

	log.Printf("[broker] node %d: accepting publishers and subscribers on %s", b.self.ID, b.clientAddr)
	wire.Serve(ctx, ln, "broker", func(conn net.Conn) {
		conn.SetReadDeadline(time.Now().Add(b.timeout))
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			log.Printf("[broker] node %d: dropping client connection: %v", b.self.ID, err)
			return
		}
		if msg.Kind != wire.KindConnectToClient {
			log.Printf("[broker] node %d: unexpected %s on client address", b.self.ID, msg.Kind)
			return
		}
		b.Place(ctx, msg)
	})
	log.Printf("[broker] node %d: stopped accepting clients", b.self.ID)
	return nil
}

// Place assigns a client registration to a roster member round-robin and
// returns the id of the node that took it. A refused relay falls back to
// handling the client locally.
func (b *Broker) Place(ctx context.Context, msg *wire.Message) int {
	nodes := b.currentRoster().Snapshot()

	b.mu.Lock()
	b.placed++
	count := b.placed
	b.mu.Unlock()

	if len(nodes) == 0 {
		b.handleClientLogged(ctx, msg)
		return b.self.ID
	}

	target := nodes[int(count%uint64(len(nodes)))]
	if target.ID == b.self.ID {
		log.Printf("[broker] node %d: handling %s %s locally", b.self.ID, msg.ClientType, msg.Endpoint())
		b.handleClientLogged(ctx, msg)
		return b.self.ID
	}

	relay := *msg
	relay.SenderID = b.self.ID
	if err := b.transport.Send(ctx, target.Endpoint(), &relay); err != nil {
		log.Printf("[broker] node %d: relay of %s to node %d failed, handling locally: %v",
			b.self.ID, msg.ClientType, target.ID, err)
		b.handleClientLogged(ctx, msg)
		return b.self.ID
	}
	log.Printf("[broker] node %d: %s %s assigned to node %d", b.self.ID, msg.ClientType, msg.Endpoint(), target.ID)
	return target.ID
}

func (b *Broker) handleClientLogged(ctx context.Context, msg *wire.Message) {
	if err := b.HandleClient(ctx, msg); err != nil {
		log.Printf("[broker] node %d: %v", b.self.ID, err)
	}
}

// HandleClient registers a client assigned to this node.
func (b *Broker) HandleClient(ctx context.Context, msg *wire.Message) error {
	switch msg.ClientType {
	case wire.ClientSubscriber:
		return b.RegisterSubscriber(ctx, msg.Endpoint(), msg.Topics)
	case wire.ClientPublisher:
		return b.RegisterPublisher(ctx, msg.Endpoint())
	default:
		return fmt.Errorf("unknown client type %q", msg.ClientType)
	}
}

// RegisterSubscriber connects to the subscriber at ep, once per endpoint,
// and subscribes it to topics.
func (b *Broker) RegisterSubscriber(ctx context.Context, ep cluster.Endpoint, topics []string) error {
	if _, err := b.subscriberConn(ctx, ep); err != nil {
		return fmt.Errorf("connect to subscriber %s: %w", ep, err)
	}

	added := 0
	for _, topic := range topics {
		if b.table.Add(topic, ep) {
			added++
		}
	}
	log.Printf("[broker] node %d: subscriber %s registered for %v (%d new)", b.self.ID, ep, topics, added)
	return nil
}

func (b *Broker) subscriberConn(ctx context.Context, ep cluster.Endpoint) (*subscriberConn, error) {
	b.mu.Lock()
	existing, ok := b.subscribers[ep.Addr()]
	b.mu.Unlock()
	if ok {
		return existing, nil
	}

	conn, err := b.transport.Dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	sc := &subscriberConn{conn: conn, endpoint: ep}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.subscribers[ep.Addr()]; ok {
		conn.Close()
		return existing, nil
	}
	b.subscribers[ep.Addr()] = sc
	return sc, nil
}

func (b *Broker) lookupSubscriber(ep cluster.Endpoint) *subscriberConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers[ep.Addr()]
}

func (b *Broker) dropSubscriber(sc *subscriberConn) {
	b.mu.Lock()
	if b.subscribers[sc.endpoint.Addr()] == sc {
		delete(b.subscribers, sc.endpoint.Addr())
	}
	b.mu.Unlock()

	sc.conn.Close()
	b.table.RemoveEndpoint(sc.endpoint)
}

// Publish originates an event on this node and returns its id.
func (b *Broker) Publish(ctx context.Context, topic, payload string) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	ev := wire.NewEvent(b.self.ID, uuid.NewString(), topic, payload)
	b.publish(ctx, ev)
	return ev.EventID, nil
}

// publish delivers ev locally, relays it one hop to every other member, and
// mirrors it to the sink. A repeated event id is dropped.
func (b *Broker) publish(ctx context.Context, ev *wire.Message) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if b.markSeen(ev.EventID) {
		log.Printf("[broker] node %d: dropping duplicate event %s", b.self.ID, ev.EventID)
		return
	}

	delivered := b.deliverLocal(ev)
	relayed := b.relay(ctx, ev)
	log.Printf("[broker] node %d: event %s on %q delivered to %d local subscribers, relayed to %d nodes",
		b.self.ID, ev.EventID, ev.Topic, delivered, relayed)

	if b.sink != nil {
		if err := b.sink.Mirror(ctx, ev); err != nil {
			log.Printf("[broker] node %d: mirror of event %s failed: %v", b.self.ID, ev.EventID, err)
		}
	}
}

// DeliverRelay delivers an event relayed by a peer to local subscribers
// without relaying it again. It returns the number of subscribers reached.
func (b *Broker) DeliverRelay(msg *wire.Message) int {
	if msg.EventID != "" && b.markSeen(msg.EventID) {
		log.Printf("[broker] node %d: dropping duplicate relay %s", b.self.ID, msg.EventID)
		return 0
	}
	return b.deliverLocal(msg)
}

func (b *Broker) markSeen(id string) bool {
	seen, _ := b.seen.ContainsOrAdd(id, struct{}{})
	return seen
}

// deliverLocal writes ev to every local subscriber of its topic
// concurrently. Subscribers whose write fails are dropped.
func (b *Broker) deliverLocal(ev *wire.Message) int {
	subs := b.table.Subscribers(ev.Topic)
	if len(subs) == 0 {
		return 0
	}
	out := wire.NewEvent(b.self.ID, ev.EventID, ev.Topic, ev.Payload)

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, ep := range subs {
		sc := b.lookupSubscriber(ep)
		if sc == nil {
			continue
		}
		wg.Add(1)
		go func(sc *subscriberConn) {
			defer wg.Done()
			if err := sc.write(out, b.timeout); err != nil {
				log.Printf("[broker] node %d: dropping subscriber %s: %v", b.self.ID, sc.endpoint, err)
				b.dropSubscriber(sc)
				return
			}
			delivered.Add(1)
		}(sc)
	}
	wg.Wait()
	return int(delivered.Load())
}

// relay forwards ev to every other roster member and returns how many
// accepted it.
func (b *Broker) relay(ctx context.Context, ev *wire.Message) int {
	others := b.currentRoster().Others(b.self.ID)
	out := wire.NewEvent(b.self.ID, ev.EventID, ev.Topic, ev.Payload)

	var (
		wg      sync.WaitGroup
		relayed atomic.Int32
	)
	for _, n := range others {
		wg.Add(1)
		go func(n cluster.NodeDescriptor) {
			defer wg.Done()
			if err := b.transport.Send(ctx, n.Endpoint(), out); err != nil {
				log.Printf("[broker] node %d: relay to node %d failed: %v", b.self.ID, n.ID, err)
				return
			}
			relayed.Add(1)
		}(n)
	}
	wg.Wait()
	return int(relayed.Load())
}

// Reset discards all subscriptions and closes every client connection.
// It runs whenever leadership moves.
func (b *Broker) Reset() {
	b.mu.Lock()
	subs := b.subscribers
	pubs := b.publishers
	b.subscribers = make(map[string]*subscriberConn)
	b.publishers = make(map[string]*publisherSession)
	b.mu.Unlock()

	b.table.Reset()
	for _, sc := range subs {
		sc.conn.Close()
	}
	for _, s := range pubs {
		s.close()
	}
	log.Printf("[broker] node %d: subscription table reset (%d subscribers, %d publishers closed)",
		b.self.ID, len(subs), len(pubs))
}

// Close resets the broker and waits for publisher sessions to exit.
func (b *Broker) Close() {
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()
	b.Reset()
	b.wg.Wait()
}
