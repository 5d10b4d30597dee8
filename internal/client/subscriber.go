package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

// DefaultRetryInterval is the pause between registration attempts.
const DefaultRetryInterval = 500 * time.Millisecond

// Event is one delivered publication.
type Event struct {
	ID      string
	Topic   string
	Payload string
	NodeID  int
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	ListenAddr    string
	ClientAddr    string
	Topics        []string
	Transport     wire.Transport
	RetryInterval time.Duration
	// Resubscribe re-registers whenever the serving node drops the
	// connection, e.g. after a leader change.
	Resubscribe bool
}

// Subscriber receives events for a set of topics.
type Subscriber struct {
	ln       *net.TCPListener
	events   chan Event
	seen     *lru.Cache[string, struct{}]
	leader   cluster.Endpoint
	endpoint cluster.Endpoint
	cfg      SubscriberConfig
}

// NewSubscriber binds the subscriber endpoint.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("subscriber needs at least one topic")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	leader, err := cluster.ParseEndpoint(cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("client address: %w", err)
	}
	seen, err := lru.New[string, struct{}](1024)
	if err != nil {
		return nil, err
	}

	ln, err := wire.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	ep, err := cluster.ParseEndpoint(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}

	return &Subscriber{
		ln:       ln,
		events:   make(chan Event, 64),
		seen:     seen,
		leader:   leader,
		endpoint: ep,
		cfg:      cfg,
	}, nil
}

// Endpoint returns the address the broker dials.
func (s *Subscriber) Endpoint() cluster.Endpoint {
	return s.endpoint
}

// Events returns the delivery channel.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Register asks the leader to place this subscriber, retrying until it is
// reachable or ctx is done.
func (s *Subscriber) Register(ctx context.Context) error {
	msg := &wire.Message{
		Kind:       wire.KindConnectToClient,
		ClientType: wire.ClientSubscriber,
		IP:         s.endpoint.IP,
		Port:       s.endpoint.Port,
		Topics:     s.cfg.Topics,
	}
	return sendWithRetry(ctx, s.cfg.Transport, s.leader, msg, s.cfg.RetryInterval)
}

// Run serves broker connections until ctx is done.
func (s *Subscriber) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	wire.Serve(ctx, s.ln, "subscriber", func(conn net.Conn) {
		s.read(ctx, conn)
		if s.cfg.Resubscribe && ctx.Err() == nil {
			log.Printf("[subscriber] %s: broker connection lost, registering again", s.endpoint)
			if err := s.Register(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[subscriber] %s: %v", s.endpoint, err)
			}
		}
	})
}

// Close stops accepting broker connections.
func (s *Subscriber) Close() error {
	return s.ln.Close()
}

func (s *Subscriber) read(ctx context.Context, conn net.Conn) {
	for {
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("[subscriber] %s: %v", s.endpoint, err)
			}
			return
		}
		if msg.Kind != wire.KindPublishToSubscribers {
			continue
		}
		if msg.EventID != "" {
			if seen, _ := s.seen.ContainsOrAdd(msg.EventID, struct{}{}); seen {
				continue
			}
		}

		ev := Event{ID: msg.EventID, Topic: msg.Topic, Payload: msg.Payload, NodeID: msg.SenderID}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func sendWithRetry(ctx context.Context, tr wire.Transport, to cluster.Endpoint, msg *wire.Message, interval time.Duration) error {
	for {
		err := tr.Send(ctx, to, msg)
		if err == nil {
			return nil
		}
		if !wire.IsPeerDown(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("leader at %s unreachable: %w", to, err)
		case <-time.After(interval):
		}
	}
}
