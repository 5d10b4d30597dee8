package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

// ErrBrokerClosed is returned when registering a client on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// publisherSession reads event frames from one publisher connection.
type publisherSession struct {
	conn     net.Conn
	broker   *Broker
	id       string
	endpoint cluster.Endpoint
	once     sync.Once
}

// RegisterPublisher connects to the publisher listening at ep and starts a
// session that publishes every event frame it sends. A second registration
// for an endpoint with a live session is a no-op.
func (b *Broker) RegisterPublisher(ctx context.Context, ep cluster.Endpoint) error {
	b.mu.Lock()
	_, exists := b.publishers[ep.Addr()]
	b.mu.Unlock()
	if exists {
		return nil
	}

	conn, err := b.transport.Dial(ctx, ep)
	if err != nil {
		return fmt.Errorf("connect to publisher %s: %w", ep, err)
	}
	s := &publisherSession{
		id:       uuid.NewString(),
		conn:     conn,
		endpoint: ep,
		broker:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		conn.Close()
		return ErrBrokerClosed
	}
	if _, exists := b.publishers[ep.Addr()]; exists {
		conn.Close()
		return nil
	}
	b.publishers[ep.Addr()] = s

	b.wg.Add(1)
	go s.run()
	log.Printf("[broker] node %d: publisher session %s opened for %s", b.self.ID, s.id, ep)
	return nil
}

// Publishers returns the number of live publisher sessions.
func (b *Broker) Publishers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.publishers)
}

func (s *publisherSession) run() {
	b := s.broker
	defer b.wg.Done()
	defer s.end()

	for {
		msg, err := wire.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Printf("[broker] node %d: publisher session %s closed", b.self.ID, s.id)
			} else {
				log.Printf("[broker] node %d: publisher session %s failed: %v", b.self.ID, s.id, err)
			}
			return
		}
		if msg.Kind != wire.KindPublishToSubscribers {
			log.Printf("[broker] node %d: publisher session %s sent %s, ignoring", b.self.ID, s.id, msg.Kind)
			continue
		}
		b.publish(b.ctx, msg)
	}
}

func (s *publisherSession) end() {
	b := s.broker
	b.mu.Lock()
	if b.publishers[s.endpoint.Addr()] == s {
		delete(b.publishers, s.endpoint.Addr())
	}
	b.mu.Unlock()
	s.close()
}

func (s *publisherSession) close() {
	s.once.Do(func() { s.conn.Close() })
}
