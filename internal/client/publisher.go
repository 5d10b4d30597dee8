package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

// ErrNotConnected is returned by Publish before a broker has dialed in.
var ErrNotConnected = errors.New("publisher not connected")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	ListenAddr    string
	ClientAddr    string
	Transport     wire.Transport
	RetryInterval time.Duration
	WriteTimeout  time.Duration
}

// Publisher sends events to the node it was assigned to.
type Publisher struct {
	ln       *net.TCPListener
	conn     net.Conn
	leader   cluster.Endpoint
	endpoint cluster.Endpoint
	cfg      PublisherConfig
	mu       sync.Mutex
}

// NewPublisher binds the publisher endpoint.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	leader, err := cluster.ParseEndpoint(cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("client address: %w", err)
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
	return &Publisher{ln: ln, leader: leader, endpoint: ep, cfg: cfg}, nil
}

// Endpoint returns the address the broker dials.
func (p *Publisher) Endpoint() cluster.Endpoint {
	return p.endpoint
}

// Connect registers with the leader and waits for the assigned node to
// dial in. A previous connection is replaced.
func (p *Publisher) Connect(ctx context.Context) error {
	msg := &wire.Message{
		Kind:       wire.KindConnectToClient,
		ClientType: wire.ClientPublisher,
		IP:         p.endpoint.IP,
		Port:       p.endpoint.Port,
	}
	if err := sendWithRetry(ctx, p.cfg.Transport, p.leader, msg, p.cfg.RetryInterval); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.ln.SetDeadline(time.Now().Add(wire.AcceptPoll))
		conn, err := p.ln.Accept()
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Timeout() {
				continue
			}
			return fmt.Errorf("await broker: %w", err)
		}

		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.conn = conn
		p.mu.Unlock()
		return nil
	}
}

// Publish sends one event and returns its id.
func (p *Publisher) Publish(topic, payload string) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return "", ErrNotConnected
	}

	ev := wire.NewEvent(0, uuid.NewString(), topic, payload)
	p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := wire.WriteFrame(p.conn, ev); err != nil {
		p.conn.Close()
		p.conn = nil
		return "", fmt.Errorf("publish: %w", err)
	}
	return ev.EventID, nil
}

// Close drops the broker connection and the listener.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
	return p.ln.Close()
}
