// Package dispatcher runs the single peer-facing accept loop of a node.
// Each connection carries exactly one frame; the frame is decoded strictly,
// routed by kind, optionally answered on the same connection, and the
// connection is closed.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/election"
	"github.com/dreamware/herald/internal/wire"
)

// DefaultReadTimeout bounds the wait for the single frame of a connection.
const DefaultReadTimeout = 5 * time.Second

// Elector handles election traffic. *election.Coordinator satisfies it.
type Elector interface {
	HandleElection(msg *wire.Message)
	HandleAnswer(msg *wire.Message)
	HandleCoordinator(msg *wire.Message)
	State() election.State
}

// Broker handles client and relay traffic. *broker.Broker satisfies it.
type Broker interface {
	HandleClient(ctx context.Context, msg *wire.Message) error
	DeliverRelay(msg *wire.Message) int
}

// Stats counts processed connections.
type Stats struct {
	Handled  int64
	Rejected int64
}

// Dispatcher owns the node listener and routes incoming frames.
type Dispatcher struct {
	elector  Elector
	broker   Broker
	ln       *net.TCPListener
	self     cluster.NodeDescriptor
	timeout  time.Duration
	mu       sync.RWMutex
	handled  atomic.Int64
	rejected atomic.Int64
}

// New creates a dispatcher. The node id is fixed later by SetSelf once the
// registry has assigned it.
func New(broker Broker, readTimeout time.Duration) *Dispatcher {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Dispatcher{broker: broker, timeout: readTimeout}
}

// Listen binds addr. Port 0 picks a free port; Endpoint reports the result.
func (d *Dispatcher) Listen(addr string) error {
	ln, err := wire.Listen(addr)
	if err != nil {
		return err
	}
	d.ln = ln
	return nil
}

// Endpoint returns the bound listener address.
func (d *Dispatcher) Endpoint() (cluster.Endpoint, error) {
	if d.ln == nil {
		return cluster.Endpoint{}, fmt.Errorf("dispatcher is not listening")
	}
	return cluster.ParseEndpoint(d.ln.Addr().String())
}

// SetSelf records the local node descriptor used to sign ACK replies.
func (d *Dispatcher) SetSelf(self cluster.NodeDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = self
}

// SetElector swaps the election handler, e.g. after reconstruction.
func (d *Dispatcher) SetElector(e Elector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elector = e
}

func (d *Dispatcher) current() (Elector, cluster.NodeDescriptor) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.elector, d.self
}

// Serve runs the accept loop until ctx is done or Close is called.
func (d *Dispatcher) Serve(ctx context.Context) {
	_, self := d.current()
	log.Printf("[dispatcher] node %d: listening on %s", self.ID, d.ln.Addr())
	wire.Serve(ctx, d.ln, "dispatcher", func(conn net.Conn) {
		d.Handle(ctx, conn)
	})
}

// Close stops the listener.
func (d *Dispatcher) Close() error {
	if d.ln == nil {
		return nil
	}
	return d.ln.Close()
}

// Stats returns connection counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Handled: d.handled.Load(), Rejected: d.rejected.Load()}
}

// Handle reads and routes the single frame carried by conn.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(d.timeout))
	msg, err := wire.ReadFrame(conn)
	if err != nil {
		d.rejected.Add(1)
		_, self := d.current()
		log.Printf("[dispatcher] node %d: dropping connection from %s: %v", self.ID, conn.RemoteAddr(), err)
		return
	}
	d.handled.Add(1)

	if reply := d.route(ctx, msg); reply != nil {
		conn.SetWriteDeadline(time.Now().Add(d.timeout))
		if err := wire.WriteFrame(conn, reply); err != nil {
			_, self := d.current()
			log.Printf("[dispatcher] node %d: reply %s failed: %v", self.ID, reply.Kind, err)
		}
	}
}

// route dispatches msg and returns the reply to write back, if any.
func (d *Dispatcher) route(ctx context.Context, msg *wire.Message) *wire.Message {
	elector, self := d.current()

	switch msg.Kind {
	case wire.KindElection, wire.KindAnswer, wire.KindCoordinator:
		if elector == nil {
			log.Printf("[dispatcher] node %d: no election running, dropping %s", self.ID, msg.Kind)
			return nil
		}
		switch msg.Kind {
		case wire.KindElection:
			elector.HandleElection(msg)
		case wire.KindAnswer:
			elector.HandleAnswer(msg)
		default:
			elector.HandleCoordinator(msg)
		}
		return nil

	case wire.KindHeartbeat:
		if elector == nil {
			return nil
		}
		st := elector.State()
		if st.LeaderID == self.ID || st.Electing {
			return wire.NewControl(wire.KindAck, self, 0)
		}
		log.Printf("[dispatcher] node %d: HEARTBEAT from node %d but not leader, not acknowledging", self.ID, msg.SenderID)
		return nil

	case wire.KindConnectToClient:
		if err := d.broker.HandleClient(ctx, msg); err != nil {
			log.Printf("[dispatcher] node %d: client registration failed: %v", self.ID, err)
		}
		return nil

	case wire.KindPublishToSubscribers:
		d.broker.DeliverRelay(msg)
		return nil

	case wire.KindSubscribe:
		if msg.Topic == wire.PingTopic {
			return &wire.Message{Kind: wire.KindSubscribe, SenderID: self.ID, Response: wire.AckResponse}
		}
		echo := *msg
		return &echo

	default:
		log.Printf("[dispatcher] node %d: unexpected %s from node %d", self.ID, msg.Kind, msg.SenderID)
		return nil
	}
}
