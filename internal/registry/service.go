package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/wire"
)

// Defaults for a Service.
const (
	DefaultWindow = 10 * time.Second
	DefaultMinID  = 1
	DefaultMaxID  = 1000
)

// ErrIDSpaceExhausted is returned when more nodes registered than ids exist.
var ErrIDSpaceExhausted = errors.New("not enough ids for registered nodes")

// Config configures a Service.
type Config struct {
	Addr         string
	Window       time.Duration
	ReplyTimeout time.Duration
	MinID        int
	MaxID        int
}

type pending struct {
	conn     net.Conn
	endpoint cluster.Endpoint
}

// Service collects one round of registrations and answers them.
type Service struct {
	ln   *net.TCPListener
	rand *rand.Rand
	cfg  Config
}

// NewService creates a service; Listen must be called before Run.
func NewService(cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 2 * time.Second
	}
	if cfg.MinID <= 0 {
		cfg.MinID = DefaultMinID
	}
	if cfg.MaxID < cfg.MinID {
		cfg.MaxID = cfg.MinID + DefaultMaxID - 1
	}
	return &Service{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Listen binds the configured address.
func (s *Service) Listen() error {
	ln, err := wire.Listen(s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Endpoint returns the bound address.
func (s *Service) Endpoint() (cluster.Endpoint, error) {
	if s.ln == nil {
		return cluster.Endpoint{}, fmt.Errorf("registry is not listening")
	}
	return cluster.ParseEndpoint(s.ln.Addr().String())
}

// Close stops the listener.
func (s *Service) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Run collects registrations until the window passes with no new arrival,
// replies to every registrant, and returns the roster it sent.
func (s *Service) Run(ctx context.Context) ([]cluster.NodeDescriptor, error) {
	if s.ln == nil {
		return nil, fmt.Errorf("registry is not listening")
	}
	log.Printf("[registry] listening on %s, window %v", s.ln.Addr(), s.cfg.Window)

	regs, err := s.collect(ctx)
	defer func() {
		for _, p := range regs {
			p.conn.Close()
		}
	}()
	if err != nil {
		return nil, err
	}
	if len(regs) == 0 {
		log.Printf("[registry] no node registered")
		return nil, nil
	}

	roster, ids, err := s.assign(regs)
	if err != nil {
		return nil, err
	}
	log.Printf("[registry] roster: %v", roster)

	for i, p := range regs {
		reply := &wire.Message{Kind: wire.KindRegistered, SenderID: ids[i], Roster: roster}
		p.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReplyTimeout))
		if err := wire.WriteFrame(p.conn, reply); err != nil {
			log.Printf("[registry] reply to %s failed: %v", p.endpoint, err)
		}
	}
	return roster, nil
}

func (s *Service) collect(ctx context.Context) ([]pending, error) {
	var regs []pending
	seen := make(map[string]bool)
	deadline := time.Now().Add(s.cfg.Window)

	for {
		if err := ctx.Err(); err != nil {
			return regs, err
		}
		// Poll at most once a second so cancellation is observed.
		next := deadline
		if poll := time.Now().Add(wire.AcceptPoll); poll.Before(next) {
			next = poll
		}
		s.ln.SetDeadline(next)

		conn, err := s.ln.Accept()
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Timeout() {
				if !time.Now().Before(deadline) {
					return regs, nil
				}
				continue
			}
			return regs, fmt.Errorf("accept registration: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReplyTimeout))
		msg, err := wire.ReadFrame(conn)
		if err != nil || msg.Kind != wire.KindRegister {
			log.Printf("[registry] rejecting connection from %s: kind=%v err=%v", conn.RemoteAddr(), kindOf(msg), err)
			conn.Close()
			continue
		}
		ep := msg.Endpoint()
		if seen[ep.Addr()] {
			log.Printf("[registry] duplicate registration from %s", ep)
			conn.Close()
			continue
		}
		seen[ep.Addr()] = true
		conn.SetReadDeadline(time.Time{})
		regs = append(regs, pending{conn: conn, endpoint: ep})
		deadline = time.Now().Add(s.cfg.Window)
		log.Printf("[registry] node at %s registered (%d so far)", ep, len(regs))
	}
}

// assign gives every registrant a unique random id and returns the roster
// sorted by id along with the id of each registrant in arrival order.
func (s *Service) assign(regs []pending) ([]cluster.NodeDescriptor, []int, error) {
	span := s.cfg.MaxID - s.cfg.MinID + 1
	if len(regs) > span {
		return nil, nil, fmt.Errorf("%w: %d nodes, %d ids", ErrIDSpaceExhausted, len(regs), span)
	}

	used := make(map[int]bool, len(regs))
	ids := make([]int, len(regs))
	roster := make([]cluster.NodeDescriptor, 0, len(regs))
	for i, p := range regs {
		id := s.cfg.MinID + s.rand.Intn(span)
		for used[id] {
			id = s.cfg.MinID + s.rand.Intn(span)
		}
		used[id] = true
		ids[i] = id
		roster = append(roster, cluster.NodeDescriptor{ID: id, IP: p.endpoint.IP, Port: p.endpoint.Port})
	}
	slices.SortFunc(roster, func(a, b cluster.NodeDescriptor) int { return a.ID - b.ID })
	return roster, ids, nil
}

func kindOf(msg *wire.Message) string {
	if msg == nil {
		return "none"
	}
	return msg.Kind.String()
}
