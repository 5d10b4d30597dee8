// Package heartbeat implements the follower-side leader liveness probe.
// A follower periodically sends HEARTBEAT to the settled leader and expects
// an ACK on the same connection; a refused connection, a timeout, or an ACK
// from a different node marks the leader as crashed.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/herald/internal/cluster"
	"github.com/dreamware/herald/internal/election"
	"github.com/dreamware/herald/internal/wire"
)

// Leader status values reported by LeaderHealth.
const (
	StatusUnknown = "unknown"
	StatusHealthy = "healthy"
	StatusCrashed = "crashed"
)

// ErrUnexpectedAck is returned when the ACK was sent by a node other than
// the leader being probed.
var ErrUnexpectedAck = errors.New("ack from unexpected node")

// Elector exposes the election state the monitor consults before each probe.
// *election.Coordinator satisfies it.
type Elector interface {
	State() election.State
	Self() cluster.NodeDescriptor
}

// ProbeFunc checks one leader and returns nil when it acknowledged in time.
type ProbeFunc func(ctx context.Context, self, leader cluster.NodeDescriptor) error

// LeaderHealth tracks the liveness of the currently monitored leader.
// Thread-safe: Protected by Monitor's mutex when accessed.
type LeaderHealth struct {
	LastCheck   time.Time // Timestamp of the last probe attempt
	LastHealthy time.Time // Timestamp of the last ACK
	Status      string    // "unknown", "healthy" or "crashed"
	LeaderID    int       // Leader id the record refers to
	Probes      int       // Number of probes sent
}

// Monitor probes the elected leader at a fixed interval.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	elector  Elector
	probe    ProbeFunc
	onCrash  func(leader cluster.NodeDescriptor)
	ctx      context.Context
	cancel   context.CancelFunc
	health   LeaderHealth
	interval time.Duration
	timeout  time.Duration
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor for the leader chosen by elector.
//
// Parameters:
//   - elector: Source of the current leader and election flags
//   - interval: Time between probes
//   - timeout: How long one probe waits for its ACK
//
// Returns:
//   - *Monitor: Configured monitor using the TCP probe, ready to start
//
// Example:
//
//	monitor := heartbeat.NewMonitor(coord, time.Second, 2*time.Second)
//	monitor.SetOnCrash(func(leader cluster.NodeDescriptor) { ... })
//	go monitor.Start(ctx)
func NewMonitor(elector Elector, interval, timeout time.Duration) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		elector:  elector,
		interval: interval,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		health:   LeaderHealth{Status: StatusUnknown, LeaderID: election.NoLeader},
	}
	m.probe = TCPProbe(wire.Transport{DialTimeout: timeout}, timeout)
	return m
}

// SetOnCrash sets the callback invoked once, in its own goroutine, when the
// leader is declared crashed. Must be called before Start.
func (m *Monitor) SetOnCrash(callback func(leader cluster.NodeDescriptor)) {
	m.onCrash = callback
}

// SetProbeFunction overrides the TCP probe. Must be called before Start.
func (m *Monitor) SetProbeFunction(probe ProbeFunc) {
	m.probe = probe
}

// Start runs the probe loop in the current goroutine until ctx or the
// monitor is cancelled, or the leader is declared crashed.
//
// Example:
//
//	go monitor.Start(ctx)
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	self := m.elector.Self()
	log.Printf("[heartbeat] node %d: monitor started with interval %v", self.ID, m.interval)

	for {
		select {
		case <-ticker.C:
			if crashed := m.check(ctx); crashed {
				return
			}
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// LeaderHealth returns a copy of the current leader record.
func (m *Monitor) LeaderHealth() LeaderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// check runs one probe. It reports whether the leader was declared crashed.
//
// Implementation:
//  1. Skip while an election is running, no leader is known, or self leads
//  2. Probe the leader with the remaining-timeout ACK loop
//  3. On failure record the crash and hand the leader to the callback
func (m *Monitor) check(ctx context.Context) bool {
	st := m.elector.State()
	self := m.elector.Self()
	if st.Electing || st.LeaderID == election.NoLeader || st.LeaderID == self.ID {
		return false
	}
	leader := st.Leader

	m.mu.Lock()
	if m.health.LeaderID != leader.ID {
		m.health = LeaderHealth{Status: StatusUnknown, LeaderID: leader.ID}
	}
	m.health.LastCheck = time.Now()
	m.health.Probes++
	m.mu.Unlock()

	err := m.probe(ctx, self, leader)
	if err != nil && ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.health.Status = StatusHealthy
		m.health.LastHealthy = time.Now()
		return false
	}

	m.health.Status = StatusCrashed
	log.Printf("[heartbeat] node %d: leader node %d has CRASHED: %v", self.ID, leader.ID, err)
	if m.onCrash != nil {
		go m.onCrash(leader)
	}
	return true
}

// TCPProbe returns a probe that sends HEARTBEAT over transport and reads
// frames until an ACK arrives or timeout elapses. Non-ACK frames are skipped
// against the same deadline.
func TCPProbe(transport wire.Transport, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, self, leader cluster.NodeDescriptor) error {
		conn, err := transport.Dial(ctx, leader.Endpoint())
		if err != nil {
			return err
		}
		defer conn.Close()

		deadline := time.Now().Add(timeout)
		conn.SetDeadline(deadline)

		if err := wire.WriteFrame(conn, wire.NewControl(wire.KindHeartbeat, self, 0)); err != nil {
			return fmt.Errorf("send heartbeat: %w", err)
		}

		for {
			if time.Now().After(deadline) {
				return fmt.Errorf("no ack within %v", timeout)
			}
			msg, err := wire.ReadFrame(conn)
			if err != nil {
				return fmt.Errorf("await ack: %w", err)
			}
			if msg.Kind != wire.KindAck {
				log.Printf("[heartbeat] node %d: skipping %s while awaiting ACK", self.ID, msg.Kind)
				continue
			}
			if msg.SenderID != leader.ID {
				return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedAck, msg.SenderID, leader.ID)
			}
			return nil
		}
	}
}
