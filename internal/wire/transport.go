package wire

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dreamware/herald/internal/cluster"
)

// Default transport timeouts.
const (
	DefaultDialTimeout = 2 * time.Second
	DefaultIOTimeout   = 2 * time.Second
)

// Transport sends frames over short-lived TCP connections.
// The zero value uses the default timeouts.
type Transport struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (t Transport) dialTimeout() time.Duration {
	if t.DialTimeout > 0 {
		return t.DialTimeout
	}
	return DefaultDialTimeout
}

func (t Transport) ioTimeout() time.Duration {
	if t.IOTimeout > 0 {
		return t.IOTimeout
	}
	return DefaultIOTimeout
}

// Dial connects to the endpoint. Any dial failure is a *PeerDownError.
func (t Transport) Dial(ctx context.Context, to cluster.Endpoint) (net.Conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout()}
	conn, err := d.DialContext(ctx, "tcp", to.Addr())
	if err != nil {
		return nil, &PeerDownError{Addr: to.Addr(), Err: err}
	}
	return conn, nil
}

// Send delivers one frame on a fresh connection and closes it.
func (t Transport) Send(ctx context.Context, to cluster.Endpoint, msg *Message) error {
	conn, err := t.Dial(ctx, to)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(t.ioTimeout()))
	if err := WriteFrame(conn, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, to, err)
	}
	return nil
}

// Request sends one frame and waits up to timeout for a single reply frame
// on the same connection.
func (t Transport) Request(ctx context.Context, to cluster.Endpoint, msg *Message, timeout time.Duration) (*Message, error) {
	conn, err := t.Dial(ctx, to)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(t.ioTimeout()))
	if err := WriteFrame(conn, msg); err != nil {
		return nil, fmt.Errorf("request %s to %s: %w", msg.Kind, to, err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	reply, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("await reply to %s from %s: %w", msg.Kind, to, err)
	}
	return reply, nil
}
