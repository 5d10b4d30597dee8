package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/herald/internal/cluster"
)

func listen(t *testing.T) (net.Listener, cluster.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	ep, err := cluster.ParseEndpoint(ln.Addr().String())
	require.NoError(t, err)
	return ln, ep
}

// closedEndpoint returns an address nothing is listening on.
func closedEndpoint(t *testing.T) cluster.Endpoint {
	t.Helper()
	ln, ep := listen(t)
	ln.Close()
	return ep
}

func TestTransportSend(t *testing.T) {
	ln, ep := listen(t)
	received := make(chan *Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := ReadFrame(conn)
		if err == nil {
			received <- msg
		}
	}()

	tr := Transport{DialTimeout: time.Second, IOTimeout: time.Second}
	require.NoError(t, tr.Send(context.Background(), ep, NewControl(KindCoordinator, testNode, 0)))

	select {
	case msg := <-received:
		assert.Equal(t, KindCoordinator, msg.Kind)
		assert.Equal(t, testNode.ID, msg.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}
}

func TestTransportRequest(t *testing.T) {
	ln, ep := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := ReadFrame(conn); err != nil {
			return
		}
		leader := cluster.NodeDescriptor{ID: 3, IP: "127.0.0.1", Port: 7003}
		_ = WriteFrame(conn, NewControl(KindAck, leader, 0))
	}()

	reply, err := Transport{}.Request(context.Background(), ep, NewControl(KindHeartbeat, testNode, 0), time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindAck, reply.Kind)
	assert.Equal(t, 3, reply.SenderID)
}

func TestTransportRequestTimeout(t *testing.T) {
	ln, ep := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(500 * time.Millisecond)
	}()

	_, err := Transport{}.Request(context.Background(), ep, NewControl(KindHeartbeat, testNode, 0), 100*time.Millisecond)
	require.Error(t, err)
	assert.False(t, IsPeerDown(err))
}

func TestTransportPeerDown(t *testing.T) {
	ep := closedEndpoint(t)

	err := Transport{DialTimeout: 500 * time.Millisecond}.Send(context.Background(), ep, NewControl(KindElection, testNode, 1))
	require.Error(t, err)
	assert.True(t, IsPeerDown(err))
}
