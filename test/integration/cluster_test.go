package integration

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/herald/internal/client"
	"github.com/dreamware/herald/internal/election"
	"github.com/dreamware/herald/internal/node"
	"github.com/dreamware/herald/internal/registry"
)

// TestSystem is an in-process herald cluster: a registry, its nodes, and
// the shared client address the leader binds.
type TestSystem struct {
	t          *testing.T
	nodes      map[int]*node.Node
	clientAddr string
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// NewTestSystem starts a registry and size nodes and waits until every node
// has joined.
func NewTestSystem(t *testing.T, size int) *TestSystem {
	t.Helper()

	svc := registry.NewService(registry.Config{Addr: "127.0.0.1:0", Window: 300 * time.Millisecond})
	require.NoError(t, svc.Listen())
	t.Cleanup(func() { svc.Close() })
	regEP, err := svc.Endpoint()
	require.NoError(t, err)
	go svc.Run(context.Background())

	ts := &TestSystem{t: t, nodes: make(map[int]*node.Node), clientAddr: freeAddr(t)}

	var nodes []*node.Node
	for i := 0; i < size; i++ {
		n, err := node.New(node.Config{
			IP:           "127.0.0.1",
			RegistryAddr: regEP.Addr(),
			ClientAddr:   ts.clientAddr,
			Election: election.Config{
				AnswerTimeout:      300 * time.Millisecond,
				CoordinatorTimeout: 600 * time.Millisecond,
			},
			HeartbeatInterval: 200 * time.Millisecond,
			HeartbeatTimeout:  300 * time.Millisecond,
			DialTimeout:       500 * time.Millisecond,
			RegistryWait:      5 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(n.Stop)
		nodes = append(nodes, n)
	}

	var wg sync.WaitGroup
	errs := make([]error, size)
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *node.Node) {
			defer wg.Done()
			errs[i] = n.Join(context.Background())
		}(i, n)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, n := range nodes {
		ts.nodes[n.Self().ID] = n
	}
	require.Len(t, ts.nodes, size)
	return ts
}

// IDs returns the live node ids in ascending order.
func (ts *TestSystem) IDs() []int {
	ids := make([]int, 0, len(ts.nodes))
	for id := range ts.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// WaitForLeader waits until every live node follows the highest live id.
func (ts *TestSystem) WaitForLeader() int {
	ts.t.Helper()
	ids := ts.IDs()
	want := ids[len(ids)-1]
	require.Eventually(ts.t, func() bool {
		for _, n := range ts.nodes {
			if n.LeaderID() != want {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "nodes did not converge on %d", want)
	return want
}

// Kill stops node id and forgets it.
func (ts *TestSystem) Kill(id int) {
	ts.nodes[id].Stop()
	delete(ts.nodes, id)
}

// Subscribers counts subscriptions to topic across the live nodes.
func (ts *TestSystem) Subscribers(topic string) int {
	total := 0
	for _, n := range ts.nodes {
		if b := n.Broker(); b != nil {
			total += len(b.Table().Subscribers(topic))
		}
	}
	return total
}

func (ts *TestSystem) subscribe(ctx context.Context, topic string) *client.Subscriber {
	ts.t.Helper()
	sub, err := client.NewSubscriber(client.SubscriberConfig{
		ListenAddr:  "127.0.0.1:0",
		ClientAddr:  ts.clientAddr,
		Topics:      []string{topic},
		Resubscribe: true,
	})
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { sub.Close() })
	go sub.Run(ctx)
	require.NoError(ts.t, sub.Register(ctx))
	return sub
}

func (ts *TestSystem) publisher(ctx context.Context) *client.Publisher {
	ts.t.Helper()
	pub, err := client.NewPublisher(client.PublisherConfig{
		ListenAddr: "127.0.0.1:0",
		ClientAddr: ts.clientAddr,
	})
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { pub.Close() })
	require.NoError(ts.t, pub.Connect(ctx))
	return pub
}

// drain collects events from sub until quiet passes without one.
func drain(sub *client.Subscriber, quiet time.Duration) []client.Event {
	var out []client.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-time.After(quiet):
			return out
		}
	}
}

// TestPubSubAcrossCluster spreads subscribers over every node and checks
// each receives every event exactly once, before and after the leader
// crashes.
func TestPubSubAcrossCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	ts := NewTestSystem(t, 3)
	leader := ts.WaitForLeader()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	subs := make([]*client.Subscriber, 3)
	for i := range subs {
		subs[i] = ts.subscribe(ctx, "weather")
	}
	require.Eventually(t, func() bool { return ts.Subscribers("weather") == 3 },
		5*time.Second, 20*time.Millisecond)

	// Round robin put one subscriber on each node.
	for _, n := range ts.nodes {
		assert.Len(t, n.Broker().Table().Subscribers("weather"), 1, "node %d", n.Self().ID)
	}

	pub := ts.publisher(ctx)
	sent := map[string]bool{}
	for _, payload := range []string{"sunny", "cloudy", "rain", "snow", "fog"} {
		id, err := pub.Publish("weather", payload)
		require.NoError(t, err)
		sent[id] = true
	}

	for i, sub := range subs {
		got := drain(sub, time.Second)
		require.Len(t, got, len(sent), "subscriber %d", i)
		ids := map[string]bool{}
		for _, ev := range got {
			assert.Equal(t, "weather", ev.Topic)
			ids[ev.ID] = true
		}
		assert.Equal(t, sent, ids, "subscriber %d", i)
	}

	t.Run("leader crash", func(t *testing.T) {
		ts.Kill(leader)
		next := ts.WaitForLeader()
		assert.Less(t, next, leader)

		// Subscribers dropped by the broker resets register again through
		// the new leader.
		require.Eventually(t, func() bool { return ts.Subscribers("weather") == 3 },
			10*time.Second, 50*time.Millisecond)
		for _, sub := range subs {
			drain(sub, 200*time.Millisecond)
		}

		pub := ts.publisher(ctx)
		id, err := pub.Publish("weather", "storm")
		require.NoError(t, err)

		for i, sub := range subs {
			got := drain(sub, time.Second)
			require.Len(t, got, 1, "subscriber %d", i)
			assert.Equal(t, id, got[0].ID)
			assert.Equal(t, "storm", got[0].Payload)
		}
	})
}

// TestTopicIsolation checks events only reach subscribers of their topic.
func TestTopicIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	ts := NewTestSystem(t, 2)
	ts.WaitForLeader()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	news := ts.subscribe(ctx, "news")
	sports := ts.subscribe(ctx, "sports")
	require.Eventually(t, func() bool {
		return ts.Subscribers("news") == 1 && ts.Subscribers("sports") == 1
	}, 5*time.Second, 20*time.Millisecond)

	pub := ts.publisher(ctx)
	_, err := pub.Publish("news", "headline")
	require.NoError(t, err)

	got := drain(news, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "headline", got[0].Payload)
	assert.Empty(t, drain(sports, 300*time.Millisecond))
}
