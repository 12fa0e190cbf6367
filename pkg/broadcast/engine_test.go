package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/set"
)

type recorder struct {
	mu   sync.Mutex
	next uint64
	sent []protocol.Message
}

func (r *recorder) Send(_ context.Context, msg protocol.Message) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	msg.Body.MsgID = &id
	r.sent = append(r.sent, msg)
	return id, nil
}

// Take returns and forgets everything sent so far.
func (r *recorder) Take() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := r.sent
	r.sent = nil
	return sent
}

func request(src, dest string, id uint64, payload protocol.Payload) protocol.Message {
	return protocol.Message{Src: src, Dest: dest, Body: protocol.Body{MsgID: &id, Payload: payload}}
}

func newEngine(t *testing.T, id string, neighbours []string, opts ...Option) (*Engine, *recorder) {
	t.Helper()

	out := &recorder{}
	e := New(out, opts...)
	require.NoError(t, e.Init(context.Background(), protocol.Init{NodeID: id, NodeIDs: append([]string{id}, neighbours...)}))

	reply, err := e.Handle(context.Background(), request("c0", id, 1, &Topology{Topology: map[string][]string{id: neighbours}}))
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, "topology_ok", reply.Type())

	return e, out
}

func byDest(msgs []protocol.Message) map[string]Gossip {
	out := map[string]Gossip{}
	for _, msg := range msgs {
		out[msg.Dest] = msg.Body.Payload.(Gossip)
	}
	return out
}

func TestBroadcastIsGossipedUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	e, out := newEngine(t, "n1", []string{"n2", "n3"})

	reply, err := e.Handle(ctx, request("c1", "n1", 5, &Broadcast{Message: 7}))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "broadcast_ok", reply.Type())
	assert.Equal(t, "c1", reply.Dest)
	assert.EqualValues(t, 5, *reply.Body.InReplyTo)

	require.NoError(t, e.Tick(ctx))
	sent := byDest(out.Take())
	require.Len(t, sent, 2)
	for _, peer := range []string{"n2", "n3"} {
		assert.Equal(t, []int{7}, sent[peer].Messages.Sorted())
		assert.Equal(t, []string{"n2", "n3"}, sent[peer].Recipients.Sorted())
	}

	reply, err = e.Handle(ctx, request("n2", "n1", 0, &GossipOk{Messages: set.New(7)}))
	require.NoError(t, err)
	assert.Nil(t, reply)

	assert.Empty(t, e.Unacknowledged("n2"))
	assert.Equal(t, []int{7}, e.Unacknowledged("n3"))

	require.NoError(t, e.Tick(ctx))
	sent = byDest(out.Take())
	require.Len(t, sent, 1)
	assert.Equal(t, []int{7}, sent["n3"].Messages.Sorted())
}

func TestTickBeforeInitSendsNothing(t *testing.T) {
	out := &recorder{}
	e := New(out)

	require.NoError(t, e.Tick(context.Background()))
	assert.Empty(t, out.Take())
}

func TestQuietTickSendsNothing(t *testing.T) {
	e, out := newEngine(t, "n1", []string{"n2"})

	require.NoError(t, e.Tick(context.Background()))
	assert.Empty(t, out.Take())
}

func TestGossipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "n1", []string{"n2"})

	for i := range 2 {
		reply, err := e.Handle(ctx, request("n2", "n1", uint64(i), &Gossip{Messages: set.New(5)}))
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "gossip_ok", reply.Type())
		assert.Equal(t, []int{5}, reply.Body.Payload.(GossipOk).Messages.Sorted())
		assert.Equal(t, []int{5}, e.Messages())
	}
}

func TestEmptyGossipGetsNoReply(t *testing.T) {
	e, _ := newEngine(t, "n1", []string{"n2"})

	reply, err := e.Handle(context.Background(), request("n2", "n1", 0, &Gossip{Messages: set.New[int]()}))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestGossipRelaysOnlyToUncoveredNeighbours(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "n2", []string{"n1", "n3", "n4"})

	_, err := e.Handle(ctx, request("n1", "n2", 0, &Gossip{
		Recipients: set.New("n2", "n3"),
		Messages:   set.New(1, 2),
	}))
	require.NoError(t, err)

	assert.Empty(t, e.Unacknowledged("n1"), "sender must not get its own values back")
	assert.Empty(t, e.Unacknowledged("n3"), "n3 was already a recipient")
	assert.Equal(t, []int{1, 2}, e.Unacknowledged("n4"))
}

func TestKnownValuesAreNotRelayedAgain(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "n2", []string{"n1", "n3"})

	_, err := e.Handle(ctx, request("n1", "n2", 0, &Gossip{Recipients: set.New("n2"), Messages: set.New(1)}))
	require.NoError(t, err)
	_, err = e.Handle(ctx, request("n3", "n2", 0, &GossipOk{Messages: set.New(1)}))
	require.NoError(t, err)
	require.Empty(t, e.Unacknowledged("n3"))

	// The same value coming around a cycle stops here.
	reply, err := e.Handle(ctx, request("n1", "n2", 1, &Gossip{Recipients: set.New("n2"), Messages: set.New(1)}))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Empty(t, e.Unacknowledged("n3"))
}

func TestTopologyWithoutOwnEntryFailsClosed(t *testing.T) {
	ctx := context.Background()
	out := &recorder{}
	e := New(out)
	require.NoError(t, e.Init(ctx, protocol.Init{NodeID: "n9"}))

	reply, err := e.Handle(ctx, request("c0", "n9", 1, &Topology{Topology: map[string][]string{"n1": {"n2"}}}))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "topology_ok", reply.Type())

	_, err = e.Handle(ctx, request("c1", "n9", 2, &Broadcast{Message: 3}))
	require.NoError(t, err)
	require.NoError(t, e.Tick(ctx))
	assert.Empty(t, out.Take())
	assert.Equal(t, []int{3}, e.Messages())
}

func TestValuesLearnedBeforeTopologyAreGossiped(t *testing.T) {
	ctx := context.Background()
	out := &recorder{}
	e := New(out)
	require.NoError(t, e.Init(ctx, protocol.Init{NodeID: "n1"}))

	_, err := e.Handle(ctx, request("c1", "n1", 1, &Broadcast{Message: 4}))
	require.NoError(t, err)

	_, err = e.Handle(ctx, request("c0", "n1", 2, &Topology{Topology: map[string][]string{"n1": {"n1", "n2"}}}))
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))
	sent := byDest(out.Take())
	require.Len(t, sent, 1, "a node never gossips to itself")
	assert.Equal(t, []int{4}, sent["n2"].Messages.Sorted())
}

func TestFullModeResendsEverything(t *testing.T) {
	ctx := context.Background()
	e, out := newEngine(t, "n1", []string{"n2"}, WithMode(ModeFull))

	for i, v := range []int{1, 2} {
		_, err := e.Handle(ctx, request("c1", "n1", uint64(i), &Broadcast{Message: v}))
		require.NoError(t, err)
	}
	_, err := e.Handle(ctx, request("n2", "n1", 0, &GossipOk{Messages: set.New(1, 2)}))
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))
	sent := byDest(out.Take())
	require.Len(t, sent, 1)
	assert.Equal(t, []int{1, 2}, sent["n2"].Messages.Sorted())
	assert.Nil(t, sent["n2"].Recipients)
}

func TestReadReturnsEverythingLearned(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "n1", []string{"n2"})

	_, err := e.Handle(ctx, request("n2", "n1", 0, &Gossip{Messages: set.New(7, 3)}))
	require.NoError(t, err)
	_, err = e.Handle(ctx, request("c1", "n1", 1, &Broadcast{Message: 1}))
	require.NoError(t, err)

	reply, err := e.Handle(ctx, request("c1", "n1", 2, &Read{}))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, []int{1, 3, 7}, reply.Body.Payload.(ReadOk).Messages.Sorted())

	data, err := json.Marshal(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"src":"n1","dest":"c1","body":{"type":"read_ok","in_reply_to":2,"messages":[1,3,7]}}`, string(data))
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, mode)

	_, err = ParseMode("loud")
	require.Error(t, err)
}

// cluster runs engines against each other over JSON, dropping messages at
// random.
type cluster struct {
	engines map[string]*Engine
	outs    map[string]*recorder
	rng     *rand.Rand
	drop    float64
}

func newCluster(t *testing.T, topology map[string][]string, drop float64, mode Mode) *cluster {
	c := &cluster{
		engines: map[string]*Engine{},
		outs:    map[string]*recorder{},
		rng:     rand.New(rand.NewSource(42)),
		drop:    drop,
	}

	ids := make([]string, 0, len(topology))
	for id := range topology {
		ids = append(ids, id)
	}

	for _, id := range ids {
		out := &recorder{}
		e := New(out, WithMode(mode))
		require.NoError(t, e.Init(context.Background(), protocol.Init{NodeID: id, NodeIDs: ids}))
		_, err := e.Handle(context.Background(), request("c0", id, 0, &Topology{Topology: topology}))
		require.NoError(t, err)

		c.engines[id] = e
		c.outs[id] = out
	}

	return c
}

func (c *cluster) wire(t *testing.T, msg protocol.Message) protocol.Message {
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	decoded, err := c.engines[msg.Dest].Registry().Decode(data)
	require.NoError(t, err)
	return decoded
}

// round ticks every node and delivers what survives, including the
// acknowledgements.
func (c *cluster) round(t *testing.T) {
	ctx := context.Background()
	for _, e := range c.engines {
		require.NoError(t, e.Tick(ctx))
	}

	var inflight []protocol.Message
	for _, out := range c.outs {
		inflight = append(inflight, out.Take()...)
	}

	for len(inflight) > 0 {
		msg := inflight[0]
		inflight = inflight[1:]

		if c.rng.Float64() < c.drop {
			continue
		}

		reply, err := c.engines[msg.Dest].Handle(ctx, c.wire(t, msg))
		require.NoError(t, err)
		if reply != nil {
			inflight = append(inflight, *reply)
		}
	}
}

func (c *cluster) converged(want []int) bool {
	for _, e := range c.engines {
		if !assert.ObjectsAreEqual(want, e.Messages()) {
			return false
		}
	}
	return true
}

func TestGossipConvergesDespiteDrops(t *testing.T) {
	// A line plus one chord, so some values arrive over two paths.
	topology := map[string][]string{
		"n0": {"n1"},
		"n1": {"n0", "n2", "n4"},
		"n2": {"n1", "n3"},
		"n3": {"n2", "n4"},
		"n4": {"n3", "n1"},
	}

	for _, mode := range []Mode{ModeEfficient, ModeFull} {
		t.Run(string(mode), func(t *testing.T) {
			c := newCluster(t, topology, 0.4, mode)
			ctx := context.Background()

			want := []int{}
			for i := range 10 {
				id := fmt.Sprintf("n%d", i%len(topology))
				_, err := c.engines[id].Handle(ctx, request("c1", id, uint64(i), &Broadcast{Message: i * 10}))
				require.NoError(t, err)
				want = append(want, i*10)
			}

			rounds := 0
			for ; rounds < 200 && !c.converged(want); rounds++ {
				c.round(t)
			}
			require.True(t, c.converged(want), "no convergence after %d rounds", rounds)

			if mode == ModeEfficient {
				// Keep ticking without drops until every acknowledgement lands.
				c.drop = 0
				for range 5 {
					c.round(t)
				}
				for id, e := range c.engines {
					for _, peer := range topology[id] {
						assert.Empty(t, e.Unacknowledged(peer), "%s still waits on %s", id, peer)
					}
				}
			}
		})
	}
}
