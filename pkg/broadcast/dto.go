package broadcast

import (
	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/set"
)

type Topology struct {
	Topology map[string][]string `json:"topology"`
}

func (Topology) Type() string { return "topology" }

type TopologyOk struct{}

func (TopologyOk) Type() string { return "topology_ok" }

type Broadcast struct {
	Message int `json:"message"`
}

func (Broadcast) Type() string { return "broadcast" }

type BroadcastOk struct{}

func (BroadcastOk) Type() string { return "broadcast_ok" }

type Read struct{}

func (Read) Type() string { return "read" }

type ReadOk struct {
	Messages set.Set[int] `json:"messages"`
}

func (ReadOk) Type() string { return "read_ok" }

// Gossip carries values the receiver may not know. Recipients is the
// sender's neighbour list, so the receiver can skip relaying to them.
type Gossip struct {
	Recipients set.Set[string] `json:"recipients,omitempty"`
	Messages   set.Set[int]    `json:"messages"`
}

func (Gossip) Type() string { return "gossip" }

type GossipOk struct {
	Messages set.Set[int] `json:"messages"`
}

func (GossipOk) Type() string { return "gossip_ok" }

func newRegistry() *protocol.Registry {
	return protocol.NewRegistry().
		Register("topology", func() protocol.Payload { return &Topology{} }).
		Register("topology_ok", func() protocol.Payload { return &TopologyOk{} }).
		Register("broadcast", func() protocol.Payload { return &Broadcast{} }).
		Register("broadcast_ok", func() protocol.Payload { return &BroadcastOk{} }).
		Register("read", func() protocol.Payload { return &Read{} }).
		Register("read_ok", func() protocol.Payload { return &ReadOk{} }).
		Register("gossip", func() protocol.Payload { return &Gossip{} }).
		Register("gossip_ok", func() protocol.Payload { return &GossipOk{} })
}
