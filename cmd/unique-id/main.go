package main

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/dostini/gossip-glomers/pkg/cli"
	"github.com/dostini/gossip-glomers/pkg/node"
	"github.com/dostini/gossip-glomers/pkg/protocol"
)

type Generate struct{}

func (Generate) Type() string { return "generate" }

type GenerateOk struct {
	ID string `json:"id"`
}

func (GenerateOk) Type() string { return "generate_ok" }

// generator hands out node-local ids from two counters; the second one
// advances each time the first wraps.
type generator struct {
	mu     sync.Mutex
	first  uint64
	second uint64
}

func (g *generator) Next(nodeID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.first++
	if g.first == math.MaxUint64 {
		g.first = 0
		g.second++
	}

	return fmt.Sprintf("%s-%d-%d", nodeID, g.first, g.second)
}

func newMux(n *node.Node, gen *generator) *node.Mux {
	mux := node.NewMux()
	mux.HandleFunc("generate", func() protocol.Payload { return &Generate{} },
		func(_ context.Context, msg protocol.Message) (*protocol.Message, error) {
			return node.Respond(msg, GenerateOk{ID: gen.Next(n.ID())})
		})
	return mux
}

func main() {
	cli.Execute(cli.NewRootCmd("unique-id", "Globally unique id generator node", run))
}

func run(ctx context.Context, env *cli.Env) error {
	n := node.NewNode(env.NodeOptions(0)...)
	n.Handle(newMux(n, &generator{}))
	return n.Run(ctx)
}
