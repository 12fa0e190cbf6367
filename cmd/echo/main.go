package main

import (
	"context"

	"github.com/dostini/gossip-glomers/pkg/cli"
	"github.com/dostini/gossip-glomers/pkg/node"
	"github.com/dostini/gossip-glomers/pkg/protocol"
)

type Echo struct {
	Echo string `json:"echo"`
}

func (Echo) Type() string { return "echo" }

type EchoOk struct {
	Echo string `json:"echo"`
}

func (EchoOk) Type() string { return "echo_ok" }

func main() {
	cli.Execute(cli.NewRootCmd("echo", "Echo node", run))
}

func newMux() *node.Mux {
	mux := node.NewMux()
	mux.HandleFunc("echo", func() protocol.Payload { return &Echo{} },
		func(_ context.Context, msg protocol.Message) (*protocol.Message, error) {
			return node.Respond(msg, EchoOk{Echo: msg.Body.Payload.(*Echo).Echo})
		})
	return mux
}

func run(ctx context.Context, env *cli.Env) error {
	n := node.NewNode(env.NodeOptions(0)...)
	n.Handle(newMux())
	return n.Run(ctx)
}
