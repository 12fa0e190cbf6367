package main

import (
	"context"

	"github.com/dostini/gossip-glomers/pkg/broadcast"
	"github.com/dostini/gossip-glomers/pkg/cli"
	"github.com/dostini/gossip-glomers/pkg/node"
)

func main() {
	cli.Execute(cli.NewRootCmd("broadcast", "Gossip broadcast node", run))
}

func run(ctx context.Context, env *cli.Env) error {
	mode, err := broadcast.ParseMode(env.Config.GossipMode)
	if err != nil {
		return err
	}

	n := node.NewNode(env.NodeOptions(env.Config.GossipInterval)...)
	n.Handle(broadcast.New(n,
		broadcast.WithMode(mode),
		broadcast.WithLogger(env.Logger),
		broadcast.WithMetricSink(env.Metrics),
	))

	return n.Run(ctx)
}
