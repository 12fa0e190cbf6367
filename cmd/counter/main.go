package main

import (
	"context"

	"github.com/dostini/gossip-glomers/pkg/cli"
	"github.com/dostini/gossip-glomers/pkg/counter"
	"github.com/dostini/gossip-glomers/pkg/node"
	"github.com/dostini/gossip-glomers/pkg/service"
)

func main() {
	cli.Execute(cli.NewRootCmd("counter", "Grow-only counter node backed by a key-value service", run))
}

func run(ctx context.Context, env *cli.Env) error {
	n := node.NewNode(env.NodeOptions(env.Config.FetchInterval)...)

	kv := service.NewKV(env.Config.KVService, n,
		service.WithTimeout(env.Config.RPCTimeout),
		service.WithLogger(env.Logger),
		service.WithMetricSink(env.Metrics),
	)
	n.AddService(kv)

	n.Handle(counter.New(kv,
		counter.WithLogger(env.Logger),
		counter.WithMetricSink(env.Metrics),
	))

	return n.Run(ctx)
}
