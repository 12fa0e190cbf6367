// Package counter implements a grow-only counter shared through a
// key-value service. Every node publishes its own total under its node id
// and periodically reads the totals of its peers.
package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	maelstrom "github.com/jepsen-io/maelstrom/demo/go"

	"github.com/dostini/gossip-glomers/pkg/node"
	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/telemetry"
)

type Add struct {
	Delta int `json:"delta"`
}

func (Add) Type() string { return "add" }

type AddOk struct{}

func (AddOk) Type() string { return "add_ok" }

type Read struct{}

func (Read) Type() string { return "read" }

type ReadOk struct {
	Value int `json:"value"`
}

func (ReadOk) Type() string { return "read_ok" }

// Store is the key-value service holding every node's total.
type Store interface {
	ReadInt(ctx context.Context, node, key string) (int, error)
	Write(ctx context.Context, node, key string, value any) error
}

type Counter struct {
	mu     sync.Mutex
	id     string
	peers  []string
	local  int
	others map[string]int

	store    Store
	registry *protocol.Registry
	logger   *slog.Logger
	msink    metrics.MetricSink
}

type Option func(*Counter)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Counter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *Counter) {
		c.msink = telemetry.OrBlackhole(ms)
	}
}

func New(store Store, opts ...Option) *Counter {
	c := &Counter{
		others: map[string]int{},
		store:  store,
		registry: protocol.NewRegistry().
			Register("add", func() protocol.Payload { return &Add{} }).
			Register("add_ok", func() protocol.Payload { return &AddOk{} }).
			Register("read", func() protocol.Payload { return &Read{} }).
			Register("read_ok", func() protocol.Payload { return &ReadOk{} }),
		logger: slog.Default(),
		msink:  &metrics.BlackholeSink{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Counter) Registry() *protocol.Registry {
	return c.registry
}

func (c *Counter) Init(_ context.Context, init protocol.Init) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = init.NodeID
	c.peers = slices.DeleteFunc(slices.Clone(init.NodeIDs), func(id string) bool {
		return id == init.NodeID
	})
	return nil
}

func (c *Counter) Handle(_ context.Context, msg protocol.Message) (*protocol.Message, error) {
	switch payload := msg.Body.Payload.(type) {
	case *Add:
		if payload.Delta < 0 {
			return nil, maelstrom.NewRPCError(maelstrom.MalformedRequest,
				fmt.Sprintf("delta must not be negative, got %d", payload.Delta))
		}

		c.mu.Lock()
		c.local += payload.Delta
		c.mu.Unlock()

		return node.Respond(msg, AddOk{})

	case *Read:
		return node.Respond(msg, ReadOk{Value: c.Value()})
	}

	return nil, nil
}

// Value is this node's total plus the last totals read for its peers.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.local
	for _, v := range c.others {
		total += v
	}
	return total
}

// Tick publishes the local total and refreshes every peer's. A peer that
// has not published yet counts as zero; a failed read keeps the previous
// value.
func (c *Counter) Tick(ctx context.Context) error {
	c.mu.Lock()
	id, local, peers := c.id, c.local, c.peers
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	var errs []error
	if err := c.store.Write(ctx, id, id, local); err != nil {
		errs = append(errs, fmt.Errorf("publish %s: %w", id, err))
	}

	for _, peer := range peers {
		value, err := c.store.ReadInt(ctx, id, peer)
		switch {
		case maelstrom.ErrorCode(err) == maelstrom.KeyDoesNotExist:
			value = 0
		case err != nil:
			errs = append(errs, fmt.Errorf("read %s: %w", peer, err))
			continue
		}

		c.mu.Lock()
		// Totals only grow, a smaller read is a stale one.
		c.others[peer] = max(c.others[peer], value)
		c.mu.Unlock()
	}

	if len(errs) > 0 {
		c.msink.IncrCounterWithLabels(telemetry.MetricCounterSyncErr, float32(len(errs)),
			[]metrics.Label{telemetry.LabelNode.M(id)})
	}
	c.msink.SetGaugeWithLabels(telemetry.MetricCounterValue, float32(c.Value()),
		[]metrics.Label{telemetry.LabelNode.M(id)})

	return errors.Join(errs...)
}
