// Package broadcast spreads client values to every node with periodic
// gossip. Each node remembers, per neighbour, which values that neighbour
// has not acknowledged yet and resends them on every tick until it does.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/dostini/gossip-glomers/pkg/node"
	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/set"
	"github.com/dostini/gossip-glomers/pkg/telemetry"
)

type Mode string

const (
	// ModeEfficient sends each neighbour only what it has not acknowledged.
	ModeEfficient Mode = "efficient"
	// ModeFull sends every known value to every neighbour on each tick.
	ModeFull Mode = "full"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeEfficient, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("broadcast: unknown gossip mode %q", s)
}

// Sender is the part of the node the engine writes through.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) (uint64, error)
}

type Engine struct {
	mu         sync.Mutex
	id         string
	messages   set.Set[int]
	neighbours set.Set[string]
	unknown    map[string]set.Set[int]

	mode     Mode
	out      Sender
	registry *protocol.Registry
	logger   *slog.Logger
	msink    metrics.MetricSink
}

type Option func(*Engine)

func WithMode(mode Mode) Option {
	return func(e *Engine) {
		e.mode = mode
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(e *Engine) {
		e.msink = telemetry.OrBlackhole(ms)
	}
}

func New(out Sender, opts ...Option) *Engine {
	e := &Engine{
		messages:   set.New[int](),
		neighbours: set.New[string](),
		unknown:    map[string]set.Set[int]{},
		mode:       ModeEfficient,
		out:        out,
		registry:   newRegistry(),
		logger:     slog.Default(),
		msink:      &metrics.BlackholeSink{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Registry() *protocol.Registry {
	return e.registry
}

func (e *Engine) Init(_ context.Context, init protocol.Init) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.id = init.NodeID
	return nil
}

func (e *Engine) Handle(_ context.Context, msg protocol.Message) (*protocol.Message, error) {
	switch payload := msg.Body.Payload.(type) {
	case *Topology:
		e.configure(payload.Topology)
		return node.Respond(msg, TopologyOk{})

	case *Broadcast:
		e.ingest(payload.Message)
		return node.Respond(msg, BroadcastOk{})

	case *Read:
		return node.Respond(msg, ReadOk{Messages: e.snapshot()})

	case *Gossip:
		if payload.Messages.Len() == 0 {
			return nil, nil
		}
		e.merge(msg.Src, payload.Recipients, payload.Messages)
		return node.Respond(msg, GossipOk{Messages: payload.Messages})

	case *GossipOk:
		e.acknowledge(msg.Src, payload.Messages)
		return nil, nil
	}

	return nil, nil
}

// configure adds this node's entry of the topology to the neighbour set and
// marks every value already known as unknown to each new neighbour. A
// missing entry leaves the node without neighbours.
func (e *Engine) configure(topology map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	peers, found := topology[e.id]
	if e.id == "" || !found {
		e.logger.Warn("topology has no entry for this node, gossiping to nobody",
			telemetry.LabelNode.L(e.id))
		return
	}

	for _, peer := range peers {
		if peer == e.id || e.neighbours.Contains(peer) {
			continue
		}
		e.neighbours.Add(peer)
		e.markUnknown(peer, e.messages)
	}

	e.logger.Debug("topology configured", slog.Any("neighbours", e.neighbours.Sorted()))
}

func (e *Engine) ingest(value int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.messages.Add(value)
	for peer := range e.neighbours {
		e.markUnknown(peer, set.New(value))
	}
	e.msink.SetGauge(telemetry.MetricGossipValues, float32(e.messages.Len()))
}

// merge records gossiped values and relays the ones this node did not know
// to neighbours the sender did not already cover. The sender keeps resending
// to its own recipients until they acknowledge.
func (e *Engine) merge(from string, recipients set.Set[string], values set.Set[int]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := values.Clone()
	fresh.Subtract(e.messages)
	e.messages.Merge(fresh)

	for peer := range e.neighbours {
		if peer == from || recipients.Contains(peer) {
			continue
		}
		e.markUnknown(peer, fresh)
	}
	e.msink.SetGauge(telemetry.MetricGossipValues, float32(e.messages.Len()))
}

func (e *Engine) acknowledge(peer string, values set.Set[int]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pending, found := e.unknown[peer]; found {
		pending.Subtract(values)
	}
}

// markUnknown requires e.mu.
func (e *Engine) markUnknown(peer string, values set.Set[int]) {
	if values.Len() == 0 {
		return
	}

	pending, found := e.unknown[peer]
	if !found {
		pending = set.New[int]()
		e.unknown[peer] = pending
	}
	pending.Merge(values)
}

// Tick sends one gossip round. Nothing is sent before init or to a
// neighbour with nothing to learn.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	id := e.id
	rounds := e.round()
	unacked := 0
	for _, pending := range e.unknown {
		unacked += pending.Len()
	}
	e.mu.Unlock()

	if id == "" {
		return nil
	}

	e.msink.SetGauge(telemetry.MetricGossipUnacked, float32(unacked))

	var errs []error
	for peer, gossip := range rounds {
		if _, err := e.out.Send(ctx, protocol.NewRequest(id, peer, gossip)); err != nil {
			errs = append(errs, fmt.Errorf("gossip to %s: %w", peer, err))
			continue
		}
		e.msink.IncrCounterWithLabels(telemetry.MetricGossipSent, 1, []metrics.Label{telemetry.LabelPeer.M(peer)})
	}

	return errors.Join(errs...)
}

// round builds this tick's gossip per neighbour. It requires e.mu and
// copies everything it hands out.
func (e *Engine) round() map[string]Gossip {
	rounds := map[string]Gossip{}

	for peer := range e.neighbours {
		var values set.Set[int]
		switch e.mode {
		case ModeFull:
			values = e.messages.Clone()
		default:
			values = e.unknown[peer].Clone()
		}
		if values.Len() == 0 {
			continue
		}

		gossip := Gossip{Messages: values}
		if e.mode == ModeEfficient {
			gossip.Recipients = e.neighbours.Clone()
		}
		rounds[peer] = gossip
	}

	return rounds
}

func (e *Engine) snapshot() set.Set[int] {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.messages.Clone()
}

// Messages returns every value this node knows, sorted.
func (e *Engine) Messages() []int {
	return e.snapshot().Sorted()
}

// Unacknowledged returns the values peer has not acknowledged yet, sorted.
func (e *Engine) Unacknowledged(peer string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.unknown[peer].Sorted()
}
