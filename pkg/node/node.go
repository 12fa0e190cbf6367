// Package node is the maelstrom process runtime: it reads one JSON message
// per line from stdin, runs the handler for each on its own goroutine and
// writes replies to stdout through a single serializing writer.
package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/telemetry"
)

type Node struct {
	mu      sync.RWMutex
	id      string
	nodeIDs []string

	in     io.Reader
	out    io.Writer
	outbox *outbox

	handler  Handler
	services map[string]Service

	tickInterval time.Duration
	slots        *semaphore.Weighted
	inflight     sync.WaitGroup
	running      atomic.Int64

	logger *slog.Logger
	msink  metrics.MetricSink
}

func NewNode(opts ...Option) *Node {
	n := &Node{
		in:       os.Stdin,
		out:      os.Stdout,
		services: map[string]Service{},
		logger:   slog.Default(),
		msink:    &metrics.BlackholeSink{},
	}

	for _, opt := range opts {
		opt(n)
	}

	n.outbox = newOutbox(n.out, n.logger, n.msink)

	return n
}

// Handle sets the behaviour served by this node. It must be called before
// Run.
func (n *Node) Handle(h Handler) {
	n.handler = h
}

// AddService routes lines coming from svc.Name() to svc. It must be called
// before Run.
func (n *Node) AddService(svc Service) {
	n.services[svc.Name()] = svc
}

func (n *Node) ID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.id
}

// NodeIDs is the full roster from init, this node included.
func (n *Node) NodeIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return slices.Clone(n.nodeIDs)
}

// Send writes msg and returns the msg_id it was given.
func (n *Node) Send(ctx context.Context, msg protocol.Message) (uint64, error) {
	return n.outbox.send(ctx, msg, nil)
}

// SendCorrelated is Send with a hook that observes the assigned msg_id
// before the message is written, so a reply can never beat its registration.
func (n *Node) SendCorrelated(ctx context.Context, msg protocol.Message, assign func(id uint64)) (uint64, error) {
	return n.outbox.send(ctx, msg, assign)
}

func (n *Node) Reply(ctx context.Context, req protocol.Message, payload protocol.Payload) error {
	_, err := n.outbox.send(ctx, req.MakeResponse(payload), nil)
	return err
}

// Run serves until the input ends, then waits for running handlers. It
// returns an error only for fatal conditions: an undecodable line or a
// failed write.
func (n *Node) Run(ctx context.Context) error {
	if n.handler == nil {
		return ErrNoHandler
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.outbox.run(gctx)
	})

	if ticker, ok := n.handler.(Ticker); ok && n.tickInterval > 0 {
		g.Go(func() error {
			n.tick(gctx, ticker)
			return nil
		})
	}

	g.Go(func() error {
		err := n.read(gctx)

		// No reply can arrive once reading stops.
		for _, svc := range n.services {
			svc.Close()
		}

		n.inflight.Wait()
		cancel()
		return err
	})

	err := g.Wait()
	n.logger.Info("node stopped", slog.Any("error", err))

	return err
}

func (n *Node) read(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		// This goroutine gets leaked if ctx ends while it is blocked reading.
		defer close(lines)

		reader := bufio.NewReader(n.in)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					n.logger.Warn("input read failed", slog.Any("error", err))
				default:
					n.logger.Info("input closed")
				}
				return nil
			}

			if err := n.ingest(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (n *Node) ingest(ctx context.Context, line []byte) error {
	n.logger.Info("received", slog.String("message", string(bytes.TrimSpace(line))))

	if n.route(line) {
		return nil
	}

	msg, err := n.handler.Registry().Decode(line)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	n.msink.IncrCounterWithLabels(telemetry.MetricMessagesIn, 1, []metrics.Label{
		telemetry.LabelType.M(msg.Type()),
	})

	if init, ok := msg.Body.Payload.(*protocol.Init); ok {
		n.init(ctx, msg, *init)
		return nil
	}

	n.spawn(ctx, func(ctx context.Context) {
		n.handle(ctx, msg)
	})

	return nil
}

// route hands the line to a side-channel service when it comes from one and
// decodes as one of its payloads.
func (n *Node) route(line []byte) bool {
	if len(n.services) == 0 {
		return false
	}

	src, err := protocol.PeekSource(line)
	if err != nil {
		return false
	}

	svc, found := n.services[src]
	if !found {
		return false
	}

	msg, err := svc.Registry().Decode(line)
	if err != nil {
		return false
	}

	n.msink.IncrCounterWithLabels(telemetry.MetricServiceRouted, 1, []metrics.Label{
		telemetry.LabelService.M(src),
		telemetry.LabelType.M(msg.Type()),
	})
	svc.Deliver(msg)

	return true
}

// init runs on the reader so every later message sees the node id.
func (n *Node) init(ctx context.Context, msg protocol.Message, init protocol.Init) {
	n.mu.Lock()
	n.id = init.NodeID
	n.nodeIDs = slices.Clone(init.NodeIDs)
	n.mu.Unlock()

	n.logger.Info("initialized", telemetry.LabelNode.L(init.NodeID), slog.Any("nodes", init.NodeIDs))

	if initializer, ok := n.handler.(Initializer); ok {
		if err := initializer.Init(ctx, init); err != nil {
			n.fail(ctx, msg, err)
			return
		}
	}

	if err := n.Reply(ctx, msg, protocol.InitOk{}); err != nil {
		n.logger.Error("error replying to init", slog.Any("error", err))
	}
}

func (n *Node) spawn(ctx context.Context, fn func(ctx context.Context)) {
	n.inflight.Add(1)

	go func() {
		defer n.inflight.Done()

		if n.slots != nil {
			if err := n.slots.Acquire(ctx, 1); err != nil {
				return
			}
			defer n.slots.Release(1)
		}

		n.msink.SetGauge(telemetry.MetricHandlersRunning, float32(n.running.Add(1)))
		defer func() {
			n.msink.SetGauge(telemetry.MetricHandlersRunning, float32(n.running.Add(-1)))
		}()

		fn(ctx)
	}()
}

func (n *Node) handle(ctx context.Context, msg protocol.Message) {
	start := time.Now()
	reply, err := n.handler.Handle(ctx, msg)
	n.msink.AddSampleWithLabels(
		telemetry.MetricHandlerLatency,
		float32(time.Since(start).Seconds()*1000),
		[]metrics.Label{telemetry.LabelType.M(msg.Type())},
	)

	if err != nil {
		n.fail(ctx, msg, err)
		return
	}

	if reply == nil {
		return
	}

	// Without a msg_id the reply could not carry in_reply_to.
	if msg.Body.MsgID == nil {
		n.logger.Debug("dropping reply to message without msg_id", slog.String("type", msg.Type()))
		return
	}

	if _, err := n.outbox.send(ctx, *reply, nil); err != nil {
		n.logger.Error("error sending reply", slog.Any("error", err), slog.String("to", reply.Dest))
	}
}

// fail logs a handler error and, when it is a maelstrom RPC error answering
// a request, reports it to the sender.
func (n *Node) fail(ctx context.Context, msg protocol.Message, err error) {
	n.msink.IncrCounterWithLabels(telemetry.MetricHandlerErrors, 1, []metrics.Label{
		telemetry.LabelType.M(msg.Type()),
	})

	var rpcErr *maelstrom.RPCError
	if !errors.As(err, &rpcErr) || msg.Body.MsgID == nil {
		n.logger.Error("error handling message", slog.Any("error", err), slog.String("message", msg.String()))
		return
	}

	n.logger.Warn("replying with error", slog.Any("error", err), slog.String("to", msg.Src))
	if err := n.Reply(ctx, msg, protocol.NewError(err)); err != nil {
		n.logger.Error("error sending error reply", slog.Any("error", err))
	}
}

// tick runs on its own goroutine, so a slow tick delays the next one
// instead of piling up.
func (n *Node) tick(ctx context.Context, ticker Ticker) {
	t := time.NewTicker(n.tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.msink.IncrCounter(telemetry.MetricTicks, 1)
			n.runTick(ctx, ticker)
		}
	}
}

func (n *Node) runTick(ctx context.Context, ticker Ticker) {
	if n.slots != nil {
		if err := n.slots.Acquire(ctx, 1); err != nil {
			return
		}
		defer n.slots.Release(1)
	}

	if err := ticker.Tick(ctx); err != nil {
		n.logger.Error("error handling tick", slog.Any("error", err))
	}
}
