// Package service turns "send a message to a remote peer and get exactly
// its reply" into a blocking call. It backs clients of the maelstrom
// key-value services but works for any peer that answers with in_reply_to.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	atomicmap "github.com/dostini/gossip-glomers/pkg/atomic_map"
	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/telemetry"
)

// Outbound is the non-owning handle on the node's output path.
type Outbound interface {
	SendCorrelated(ctx context.Context, msg protocol.Message, assign func(id uint64)) (uint64, error)
}

// Service correlates requests sent to the peer called name with the replies
// that come back from it.
type Service struct {
	name     string
	out      Outbound
	registry *protocol.Registry
	pending  *atomicmap.AtomicMap[uint64, chan protocol.Message]
	closed   atomic.Bool
	timeout  time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
}

type Option func(*Service)

// WithTimeout bounds every Call. Zero means calls wait for their context.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		s.timeout = timeout
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(s *Service) {
		s.msink = telemetry.OrBlackhole(ms)
	}
}

func New(name string, out Outbound, registry *protocol.Registry, opts ...Option) *Service {
	s := &Service{
		name:     name,
		out:      out,
		registry: registry,
		pending:  atomicmap.NewAtomicMap[uint64, chan protocol.Message](),
		logger:   slog.Default(),
		msink:    &metrics.BlackholeSink{},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(telemetry.LabelService.L(name))

	return s
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Registry() *protocol.Registry {
	return s.registry
}

// Call is one outstanding request.
type Call struct {
	ID    uint64
	reply chan protocol.Message
	svc   *Service
}

// Request sends payload from node `from` to the service. The reply slot is
// registered by the output path before the request is written.
func (s *Service) Request(ctx context.Context, from string, payload protocol.Payload) (*Call, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	reply := make(chan protocol.Message, 1)
	registered, duplicate := false, false
	var assignedID uint64

	id, err := s.out.SendCorrelated(ctx, protocol.NewRequest(from, s.name, payload), func(id uint64) {
		assignedID = id
		if !s.pending.SetIfAbsent(id, reply) {
			duplicate = true
			return
		}
		registered = true

		// Close may have drained the table just before this insert.
		if s.closed.Load() {
			if ch, found := s.pending.Pop(id); found {
				close(ch)
			}
		}
	})
	if err != nil {
		if registered {
			s.pending.Delete(assignedID)
		}
		s.failed("unreachable")
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if duplicate {
		s.failed("duplicate")
		return nil, fmt.Errorf("%w: msg_id %d", ErrDuplicateID, id)
	}

	s.msink.SetGaugeWithLabels(telemetry.MetricRPCPending, float32(s.pending.Len()), s.labels())

	return &Call{ID: id, reply: reply, svc: s}, nil
}

// Wait blocks until the reply arrives, the service closes or ctx ends. On
// ctx end the pending entry is removed so it cannot be orphaned.
func (c *Call) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-c.reply:
		if !ok {
			return protocol.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		c.svc.pending.Delete(c.ID)
		c.svc.failed("cancelled")
		return protocol.Message{}, ctx.Err()
	}
}

// Call sends payload and waits for the reply. An error body from the peer is
// returned as a *maelstrom.RPCError alongside the reply.
func (s *Service) Call(ctx context.Context, from string, payload protocol.Payload) (protocol.Message, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	call, err := s.Request(ctx, from, payload)
	if err != nil {
		return protocol.Message{}, err
	}

	msg, err := call.Wait(ctx)
	if err != nil {
		return protocol.Message{}, err
	}

	if rpcErr := msg.RPCError(); rpcErr != nil {
		return msg, rpcErr
	}

	return msg, nil
}

// Deliver resolves the call msg answers. Replies nobody waits for are
// expected under retransmission and dropped.
func (s *Service) Deliver(msg protocol.Message) {
	if msg.Body.InReplyTo == nil {
		s.logger.Debug("dropping message without in_reply_to", slog.String("type", msg.Type()))
		return
	}

	reply, found := s.pending.Pop(*msg.Body.InReplyTo)
	if !found {
		s.msink.IncrCounterWithLabels(telemetry.MetricRPCUnmatched, 1, s.labels())
		s.logger.Debug("dropping unmatched reply", slog.Uint64("in_reply_to", *msg.Body.InReplyTo))
		return
	}

	reply <- msg
	s.msink.SetGaugeWithLabels(telemetry.MetricRPCPending, float32(s.pending.Len()), s.labels())
}

// Close fails every pending call with ErrClosed and rejects new ones.
func (s *Service) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	for _, reply := range s.pending.Drain() {
		close(reply)
	}
	s.msink.SetGaugeWithLabels(telemetry.MetricRPCPending, 0, s.labels())
}

func (s *Service) failed(reason string) {
	s.msink.IncrCounterWithLabels(telemetry.MetricRPCFailures, 1, append(s.labels(), telemetry.LabelError.M(reason)))
}

func (s *Service) labels() []metrics.Label {
	return []metrics.Label{telemetry.LabelService.M(s.name)}
}
