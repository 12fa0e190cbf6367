package node

import (
	"context"
	"fmt"

	"github.com/dostini/gossip-glomers/pkg/protocol"
)

// Handler is a node behaviour. Handle is invoked once per inbound message on
// its own goroutine and returns the reply to send, if any. Handlers that
// share state across invocations must guard it themselves.
//
// Returning a *maelstrom.RPCError makes the node answer with an error body;
// any other error is only logged.
type Handler interface {
	Registry() *protocol.Registry
	Handle(ctx context.Context, msg protocol.Message) (*protocol.Message, error)
}

// Initializer is notified of the init message before init_ok is sent.
type Initializer interface {
	Init(ctx context.Context, init protocol.Init) error
}

// Ticker receives a periodic internal event through the same dispatch path
// as network messages. A tick is skipped while the previous one still runs.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Service is a side channel reached at a reserved node id (e.g. seq-kv).
// Lines whose src is Name() are decoded with the service registry and
// delivered to it instead of the handler.
type Service interface {
	Name() string
	Registry() *protocol.Registry
	Deliver(msg protocol.Message)
	Close()
}

type HandlerFunc func(ctx context.Context, msg protocol.Message) (*protocol.Message, error)

// Mux dispatches on the payload discriminator.
type Mux struct {
	registry *protocol.Registry
	handlers map[string]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{
		registry: protocol.NewRegistry(),
		handlers: map[string]HandlerFunc{},
	}
}

// HandleFunc registers the payload type for kind and the callback that
// serves it. Handle dispatches on the decoded payload's Type, so it panics
// when factory builds a payload of another kind.
func (m *Mux) HandleFunc(kind string, factory protocol.Factory, fn HandlerFunc) {
	if got := factory().Type(); got != kind {
		panic(fmt.Sprintf("node: factory for %q builds %q payloads", kind, got))
	}
	m.registry.Register(kind, factory)
	m.handlers[kind] = fn
}

func (m *Mux) Registry() *protocol.Registry {
	return m.registry
}

func (m *Mux) Handle(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	fn, found := m.handlers[msg.Type()]
	if !found {
		return nil, nil
	}
	return fn(ctx, msg)
}

// Respond builds the reply to msg for a Handler to return.
func Respond(msg protocol.Message, payload protocol.Payload) (*protocol.Message, error) {
	reply := msg.MakeResponse(payload)
	return &reply, nil
}
