package protocol

import (
	"encoding/json"
	"errors"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
)

const (
	TypeInit   = "init"
	TypeInitOk = "init_ok"
	TypeError  = "error"
)

// Payload is one arm of a node's tagged union of message bodies.
type Payload interface {
	Type() string
}

// Init is delivered once per process and carries the cluster roster.
type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

func (Init) Type() string { return TypeInit }

type InitOk struct{}

func (InitOk) Type() string { return TypeInitOk }

// Error is the maelstrom error body, e.g. a failed cas against a KV service.
type Error struct {
	Code int    `json:"code"`
	Text string `json:"text,omitempty"`
}

func (Error) Type() string { return TypeError }

func (e Error) RPCError() *maelstrom.RPCError {
	return maelstrom.NewRPCError(e.Code, e.Text)
}

// NewError converts a handler error into an error body. Errors that are not
// already maelstrom RPC errors are reported as crashes.
func NewError(err error) Error {
	var rpcErr *maelstrom.RPCError
	if errors.As(err, &rpcErr) {
		return Error{Code: rpcErr.Code, Text: rpcErr.Text}
	}
	return Error{Code: maelstrom.Crash, Text: err.Error()}
}

// Unknown is the catch-all arm for discriminators a registry does not know.
// It keeps the remaining fields so the body can be re-encoded unchanged.
type Unknown struct {
	Kind   string
	Fields map[string]json.RawMessage
}

func (u Unknown) Type() string { return u.Kind }

func (u Unknown) MarshalJSON() ([]byte, error) {
	if u.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(u.Fields)
}

// RPCError returns the remote error carried by m, or nil when m is not an
// error reply.
func (m Message) RPCError() error {
	switch p := m.Body.Payload.(type) {
	case *Error:
		return p.RPCError()
	case Error:
		return p.RPCError()
	default:
		return nil
	}
}
