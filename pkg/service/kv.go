package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dostini/gossip-glomers/pkg/protocol"
)

// Names of the key-value services maelstrom runs next to the nodes.
const (
	SeqKV = "seq-kv"
	LinKV = "lin-kv"
	LWWKV = "lww-kv"
)

type KVRead struct {
	Key string `json:"key"`
}

func (KVRead) Type() string { return "read" }

type KVReadOk struct {
	Value json.RawMessage `json:"value"`
}

func (KVReadOk) Type() string { return "read_ok" }

type KVWrite struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (KVWrite) Type() string { return "write" }

type KVWriteOk struct{}

func (KVWriteOk) Type() string { return "write_ok" }

type KVCas struct {
	Key               string `json:"key"`
	From              any    `json:"from"`
	To                any    `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists,omitempty"`
}

func (KVCas) Type() string { return "cas" }

type KVCasOk struct{}

func (KVCasOk) Type() string { return "cas_ok" }

func KVRegistry() *protocol.Registry {
	return protocol.NewRegistry().
		Register("read", func() protocol.Payload { return &KVRead{} }).
		Register("read_ok", func() protocol.Payload { return &KVReadOk{} }).
		Register("write", func() protocol.Payload { return &KVWrite{} }).
		Register("write_ok", func() protocol.Payload { return &KVWriteOk{} }).
		Register("cas", func() protocol.Payload { return &KVCas{} }).
		Register("cas_ok", func() protocol.Payload { return &KVCasOk{} })
}

// KV is a client for one of the maelstrom key-value services.
type KV struct {
	*Service
}

func NewKV(name string, out Outbound, opts ...Option) *KV {
	return &KV{Service: New(name, out, KVRegistry(), opts...)}
}

// Read returns the raw JSON value stored at key. A missing key is a
// *maelstrom.RPCError with code KeyDoesNotExist.
func (kv *KV) Read(ctx context.Context, node, key string) (json.RawMessage, error) {
	msg, err := kv.Call(ctx, node, KVRead{Key: key})
	if err != nil {
		return nil, err
	}

	ok, isReadOk := msg.Body.Payload.(*KVReadOk)
	if !isReadOk {
		return nil, fmt.Errorf("%w: %s to read", ErrUnexpectedReply, msg.Type())
	}

	return ok.Value, nil
}

func (kv *KV) ReadInt(ctx context.Context, node, key string) (int, error) {
	raw, err := kv.Read(ctx, node, key)
	if err != nil {
		return 0, err
	}

	var value int
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, fmt.Errorf("%w: value of %q is not an int: %w", ErrUnexpectedReply, key, err)
	}

	return value, nil
}

func (kv *KV) Write(ctx context.Context, node, key string, value any) error {
	msg, err := kv.Call(ctx, node, KVWrite{Key: key, Value: value})
	if err != nil {
		return err
	}

	if _, ok := msg.Body.Payload.(*KVWriteOk); !ok {
		return fmt.Errorf("%w: %s to write", ErrUnexpectedReply, msg.Type())
	}

	return nil
}

// CompareAndSwap sets key to to if it currently holds from. A mismatch is a
// *maelstrom.RPCError with code PreconditionFailed.
func (kv *KV) CompareAndSwap(ctx context.Context, node, key string, from, to any, createIfNotExists bool) error {
	msg, err := kv.Call(ctx, node, KVCas{
		Key:               key,
		From:              from,
		To:                to,
		CreateIfNotExists: createIfNotExists,
	})
	if err != nil {
		return err
	}

	if _, ok := msg.Body.Payload.(*KVCasOk); !ok {
		return fmt.Errorf("%w: %s to cas", ErrUnexpectedReply, msg.Type())
	}

	return nil
}
