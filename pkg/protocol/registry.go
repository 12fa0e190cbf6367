package protocol

import (
	"encoding/json"
	"fmt"
)

// Factory allocates an empty payload to decode into. It must return a
// pointer.
type Factory func() Payload

// Registry maps discriminators to payload types for one node behaviour or
// one side-channel service.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry that already knows the reserved payloads
// (init, init_ok, error).
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(TypeInit, func() Payload { return &Init{} })
	r.Register(TypeInitOk, func() Payload { return &InitOk{} })
	r.Register(TypeError, func() Payload { return &Error{} })
	return r
}

func (r *Registry) Register(kind string, factory Factory) *Registry {
	r.factories[kind] = factory
	return r
}

func (r *Registry) Known(kind string) bool {
	_, found := r.factories[kind]
	return found
}

// Decode parses one line into a message. Unregistered discriminators decode
// to *Unknown rather than failing.
func (r *Registry) Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	body, err := r.DecodeBody(env.Body)
	if err != nil {
		return Message{}, err
	}

	return Message{Src: env.Src, Dest: env.Dest, Body: body}, nil
}

func (r *Registry) DecodeBody(data json.RawMessage) (Body, error) {
	var hdr header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return Body{}, fmt.Errorf("%w: body: %w", ErrMalformed, err)
	}

	body := Body{MsgID: hdr.MsgID, InReplyTo: hdr.InReplyTo}

	factory, found := r.factories[hdr.Type]
	if !found {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return Body{}, fmt.Errorf("%w: body: %w", ErrMalformed, err)
		}
		delete(fields, fieldType)
		delete(fields, fieldMsgID)
		delete(fields, fieldInReplyTo)

		body.Payload = &Unknown{Kind: hdr.Type, Fields: fields}
		return body, nil
	}

	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return Body{}, fmt.Errorf("%w: %s: %w", ErrMalformed, hdr.Type, err)
	}
	body.Payload = payload

	return body, nil
}
