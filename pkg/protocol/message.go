// Package protocol holds the maelstrom envelope model shared by every node:
// the wire shape of a message, how bodies are (de)serialized, and the only
// sanctioned way to build requests and replies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Reserved body fields. Payloads must not use these names.
const (
	fieldType      = "type"
	fieldMsgID     = "msg_id"
	fieldInReplyTo = "in_reply_to"
)

type Message struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body Body   `json:"body"`
}

// Body is the payload plus its correlation metadata. MsgID is left nil by
// handlers; the output path assigns it at send time.
type Body struct {
	MsgID     *uint64
	InReplyTo *uint64
	Payload   Payload
}

// NewRequest builds a fresh outbound envelope that answers nothing.
func NewRequest(from, to string, payload Payload) Message {
	return Message{
		Src:  from,
		Dest: to,
		Body: Body{Payload: payload},
	}
}

// MakeResponse swaps src and dest and points in_reply_to at the request's
// msg_id.
func (m Message) MakeResponse(payload Payload) Message {
	var inReplyTo *uint64
	if m.Body.MsgID != nil {
		id := *m.Body.MsgID
		inReplyTo = &id
	}

	return Message{
		Src:  m.Dest,
		Dest: m.Src,
		Body: Body{
			InReplyTo: inReplyTo,
			Payload:   payload,
		},
	}
}

// Type is the discriminator of the carried payload.
func (m Message) Type() string {
	if m.Body.Payload == nil {
		return ""
	}
	return m.Body.Payload.Type()
}

func (m Message) IsReply() bool {
	return m.Body.InReplyTo != nil
}

func (m Message) String() string {
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%s->%s %s (unencodable: %s)", m.Src, m.Dest, m.Type(), err)
	}
	return string(buf)
}

func (b Body) MarshalJSON() ([]byte, error) {
	if b.Payload == nil {
		return nil, ErrNoPayload
	}

	raw, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotObject, b.Payload.Type())
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	kind, err := json.Marshal(b.Payload.Type())
	if err != nil {
		return nil, err
	}
	fields[fieldType] = kind

	delete(fields, fieldMsgID)
	if b.MsgID != nil {
		fields[fieldMsgID] = json.RawMessage(fmt.Sprint(*b.MsgID))
	}

	delete(fields, fieldInReplyTo)
	if b.InReplyTo != nil {
		fields[fieldInReplyTo] = json.RawMessage(fmt.Sprint(*b.InReplyTo))
	}

	return json.Marshal(fields)
}

type header struct {
	Type      string  `json:"type"`
	MsgID     *uint64 `json:"msg_id"`
	InReplyTo *uint64 `json:"in_reply_to"`
}

type envelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// PeekSource reads only the src of a line, so the transport can route a line
// before committing to a payload type.
func PeekSource(line []byte) (string, error) {
	var env struct {
		Src string `json:"src"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return env.Src, nil
}
