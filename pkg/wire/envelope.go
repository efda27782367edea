// Package wire defines the message catalog of spec.md §6 and the
// envelope framing used to carry it: every message is a (type-name,
// payload-bytes) pair, decoded once into a tagged-union Message and
// dispatched by type, per the Design Notes' "decode once into a sum type"
// guidance.
//
// Payloads are JSON-encoded structs rather than protobuf: protoc codegen
// is unavailable in this build environment, and spec.md §6 explicitly
// permits substituting any schema-evolution-compatible encoding. See
// DESIGN.md for the full justification.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire-level framing: a type tag plus opaque payload
// bytes, matching spec.md §6's "(type-name-string, payload-bytes)".
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps msg into an Envelope tagged with its type name.
func Encode(msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", msg.TypeName(), err)
	}
	return Envelope{Type: msg.TypeName(), Payload: payload}, nil
}

// Decode inflates an Envelope into the concrete Message its Type names.
// Unknown types are reported as an error rather than panicking or
// silently dropping; spec.md §4.4 leaves the choice between panic and
// log-and-drop to the implementation as long as it is consistent — here
// the router (not Decode) is the single place that decides, so Decode
// always reports the error and lets the caller choose.
func Decode(env Envelope) (Message, error) {
	factory, ok := registry[env.Type]
	if !ok {
		return nil, fmt.Errorf("wire: unknown message type %q", env.Type)
	}
	msg := factory()
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// Message is implemented by every concrete message type in the catalog.
type Message interface {
	TypeName() string
}

var registry = map[string]func() Message{}

// Register adds a message type to the decode registry, keyed by its
// TypeName(). Called from init() in messages.go for every catalog type.
func Register(typeName string, factory func() Message) {
	registry[typeName] = factory
}
