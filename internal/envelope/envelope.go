// Package envelope provides the discriminated message envelope carried by the
// live transport and the registry of payload kinds it understands.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for frames that are not a typed JSON object or
	// whose payload lacks required fields.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownKind is returned by Decode for kinds nobody registered.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// Envelope is a parsed inbound frame. Raw holds the full frame so decoders can
// read kind-specific fields.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Parse validates that data is a JSON object with a non-empty "type".
func Parse(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := strings.TrimSpace(head.Type)
	if kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Envelope{Type: kind, Raw: raw}, nil
}

// Decode interprets the envelope using the default registry.
func (e Envelope) Decode() (Payload, error) {
	return defaultRegistry.Decode(e)
}

// Encode builds a frame for payload p, setting its type field.
func Encode(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(p.Kind())
	m["type"] = kind
	return json.Marshal(m)
}
