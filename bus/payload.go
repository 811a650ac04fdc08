package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PayloadKind says how a load is passed to a handler.
type PayloadKind uint8

const (
	// Empty calls the handler with no arguments.
	Empty PayloadKind = iota
	// Positional calls the handler with the elements of a JSON array, in order.
	Positional
	// Named calls the handler with the members of a JSON object.
	Named
	// Single calls the handler with the whole load as one argument.
	Single
)

// noMessageToken is the load older front ends send to mean "no load".
const noMessageToken = `"__nomessagetoken__"`

func (k PayloadKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Positional:
		return "positional"
	case Named:
		return "named"
	case Single:
		return "single"
	default:
		return fmt.Sprintf("PayloadKind(%d)", uint8(k))
	}
}

func ParsePayloadKind(s string) (PayloadKind, error) {
	switch s {
	case "empty":
		return Empty, nil
	case "positional":
		return Positional, nil
	case "named":
		return Named, nil
	case "single":
		return Single, nil
	}
	return 0, fmt.Errorf("%w: unknown load kind %q", ErrMalformed, s)
}

// Payload is a handler's input: a kind plus the raw JSON it applies to.
type Payload struct {
	Kind PayloadKind
	Raw  json.RawMessage
}

// EmptyPayload returns a payload that calls a handler with no arguments.
func EmptyPayload() Payload { return Payload{Kind: Empty} }

// PositionalPayload encodes args as a positional payload.
func PositionalPayload(args ...any) (Payload, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding positional payload: %w", err)
	}
	return Payload{Kind: Positional, Raw: b}, nil
}

// NamedPayload encodes m as a named payload.
func NamedPayload(m map[string]any) (Payload, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding named payload: %w", err)
	}
	return Payload{Kind: Named, Raw: b}, nil
}

// SinglePayload encodes v as a single argument, even if v is a slice or a map.
func SinglePayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding single payload: %w", err)
	}
	return Payload{Kind: Single, Raw: b}, nil
}

// NewRawPayload checks that raw has the shape kind requires.
func NewRawPayload(kind PayloadKind, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	switch kind {
	case Empty:
		if !isAbsent(raw) {
			return Payload{}, fmt.Errorf("%w: empty load kind with a load", ErrMalformed)
		}
		return EmptyPayload(), nil
	case Positional:
		if firstByte(raw) != '[' {
			return Payload{}, fmt.Errorf("%w: positional load is not an array", ErrMalformed)
		}
	case Named:
		if firstByte(raw) != '{' {
			return Payload{}, fmt.Errorf("%w: named load is not an object", ErrMalformed)
		}
	case Single:
		if len(raw) == 0 {
			return Payload{}, fmt.Errorf("%w: single load kind without a load", ErrMalformed)
		}
	default:
		return Payload{}, fmt.Errorf("%w: unknown load kind %d", ErrMalformed, kind)
	}
	return Payload{Kind: kind, Raw: raw}, nil
}

// InferPayload picks a payload kind from the JSON shape of raw:
// absent, null and the no-message token are Empty, arrays are Positional,
// objects are Named, and anything else is Single.
func InferPayload(raw json.RawMessage) Payload {
	raw = bytes.TrimSpace(raw)
	if isAbsent(raw) {
		return EmptyPayload()
	}
	switch firstByte(raw) {
	case '[':
		return Payload{Kind: Positional, Raw: raw}
	case '{':
		return Payload{Kind: Named, Raw: raw}
	}
	return Payload{Kind: Single, Raw: raw}
}

// Args splits a positional payload into its elements.
func (p Payload) Args() ([]json.RawMessage, error) {
	if p.Kind != Positional {
		return nil, fmt.Errorf("payload is %s, not positional", p.Kind)
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Raw, &args); err != nil {
		return nil, fmt.Errorf("%w: decoding positional load: %s", ErrMalformed, err)
	}
	return args, nil
}

// Decode unmarshals the raw load into v.
func (p Payload) Decode(v any) error {
	if p.Kind == Empty {
		return fmt.Errorf("cannot decode an empty payload")
	}
	return json.Unmarshal(p.Raw, v)
}

// MarshalJSON encodes the payload as its raw load, which is how it travels in a Message.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Kind == Empty || len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

func isAbsent(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null" || string(raw) == noMessageToken
}

func firstByte(raw []byte) byte {
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}
