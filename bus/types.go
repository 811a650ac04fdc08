package bus

import (
	"encoding/json"
	"fmt"
)

// Reserved signal names.
const (
	SignalConnect    = "connect"
	SignalDisconnect = "disconnect"

	SignalData      = "data"
	SignalClassData = "class_data"
	SignalAction    = "__action"
	SignalLog       = "log"
	// SignalReady is the handshake a kernel sends once it is subscribed. It never reaches a browser.
	SignalReady = "__ready"
)

// Action lifecycle statuses.
const (
	ActionStart = "start"
	ActionEnd   = "end"
)

// Message is the body of a downstream frame.
// Load is kept raw so that handlers can decode it into their own types.
type Message struct {
	Signal string          `json:"signal"`
	Load   json.RawMessage `json:"load,omitempty"`
	// LoadKind optionally states how Load should be passed to the handler.
	// When empty the kind is inferred from the JSON shape of Load.
	LoadKind string `json:"load_kind,omitempty"`
	// ActionID is an opaque caller-supplied JSON value echoed back in "__action" frames.
	ActionID json.RawMessage `json:"action_id,omitempty"`
}

// HasAction reports whether the message carries an action id.
func (m Message) HasAction() bool {
	return len(m.ActionID) > 0 && string(m.ActionID) != "null"
}

// Payload returns the tagged payload of the message.
func (m Message) Payload() (Payload, error) {
	if m.LoadKind == "" {
		return InferPayload(m.Load), nil
	}
	kind, err := ParsePayloadKind(m.LoadKind)
	if err != nil {
		return Payload{}, err
	}
	return NewRawPayload(kind, m.Load)
}

// Frame is a signal and its load, as emitted by a kernel and delivered to a browser.
type Frame struct {
	Signal string          `json:"signal"`
	Load   json.RawMessage `json:"load"`
}

// NewFrame JSON-encodes load into a Frame. A nil load is encoded as null.
func NewFrame(signal string, load any) (Frame, error) {
	b, err := json.Marshal(load)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding load for signal %q: %w", signal, err)
	}
	return Frame{Signal: signal, Load: b}, nil
}

// Envelope is an upstream message. The analysis id names the instance the frame belongs to.
type Envelope struct {
	AnalysisID string `json:"analysis_id"`
	Frame      Frame  `json:"frame"`
}

// ActionStatus is the load of an "__action" frame.
// Error is only set on an "end" status whose handler failed.
type ActionStatus struct {
	ID     json.RawMessage `json:"id"`
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
}
