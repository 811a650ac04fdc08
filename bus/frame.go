package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Separator splits the topic from the JSON body of a downstream frame.
const Separator = '|'

// legacyActionKey is the load member older front ends use to carry an action id.
const legacyActionKey = "__action_id"

var (
	// ErrTopicMismatch is returned when a downstream frame is not addressed to the expected topic.
	ErrTopicMismatch = errors.New("frame is addressed to another topic")
	// ErrMalformed is returned for frames that cannot be decoded or lack a required field.
	ErrMalformed = errors.New("malformed frame")
)

// NewMessage builds a Message that carries p with its kind stated explicitly,
// so the receiver does not have to guess from the JSON shape.
func NewMessage(signal string, p Payload) Message {
	m := Message{Signal: signal}
	if p.Kind != Empty {
		m.Load = p.Raw
		m.LoadKind = p.Kind.String()
	}
	return m
}

// TopicPrefix is the subscription prefix that matches exactly one topic.
// Including the separator keeps topic "a" from matching frames for topic "ab".
func TopicPrefix(topic string) string {
	return topic + string(Separator)
}

// EncodeDownstream frames msg for topic.
func EncodeDownstream(topic string, msg Message) ([]byte, error) {
	if strings.IndexByte(topic, Separator) >= 0 {
		return nil, fmt.Errorf("topic %q contains the separator %q", topic, Separator)
	}
	if msg.Signal == "" {
		return nil, fmt.Errorf("%w: message has no signal", ErrMalformed)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	b := make([]byte, 0, len(topic)+1+len(body))
	b = append(b, topic...)
	b = append(b, Separator)
	return append(b, body...), nil
}

// DecodeDownstream checks that frame is addressed to topic and decodes its body.
// A legacy "__action_id" member of an object load is moved into ActionID.
func DecodeDownstream(frame []byte, topic string) (Message, error) {
	if !bytes.HasPrefix(frame, []byte(TopicPrefix(topic))) {
		return Message{}, ErrTopicMismatch
	}
	return decodeBody(frame[len(topic)+1:])
}

// SplitDownstream splits a frame at its first separator without checking the topic.
func SplitDownstream(frame []byte) (string, Message, error) {
	i := bytes.IndexByte(frame, Separator)
	if i < 0 {
		return "", Message{}, fmt.Errorf("%w: no topic separator", ErrMalformed)
	}
	msg, err := decodeBody(frame[i+1:])
	return string(frame[:i]), msg, err
}

// DecodeMessage decodes an unframed message body, as sent by a browser.
// Like DecodeDownstream it requires a signal and lifts a legacy "__action_id".
func DecodeMessage(body []byte) (Message, error) {
	return decodeBody(body)
}

func decodeBody(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if msg.Signal == "" {
		return Message{}, fmt.Errorf("%w: missing signal", ErrMalformed)
	}
	if err := liftActionID(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func liftActionID(msg *Message) error {
	if msg.HasAction() || firstByte(bytes.TrimSpace(msg.Load)) != '{' {
		return nil
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(msg.Load, &members); err != nil {
		return fmt.Errorf("%w: decoding load: %s", ErrMalformed, err)
	}
	id, ok := members[legacyActionKey]
	if !ok {
		return nil
	}
	delete(members, legacyActionKey)
	load, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("re-encoding load: %w", err)
	}
	msg.ActionID = id
	msg.Load = load
	return nil
}
