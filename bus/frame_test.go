package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDownstream(t *testing.T) {
	p, err := PositionalPayload(1, 2)
	require.NoError(t, err)

	b, err := EncodeDownstream("abc", NewMessage("compute", p))
	require.NoError(t, err)
	assert.Equal(t, `abc|{"signal":"compute","load":[1,2],"load_kind":"positional"}`, string(b))

	_, err = EncodeDownstream("a|b", Message{Signal: "x"})
	assert.Error(t, err)

	_, err = EncodeDownstream("abc", Message{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDownstream(t *testing.T) {
	cases := []struct {
		name      string
		frame     string
		topic     string
		expErr    error
		expSignal string
		expLoad   string
		expAction string
	}{
		{
			name:      "plain",
			frame:     `abc|{"signal":"compute","load":[1,2]}`,
			topic:     "abc",
			expSignal: "compute",
			expLoad:   `[1,2]`,
		},
		{
			name:      "body containing the separator",
			frame:     `abc|{"signal":"say","load":"a|b"}`,
			topic:     "abc",
			expSignal: "say",
			expLoad:   `"a|b"`,
		},
		{
			name:      "action id field",
			frame:     `abc|{"signal":"go","action_id":"abc123"}`,
			topic:     "abc",
			expSignal: "go",
			expAction: `"abc123"`,
		},
		{
			name:      "legacy action id in the load",
			frame:     `abc|{"signal":"go","load":{"__action_id":7,"n":5}}`,
			topic:     "abc",
			expSignal: "go",
			expLoad:   `{"n":5}`,
			expAction: `7`,
		},
		{
			name:   "other topic",
			frame:  `abd|{"signal":"go"}`,
			topic:  "abc",
			expErr: ErrTopicMismatch,
		},
		{
			name:   "topic that only shares a prefix",
			frame:  `abcd|{"signal":"go"}`,
			topic:  "abc",
			expErr: ErrTopicMismatch,
		},
		{
			name:   "not json",
			frame:  `abc|{"signal":`,
			topic:  "abc",
			expErr: ErrMalformed,
		},
		{
			name:   "missing signal",
			frame:  `abc|{"load":1}`,
			topic:  "abc",
			expErr: ErrMalformed,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := DecodeDownstream([]byte(c.frame), c.topic)
			if c.expErr != nil {
				require.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expSignal, msg.Signal)
			assert.Equal(t, c.expLoad, string(msg.Load))
			assert.Equal(t, c.expAction, string(msg.ActionID))
			assert.Equal(t, c.expAction != "", msg.HasAction())
		})
	}
}

func TestSplitDownstream(t *testing.T) {
	topic, msg, err := SplitDownstream([]byte(`t1|{"signal":"connect"}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", topic)
	assert.Equal(t, "connect", msg.Signal)

	_, _, err = SplitDownstream([]byte(`{"signal":"connect"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"signal":"run","load":{"n":1,"__action_id":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "3", string(msg.ActionID))
	assert.JSONEq(t, `{"n":1}`, string(msg.Load))

	_, err = DecodeMessage([]byte(`{"load":1}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeMessage([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(SignalData, map[string]any{"count": 20})
	require.NoError(t, err)
	b, err := json.Marshal(Envelope{AnalysisID: "id1", Frame: f})
	require.NoError(t, err)
	assert.Equal(t, `{"analysis_id":"id1","frame":{"signal":"data","load":{"count":20}}}`, string(b))

	f, err = NewFrame(SignalLog, nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(f.Load))

	_, err = NewFrame(SignalLog, func() {})
	assert.Error(t, err)
}
