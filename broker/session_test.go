package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/databench/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestFrontend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	b := newTestBroker(t, WithNativeKind(adderKind()))
	srv := httptest.NewServer(NewFrontend(zaptest.NewLogger(t).Sugar(), b))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.Dial(ctx, wsURL+"/analyses/adder/ws", nil)
	require.NoError(t, err)

	var f bus.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, "hello", f.Signal)

	// malformed messages are skipped without closing the session
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("nope")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"load":1}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"signal":"compute","load":{"a":1},"load_kind":"positional"}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"signal":"compute","load":[4,5],"action_id":"c1"}`)))

	var got []string
	for len(got) < 4 {
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		got = append(got, f.Signal+" "+string(f.Load))
	}
	// a load that does not match its stated kind fails the handler call
	assert.True(t, strings.HasPrefix(got[0], "log "), got[0])
	assert.Contains(t, got[0], "positional load is not an array")
	assert.Equal(t, []string{
		`__action {"id":"c1","status":"start"}`,
		`data {"sum":9}`,
		`__action {"id":"c1","status":"end"}`,
	}, got[1:])

	resp, err := http.Get(srv.URL + "/analyses")
	require.NoError(t, err)
	var infos []analysisInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, "adder", infos[0].Name)
	assert.True(t, infos[0].Native)
	require.Len(t, infos[0].Instances, 1)
	assert.Equal(t, json.RawMessage(`9`), infos[0].Instances[0].Data["sum"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `databench_instances_total{kind="adder"} 1`)

	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return b.Registry().Len() == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestFrontendUnknownKind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := newTestBroker(t)
	srv := httptest.NewServer(NewFrontend(zaptest.NewLogger(t).Sugar(), b))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/analyses/nope/ws", nil)
	require.NoError(t, err)
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}
