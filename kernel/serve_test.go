package kernel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/databench/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := zaptest.NewLogger(t).Sugar()
	hub := bus.NewHub(log)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	kind := NewKind("adder",
		WithFunc("compute", func(inst *Instance, a, b int) {
			inst.Data.Set("sum", a+b)
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, kind, ServeConfig{
			AnalysisID:   "inst1",
			SubscribeURL: base + bus.DownstreamPath,
			PublishURL:   base + bus.UpstreamPath,
			Log:          log,
		})
	}()

	next := func() bus.Envelope {
		select {
		case env := <-hub.Upstream():
			return env
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		}
		return bus.Envelope{}
	}

	ready := next()
	assert.Equal(t, "inst1", ready.AnalysisID)
	assert.Equal(t, bus.SignalReady, ready.Frame.Signal)

	p, err := bus.PositionalPayload(2, 3)
	require.NoError(t, err)
	msg := bus.NewMessage("compute", p)
	msg.ActionID = json.RawMessage(`1`)
	n, err := hub.Publish("inst1", msg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got []string
	for i := 0; i < 3; i++ {
		env := next()
		got = append(got, env.Frame.Signal+" "+string(env.Frame.Load))
	}
	assert.Equal(t, []string{
		`__action {"id":1,"status":"start"}`,
		`data {"sum":5}`,
		`__action {"id":1,"status":"end"}`,
	}, got)

	_, err = hub.Publish("inst1", bus.Message{Signal: bus.SignalDisconnect})
	require.NoError(t, err)
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
}
