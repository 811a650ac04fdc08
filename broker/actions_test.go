package broker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionTrackerComplete(t *testing.T) {
	tr := newActionTracker(0, func(string, json.RawMessage) { t.Fatal("no timeout expected") })
	tr.track("i1", json.RawMessage(`{"n": 1}`))
	tr.track("i1", json.RawMessage(`2`))
	tr.track("i2", json.RawMessage(`2`))
	assert.Equal(t, 3, tr.len())

	assert.True(t, tr.complete("i1", json.RawMessage(`{"n":1}`)), "ids match regardless of spacing")
	assert.True(t, tr.complete("i9", json.RawMessage(`5`)), "untracked ends are forwarded")
	assert.Equal(t, 2, tr.len())

	ids := tr.drop("i1")
	assert.Equal(t, []json.RawMessage{json.RawMessage(`2`)}, ids)
	assert.Equal(t, 1, tr.len())
}

func TestActionTrackerTimeout(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	tr := newActionTracker(20*time.Millisecond, func(instance string, id json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, instance+" "+string(id))
	})
	tr.track("i1", json.RawMessage(`"slow"`))
	tr.track("i1", json.RawMessage(`"fast"`))
	assert.True(t, tr.complete("i1", json.RawMessage(`"fast"`)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`i1 "slow"`}, expired)

	assert.False(t, tr.complete("i1", json.RawMessage(`"slow"`)), "late end frames are dropped")
	assert.True(t, tr.complete("i1", json.RawMessage(`"slow"`)))
	assert.Equal(t, 0, tr.len())
}

func TestActionTrackerReusedID(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	tr := newActionTracker(30*time.Millisecond, func(instance string, id json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, instance+" "+string(id))
	})
	tr.track("i1", json.RawMessage(`"abc"`))
	tr.track("i1", json.RawMessage(`"abc"`))
	assert.Equal(t, 2, tr.len())

	// the first call ends, the second one hangs
	assert.True(t, tr.complete("i1", json.RawMessage(`"abc"`)))
	assert.Equal(t, 1, tr.len())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.len())
	assert.False(t, tr.complete("i1", json.RawMessage(`"abc"`)), "late end frames are dropped")

	tr.track("i2", json.RawMessage(`7`))
	tr.track("i2", json.RawMessage(`7`))
	assert.Equal(t, []json.RawMessage{json.RawMessage(`7`), json.RawMessage(`7`)}, tr.drop("i2"))
	assert.Equal(t, 0, tr.len())
}
