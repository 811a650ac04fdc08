package datastore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	key   string
	value any
}

func TestSetGet(t *testing.T) {
	d := New("instance")

	_, ok := d.Get("missing")
	assert.False(t, ok)

	d.Set("count", 10)
	v, ok := d.Get("count")
	require.True(t, ok)
	assert.Equal(t, 10, v)

	d.Set("count", nil)
	v, ok = d.Get("count")
	require.True(t, ok, "a nil value is still a stored value")
	assert.Nil(t, v)

	assert.Equal(t, "instance", d.Name())
	assert.Equal(t, 1, d.Len())
}

func TestListenersCalledOncePerSetInOrder(t *testing.T) {
	d := New("instance")

	var calls []string
	var first, second []change
	d.OnChange(func(key string, value any) {
		calls = append(calls, "first")
		first = append(first, change{key, value})
	})
	d.OnChange(func(key string, value any) {
		calls = append(calls, "second")
		second = append(second, change{key, value})
	})

	d.Set("a", 1)
	d.Set("b", 2)
	d.Set("a", 3)

	exp := []change{{"a", 1}, {"b", 2}, {"a", 3}}
	assert.Equal(t, exp, first)
	assert.Equal(t, exp, second)
	assert.Equal(t, []string{"first", "second", "first", "second", "first", "second"}, calls)
}

func TestCancelListener(t *testing.T) {
	d := New("class")

	var a, b int
	cancelA := d.OnChange(func(string, any) { a++ })
	d.OnChange(func(string, any) { b++ })

	d.Set("x", 1)
	cancelA()
	cancelA()
	d.Set("x", 2)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestKeysAndSnapshot(t *testing.T) {
	d := New("instance")
	d.Set("b", 2)
	d.Set("a", 1)

	assert.Equal(t, []string{"a", "b"}, d.Keys())

	snap := d.Snapshot()
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, snap)

	snap["c"] = 3
	_, ok := d.Get("c")
	assert.False(t, ok, "snapshot must be a copy")
}

func TestConcurrentSettersKeepPerKeyOrder(t *testing.T) {
	d := New("class")

	var mu sync.Mutex
	seen := map[string][]int{}
	d.OnChange(func(key string, value any) {
		mu.Lock()
		seen[key] = append(seen[key], value.(int))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		key := fmt.Sprintf("k%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d.Set(key, i)
			}
		}()
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		vals := seen[fmt.Sprintf("k%d", w)]
		require.Len(t, vals, 100)
		for i, v := range vals {
			assert.Equal(t, i, v)
		}
		v, _ := d.Get(fmt.Sprintf("k%d", w))
		assert.Equal(t, 99, v)
	}
}

func TestListenerReadsStore(t *testing.T) {
	d := New("reader")
	var seen []string
	d.OnChange(func(key string, value any) {
		v, ok := d.Get(key)
		require.True(t, ok)
		seen = append(seen, fmt.Sprintf("%s=%v keys=%v len=%d", key, v, d.Keys(), len(d.Snapshot())))
	})

	d.Set("a", 1)
	d.Set("b", 2)
	assert.Equal(t, []string{"a=1 keys=[a] len=1", "b=2 keys=[a b] len=2"}, seen)
}
