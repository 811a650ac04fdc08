package broker

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

type actionKey struct {
	instance string
	action   string
}

type pendingAction struct {
	id    json.RawMessage
	timer *time.Timer
}

// actionTracker remembers the actions forwarded to kernels until their end frame arrives.
// An action that is not ended within timeout is expired; its late end frame is dropped.
// Calls that reuse an action id are tracked separately, in forwarding order.
type actionTracker struct {
	timeout   time.Duration
	onTimeout func(instance string, id json.RawMessage)

	mu      sync.Mutex
	pending map[actionKey][]*pendingAction
	// expired counts the late end frames still to be dropped per key.
	expired map[actionKey]int
}

func newActionTracker(timeout time.Duration, onTimeout func(instance string, id json.RawMessage)) *actionTracker {
	return &actionTracker{
		timeout:   timeout,
		onTimeout: onTimeout,
		pending:   map[actionKey][]*pendingAction{},
		expired:   map[actionKey]int{},
	}
}

func newActionKey(instance string, id json.RawMessage) actionKey {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return actionKey{instance: instance, action: string(id)}
	}
	return actionKey{instance: instance, action: buf.String()}
}

func (t *actionTracker) track(instance string, id json.RawMessage) {
	key := newActionKey(instance, id)
	p := &pendingAction{id: append(json.RawMessage(nil), id...)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timeout > 0 {
		p.timer = time.AfterFunc(t.timeout, func() { t.expire(key, p) })
	}
	t.pending[key] = append(t.pending[key], p)
}

func (t *actionTracker) expire(key actionKey, p *pendingAction) {
	t.mu.Lock()
	if !t.remove(key, p) {
		t.mu.Unlock()
		return
	}
	t.expired[key]++
	t.mu.Unlock()
	t.onTimeout(key.instance, p.id)
}

// remove deletes p from the pending calls of key. The caller holds t.mu.
func (t *actionTracker) remove(key actionKey, p *pendingAction) bool {
	calls := t.pending[key]
	for i, c := range calls {
		if c != p {
			continue
		}
		calls = append(calls[:i:i], calls[i+1:]...)
		if len(calls) == 0 {
			delete(t.pending, key)
		} else {
			t.pending[key] = calls
		}
		return true
	}
	return false
}

// complete records the end of an action and reports whether its end frame should be forwarded.
// Kernels handle signals serially, so end frames arrive in forwarding order and an
// expired call always precedes the calls still pending under the same key.
func (t *actionTracker) complete(instance string, id json.RawMessage) bool {
	key := newActionKey(instance, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.expired[key]; n > 0 {
		if n == 1 {
			delete(t.expired, key)
		} else {
			t.expired[key] = n - 1
		}
		return false
	}
	if calls := t.pending[key]; len(calls) > 0 {
		p := calls[0]
		if p.timer != nil {
			p.timer.Stop()
		}
		t.remove(key, p)
	}
	return true
}

// drop forgets every action of instance and returns one id per call still pending.
func (t *actionTracker) drop(instance string) []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []json.RawMessage
	for key, calls := range t.pending {
		if key.instance != instance {
			continue
		}
		for _, p := range calls {
			if p.timer != nil {
				p.timer.Stop()
			}
			ids = append(ids, p.id)
		}
		delete(t.pending, key)
	}
	for key := range t.expired {
		if key.instance == instance {
			delete(t.expired, key)
		}
	}
	return ids
}

func (t *actionTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, calls := range t.pending {
		n += len(calls)
	}
	return n
}
