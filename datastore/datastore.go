// Package datastore provides an in-memory key-value store that notifies listeners on change.
package datastore

import (
	"sort"
	"sync"
)

// Listener is called with the key and value of every successful Set.
type Listener func(key string, value any)

type listenerEntry struct {
	id int
	fn Listener
}

// Datastore maps string keys to arbitrary JSON-encodable values.
//
// Notifications are serialized per store, so listeners observe mutations in the order they were made,
// even when more than one goroutine sets keys. A listener may read the store that invoked it
// but must not call Set on it.
type Datastore struct {
	name string

	notifyMu  sync.Mutex
	mu        sync.Mutex
	data      map[string]any
	listeners []listenerEntry
	nextID    int
}

// New returns an empty Datastore. The name is only used for identification.
func New(name string) *Datastore {
	return &Datastore{
		name: name,
		data: map[string]any{},
	}
}

func (d *Datastore) Name() string { return d.name }

// Set stores value under key and synchronously invokes every listener, in registration order.
func (d *Datastore) Set(key string, value any) {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	d.data[key] = value
	listeners := append([]listenerEntry(nil), d.listeners...)
	d.mu.Unlock()

	for _, l := range listeners {
		l.fn(key, value)
	}
}

// Get returns the value stored under key, and false if there is none.
func (d *Datastore) Get(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[key]
	return v, ok
}

// OnChange registers a listener and returns a func that unregisters it.
func (d *Datastore) OnChange(fn Listener) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners = append(d.listeners, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Keys returns the stored keys in sorted order.
func (d *Datastore) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the stored values.
func (d *Datastore) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := make(map[string]any, len(d.data))
	for k, v := range d.data {
		m[k] = v
	}
	return m
}

func (d *Datastore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data)
}
