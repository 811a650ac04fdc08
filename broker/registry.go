package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/databench/datastore"
)

// ErrDuplicateID is returned when an id is registered twice.
var ErrDuplicateID = errors.New("analysis id already used")

// retiredWindow is how many removed ids the registry remembers. Older ids are
// not checked; the broker assigns random UUIDs, so they do not come back.
const retiredWindow = 4096

// Instance is an attached analysis instance as the broker sees it.
type Instance struct {
	ID      string
	Kind    string
	Session Session
	// Data mirrors the "data" frames the kernel emitted.
	Data    *datastore.Datastore
	Started time.Time

	proc Process
}

// Registry holds the attached instances. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance

	// retired holds the most recently removed ids, oldest first in retiredOrder.
	retired      map[string]struct{}
	retiredOrder []string
	retiredLimit int
}

func NewRegistry() *Registry {
	return &Registry{
		instances:    map[string]*Instance{},
		retired:      map[string]struct{}{},
		retiredLimit: retiredWindow,
	}
}

func (r *Registry) Add(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}
	if _, ok := r.retired[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}
	r.instances[inst.ID] = inst
	return nil
}

func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove unregisters id and retires it, so Add rejects it while it is among
// the last retiredWindow removed ids.
func (r *Registry) Remove(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	delete(r.instances, id)
	r.retire(id)
	return inst, true
}

func (r *Registry) retire(id string) {
	if _, ok := r.retired[id]; ok {
		return
	}
	r.retired[id] = struct{}{}
	r.retiredOrder = append(r.retiredOrder, id)
	for len(r.retiredOrder) > r.retiredLimit {
		delete(r.retired, r.retiredOrder[0])
		r.retiredOrder = r.retiredOrder[1:]
	}
}

// ByKind returns the instances of kind, ordered by start time.
func (r *Registry) ByKind(kind string) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var insts []*Instance
	for _, inst := range r.instances {
		if inst.Kind == kind {
			insts = append(insts, inst)
		}
	}
	sortInstances(insts)
	return insts
}

// List returns every instance, ordered by start time.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	sortInstances(insts)
	return insts
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

func sortInstances(insts []*Instance) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].Started.Equal(insts[j].Started) {
			return insts[i].ID < insts[j].ID
		}
		return insts[i].Started.Before(insts[j].Started)
	})
}
