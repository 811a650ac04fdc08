package kernel

import (
	"github.com/guseggert/databench/bus"
	"github.com/guseggert/databench/datastore"
)

// HandlerFunc handles one signal for one instance.
type HandlerFunc func(inst *Instance, load bus.Payload) error

// Transform rewrites a datastore value before it is emitted.
type Transform func(value any) any

// Kind is a named analysis: its handler table, its transforms, and the class datastore shared by its instances.
// A Kind is immutable once built.
type Kind struct {
	name string

	handlers        map[string]HandlerFunc
	dataTransforms  map[string]Transform
	classTransforms map[string]Transform

	classData *datastore.Datastore
}

type KindOption func(k *Kind)

// WithHandler sets the handler for signal.
func WithHandler(signal string, h HandlerFunc) KindOption {
	return func(k *Kind) {
		k.handlers[signal] = h
	}
}

// WithFunc sets the handler for signal to Bind(fn).
func WithFunc(signal string, fn any) KindOption {
	return WithHandler(signal, Bind(fn))
}

// WithDataTransform rewrites values set under key in the instance datastore before they are emitted.
func WithDataTransform(key string, t Transform) KindOption {
	return func(k *Kind) {
		k.dataTransforms[key] = t
	}
}

// WithClassDataTransform rewrites values set under key in the class datastore before they are emitted.
func WithClassDataTransform(key string, t Transform) KindOption {
	return func(k *Kind) {
		k.classTransforms[key] = t
	}
}

func noop(*Instance, bus.Payload) error { return nil }

// NewKind builds a Kind. Connect and disconnect do nothing unless a handler is given for them.
func NewKind(name string, opts ...KindOption) *Kind {
	k := &Kind{
		name: name,
		handlers: map[string]HandlerFunc{
			bus.SignalConnect:    noop,
			bus.SignalDisconnect: noop,
		},
		dataTransforms:  map[string]Transform{},
		classTransforms: map[string]Transform{},
		classData:       datastore.New(name),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Kind) Name() string { return k.name }

// ClassData is the datastore shared by every instance of the kind in this process.
func (k *Kind) ClassData() *datastore.Datastore { return k.classData }

// Handler looks up the handler for signal.
func (k *Kind) Handler(signal string) (HandlerFunc, bool) {
	h, ok := k.handlers[signal]
	return h, ok
}

func (k *Kind) transformData(key string, value any) any {
	if t, ok := k.dataTransforms[key]; ok {
		return t(value)
	}
	return value
}

func (k *Kind) transformClassData(key string, value any) any {
	if t, ok := k.classTransforms[key]; ok {
		return t(value)
	}
	return value
}
