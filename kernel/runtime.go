package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/databench/bus"
	"github.com/guseggert/databench/datastore"
	"go.uber.org/zap"
)

// ErrClosed is returned by Emit after the instance has disconnected.
var ErrClosed = bus.ErrClosed

// ErrHandlerPanic wraps the value recovered from a panicking handler.
var ErrHandlerPanic = errors.New("handler panicked")

// Subscriber receives downstream frames for one instance.
type Subscriber interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Publisher sends upstream envelopes.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
	Close() error
}

// Runtime runs one instance of a kind until it is disconnected.
type Runtime struct {
	log  *zap.SugaredLogger
	kind *Kind
	inst *Instance
	sub  Subscriber
	pub  Publisher

	publishTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	cancelers []func()
}

type RuntimeOption func(r *Runtime)

func WithLogger(log *zap.SugaredLogger) RuntimeOption {
	return func(r *Runtime) {
		r.log = log
	}
}

// WithPublishTimeout bounds how long a single upstream publish may block.
func WithPublishTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		r.publishTimeout = d
	}
}

// NewRuntime builds the runtime of instance id. Datastore listeners are registered immediately,
// so values set before Run are emitted as well.
func NewRuntime(kind *Kind, id string, sub Subscriber, pub Publisher, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		log:            zap.NewNop().Sugar(),
		kind:           kind,
		sub:            sub,
		pub:            pub,
		publishTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("kernel").With("Kind", kind.Name(), "AnalysisID", id)

	r.inst = &Instance{
		ID:        id,
		Kind:      kind,
		Data:      datastore.New(id),
		ClassData: kind.ClassData(),
		Log:       r.log,
		emit:      r.emit,
	}
	r.cancelers = []func(){
		r.inst.Data.OnChange(func(key string, value any) {
			r.emitLogged(bus.SignalData, map[string]any{key: kind.transformData(key, value)})
		}),
		r.inst.ClassData.OnChange(func(key string, value any) {
			r.emitLogged(bus.SignalClassData, map[string]any{key: kind.transformClassData(key, value)})
		}),
	}
	return r
}

func (r *Runtime) Instance() *Instance { return r.inst }

// Closed reports whether the instance has disconnected.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Run announces the instance upstream and dispatches downstream frames until a disconnect is handled,
// which returns nil, or until receiving fails.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.emitLoad(bus.SignalReady, map[string]string{"kind": r.kind.Name()}); err != nil {
		r.close()
		return fmt.Errorf("announcing instance: %w", err)
	}
	r.log.Debug("instance ready")

	for {
		raw, err := r.sub.Recv(ctx)
		if err != nil {
			r.close()
			return fmt.Errorf("receiving downstream frame: %w", err)
		}
		if r.dispatch(raw) {
			r.log.Debug("instance disconnected")
			return nil
		}
	}
}

// dispatch handles one frame and reports whether it was a disconnect.
func (r *Runtime) dispatch(raw []byte) bool {
	msg, err := bus.DecodeDownstream(raw, r.inst.ID)
	if err != nil {
		r.log.Warnw("skipping malformed frame", "Error", err)
		return false
	}
	h, ok := r.kind.Handler(msg.Signal)
	if !ok {
		r.log.Warnw("no handler for signal", "Signal", msg.Signal)
		return false
	}

	if msg.HasAction() {
		r.emitLogged(bus.SignalAction, bus.ActionStatus{ID: msg.ActionID, Status: bus.ActionStart})
	}

	err = r.call(h, msg)
	if err != nil {
		r.log.Warnw("handler failed", "Signal", msg.Signal, "Error", err)
	}

	if msg.HasAction() {
		end := bus.ActionStatus{ID: msg.ActionID, Status: bus.ActionEnd}
		if err != nil {
			end.Error = err.Error()
		}
		r.emitLogged(bus.SignalAction, end)
	} else if err != nil {
		r.emitLogged(bus.SignalLog, map[string]string{"error": err.Error(), "signal": msg.Signal})
	}

	if msg.Signal == bus.SignalDisconnect {
		r.close()
		return true
	}
	return false
}

func (r *Runtime) call(h HandlerFunc, msg bus.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	load, err := msg.Payload()
	if err != nil {
		return err
	}
	return h(r.inst, load)
}

func (r *Runtime) emit(f bus.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()
	return r.pub.Publish(ctx, bus.Envelope{AnalysisID: r.inst.ID, Frame: f})
}

func (r *Runtime) emitLoad(signal string, load any) error {
	f, err := bus.NewFrame(signal, load)
	if err != nil {
		return err
	}
	return r.emit(f)
}

func (r *Runtime) emitLogged(signal string, load any) {
	err := r.emitLoad(signal, load)
	switch {
	case errors.Is(err, ErrClosed):
		r.log.Debugw("dropping frame after disconnect", "Signal", signal)
	case err != nil:
		r.log.Warnw("emitting frame", "Signal", signal, "Error", err)
	}
}

// close is idempotent. Listeners are unregistered outside of r.mu, since a listener
// running on another goroutine may be waiting for it.
func (r *Runtime) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancelers := r.cancelers
	r.cancelers = nil
	if err := r.pub.Close(); err != nil {
		r.log.Debugw("closing publisher", "Error", err)
	}
	r.mu.Unlock()

	for _, c := range cancelers {
		c()
	}
}
