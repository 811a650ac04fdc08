package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/databench/bus"
	"github.com/guseggert/databench/datastore"
	internalnet "github.com/guseggert/databench/internal/net"
	"github.com/guseggert/databench/kernel"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownKind     = errors.New("unknown analysis kind")
	ErrUnknownInstance = errors.New("unknown analysis instance")
	ErrKernelStart     = errors.New("kernel failed to start")
	ErrStopped         = errors.New("broker stopped")
)

const (
	errActionTimedOut = "action timed out"
	errKernelExited   = "kernel exited"
)

// Broker starts kernels for browser sessions and routes frames between them.
type Broker struct {
	log      *zap.SugaredLogger
	hub      *bus.Hub
	listener net.Listener
	registry *Registry
	metrics  *Metrics
	promReg  *prometheus.Registry

	downstreamURL string
	upstreamURL   string

	analyses  map[string]Analysis
	classData map[string]*datastore.Datastore

	readyTimeout  time.Duration
	detachTimeout time.Duration
	actionTimeout time.Duration
	clientOptions []bus.ClientOption

	actions *actionTracker

	mu      sync.Mutex
	pending map[string]chan struct{}

	events     chan func()
	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

type Option func(b *Broker)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// WithAnalyses adds external analyses, usually the result of Discover.
func WithAnalyses(analyses ...Analysis) Option {
	return func(b *Broker) {
		for _, a := range analyses {
			b.analyses[a.Name] = a
		}
	}
}

// WithNativeKind adds a kind whose instances run in the broker process.
func WithNativeKind(kind *kernel.Kind) Option {
	return func(b *Broker) {
		b.analyses[kind.Name()] = Analysis{Name: kind.Name(), Native: kind}
	}
}

// WithReadyTimeout bounds how long a kernel may take to announce itself.
func WithReadyTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.readyTimeout = d
	}
}

// WithDetachTimeout bounds how long a kernel may take to exit after its disconnect before it is killed.
func WithDetachTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.detachTimeout = d
	}
}

// WithActionTimeout sets how long an action may run before the broker ends it with an error. Zero disables it.
func WithActionTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.actionTimeout = d
	}
}

// WithMetricsRegistry registers the broker's metrics with reg instead of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(b *Broker) {
		b.promReg = reg
	}
}

// WithClientOptions customizes the bus clients of native kernels.
func WithClientOptions(opts ...bus.ClientOption) Option {
	return func(b *Broker) {
		b.clientOptions = append(b.clientOptions, opts...)
	}
}

// New builds a broker whose bus is served on busListener. The listener is owned by the broker from here on.
func New(busListener net.Listener, opts ...Option) *Broker {
	b := &Broker{
		log:           zap.NewNop().Sugar(),
		listener:      busListener,
		registry:      NewRegistry(),
		analyses:      map[string]Analysis{},
		classData:     map[string]*datastore.Datastore{},
		readyTimeout:  10 * time.Second,
		detachTimeout: 5 * time.Second,
		actionTimeout: 2 * time.Minute,
		pending:       map[string]chan struct{}{},
		events:        make(chan func(), 256),
		done:          make(chan struct{}),

		downstreamURL: internalnet.URL("ws", busListener, bus.DownstreamPath),
		upstreamURL:   internalnet.URL("ws", busListener, bus.UpstreamPath),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.Named("broker")
	if b.promReg == nil {
		b.promReg = prometheus.NewRegistry()
	}
	b.metrics = NewMetrics(b.promReg)
	b.hub = bus.NewHub(b.log.Named("hub"))
	b.actions = newActionTracker(b.actionTimeout, b.actionTimedOut)
	b.baseCtx, b.baseCancel = context.WithCancel(context.Background())

	for name, a := range b.analyses {
		mirror := datastore.New(name)
		if !a.IsNative() {
			kind := name
			mirror.OnChange(func(key string, value any) { b.broadcastClassData(kind, key, value) })
		}
		b.classData[name] = mirror
	}
	return b
}

func (b *Broker) Registry() *Registry { return b.registry }

func (b *Broker) Metrics() *Metrics { return b.metrics }

// Gatherer exposes the metrics registry, e.g. to promhttp.
func (b *Broker) Gatherer() prometheus.Gatherer { return b.promReg }

// Analyses returns the names of the known kinds, sorted.
func (b *Broker) Analyses() []string {
	names := make([]string, 0, len(b.analyses))
	for name := range b.analyses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run serves the bus and routes frames until ctx is done. Every kernel is stopped before it returns.
func (b *Broker) Run(ctx context.Context) error {
	srv := &http.Server{Handler: b.hub}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		b.log.Infow("serving bus", "Downstream", b.downstreamURL, "Upstream", b.upstreamURL)
		err := srv.Serve(b.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving bus: %w", err)
	})
	group.Go(func() error {
		<-ctx.Done()
		b.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		b.loop(ctx)
		return nil
	})
	return group.Wait()
}

func (b *Broker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.hub.Upstream():
			b.route(env)
		case fn := <-b.events:
			fn()
		}
	}
}

func (b *Broker) stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		for _, inst := range b.registry.List() {
			b.registry.Remove(inst.ID)
			b.metrics.InstancesActive.WithLabelValues(inst.Kind).Dec()
			inst.proc.Kill()
		}
		b.hub.Close()
		b.baseCancel()
	})
}

// post queues fn to run on the event loop.
func (b *Broker) post(fn func()) bool {
	select {
	case b.events <- fn:
		return true
	case <-b.done:
		return false
	}
}

// do runs fn on the event loop and waits for it.
func (b *Broker) do(fn func()) error {
	finished := make(chan struct{})
	if !b.post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-b.done:
		return ErrStopped
	}
}

// Attach starts an instance of kind for sess and returns its id once the kernel is ready.
// A kernel that exits or times out before it is ready is not registered.
func (b *Broker) Attach(ctx context.Context, kind string, sess Session) (string, error) {
	a, ok := b.analyses[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	id := uuid.NewString()
	log := b.log.With("Kind", kind, "AnalysisID", id)

	ready := make(chan struct{})
	b.mu.Lock()
	b.pending[id] = ready
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	proc, err := b.launch(a, id, log)
	if err != nil {
		b.metrics.KernelFailures.WithLabelValues(kind, "launch").Inc()
		log.Warnw("launching kernel", "Error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrKernelStart, kind, err)
	}

	timer := time.NewTimer(b.readyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-proc.Done():
		b.metrics.KernelFailures.WithLabelValues(kind, "exited").Inc()
		log.Warnw("kernel exited before it was ready", "Result", proc.Result().String())
		return "", fmt.Errorf("%w: %s exited before it was ready: %s", ErrKernelStart, kind, proc.Result())
	case <-timer.C:
		proc.Kill()
		b.metrics.KernelFailures.WithLabelValues(kind, "timeout").Inc()
		log.Warnw("kernel was not ready in time", "Timeout", b.readyTimeout)
		return "", fmt.Errorf("%w: %s was not ready within %s", ErrKernelStart, kind, b.readyTimeout)
	case <-ctx.Done():
		proc.Kill()
		return "", ctx.Err()
	case <-b.done:
		proc.Kill()
		return "", ErrStopped
	}

	inst := &Instance{
		ID:      id,
		Kind:    kind,
		Session: sess,
		Data:    datastore.New(id),
		Started: time.Now(),
		proc:    proc,
	}
	var addErr error
	err = b.do(func() {
		if addErr = b.registry.Add(inst); addErr != nil {
			return
		}
		b.replayClassData(inst)
	})
	if err == nil {
		err = addErr
	}
	if err != nil {
		proc.Kill()
		return "", fmt.Errorf("registering instance: %w", err)
	}

	b.metrics.InstancesActive.WithLabelValues(kind).Inc()
	b.metrics.InstancesTotal.WithLabelValues(kind).Inc()
	go b.watch(inst)

	if err := b.publish(id, bus.Message{Signal: bus.SignalConnect}); err != nil {
		log.Warnw("publishing connect", "Error", err)
	}
	log.Info("attached instance")
	return id, nil
}

func (b *Broker) launch(a Analysis, id string, log *zap.SugaredLogger) (Process, error) {
	if a.IsNative() {
		cfg := kernel.ServeConfig{
			AnalysisID:    id,
			SubscribeURL:  b.downstreamURL,
			PublishURL:    b.upstreamURL,
			Log:           log,
			ClientOptions: b.clientOptions,
		}
		return startGoroutine(b.baseCtx, func(ctx context.Context) error {
			return kernel.Serve(ctx, a.Native, cfg)
		}), nil
	}

	command := append([]string(nil), a.Command...)
	command = append(command,
		"--analysis-id="+id,
		"--subscribe="+b.downstreamURL,
		"--publish="+b.upstreamURL,
	)
	var env []string
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return startExec(log.Named("process"), processRequest{Command: command, Env: env, Dir: a.Dir})
}

func (b *Broker) watch(inst *Instance) {
	select {
	case <-inst.proc.Done():
		b.post(func() { b.kernelExited(inst) })
	case <-b.done:
	}
}

// Forward publishes a browser message to the kernel of instance id.
func (b *Broker) Forward(id string, msg bus.Message) error {
	if _, ok := b.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if msg.HasAction() {
		b.actions.track(id, msg.ActionID)
	}
	return b.publish(id, msg)
}

func (b *Broker) publish(id string, msg bus.Message) error {
	n, err := b.hub.Publish(id, msg)
	if err != nil {
		return fmt.Errorf("publishing %q: %w", msg.Signal, err)
	}
	b.metrics.FramesDownstream.Inc()
	if n == 0 {
		b.log.Warnw("no subscriber for instance", "AnalysisID", id, "Signal", msg.Signal)
	}
	return nil
}

// Detach disconnects instance id and waits for its kernel to exit, killing it after the detach timeout.
func (b *Broker) Detach(id string) error {
	inst, ok := b.registry.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	log := b.log.With("Kind", inst.Kind, "AnalysisID", id)
	b.metrics.InstancesActive.WithLabelValues(inst.Kind).Dec()
	b.actions.drop(id)

	if err := b.publish(id, bus.Message{Signal: bus.SignalDisconnect}); err != nil {
		log.Warnw("publishing disconnect", "Error", err)
	}

	timer := time.NewTimer(b.detachTimeout)
	defer timer.Stop()
	select {
	case <-inst.proc.Done():
		log.Infow("detached instance", "Result", inst.proc.Result().String())
	case <-timer.C:
		log.Warnw("kernel did not exit after disconnect, killing it", "Timeout", b.detachTimeout)
		inst.proc.Kill()
	case <-b.done:
	}
	return nil
}

func (b *Broker) markReady(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[id]
	if ok {
		close(ch)
		delete(b.pending, id)
	}
	return ok
}

// route handles one upstream envelope on the event loop.
func (b *Broker) route(env bus.Envelope) {
	f := env.Frame
	b.metrics.FramesUpstream.WithLabelValues(signalLabel(f.Signal)).Inc()

	if f.Signal == bus.SignalReady {
		if !b.markReady(env.AnalysisID) {
			b.log.Debugw("ready from an instance nobody is waiting for", "AnalysisID", env.AnalysisID)
		}
		return
	}

	inst, ok := b.registry.Get(env.AnalysisID)
	if !ok {
		b.log.Debugw("dropping frame for unknown instance", "AnalysisID", env.AnalysisID, "Signal", f.Signal)
		return
	}

	switch f.Signal {
	case bus.SignalData:
		for k, v := range decodeMembers(b.log, f) {
			inst.Data.Set(k, v)
		}

	case bus.SignalClassData:
		mirror := b.classData[inst.Kind]
		members := decodeMembers(b.log, f)
		keys := make([]string, 0, len(members))
		for k := range members {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			mirror.Set(k, members[k])
		}
		// external kernels do not share memory, so their class data reaches every session of the kind through the mirror
		if !b.analyses[inst.Kind].IsNative() {
			return
		}

	case bus.SignalAction:
		var st bus.ActionStatus
		if err := json.Unmarshal(f.Load, &st); err == nil && st.Status == bus.ActionEnd {
			if !b.actions.complete(inst.ID, st.ID) {
				b.log.Debugw("dropping end of expired action", "AnalysisID", inst.ID, "ActionID", string(st.ID))
				return
			}
		}
	}

	inst.Session.Send(f)
}

func decodeMembers(log *zap.SugaredLogger, f bus.Frame) map[string]json.RawMessage {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(f.Load, &members); err != nil {
		log.Warnw("frame load is not an object", "Signal", f.Signal, "Error", err)
	}
	return members
}

func signalLabel(signal string) string {
	switch signal {
	case bus.SignalData, bus.SignalClassData, bus.SignalAction, bus.SignalLog, bus.SignalReady:
		return signal
	}
	return "other"
}

func (b *Broker) broadcastClassData(kind, key string, value any) {
	f, err := bus.NewFrame(bus.SignalClassData, map[string]any{key: value})
	if err != nil {
		b.log.Warnw("encoding class data", "Kind", kind, "Key", key, "Error", err)
		return
	}
	for _, inst := range b.registry.ByKind(kind) {
		inst.Session.Send(f)
	}
}

func (b *Broker) replayClassData(inst *Instance) {
	mirror := b.classData[inst.Kind]
	for _, key := range mirror.Keys() {
		v, ok := mirror.Get(key)
		if !ok {
			continue
		}
		f, err := bus.NewFrame(bus.SignalClassData, map[string]any{key: v})
		if err != nil {
			continue
		}
		inst.Session.Send(f)
	}
}

func (b *Broker) actionTimedOut(id string, actionID json.RawMessage) {
	b.post(func() {
		inst, ok := b.registry.Get(id)
		if !ok {
			return
		}
		b.metrics.ActionTimeouts.Inc()
		b.log.Warnw("action timed out", "AnalysisID", id, "ActionID", string(actionID))
		b.sendActionError(inst, actionID, errActionTimedOut)
	})
}

func (b *Broker) kernelExited(inst *Instance) {
	cur, ok := b.registry.Get(inst.ID)
	if !ok || cur != inst {
		return
	}
	b.registry.Remove(inst.ID)
	b.metrics.InstancesActive.WithLabelValues(inst.Kind).Dec()

	res := inst.proc.Result()
	reason := "exited"
	if res.Failed() {
		reason = "crashed"
	}
	b.metrics.KernelFailures.WithLabelValues(inst.Kind, reason).Inc()
	b.log.Warnw("kernel exited while attached", "Kind", inst.Kind, "AnalysisID", inst.ID, "Result", res.String())

	for _, actionID := range b.actions.drop(inst.ID) {
		b.sendActionError(inst, actionID, errKernelExited)
	}
	f, err := bus.NewFrame(bus.SignalLog, map[string]string{"error": errKernelExited, "result": res.String()})
	if err == nil {
		inst.Session.Send(f)
	}
}

func (b *Broker) sendActionError(inst *Instance, actionID json.RawMessage, msg string) {
	f, err := bus.NewFrame(bus.SignalAction, bus.ActionStatus{ID: actionID, Status: bus.ActionEnd, Error: msg})
	if err != nil {
		return
	}
	inst.Session.Send(f)
}
