package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/databench/bus"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Session is a browser connection attached to one instance.
// Send is called from the broker's event loop and must not block.
type Session interface {
	Send(f bus.Frame)
}

const (
	sessionBuffer    = 1024
	sessionReadLimit = 1 << 20
)

// Frontend serves browser sessions over WebSockets.
//
//	GET /analyses              lists the analysis kinds and their instances
//	GET /analyses/:kind/ws     attaches a new instance of kind for the connection
//	GET /metrics               Prometheus metrics
type Frontend struct {
	log    *zap.SugaredLogger
	broker *Broker
	router *httprouter.Router
}

func NewFrontend(log *zap.SugaredLogger, b *Broker) *Frontend {
	f := &Frontend{
		log:    log.Named("frontend"),
		broker: b,
		router: httprouter.New(),
	}
	f.router.GET("/analyses", f.listAnalyses)
	f.router.GET("/analyses/:kind/ws", f.serveSession)
	f.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(b.Gatherer(), promhttp.HandlerOpts{}))
	return f
}

func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

type instanceInfo struct {
	ID      string                     `json:"id"`
	Started time.Time                  `json:"started"`
	Data    map[string]json.RawMessage `json:"data"`
}

type analysisInfo struct {
	Name      string         `json:"name"`
	Native    bool           `json:"native"`
	Instances []instanceInfo `json:"instances"`
}

func (f *Frontend) listAnalyses(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	infos := []analysisInfo{}
	for _, name := range f.broker.Analyses() {
		info := analysisInfo{
			Name:      name,
			Native:    f.broker.analyses[name].IsNative(),
			Instances: []instanceInfo{},
		}
		for _, inst := range f.broker.Registry().ByKind(name) {
			data := map[string]json.RawMessage{}
			for k, v := range inst.Data.Snapshot() {
				if raw, ok := v.(json.RawMessage); ok {
					data[k] = raw
				}
			}
			info.Instances = append(info.Instances, instanceInfo{ID: inst.ID, Started: inst.Started, Data: data})
		}
		infos = append(infos, info)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		f.log.Debugw("writing analyses list", "Error", err)
	}
}

// wsSession queues frames for a single writer goroutine.
type wsSession struct {
	log *zap.SugaredLogger
	out chan bus.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wsSession) Send(fr bus.Frame) {
	select {
	case s.out <- fr:
	case <-s.closed:
	default:
		s.log.Warnw("session is not keeping up, closing it", "Signal", fr.Signal)
		s.close()
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (f *Frontend) serveSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	kind := p.ByName("kind")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		f.log.Debugf("error accepting session WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(sessionReadLimit)
	log := f.log.With("Kind", kind)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &wsSession{
		log:    log,
		out:    make(chan bus.Frame, sessionBuffer),
		closed: make(chan struct{}),
	}
	defer sess.close()

	id, err := f.broker.Attach(ctx, kind, sess)
	if err != nil {
		log.Warnw("attaching session", "Error", err)
		status := websocket.StatusInternalError
		if errors.Is(err, ErrUnknownKind) {
			status = websocket.StatusPolicyViolation
		}
		conn.Close(status, err.Error())
		return
	}
	log = log.With("AnalysisID", id)
	defer func() {
		if err := f.broker.Detach(id); err != nil {
			log.Debugw("detaching", "Error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.closed:
				conn.Close(websocket.StatusPolicyViolation, "session too slow")
				return
			case fr := <-sess.out:
				if err := wsjson.Write(ctx, conn, fr); err != nil {
					log.Debugf("error writing frame: %s", err)
					return
				}
			}
		}
	}()

	for {
		_, b, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
			log.Debug("session closed")
			break
		}
		if err != nil {
			log.Debugf("error reading session: %s", err)
			break
		}
		msg, err := bus.DecodeMessage(b)
		if err != nil {
			log.Warnw("skipping malformed browser message", "Error", err, "Bytes", len(b))
			continue
		}
		if err := f.broker.Forward(id, msg); err != nil {
			log.Warnw("forwarding browser message", "Signal", msg.Signal, "Error", err)
		}
	}
	cancel()
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
}
