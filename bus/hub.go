package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DownstreamPath = "/bus/downstream"
	UpstreamPath   = "/bus/upstream"

	readLimit = 1 << 20

	// subscribeAck is the first message on a downstream connection, sent once the subscription is registered.
	subscribeAck = "|subscribed"

	// subscriberBuffer bounds how many frames may queue for one slow subscriber before it is dropped.
	subscriberBuffer = 1024
	upstreamBuffer   = 1024
)

// Hub is the broker's end of the bus. It serves the downstream and upstream WebSocket endpoints.
// Publish never blocks on a subscriber; each subscriber has its own queue and writer.
type Hub struct {
	Log *zap.SugaredLogger

	router   *httprouter.Router
	upstream chan Envelope
	done     chan struct{}

	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	closed    bool
	closeOnce sync.Once
}

type subscriber struct {
	prefix []byte
	out    chan []byte
	cancel func()
}

func NewHub(log *zap.SugaredLogger) *Hub {
	h := &Hub{
		Log:      log,
		router:   httprouter.New(),
		upstream: make(chan Envelope, upstreamBuffer),
		done:     make(chan struct{}),
		subs:     map[*subscriber]struct{}{},
	}
	h.router.GET(DownstreamPath, h.serveDownstream)
	h.router.GET(UpstreamPath, h.serveUpstream)
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Upstream returns the channel on which every kernel's envelopes arrive.
func (h *Hub) Upstream() <-chan Envelope {
	return h.upstream
}

// Subscribers returns the number of live downstream subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish frames msg for topic and queues it for every matching subscriber.
// It returns the number of subscribers the frame was queued for.
func (h *Hub) Publish(topic string, msg Message) (int, error) {
	if topic == "" {
		return 0, errors.New("publishing with an empty topic")
	}
	frame, err := EncodeDownstream(topic, msg)
	if err != nil {
		return 0, err
	}
	return h.PublishRaw(frame), nil
}

// PublishRaw queues an already framed message for every subscriber whose prefix it matches.
func (h *Hub) PublishRaw(frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if !bytes.HasPrefix(frame, sub.prefix) {
			continue
		}
		select {
		case sub.out <- frame:
			n++
		default:
			h.Log.Warnw("dropping slow subscriber", "Prefix", string(sub.prefix))
			delete(h.subs, sub)
			sub.cancel()
		}
	}
	return n
}

// Close disconnects every subscriber and stops accepting upstream messages.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		close(h.done)
		for sub := range h.subs {
			sub.cancel()
		}
		h.subs = map[*subscriber]struct{}{}
	})
}

func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	return true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *Hub) serveDownstream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	prefix := r.URL.Query().Get("prefix")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.Log.Debugf("error accepting downstream WebSocket conn: %s", err)
		return
	}
	log := h.Log.With("Prefix", prefix)
	log.Debug("accepted downstream conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// subscribers never send anything, so any read ends the subscription
	ctx = conn.CloseRead(ctx)

	sub := &subscriber{
		prefix: []byte(prefix),
		out:    make(chan []byte, subscriberBuffer),
		cancel: cancel,
	}
	if !h.add(sub) {
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.remove(sub)

	err = conn.Write(ctx, websocket.MessageText, []byte(subscribeAck))
	if err != nil {
		log.Debugf("error acknowledging subscription: %s", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		case frame := <-sub.out:
			err := conn.Write(ctx, websocket.MessageText, frame)
			if err != nil {
				log.Debugf("error writing downstream frame: %s", err)
				return
			}
		}
	}
}

func (h *Hub) serveUpstream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.Log.Debugf("error accepting upstream WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	h.Log.Debug("accepted upstream conn")

	ctx := r.Context()
	for {
		_, b, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			h.Log.Debug("got normal closure from publisher")
			return
		}
		if err != nil {
			h.Log.Debugf("upstream reader got error: %s", err)
			conn.Close(websocket.StatusInternalError, "read error")
			return
		}

		var env Envelope
		err = json.Unmarshal(b, &env)
		if err != nil || env.AnalysisID == "" || env.Frame.Signal == "" {
			h.Log.Warnw("skipping malformed upstream message", "Error", err, "Bytes", len(b))
			continue
		}

		select {
		case h.upstream <- env:
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "hub closed")
			return
		case <-ctx.Done():
			return
		}
	}
}
