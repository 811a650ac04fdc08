package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrClosed is returned when publishing on a closed Publisher.
var ErrClosed = errors.New("publisher closed")

// Client is a kernel's end of the bus.
type Client struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger

	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, opts ...ClientOption) *Client {
	c := &Client{Logger: log.Named("bus_client")}
	for _, opt := range opts {
		opt(c)
	}

	// The WebSocket handshake is retried so that a kernel started slightly before the hub serves still connects.
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	retryClient.RetryMax = 20
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Subscription receives downstream frames for one topic.
type Subscription struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	prefix []byte
}

// Subscribe opens a downstream subscription for topic and returns once the hub has registered it.
func (c *Client) Subscribe(ctx context.Context, downstreamURL, topic string) (*Subscription, error) {
	prefix := TopicPrefix(topic)
	u := downstreamURL + "?prefix=" + url.QueryEscape(prefix)
	c.Logger.Debugw("dialing downstream WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing downstream WebSocket conn: %w", err)
	}
	conn.SetReadLimit(readLimit)

	_, b, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("reading subscription ack: %w", err)
	}
	if string(b) != subscribeAck {
		conn.Close(websocket.StatusProtocolError, "expected subscription ack")
		return nil, fmt.Errorf("unexpected first downstream message %q", b)
	}

	return &Subscription{
		log:    c.Logger.Named("subscription").With("Topic", topic),
		conn:   conn,
		prefix: []byte(prefix),
	}, nil
}

// Recv blocks until the next frame for the subscribed topic arrives.
func (s *Subscription) Recv(ctx context.Context) ([]byte, error) {
	for {
		_, b, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(b, s.prefix) {
			s.log.Debugw("ignoring frame for another topic", "Bytes", len(b))
			continue
		}
		return b, nil
	}
}

func (s *Subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Publisher sends upstream envelopes. It is safe for concurrent use.
type Publisher struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *Client) DialPublisher(ctx context.Context, upstreamURL string) (*Publisher, error) {
	c.Logger.Debugw("dialing upstream WebSocket", "URL", upstreamURL)
	conn, _, err := websocket.Dial(ctx, upstreamURL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing upstream WebSocket conn: %w", err)
	}
	return &Publisher{
		log:  c.Logger.Named("publisher"),
		conn: conn,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return wsjson.Write(ctx, p.conn, env)
}

// Close closes the upstream connection. Later calls to Publish return ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.conn.Close(websocket.StatusNormalClosure, "")
	p.log.Debugw("closed publisher", "Error", err)
	return err
}
