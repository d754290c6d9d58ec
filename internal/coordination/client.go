package coordination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"veda/internal/clock"
	"veda/internal/logging"
	"veda/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout        = 10 * time.Second
	defaultReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

var ErrNotConnected = errors.New("coordination relay not connected")

type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type ClientOptions struct {
	URL            string
	Name           string
	Token          string
	Dialer         Dialer
	ReconnectDelay time.Duration
	Clock          clock.Clock
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// Client keeps one websocket to the relay open, reconnecting with backoff,
// and hands relevant envelopes to the registered handlers.
type Client struct {
	url      string
	name     string
	token    string
	dialer   Dialer
	delay    time.Duration
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
	writeMu  sync.Mutex
	mu       sync.Mutex
	conn     *websocket.Conn
	handlers []func(Envelope)
	ready    chan struct{}
}

func NewClient(opts ClientOptions) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	return &Client{
		url:     opts.URL,
		name:    opts.Name,
		token:   opts.Token,
		dialer:  opts.Dialer,
		delay:   opts.ReconnectDelay,
		clock:   opts.Clock,
		logger:  opts.Logger.With(map[string]string{logging.FieldCategory: "coordination"}),
		metrics: opts.Metrics,
		ready:   make(chan struct{}),
	}
}

func (c *Client) Name() string {
	return c.name
}

// OnReceive registers a handler for envelopes relevant to this client.
// Handlers run on the read goroutine.
func (c *Client) OnReceive(handler func(Envelope)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// Ready is closed the first time a connection is established.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Send fills in the id, sender and timestamp when missing and writes the
// envelope to the relay.
func (c *Client) Send(ctx context.Context, env Envelope) (Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.From == "" {
		env.From = c.name
	}
	if env.Timestamp == 0 {
		env.Timestamp = c.clock.Now().Unix()
	}
	payload, err := Encode(env)
	if err != nil {
		return env, fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return env, ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return env, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return env, fmt.Errorf("write envelope: %w", err)
	}
	c.metrics.IncCoordinationSent()
	return env, nil
}

// Run connects and reads until ctx is done, reconnecting after failures.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := RelayURL(c.url, c.name)
	if err != nil {
		return err
	}
	delay := c.delay
	var readyOnce sync.Once
	for {
		conn, err := c.dial(ctx, wsURL)
		if err == nil {
			delay = c.delay
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			readyOnce.Do(func() { close(c.ready) })
			c.logger.Info("coordination relay connected", map[string]string{"url": wsURL})
			err = c.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("coordination relay disconnected", map[string]string{
			logging.FieldError: err.Error(),
			"retry_in":         delay.String(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	header := http.Header{}
	if token := strings.TrimSpace(c.token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial coordination relay: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := Decode(data)
		if err != nil {
			c.logger.Warn("undecodable coordination envelope", map[string]string{logging.FieldError: err.Error()})
			continue
		}
		if !env.RelevantTo(c.name) {
			continue
		}
		c.metrics.IncCoordinationReceived()
		c.mu.Lock()
		handlers := append([]func(Envelope){}, c.handlers...)
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(env)
		}
	}
}

// RelayURL turns an http(s) or ws(s) base URL into the relay endpoint.
func RelayURL(baseURL, name string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", errors.New("relay URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported relay URL scheme")
	}
	if !strings.HasSuffix(parsed.Path, RelayPath) {
		parsed.Path = strings.TrimRight(parsed.Path, "/") + RelayPath
	}
	query := parsed.Query()
	if name != "" {
		query.Set("name", name)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
