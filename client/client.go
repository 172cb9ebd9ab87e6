// Package client is a Go client for the gateway: it correlates calls with
// responses by request ID and surfaces push notifications on a channel. It
// works over any message transport; Dial provides the websocket one.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/thecodekitchen/mcpsock/internal/wire"
	"github.com/thecodekitchen/mcpsock/registry"
)

// ErrClosed indicates the client has been closed.
var ErrClosed = errors.New("client closed")

// Conn is one bidirectional message transport from the client's side.
type Conn interface {
	// ReadMessage blocks until the next frame arrives. Returns io.EOF on a
	// normal peer close.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage writes one frame. Must be safe for concurrent use.
	WriteMessage(ctx context.Context, data []byte) error
	// Close tears the transport down. Idempotent.
	Close() error
}

// Error is a structured error returned by the gateway for a call.
type Error struct {
	Message string
	Kind    string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

// ServerInfo identifies the gateway.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the capability descriptor returned by initialize.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      ServerInfo          `json:"serverInfo"`
	Capabilities    map[string]struct{} `json:"capabilities"`
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the slog logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithNotificationBuffer sets the notification channel capacity. When the
// buffer is full the oldest notification is dropped. Defaults to 32.
func WithNotificationBuffer(n int) Option {
	return func(c *Client) { c.notifyBuf = n }
}

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client issues calls over a Conn. Safe for concurrent use.
type Client struct {
	conn Conn
	log  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall

	nextID    atomic.Uint64
	notifyBuf int
	notifs    chan json.RawMessage

	closed   atomic.Bool
	closeErr error
	done     chan struct{}
}

// New wraps an established Conn and starts its read pump. The caller owns
// nothing else: Close tears down the Conn too.
func New(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:      conn,
		log:       slog.Default(),
		pending:   make(map[string]*pendingCall),
		notifyBuf: 32,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.notifs = make(chan json.RawMessage, c.notifyBuf)
	go c.readPump()
	return c
}

// Notifications returns the channel of push notification payloads. The
// channel is closed when the client closes.
func (c *Client) Notifications() <-chan json.RawMessage { return c.notifs }

// Close shuts the client down, failing any in-flight calls with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

// Call sends {method, params, id} and waits for the matching response.
// Gateway-reported failures come back as *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, c.closeError()
	}

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	id := wire.NewRequestID(int64(c.nextID.Add(1)))
	key := id.String()
	pc := &pendingCall{ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, c.closeError()
	}
	c.pending[key] = pc
	c.mu.Unlock()

	frame, err := json.Marshal(wire.Message{Method: method, Params: paramsRaw, ID: id})
	if err != nil {
		c.forget(key)
		return nil, err
	}
	if err := c.conn.WriteMessage(ctx, frame); err != nil {
		c.forget(key)
		return nil, err
	}

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(key)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeError()
	}
}

// Initialize performs the reserved initialize handshake.
func (c *Client) Initialize(ctx context.Context, protocolVersion string) (*InitializeResult, error) {
	var params any
	if protocolVersion != "" {
		params = map[string]string{"protocolVersion": protocolVersion}
	}
	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	return &result, nil
}

// CallTool invokes the tool registered under path.
func (c *Client) CallTool(ctx context.Context, path string, args any) (json.RawMessage, error) {
	return c.Call(ctx, method("tools", path), args)
}

// GetResource reads the resource registered under path.
func (c *Client) GetResource(ctx context.Context, path string, params any) (json.RawMessage, error) {
	return c.Call(ctx, method("resources", path), params)
}

// CallPrompt invokes the prompt registered under path.
func (c *Client) CallPrompt(ctx context.Context, path string, args any) (json.RawMessage, error) {
	return c.Call(ctx, method("prompts", path), args)
}

// ListTools fetches the descriptors of all registered tools.
func (c *Client) ListTools(ctx context.Context) ([]registry.Descriptor, error) {
	return c.list(ctx, "tools")
}

// ListResources fetches the descriptors of all registered resources.
func (c *Client) ListResources(ctx context.Context) ([]registry.Descriptor, error) {
	return c.list(ctx, "resources")
}

// ListPrompts fetches the descriptors of all registered prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]registry.Descriptor, error) {
	return c.list(ctx, "prompts")
}

func (c *Client) list(ctx context.Context, category string) ([]registry.Descriptor, error) {
	raw, err := c.Call(ctx, "/"+category+"/list", nil)
	if err != nil {
		return nil, err
	}
	var body map[string][]registry.Descriptor
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", category, err)
	}
	return body[category], nil
}

func (c *Client) readPump() {
	// The pump is the only sender on notifs, so it alone may close it.
	defer close(c.notifs)
	for {
		data, err := c.conn.ReadMessage(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(err)
			}
			return
		}
		c.route(data)
	}
}

func (c *Client) route(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("client.frame.decode.fail", slog.String("err", err.Error()))
		return
	}

	if env.IsNotification() {
		select {
		case c.notifs <- env.Data:
		default:
			// Drop the oldest so a slow consumer never stalls the pump.
			select {
			case <-c.notifs:
			default:
			}
			select {
			case c.notifs <- env.Data:
			default:
			}
		}
		return
	}

	if env.ID.IsNil() {
		// Uncorrelatable frame, e.g. a pre-dispatch rejection.
		c.log.Warn("client.frame.uncorrelated", slog.String("frame", string(data)))
		return
	}

	key := env.ID.String()
	c.mu.Lock()
	pc, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if env.Err != nil {
		pc.ch <- callResult{err: &Error{Message: env.Err.Message, Kind: env.Err.Kind}}
		return
	}
	pc.ch <- callResult{result: env.Result}
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) shutdown(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.closeErr = err
	for key, pc := range c.pending {
		delete(c.pending, key)
		pc.ch <- callResult{err: err}
	}
	c.mu.Unlock()

	close(c.done)
}

func (c *Client) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

func method(category, path string) string {
	return "/" + category + "/" + strings.TrimPrefix(path, "/")
}
