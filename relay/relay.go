// Package relay owns the per-connection lifecycle: it pumps inbound frames
// through the dispatch engine and delivers notification events back out, both
// concurrently, until either direction ends. The first pump to stop tears the
// whole connection down.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thecodekitchen/mcpsock/internal/engine"
	"github.com/thecodekitchen/mcpsock/internal/logctx"
	"github.com/thecodekitchen/mcpsock/internal/wire"
	"github.com/thecodekitchen/mcpsock/notify"
	"github.com/thecodekitchen/mcpsock/registry"
)

// Conn is one bidirectional message transport. The relay reads and writes raw
// frames; encoding and dispatch happen above this seam.
type Conn interface {
	// ReadMessage blocks until the next inbound frame arrives. It returns
	// io.EOF when the peer closed the connection normally.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage writes one outbound frame. It must be safe for concurrent
	// use: responses and notifications are written from separate goroutines.
	WriteMessage(ctx context.Context, data []byte) error

	// Close tears the transport down. It must be idempotent: the relay and
	// the transport owner may both call it.
	Close() error

	// RemoteAddr describes the peer for logging. May be empty.
	RemoteAddr() string

	// Transport names the transport kind ("websocket", "inproc").
	Transport() string
}

// Hook runs at a connection lifecycle edge.
type Hook func(ctx context.Context, conn registry.ConnInfo)

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the slog logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithNotifier sets the notification backend. Without one, connections still
// dispatch calls but ConnInfo.Notify fails.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Relay) { r.notifier = n }
}

// WithConnectHook registers a hook invoked after a connection becomes active.
func WithConnectHook(h Hook) Option {
	return func(r *Relay) { r.onConnect = append(r.onConnect, h) }
}

// WithDisconnectHook registers a hook invoked after a connection fully closes.
func WithDisconnectHook(h Hook) Option {
	return func(r *Relay) { r.onDisconnect = append(r.onDisconnect, h) }
}

// Relay serves connections against a shared dispatch engine. It is safe for
// concurrent use; each Serve call runs one connection to completion.
type Relay struct {
	engine   *engine.Engine
	notifier notify.Notifier
	log      *slog.Logger
	conns    *Set

	onConnect    []Hook
	onDisconnect []Hook
}

// New builds a Relay over the given engine.
func New(eng *engine.Engine, opts ...Option) *Relay {
	r := &Relay{
		engine: eng,
		log:    slog.Default(),
		conns:  NewSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = slog.New(logctx.Handler{Handler: r.log.Handler()})
	return r
}

// ActiveConnections reports how many connections are currently being served.
func (r *Relay) ActiveConnections() int { return r.conns.Len() }

// ConnectionIDs lists the IDs of all active connections, sorted.
func (r *Relay) ConnectionIDs() []string { return r.conns.IDs() }

// Serve runs one connection until the peer disconnects, the context is
// cancelled, or either pump fails. It always closes conn and always cleans up
// the connection's notification namespace before returning. A normal peer
// close returns nil.
func (r *Relay) Serve(ctx context.Context, conn Conn) error {
	id := uuid.NewString()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnectionID: id,
		Transport:    conn.Transport(),
		RemoteAddr:   conn.RemoteAddr(),
	})

	info := &connInfo{id: id, notifier: r.notifier, namespace: Namespace(id)}

	// Subscribe before the connection becomes visible so nothing published to
	// its namespace, whether handler Notify or a Broadcast, can land before
	// the stream exists.
	var stream notify.Stream
	if r.notifier != nil {
		s, err := r.notifier.Subscribe(ctx, info.namespace, "")
		if err != nil {
			conn.Close()
			return err
		}
		stream = s
		defer stream.Close()
	}

	r.conns.Add(id)
	r.log.InfoContext(ctx, "conn.open")
	for _, h := range r.onConnect {
		h(ctx, info)
	}

	defer func() {
		conn.Close()
		r.conns.Remove(id)
		if r.notifier != nil {
			if err := r.notifier.Cleanup(context.WithoutCancel(ctx), info.namespace); err != nil {
				r.log.WarnContext(ctx, "conn.cleanup.fail", slog.String("err", err.Error()))
			}
		}
		for _, h := range r.onDisconnect {
			h(ctx, info)
		}
		r.log.InfoContext(ctx, "conn.close")
	}()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.receivePump(ctx, conn, info) })
	eg.Go(func() error { return r.notifyPump(ctx, conn, stream) })
	// Transports whose reads are not context-aware (gorilla) need the conn
	// closed to unblock their pump once the first pump stops.
	eg.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return ctx.Err()
	})

	err := eg.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// receivePump reads frames, dispatches them, and writes the response. Frames
// are handled sequentially per connection so responses keep arrival order.
func (r *Relay) receivePump(ctx context.Context, conn Conn, info *connInfo) error {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}

		env := r.handleFrame(ctx, info, data)
		if err := r.writeEnvelope(ctx, conn, env); err != nil {
			return err
		}
	}
}

func (r *Relay) handleFrame(ctx context.Context, info *connInfo, data []byte) *wire.Envelope {
	msg, err := wire.DecodeMessage(data)
	if err != nil {
		r.log.InfoContext(ctx, "conn.frame.decode.fail", slog.String("err", err.Error()))
		return wire.NewError(nil, wire.KindDecodeError, err.Error())
	}
	if msg.Method == "" {
		return wire.NewBareError("No method specified")
	}
	return r.engine.Dispatch(ctx, info, msg)
}

// notifyPump forwards the connection's notification events as notification
// frames. Without a notifier it just parks until the connection ends.
func (r *Relay) notifyPump(ctx context.Context, conn Conn, stream notify.Stream) error {
	if stream == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Namespace cleaned up elsewhere; the connection outlives it.
				<-ctx.Done()
				return ctx.Err()
			}
			return err
		}

		env := wire.NewNotification(event.Data)
		if err := r.writeEnvelope(ctx, conn, env); err != nil {
			return err
		}
		r.log.DebugContext(ctx, "conn.notify.sent", slog.String("event_id", event.ID))
	}
}

func (r *Relay) writeEnvelope(ctx context.Context, conn Conn, env *wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(ctx, data)
}

// Broadcast queues data for delivery to every active connection. Connections
// that drop mid-iteration are skipped; delivery is best effort.
func (r *Relay) Broadcast(ctx context.Context, data any) error {
	if r.notifier == nil {
		return errors.New("no notifier configured")
	}

	payload, err := marshalNotifyPayload(data)
	if err != nil {
		return err
	}

	for _, id := range r.conns.IDs() {
		if _, err := r.notifier.Publish(ctx, Namespace(id), payload); err != nil {
			// The connection likely closed between listing and publishing.
			r.log.Debug("broadcast.publish.skip", slog.String("conn", id), slog.String("err", err.Error()))
		}
	}
	return nil
}

// Namespace is the notification namespace owned by a connection.
func Namespace(connectionID string) string { return "conn:" + connectionID }

// connInfo is the per-connection view handlers receive.
type connInfo struct {
	id        string
	notifier  notify.Notifier
	namespace string
}

func (c *connInfo) ConnectionID() string { return c.id }

// Notify queues data for delivery to this connection. Non-JSON values are
// marshaled first.
func (c *connInfo) Notify(ctx context.Context, data any) error {
	if c.notifier == nil {
		return errors.New("no notifier configured")
	}

	payload, err := marshalNotifyPayload(data)
	if err != nil {
		return err
	}
	_, err = c.notifier.Publish(ctx, c.namespace, payload)
	return err
}

func marshalNotifyPayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

var _ registry.ConnInfo = (*connInfo)(nil)
