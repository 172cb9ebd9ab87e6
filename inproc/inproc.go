// Package inproc is the in-process transport: a channel pipe whose server end
// plugs into a relay and whose client end plugs into a client. It exists for
// embedding a gateway in the same process and for end-to-end tests without a
// listener.
package inproc

import (
	"context"
	"io"
	"sync"

	"github.com/thecodekitchen/mcpsock/client"
	"github.com/thecodekitchen/mcpsock/relay"
)

// Connect starts serving a new in-process connection on r and returns the
// client attached to its other end. Closing the client, cancelling ctx, or
// the relay dropping the connection all tear the pipe down.
func Connect(ctx context.Context, r *relay.Relay, opts ...client.Option) *client.Client {
	p := newPipe()
	go func() {
		defer p.close()
		r.Serve(ctx, &serverEnd{p: p})
	}()
	return client.New(&clientEnd{p: p}, opts...)
}

// pipe is a bidirectional in-memory message channel shared by both ends.
// Closing either end closes the whole pipe.
type pipe struct {
	clientToServer chan []byte
	serverToClient chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newPipe() *pipe {
	return &pipe{
		clientToServer: make(chan []byte, 16),
		serverToClient: make(chan []byte, 16),
		closed:         make(chan struct{}),
	}
}

func (p *pipe) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *pipe) read(ctx context.Context, ch <-chan []byte) ([]byte, error) {
	// Drain pending frames even when the pipe has already closed so nothing
	// written before the close is lost.
	select {
	case data := <-ch:
		return data, nil
	default:
	}
	select {
	case data := <-ch:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) write(ctx context.Context, ch chan<- []byte, data []byte) error {
	select {
	case ch <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

type serverEnd struct{ p *pipe }

func (s *serverEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	return s.p.read(ctx, s.p.clientToServer)
}

func (s *serverEnd) WriteMessage(ctx context.Context, data []byte) error {
	return s.p.write(ctx, s.p.serverToClient, data)
}

func (s *serverEnd) Close() error {
	s.p.close()
	return nil
}

func (s *serverEnd) RemoteAddr() string { return "inproc" }
func (s *serverEnd) Transport() string  { return "inproc" }

type clientEnd struct{ p *pipe }

func (c *clientEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	return c.p.read(ctx, c.p.serverToClient)
}

func (c *clientEnd) WriteMessage(ctx context.Context, data []byte) error {
	return c.p.write(ctx, c.p.clientToServer, data)
}

func (c *clientEnd) Close() error {
	c.p.close()
	return nil
}

var (
	_ relay.Conn  = (*serverEnd)(nil)
	_ client.Conn = (*clientEnd)(nil)
)
