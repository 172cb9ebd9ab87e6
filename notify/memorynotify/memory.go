// Package memorynotify implements notify.Notifier with process-local channels.
// It is the default for single-node gateways and for tests.
package memorynotify

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/thecodekitchen/mcpsock/notify"
)

// Notifier delivers events over in-memory channels with per-namespace replay
// buffers. State is process-local; it is not suitable for multi-node setups.
type Notifier struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	eventSeq   atomic.Int64
}

type namespace struct {
	mu          sync.Mutex
	events      []notify.Event
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	ns     *namespace
	ch     chan notify.Event
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// replay holds history to deliver before live events. Only the consumer
	// touches it, from Next.
	replay []notify.Event
}

// New returns an empty in-memory notifier.
func New() *Notifier {
	return &Notifier{namespaces: make(map[string]*namespace)}
}

func (n *Notifier) getOrCreate(name string) *namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	ns, ok := n.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		n.namespaces[name] = ns
	}
	return ns
}

func (n *Notifier) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	ev := notify.Event{
		ID:   strconv.FormatInt(n.eventSeq.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	ns := n.getOrCreate(name)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", fmt.Errorf("namespace %q has been cleaned up", name)
	}

	ns.events = append(ns.events, ev)
	for sub := range ns.subscribers {
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
			delete(ns.subscribers, sub)
		default:
			// A subscriber that cannot keep up with a full buffer is treated
			// as failed rather than silently losing events mid-stream.
			sub.cancel()
			delete(ns.subscribers, sub)
		}
	}
	return ev.ID, nil
}

func (n *Notifier) Subscribe(ctx context.Context, name string, lastEventID string) (notify.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ns := n.getOrCreate(name)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return nil, fmt.Errorf("namespace %q has been cleaned up", name)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		ns: ns,
		// Buffered so publishers rarely block on slow consumers.
		ch:     make(chan notify.Event, 128),
		ctx:    subCtx,
		cancel: cancel,
	}
	ns.subscribers[sub] = struct{}{}

	// Replay history when resuming from a known event. The slice is copied
	// aside rather than pushed through the channel: the consumer is not
	// attached yet, so a send here could block forever with ns.mu held.
	if lastEventID != "" {
		start := -1
		for i, ev := range ns.events {
			if ev.ID == lastEventID {
				start = i + 1
				break
			}
		}
		if start >= 0 {
			sub.replay = append([]notify.Event(nil), ns.events[start:]...)
		}
	}

	return sub, nil
}

func (n *Notifier) Cleanup(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// The entry stays in the map as a closed tombstone so later publishes to
	// the dead namespace fail instead of silently recreating it. Namespace
	// names are connection UUIDs and are never reused.
	n.mu.Lock()
	ns, ok := n.namespaces[name]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.closed = true
	for sub := range ns.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			sub.cancel()
			close(sub.ch)
		}
	}
	ns.subscribers = make(map[*subscription]struct{})
	ns.events = nil
	return nil
}

func (s *subscription) Next(ctx context.Context) (notify.Event, error) {
	// Replayed history goes out first; live events queued behind it keep
	// their order.
	if len(s.replay) > 0 {
		ev := s.replay[0]
		s.replay = s.replay[1:]
		return ev, nil
	}

	select {
	case ev, ok := <-s.ch:
		if !ok {
			return notify.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return notify.Event{}, ctx.Err()
	case <-s.ctx.Done():
		// Drain anything buffered before reporting EOF.
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return notify.Event{}, io.EOF
			}
			return ev, nil
		default:
			return notify.Event{}, io.EOF
		}
	}
}

func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.ns.mu.Lock()
		delete(s.ns.subscribers, s)
		s.ns.mu.Unlock()
		s.cancel()
		close(s.ch)
	}
	return nil
}

var (
	_ notify.Notifier = (*Notifier)(nil)
	_ notify.Stream   = (*subscription)(nil)
)
