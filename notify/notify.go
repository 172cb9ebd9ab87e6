// Package notify defines the notification fan-out used to deliver
// dispatcher-originated events to connections. Each connection owns one
// namespace; events within a namespace are ordered and never reordered
// relative to each other.
package notify

import "context"

// Event wraps a notification payload with its delivery metadata.
type Event struct {
	// ID is unique and monotonically increasing within the namespace.
	ID string `json:"id"`
	// Data is the JSON-encoded notification payload.
	Data []byte `json:"data"`
}

// Notifier handles queuing and delivery of notifications per namespace.
type Notifier interface {
	// Publish appends an event to the namespace and returns its generated ID.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe returns an ordered stream of namespace events. If lastEventID
	// is empty, the stream starts from the next published event; otherwise it
	// resumes from the event after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (Stream, error)

	// Cleanup removes all state for a namespace, terminating its streams.
	Cleanup(ctx context.Context, namespace string) error
}

// Stream is an ordered event feed for a single subscriber.
type Stream interface {
	// Next blocks until an event is available or the context is cancelled.
	// Returns io.EOF once the stream is closed and drained.
	Next(ctx context.Context) (Event, error)

	// Close releases the subscription. Next fails after Close.
	Close() error
}
