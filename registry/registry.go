// Package registry maps (category, path) pairs to handlers and supports
// composing whole sub-registries under a path prefix. A registry is built once
// at startup and treated as read-only while the gateway is serving, so lookups
// need no locking.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Category partitions the handler namespace.
type Category string

const (
	CategoryTool     Category = "tool"
	CategoryResource Category = "resource"
	CategoryPrompt   Category = "prompt"
)

var (
	// ErrDuplicatePath is returned when a handler is registered at a
	// (category, path) that is already taken. Duplicate registration is a
	// configuration error and is never resolved by silent overwrite.
	ErrDuplicatePath = errors.New("duplicate handler path")
	// ErrPathCollision is returned when mounting a sub-registry would rewrite
	// one of its paths onto an existing entry.
	ErrPathCollision = errors.New("mount path collision")
	// ErrUnknownCategory is returned for categories outside the known set.
	ErrUnknownCategory = errors.New("unknown handler category")
)

// HandlerError is a domain error raised by a handler. The dispatcher converts
// it into a per-call error envelope; it is never fatal to the connection.
type HandlerError struct {
	Kind    string
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Errorf builds a HandlerError with a formatted message.
func Errorf(kind, format string, args ...any) *HandlerError {
	return &HandlerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ConnInfo is the handler's view of the connection a call arrived on.
type ConnInfo interface {
	// ConnectionID identifies the physical connection.
	ConnectionID() string
	// Notify publishes a notification to this connection's outbound stream.
	// It is delivered asynchronously, interleaved with but never reordered
	// against other notifications.
	Notify(ctx context.Context, data any) error
}

// Handler is one unit of business logic bound to a (category, path) pair.
type Handler func(ctx context.Context, conn ConnInfo, params json.RawMessage) (any, error)

// FallbackHandler is invoked when no registered path matches an inbound
// method. Unlike a normal Handler it receives the unmatched method name.
type FallbackHandler func(ctx context.Context, conn ConnInfo, method string, params json.RawMessage) (any, error)

// Descriptor is the discovery metadata attached to an entry.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Entry is an immutable registered handler.
type Entry struct {
	Category    Category
	Path        string
	Handler     Handler
	Description string
	InputSchema any
}

type key struct {
	cat  Category
	path string
}

// Registry owns the (category, path) -> Entry mapping plus at most one
// fallback handler and at most one initialize handler.
type Registry struct {
	entries    map[key]*Entry
	fallback   FallbackHandler
	initialize Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*Entry)}
}

// EntryOption customizes a registered entry.
type EntryOption func(*Entry)

// WithDescription attaches discovery metadata to the entry.
func WithDescription(desc string) EntryOption {
	return func(e *Entry) { e.Description = desc }
}

// WithInputSchema attaches a JSON schema describing the entry's params.
func WithInputSchema(schema any) EntryOption {
	return func(e *Entry) { e.InputSchema = schema }
}

// Register stores a handler at (category, path). Paths are normalized to a
// single leading slash with duplicate slashes collapsed. Registering over an
// existing entry fails with ErrDuplicatePath.
func (r *Registry) Register(cat Category, path string, h Handler, opts ...EntryOption) error {
	switch cat {
	case CategoryTool, CategoryResource, CategoryPrompt:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}
	if h == nil {
		return fmt.Errorf("handler for %s %q must not be nil", cat, path)
	}

	p := NormalizePath(path)
	k := key{cat: cat, path: p}
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicatePath, cat, p)
	}

	e := &Entry{Category: cat, Path: p, Handler: h}
	for _, opt := range opts {
		opt(e)
	}
	r.entries[k] = e
	return nil
}

// MustRegister is Register for static startup wiring; it panics on error.
func (r *Registry) MustRegister(cat Category, path string, h Handler, opts ...EntryOption) {
	if err := r.Register(cat, path, h, opts...); err != nil {
		panic(err)
	}
}

// Mount copies every entry of sub into r with its path rewritten to
// prefix + "/" + path. The merge is copy-on-mount: mutating sub afterwards
// does not affect r. Sub-registry fallback and initialize handlers are not
// propagated. Mount fails with ErrPathCollision (and applies nothing) if any
// rewritten path is already taken.
func (r *Registry) Mount(prefix string, sub *Registry) error {
	rewritten := make(map[key]*Entry, len(sub.entries))
	for _, e := range sub.entries {
		p := NormalizePath(prefix + "/" + e.Path)
		k := key{cat: e.Category, path: p}
		if _, exists := r.entries[k]; exists {
			return fmt.Errorf("%w: %s %q", ErrPathCollision, e.Category, p)
		}
		if _, exists := rewritten[k]; exists {
			return fmt.Errorf("%w: %s %q", ErrPathCollision, e.Category, p)
		}
		copied := *e
		copied.Path = p
		rewritten[k] = &copied
	}
	for k, e := range rewritten {
		r.entries[k] = e
	}
	return nil
}

// Resolve performs an exact-match lookup. There is no wildcard or prefix
// matching beyond what Mount already baked into the paths.
func (r *Registry) Resolve(cat Category, path string) (*Entry, bool) {
	e, ok := r.entries[key{cat: cat, path: NormalizePath(path)}]
	return e, ok
}

// SetFallback installs the handler invoked when no registered path matches.
func (r *Registry) SetFallback(h FallbackHandler) { r.fallback = h }

// Fallback returns the fallback handler, if any.
func (r *Registry) Fallback() (FallbackHandler, bool) {
	return r.fallback, r.fallback != nil
}

// SetInitialize replaces the default initialize handling.
func (r *Registry) SetInitialize(h Handler) { r.initialize = h }

// Initialize returns the custom initialize handler, if any.
func (r *Registry) Initialize() (Handler, bool) {
	return r.initialize, r.initialize != nil
}

// List returns the descriptors of every entry in the category, sorted by path.
func (r *Registry) List(cat Category) []Descriptor {
	var out []Descriptor
	for k, e := range r.entries {
		if k.cat != cat {
			continue
		}
		out = append(out, Descriptor{
			Name:        e.Path,
			Description: e.Description,
			InputSchema: e.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of registered entries across all categories.
func (r *Registry) Len() int { return len(r.entries) }

// NormalizePath collapses duplicate slashes and guarantees a single leading
// slash with no trailing slash (the root path stays "/").
func NormalizePath(path string) string {
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}
