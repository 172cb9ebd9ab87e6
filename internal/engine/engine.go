// Package engine resolves inbound messages to handlers and converts every
// outcome into a wire envelope. It has no knowledge of transports: the relay
// feeds it messages and writes whatever envelope comes back.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thecodekitchen/mcpsock/internal/logctx"
	"github.com/thecodekitchen/mcpsock/internal/wire"
	"github.com/thecodekitchen/mcpsock/registry"
)

// InitializeMethod is the reserved bare method name for capability negotiation.
const InitializeMethod = "initialize"

// ServerInfo identifies the gateway in initialize results.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the decoded params of an initialize call.
type InitializeParams struct {
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// InitializeResult is the capability descriptor returned from initialize.
// It is static for the lifetime of the gateway: repeating the call returns
// the same set and never resets connection state.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      ServerInfo          `json:"serverInfo"`
	Capabilities    map[string]struct{} `json:"capabilities"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the slog logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithServerInfo sets the identity reported from initialize.
func WithServerInfo(name, version string) Option {
	return func(e *Engine) { e.info = ServerInfo{Name: name, Version: version} }
}

// Engine dispatches messages against an immutable registry.
type Engine struct {
	reg  *registry.Registry
	log  *slog.Logger
	info ServerInfo
}

// New builds an Engine over a registry that must not be mutated afterwards.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:  reg,
		log:  slog.Default(),
		info: ServerInfo{Name: "mcpsock", Version: "0.1.0"},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = slog.New(logctx.Handler{Handler: e.log.Handler()})
	return e
}

// Dispatch resolves and invokes the handler for msg and returns exactly one
// envelope. Every outcome, including handler errors and panics, becomes an
// envelope; nothing escapes to the caller.
func (e *Engine) Dispatch(ctx context.Context, conn registry.ConnInfo, msg *wire.Message) *wire.Envelope {
	ctx = logctx.WithCallData(ctx, &logctx.CallData{Method: msg.Method, RequestID: msg.ID.String()})

	if msg.Method == InitializeMethod {
		return e.dispatchInitialize(ctx, conn, msg)
	}

	cat, path, ok := SplitMethod(msg.Method)
	if !ok {
		return e.dispatchFallback(ctx, conn, msg)
	}

	if entry, found := e.reg.Resolve(cat, path); found {
		e.log.DebugContext(ctx, "dispatch.resolve.hit")
		result, err := e.invoke(ctx, conn, entry.Handler, msg.Params)
		return e.envelope(ctx, msg.ID, result, err)
	}

	if path == "/list" {
		e.log.DebugContext(ctx, "dispatch.list.builtin")
		return e.envelope(ctx, msg.ID, e.listResult(cat), nil)
	}

	return e.dispatchFallback(ctx, conn, msg)
}

// Initialize computes the negotiated initialize result: the client-requested
// protocol version is passed through verbatim, with the server default
// substituted when absent.
func (e *Engine) Initialize(params InitializeParams) InitializeResult {
	version := params.ProtocolVersion
	if version == "" {
		version = wire.ProtocolVersion
	}

	caps := map[string]struct{}{"notifications": {}}
	for cat, name := range map[registry.Category]string{
		registry.CategoryTool:     "tools",
		registry.CategoryResource: "resources",
		registry.CategoryPrompt:   "prompts",
	} {
		if len(e.reg.List(cat)) > 0 {
			caps[name] = struct{}{}
		}
	}

	return InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      e.info,
		Capabilities:    caps,
	}
}

func (e *Engine) dispatchInitialize(ctx context.Context, conn registry.ConnInfo, msg *wire.Message) *wire.Envelope {
	if h, ok := e.reg.Initialize(); ok {
		result, err := e.invoke(ctx, conn, h, msg.Params)
		return e.envelope(ctx, msg.ID, result, err)
	}

	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return wire.NewError(msg.ID, wire.KindDecodeError, fmt.Sprintf("invalid initialize params: %v", err))
		}
	}
	return e.envelope(ctx, msg.ID, e.Initialize(params), nil)
}

func (e *Engine) dispatchFallback(ctx context.Context, conn registry.ConnInfo, msg *wire.Message) *wire.Envelope {
	fb, ok := e.reg.Fallback()
	if !ok {
		e.log.DebugContext(ctx, "dispatch.method.miss")
		return wire.NewError(msg.ID, wire.KindMethodNotFound, fmt.Sprintf("no handler for method %q", msg.Method))
	}

	e.log.DebugContext(ctx, "dispatch.fallback")
	result, err := e.invoke(ctx, conn, func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return fb(ctx, conn, msg.Method, params)
	}, msg.Params)
	return e.envelope(ctx, msg.ID, result, err)
}

// invoke shields the dispatch path from handler panics.
func (e *Engine) invoke(ctx context.Context, conn registry.ConnInfo, h registry.Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "dispatch.handler.panic", slog.Any("panic", r))
			err = registry.Errorf(wire.KindInternalError, "handler panic: %v", r)
		}
	}()
	return h(ctx, conn, params)
}

func (e *Engine) envelope(ctx context.Context, id *wire.RequestID, result any, err error) *wire.Envelope {
	if err != nil {
		kind := wire.KindHandlerError
		message := err.Error()
		var herr *registry.HandlerError
		if errors.As(err, &herr) && herr.Kind != "" {
			kind = herr.Kind
			message = herr.Message
		}
		e.log.InfoContext(ctx, "dispatch.call.fail", slog.String("kind", kind), slog.String("err", message))
		return wire.NewError(id, kind, message)
	}

	env, merr := wire.NewResult(id, result)
	if merr != nil {
		e.log.ErrorContext(ctx, "dispatch.result.marshal.fail", slog.String("err", merr.Error()))
		return wire.NewError(id, wire.KindInternalError, "failed to encode result")
	}
	e.log.DebugContext(ctx, "dispatch.call.ok")
	return env
}

func (e *Engine) listResult(cat registry.Category) map[string][]registry.Descriptor {
	key := map[registry.Category]string{
		registry.CategoryTool:     "tools",
		registry.CategoryResource: "resources",
		registry.CategoryPrompt:   "prompts",
	}[cat]
	list := e.reg.List(cat)
	if list == nil {
		list = []registry.Descriptor{}
	}
	return map[string][]registry.Descriptor{key: list}
}

// SplitMethod maps a method name onto its registry coordinates: the leading
// path segment names the category and the remainder is the handler path.
// Bare names ("initialize") and unknown categories report ok=false.
func SplitMethod(method string) (registry.Category, string, bool) {
	trimmed := strings.TrimPrefix(registry.NormalizePath(method), "/")
	head, rest, found := strings.Cut(trimmed, "/")
	if !found || rest == "" {
		return "", "", false
	}

	var cat registry.Category
	switch head {
	case "tools":
		cat = registry.CategoryTool
	case "resources":
		cat = registry.CategoryResource
	case "prompts":
		cat = registry.CategoryPrompt
	default:
		return "", "", false
	}
	return cat, "/" + rest, true
}
