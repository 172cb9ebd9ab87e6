// Package wsgateway exposes a registry over HTTP: a websocket endpoint for
// long-lived bidirectional connections, a single-shot RPC endpoint, a status
// probe, and Prometheus metrics.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thecodekitchen/mcpsock/internal/engine"
	"github.com/thecodekitchen/mcpsock/internal/logctx"
	"github.com/thecodekitchen/mcpsock/internal/wire"
	"github.com/thecodekitchen/mcpsock/notify"
	"github.com/thecodekitchen/mcpsock/registry"
	"github.com/thecodekitchen/mcpsock/relay"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures a Handler.
type Option func(*config)

type config struct {
	log          *slog.Logger
	serverName   string
	version      string
	notifier     notify.Notifier
	promRegistry *prometheus.Registry
	checkOrigin  func(*http.Request) bool
	relayOpts    []relay.Option
	rpcTimeout   time.Duration
}

// WithLogger sets the slog logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithServerInfo sets the name and version reported by initialize and the
// status endpoint.
func WithServerInfo(name, version string) Option {
	return func(c *config) {
		c.serverName = name
		c.version = version
	}
}

// WithNotifier sets the notification backend shared by all connections.
func WithNotifier(n notify.Notifier) Option {
	return func(c *config) { c.notifier = n }
}

// WithPrometheusRegistry sets the metrics registry. Defaults to a private one.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.promRegistry = reg }
}

// WithCheckOrigin sets the websocket origin policy. Defaults to gorilla's
// same-origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *config) { c.checkOrigin = fn }
}

// WithConnectHook registers a hook invoked when a connection becomes active.
func WithConnectHook(h relay.Hook) Option {
	return func(c *config) { c.relayOpts = append(c.relayOpts, relay.WithConnectHook(h)) }
}

// WithDisconnectHook registers a hook invoked when a connection closes.
func WithDisconnectHook(h relay.Hook) Option {
	return func(c *config) { c.relayOpts = append(c.relayOpts, relay.WithDisconnectHook(h)) }
}

// WithRPCTimeout bounds single-shot RPC dispatch. Defaults to 30s.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *config) { c.rpcTimeout = d }
}

// Handler is the gateway's HTTP surface. It implements http.Handler.
type Handler struct {
	log        *slog.Logger
	engine     *engine.Engine
	relay      *relay.Relay
	serverName string
	upgrader   websocket.Upgrader
	metrics    *metrics
	rpcTimeout time.Duration
	mux        *http.ServeMux
}

// New builds a Handler over an immutable registry.
func New(reg *registry.Registry, opts ...Option) *Handler {
	cfg := &config{
		log:          slog.Default(),
		serverName:   "mcpsock gateway",
		version:      "0.1.0",
		promRegistry: prometheus.NewRegistry(),
		rpcTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	eng := engine.New(reg,
		engine.WithLogger(cfg.log),
		engine.WithServerInfo(cfg.serverName, cfg.version),
	)

	m := newMetrics(cfg.promRegistry)
	relayOpts := append([]relay.Option{
		relay.WithLogger(cfg.log),
		relay.WithConnectHook(func(ctx context.Context, conn registry.ConnInfo) {
			m.connectionsTotal.Inc()
			m.activeConnections.Inc()
		}),
		relay.WithDisconnectHook(func(ctx context.Context, conn registry.ConnInfo) {
			m.activeConnections.Dec()
		}),
	}, cfg.relayOpts...)
	if cfg.notifier != nil {
		relayOpts = append(relayOpts, relay.WithNotifier(cfg.notifier))
	}

	h := &Handler{
		log:        slog.New(logctx.Handler{Handler: cfg.log.Handler()}),
		engine:     eng,
		relay:      relay.New(eng, relayOpts...),
		serverName: cfg.serverName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.checkOrigin,
		},
		metrics:    m,
		rpcTimeout: cfg.rpcTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleStatus)
	mux.HandleFunc("GET /ws", h.handleWS)
	mux.HandleFunc("POST /rpc", h.handleRPC)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.promRegistry, promhttp.HandlerOpts{}))
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Relay exposes the connection manager, e.g. for serving extra transports.
func (h *Handler) Relay() *relay.Relay { return h.relay }

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"server":             h.serverName,
		"active_connections": h.relay.ActiveConnections(),
	})
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.WarnContext(r.Context(), "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	conn := &wsConn{ws: ws}
	// The request context ends with the handshake response; serve against the
	// server's lifetime instead.
	if err := h.relay.Serve(context.WithoutCancel(r.Context()), conn); err != nil {
		h.log.WarnContext(r.Context(), "ws.serve.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.metrics.rpcRequestsTotal.WithLabelValues("unsupported_media_type").Inc()
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "content-type must be application/json"})
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.metrics.rpcRequestsTotal.WithLabelValues("decode_error").Inc()
		writeEnvelope(w, http.StatusBadRequest, wire.NewError(nil, wire.KindDecodeError, "invalid JSON body"))
		return
	}

	msg, err := wire.DecodeMessage(raw)
	if err != nil {
		h.metrics.rpcRequestsTotal.WithLabelValues("decode_error").Inc()
		writeEnvelope(w, http.StatusBadRequest, wire.NewError(nil, wire.KindDecodeError, err.Error()))
		return
	}
	if msg.Method == "" {
		h.metrics.rpcRequestsTotal.WithLabelValues("decode_error").Inc()
		writeEnvelope(w, http.StatusBadRequest, wire.NewBareError("No method specified"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.rpcTimeout)
	defer cancel()
	env := h.engine.Dispatch(ctx, &rpcConn{id: uuid.NewString()}, msg)

	if env.Err != nil {
		h.metrics.rpcRequestsTotal.WithLabelValues("error").Inc()
	} else {
		h.metrics.rpcRequestsTotal.WithLabelValues("ok").Inc()
	}
	writeEnvelope(w, http.StatusOK, env)
}

// rpcConn is the per-request view handlers see on the single-shot endpoint.
// There is no connection to push to, so Notify fails.
type rpcConn struct {
	id string
}

func (c *rpcConn) ConnectionID() string { return c.id }

func (c *rpcConn) Notify(ctx context.Context, data any) error {
	return errors.New("notifications require a websocket connection")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeEnvelope(w http.ResponseWriter, status int, env *wire.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
