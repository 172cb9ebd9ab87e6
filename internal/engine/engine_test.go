package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/thecodekitchen/mcpsock/internal/wire"
	"github.com/thecodekitchen/mcpsock/registry"
)

type fakeConn struct {
	id       string
	notified []any
}

func (f *fakeConn) ConnectionID() string { return f.id }

func (f *fakeConn) Notify(ctx context.Context, data any) error {
	f.notified = append(f.notified, data)
	return nil
}

func mustMessage(t *testing.T, raw string) *wire.Message {
	t.Helper()
	msg, err := wire.DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/data/query_data", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return map[string]string{"result": "Data for query: " + args.Query}, nil
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{id: "c1"}, mustMessage(t, `{"method":"/tools/data/query_data","params":{"query":"sales Q1"},"id":7}`))

	got, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	want := `{"result":{"result":"Data for query: sales Q1"},"id":7}`
	if string(got) != want {
		t.Fatalf("envelope = %s, want %s", got, want)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/boom", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return nil, registry.Errorf(wire.KindInvalidParams, "query is required")
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/tools/boom","id":"a"}`))

	if env.Err == nil {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	if env.Err.Kind != wire.KindInvalidParams {
		t.Errorf("kind = %q, want %q", env.Err.Kind, wire.KindInvalidParams)
	}
	if env.Err.Message != "query is required" {
		t.Errorf("message = %q", env.Err.Message)
	}
	if env.ID.String() != "a" {
		t.Errorf("id = %q, want a", env.ID.String())
	}
}

func TestDispatchPlainErrorBecomesHandlerError(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/fail", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return nil, fmt.Errorf("upstream unavailable")
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/tools/fail","id":1}`))

	if env.Err == nil || env.Err.Kind != wire.KindHandlerError {
		t.Fatalf("expected handler_error envelope, got %+v", env)
	}
	if env.Err.Message != "upstream unavailable" {
		t.Errorf("message = %q", env.Err.Message)
	}
}

func TestDispatchPanicContained(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/panic", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		panic("boom")
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/tools/panic","id":2}`))

	if env.Err == nil || env.Err.Kind != wire.KindInternalError {
		t.Fatalf("expected internal_error envelope, got %+v", env)
	}
	if !strings.Contains(env.Err.Message, "boom") {
		t.Errorf("message = %q, want to contain panic value", env.Err.Message)
	}
}

func TestDispatchFallbackReceivesMethodName(t *testing.T) {
	reg := registry.New()
	var calls int
	reg.SetFallback(func(ctx context.Context, conn registry.ConnInfo, method string, params json.RawMessage) (any, error) {
		calls++
		return nil, fmt.Errorf("Unknown method: %s", method)
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/bogus","id":3}`))

	if calls != 1 {
		t.Fatalf("fallback called %d times, want 1", calls)
	}
	if env.Err == nil || env.Err.Message != "Unknown method: /bogus" {
		t.Fatalf("envelope = %+v, want fallback error preserved", env)
	}
}

func TestDispatchNoFallbackIsMethodNotFound(t *testing.T) {
	e := New(registry.New())
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/tools/missing","id":4}`))

	if env.Err == nil || env.Err.Kind != wire.KindMethodNotFound {
		t.Fatalf("expected method_not_found envelope, got %+v", env)
	}
	if env.ID.String() != "4" {
		t.Errorf("id = %q, want 4", env.ID.String())
	}
}

func TestDispatchBuiltinList(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/data/query_data", nopHandler, registry.WithDescription("query the data store"))
	reg.MustRegister(registry.CategoryTool, "/chat/send", nopHandler)

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/tools/list","id":5}`))

	if env.Err != nil {
		t.Fatalf("unexpected error envelope: %+v", env.Err)
	}
	var body struct {
		Tools []registry.Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(env.Result, &body); err != nil {
		t.Fatalf("decode list result: %v", err)
	}
	if len(body.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(body.Tools))
	}
	if body.Tools[0].Name != "/chat/send" || body.Tools[1].Name != "/data/query_data" {
		t.Errorf("unexpected ordering: %+v", body.Tools)
	}
	if body.Tools[1].Description != "query the data store" {
		t.Errorf("description = %q", body.Tools[1].Description)
	}
}

func TestDispatchListOverriddenByRegisteredHandler(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/list", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return map[string]string{"custom": "yes"}, nil
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"/tools/list","id":6}`))

	if string(env.Result) != `{"custom":"yes"}` {
		t.Fatalf("result = %s, want custom handler output", env.Result)
	}
}

func TestInitializeDefaults(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/data/query_data", nopHandler)

	e := New(reg, WithServerInfo("gateway", "1.2.3"))
	env := e.Dispatch(context.Background(), &fakeConn{}, mustMessage(t, `{"method":"initialize","id":1}`))

	var result InitializeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if result.ProtocolVersion != wire.ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, wire.ProtocolVersion)
	}
	if result.ServerInfo.Name != "gateway" || result.ServerInfo.Version != "1.2.3" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if _, ok := result.Capabilities["tools"]; !ok {
		t.Errorf("capabilities missing tools: %v", result.Capabilities)
	}
	if _, ok := result.Capabilities["notifications"]; !ok {
		t.Errorf("capabilities missing notifications: %v", result.Capabilities)
	}
	if _, ok := result.Capabilities["resources"]; ok {
		t.Errorf("empty category advertised: %v", result.Capabilities)
	}
}

func TestInitializeVersionPassthroughAndIdempotent(t *testing.T) {
	e := New(registry.New())
	msg := mustMessage(t, `{"method":"initialize","params":{"protocolVersion":"2.1"},"id":1}`)

	first := e.Dispatch(context.Background(), &fakeConn{}, msg)
	second := e.Dispatch(context.Background(), &fakeConn{}, msg)

	for _, env := range []*wire.Envelope{first, second} {
		var result InitializeResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			t.Fatalf("decode initialize result: %v", err)
		}
		if result.ProtocolVersion != "2.1" {
			t.Errorf("protocolVersion = %q, want 2.1", result.ProtocolVersion)
		}
	}
}

func TestInitializeCustomHandler(t *testing.T) {
	reg := registry.New()
	reg.SetInitialize(func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return map[string]string{"greeting": "hello " + conn.ConnectionID()}, nil
	})

	e := New(reg)
	env := e.Dispatch(context.Background(), &fakeConn{id: "c9"}, mustMessage(t, `{"method":"initialize","id":1}`))

	if string(env.Result) != `{"greeting":"hello c9"}` {
		t.Fatalf("result = %s", env.Result)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		method string
		cat    registry.Category
		path   string
		ok     bool
	}{
		{"/tools/data/query_data", registry.CategoryTool, "/data/query_data", true},
		{"tools/echo", registry.CategoryTool, "/echo", true},
		{"/resources/logs/recent", registry.CategoryResource, "/logs/recent", true},
		{"/prompts/greeting", registry.CategoryPrompt, "/greeting", true},
		{"//tools//echo", registry.CategoryTool, "/echo", true},
		{"initialize", "", "", false},
		{"/tools", "", "", false},
		{"/widgets/echo", "", "", false},
		{"/bogus", "", "", false},
	}
	for _, tc := range cases {
		cat, path, ok := SplitMethod(tc.method)
		if cat != tc.cat || path != tc.path || ok != tc.ok {
			t.Errorf("SplitMethod(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.method, cat, path, ok, tc.cat, tc.path, tc.ok)
		}
	}
}

func nopHandler(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
	return map[string]any{}, nil
}
