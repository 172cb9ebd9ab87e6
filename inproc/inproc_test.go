package inproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thecodekitchen/mcpsock/client"
	"github.com/thecodekitchen/mcpsock/internal/engine"
	"github.com/thecodekitchen/mcpsock/notify/memorynotify"
	"github.com/thecodekitchen/mcpsock/registry"
	"github.com/thecodekitchen/mcpsock/relay"
)

func newRelay(t *testing.T, reg *registry.Registry, opts ...relay.Option) *relay.Relay {
	t.Helper()
	return relay.New(engine.New(reg, engine.WithServerInfo("test-gateway", "0.0.1")), opts...)
}

func TestCallRoundTrip(t *testing.T) {
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

	c := Connect(t.Context(), newRelay(t, reg))
	defer c.Close()

	raw, err := c.CallTool(t.Context(), "/data/query_data", map[string]string{"query": "sales Q1"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if string(raw) != `{"result":"Data for query: sales Q1"}` {
		t.Errorf("result = %s", raw)
	}
}

func TestInitialize(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryPrompt, "/greeting", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return "hello", nil
	})

	c := Connect(t.Context(), newRelay(t, reg))
	defer c.Close()

	result, err := c.Initialize(t.Context(), "2.0")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if result.ProtocolVersion != "2.0" {
		t.Errorf("protocolVersion = %q, want 2.0", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "test-gateway" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if _, ok := result.Capabilities["prompts"]; !ok {
		t.Errorf("capabilities = %v, want prompts advertised", result.Capabilities)
	}
}

func TestListTools(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/data/query_data", nop, registry.WithDescription("query the data store"))
	reg.MustRegister(registry.CategoryTool, "/chat/send", nop)

	c := Connect(t.Context(), newRelay(t, reg))
	defer c.Close()

	tools, err := c.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "/chat/send" || tools[1].Name != "/data/query_data" {
		t.Errorf("unexpected tools: %+v", tools)
	}
}

func TestHandlerErrorSurfaces(t *testing.T) {
	reg := registry.New()
	reg.SetFallback(func(ctx context.Context, conn registry.ConnInfo, method string, params json.RawMessage) (any, error) {
		return nil, fmt.Errorf("Unknown method: %s", method)
	})

	c := Connect(t.Context(), newRelay(t, reg))
	defer c.Close()

	_, err := c.Call(t.Context(), "/bogus", nil)
	var cerr *client.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *client.Error, got %v", err)
	}
	if cerr.Message != "Unknown method: /bogus" {
		t.Errorf("message = %q", cerr.Message)
	}
	if cerr.Kind != "handler_error" {
		t.Errorf("kind = %q", cerr.Kind)
	}
}

func TestNotificationsReachClient(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/chat/send", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		for i := 0; i < 3; i++ {
			if err := conn.Notify(ctx, map[string]int{"seq": i}); err != nil {
				return nil, err
			}
		}
		return map[string]string{"status": "sent"}, nil
	})

	c := Connect(t.Context(), newRelay(t, reg, relay.WithNotifier(memorynotify.New())))
	defer c.Close()

	if _, err := c.CallTool(t.Context(), "/chat/send", map[string]any{}); err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case data := <-c.Notifications():
			want := fmt.Sprintf(`{"seq":%d}`, i)
			if string(data) != want {
				t.Errorf("notification %d = %s, want %s", i, data, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i)
		}
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.CategoryTool, "/echo", func(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	})

	c := Connect(t.Context(), newRelay(t, reg))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw, err := c.CallTool(t.Context(), "/echo", map[string]int{"n": n})
			if err != nil {
				t.Errorf("call %d failed: %v", n, err)
				return
			}
			want := fmt.Sprintf(`{"n":%d}`, n)
			if string(raw) != want {
				t.Errorf("call %d got %s, want %s", n, raw, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestCloseFailsCalls(t *testing.T) {
	c := Connect(t.Context(), newRelay(t, registry.New()))
	c.Close()

	if _, err := c.Call(t.Context(), "/tools/echo", nil); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Call after Close returned %v, want ErrClosed", err)
	}

	// The notification channel closes too.
	select {
	case _, ok := <-c.Notifications():
		if ok {
			t.Error("unexpected notification after close")
		}
	case <-time.After(2 * time.Second):
		t.Error("notification channel not closed")
	}
}

func nop(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
	return map[string]any{}, nil
}
