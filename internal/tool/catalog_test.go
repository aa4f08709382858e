package tool

import (
	"context"
	stdErrors "errors"
	"reflect"
	"sync"
	"testing"

	xerrors "ToolMind/internal/errors"
)

type fakeSession struct {
	mu     sync.Mutex
	tools  []Descriptor
	calls  []map[string]any
	closed int
}

func (s *fakeSession) ListTools(context.Context) ([]Descriptor, error) { return s.tools, nil }

func (s *fakeSession) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)
	return name + " ok", nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeUserConfig map[string]map[string]any

func (f fakeUserConfig) ToolConfig(_ context.Context, userID, serverID string) (map[string]any, error) {
	return f[userID+"/"+serverID], nil
}

func echoHandle(name string) Handle {
	return NewFuncHandle(Descriptor{Name: name, Description: name}, func(_ context.Context, args map[string]any) (string, error) {
		return name + ":" + args["query"].(string), nil
	})
}

func TestCatalogResolvesOnceAndMergesUserConfig(t *testing.T) {
	session := &fakeSession{tools: []Descriptor{
		{Name: "get_weather", Description: "weather"},
		{Name: "hidden_tool"},
	}}
	dials := 0
	dialer := func(_ context.Context, server ServerDescriptor) (Session, error) {
		dials++
		if server.ID != "weather" {
			t.Fatalf("unexpected server %s", server.ID)
		}
		return session, nil
	}
	store := NewStaticServerStore(ServerDescriptor{ID: "weather", URL: "http://x", Tools: []string{"get_weather"}, OwnerID: "alice"})
	catalog := NewCatalog("alice",
		WithBuiltins(NewBuiltinSet(echoHandle(WebSearchName), echoHandle(KnowledgeName))),
		WithServerStore(store),
		WithUserConfig(fakeUserConfig{"alice/weather": {"api_key": "secret", "city": "override"}}),
		WithDialer(dialer),
	)

	sel := Selection{Plugins: []string{KnowledgeName, "unknown"}, Servers: []string{"weather", "weather"}, WebSearch: true}
	registry, err := catalog.Registry(context.Background(), sel)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	names := make([]string, 0)
	for _, d := range registry.Descriptors() {
		names = append(names, d.Name)
	}
	if !reflect.DeepEqual(names, []string{KnowledgeName, WebSearchName, "get_weather"}) {
		t.Fatalf("unexpected tools %v", names)
	}

	again, err := catalog.Registry(context.Background(), Selection{})
	if err != nil || again != registry || dials != 1 {
		t.Fatalf("expected memoized registry, dials=%d err=%v", dials, err)
	}

	out, err := registry.Invoke(context.Background(), "get_weather", map[string]any{"city": "Paris", "unit": "c"})
	if err != nil || out != "get_weather ok" {
		t.Fatalf("invoke: %q %v", out, err)
	}
	want := map[string]any{"city": "override", "unit": "c", "api_key": "secret"}
	if !reflect.DeepEqual(session.calls[0], want) {
		t.Fatalf("unexpected merged args %v", session.calls[0])
	}
	if h, _ := registry.Resolve("get_weather"); h.Kind() != KindProvider {
		t.Fatalf("expected provider kind")
	}

	if err := catalog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := catalog.Close(); err != nil || session.closed != 1 {
		t.Fatalf("close should be idempotent, closed=%d", session.closed)
	}
	if _, err := catalog.Registry(context.Background(), sel); err == nil {
		t.Fatalf("closed catalog must not resolve")
	}
}

func TestCatalogPermissionAndMissingServer(t *testing.T) {
	store := NewStaticServerStore(ServerDescriptor{ID: "private", URL: "http://x", OwnerID: "alice"})
	dialer := func(context.Context, ServerDescriptor) (Session, error) {
		t.Fatalf("dialer must not be called")
		return nil, nil
	}

	catalog := NewCatalog("bob", WithServerStore(store), WithDialer(dialer))
	_, err := catalog.Registry(context.Background(), Selection{Servers: []string{"private"}})
	if xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}

	catalog = NewCatalog("bob", WithServerStore(store), WithDialer(dialer))
	_, err = catalog.Registry(context.Background(), Selection{Servers: []string{"ghost"}})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCatalogClosesSessionsOnFailure(t *testing.T) {
	good := &fakeSession{tools: []Descriptor{{Name: "a"}}}
	store := NewStaticServerStore(
		ServerDescriptor{ID: "good", URL: "http://good", Public: true},
		ServerDescriptor{ID: "bad", URL: "http://bad", Public: true},
	)
	dialer := func(_ context.Context, server ServerDescriptor) (Session, error) {
		if server.ID == "bad" {
			return nil, stdErrors.New("connection refused")
		}
		return good, nil
	}
	catalog := NewCatalog("u", WithServerStore(store), WithDialer(dialer))
	_, err := catalog.Registry(context.Background(), Selection{Servers: []string{"good", "bad"}})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if good.closed != 1 {
		t.Fatalf("already dialed sessions must be released, closed=%d", good.closed)
	}
}

func TestChainServerStores(t *testing.T) {
	first := NewStaticServerStore(ServerDescriptor{ID: "a", URL: "http://a"})
	second := NewStaticServerStore(ServerDescriptor{ID: "b", URL: "http://b"})
	chain := ChainServerStores(first, nil, second)

	srv, err := chain.Server(context.Background(), "b")
	if err != nil || srv.URL != "http://b" {
		t.Fatalf("unexpected lookup %v %v", srv, err)
	}
	if _, err := chain.Server(context.Background(), "c"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
