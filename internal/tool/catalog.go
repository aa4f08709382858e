package tool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	xerrors "ToolMind/internal/errors"
	"ToolMind/pkg/logger"
)

// Transport 表示工具服务器的接入方式。
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// ServerDescriptor 描述一个已注册的工具服务器。
type ServerDescriptor struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Transport Transport         `json:"transport"`
	Headers   map[string]string `json:"headers,omitempty"`
	// Tools 非空时仅暴露列出的工具。
	Tools   []string `json:"tools,omitempty"`
	OwnerID string   `json:"owner_id,omitempty"`
	Public  bool     `json:"public"`
}

// AccessibleBy 判断用户是否可以使用该服务器。
func (d ServerDescriptor) AccessibleBy(userID string) bool {
	return d.Public || d.OwnerID == "" || d.OwnerID == userID
}

// ServerStore 按 ID 查询工具服务器。
type ServerStore interface {
	Server(ctx context.Context, id string) (*ServerDescriptor, error)
}

// UserConfigStore 提供用户针对某个工具服务器的私有配置，如鉴权参数。
type UserConfigStore interface {
	ToolConfig(ctx context.Context, userID, serverID string) (map[string]any, error)
}

// Session 是与一个工具服务器的连接。
type Session interface {
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer 建立与工具服务器的连接。
type Dialer func(ctx context.Context, server ServerDescriptor) (Session, error)

// Selection 描述一次提交所选择的工具来源。
type Selection struct {
	Plugins   []string
	Servers   []string
	WebSearch bool
}

// Catalog 在一次提交内解析并缓存可用工具，结束时统一释放连接。
type Catalog struct {
	userID   string
	builtins *BuiltinSet
	servers  ServerStore
	userCfg  UserConfigStore
	dialer   Dialer

	mu       sync.Mutex
	registry *Registry
	sessions []Session
	closed   bool
}

// CatalogOption 用于定制 Catalog。
type CatalogOption func(*Catalog)

// WithBuiltins 设置可选的内置工具。
func WithBuiltins(set *BuiltinSet) CatalogOption {
	return func(c *Catalog) { c.builtins = set }
}

// WithServerStore 设置工具服务器来源。
func WithServerStore(store ServerStore) CatalogOption {
	return func(c *Catalog) { c.servers = store }
}

// WithUserConfig 设置用户级工具配置来源。
func WithUserConfig(store UserConfigStore) CatalogOption {
	return func(c *Catalog) { c.userCfg = store }
}

// WithDialer 替换默认的 MCP 连接方式。
func WithDialer(dialer Dialer) CatalogOption {
	return func(c *Catalog) { c.dialer = dialer }
}

// NewCatalog 为指定用户创建工具目录。
func NewCatalog(userID string, opts ...CatalogOption) *Catalog {
	c := &Catalog{userID: userID, dialer: DialMCP}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Registry 返回本次提交可用的工具注册表。首次调用完成解析后结果被缓存，后续调用忽略 sel。
func (c *Catalog) Registry(ctx context.Context, sel Selection) (*Registry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, xerrors.New(xerrors.CodeConflict, "工具目录已关闭")
	}
	if c.registry != nil {
		return c.registry, nil
	}

	registry, sessions, err := c.resolve(ctx, sel)
	if err != nil {
		for _, s := range sessions {
			_ = s.Close()
		}
		return nil, err
	}
	c.registry = registry
	c.sessions = sessions
	return registry, nil
}

func (c *Catalog) resolve(ctx context.Context, sel Selection) (*Registry, []Session, error) {
	log := logger.Named("tool")
	registry, _ := NewRegistry()

	builtinNames := append([]string(nil), sel.Plugins...)
	if sel.WebSearch {
		builtinNames = append(builtinNames, WebSearchName)
	}
	for _, name := range builtinNames {
		h, ok := c.builtins.Lookup(name)
		if !ok {
			log.Warn("未配置的内置工具，已跳过", "tool", name)
			continue
		}
		if err := registry.Register(h); err != nil && !stdErrors.Is(err, ErrToolConflict) {
			return nil, nil, err
		}
	}

	var sessions []Session
	for _, id := range dedupe(sel.Servers) {
		if c.servers == nil {
			return nil, sessions, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工具服务器不存在: %s", id))
		}
		server, err := c.servers.Server(ctx, id)
		if err != nil {
			return nil, sessions, err
		}
		if !server.AccessibleBy(c.userID) {
			return nil, sessions, xerrors.New(xerrors.CodePermissionDenied,
				fmt.Sprintf("无权使用工具服务器: %s", id), xerrors.WithMetadata("server_id", id))
		}

		session, err := c.dialer(ctx, *server)
		if err != nil {
			return nil, sessions, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("连接工具服务器 %s 失败", id))
		}
		sessions = append(sessions, session)

		descs, err := session.ListTools(ctx)
		if err != nil {
			return nil, sessions, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("获取工具服务器 %s 的工具列表失败", id))
		}
		allowed := toSet(server.Tools)
		for _, desc := range descs {
			if len(allowed) > 0 {
				if _, ok := allowed[desc.Name]; !ok {
					continue
				}
			}
			desc.Server = server.ID
			h := &providerHandle{desc: desc, session: session, userID: c.userID, userCfg: c.userCfg}
			if err := registry.Register(h); err != nil {
				log.Warn("工具名称冲突，已跳过", "tool", desc.Name, "server_id", server.ID)
			}
		}
	}
	return registry, sessions, nil
}

// Close 释放所有工具服务器连接，可重复调用。
func (c *Catalog) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.closed = true
	c.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = stdErrors.Join(err, s.Close())
	}
	return err
}

// providerHandle 是工具服务器提供的工具，调用前合并用户配置。
type providerHandle struct {
	desc    Descriptor
	session Session
	userID  string
	userCfg UserConfigStore
}

func (h *providerHandle) Descriptor() Descriptor { return h.desc }

func (h *providerHandle) Kind() Kind { return KindProvider }

func (h *providerHandle) Invoke(ctx context.Context, args map[string]any) (string, error) {
	merged := make(map[string]any, len(args))
	for k, v := range args {
		merged[k] = v
	}
	if h.userCfg != nil {
		cfg, err := h.userCfg.ToolConfig(ctx, h.userID, h.desc.Server)
		if err != nil {
			return "", err
		}
		// 用户配置优先于模型给出的参数。
		for k, v := range cfg {
			merged[k] = v
		}
	}
	return h.session.CallTool(ctx, h.desc.Name, merged)
}

// StaticServerStore 基于配置文件的只读服务器列表。
type StaticServerStore struct {
	servers map[string]ServerDescriptor
}

// NewStaticServerStore 创建静态服务器列表。
func NewStaticServerStore(servers ...ServerDescriptor) *StaticServerStore {
	s := &StaticServerStore{servers: make(map[string]ServerDescriptor, len(servers))}
	for _, srv := range servers {
		s.servers[srv.ID] = srv
	}
	return s
}

// Server 实现 ServerStore。
func (s *StaticServerStore) Server(_ context.Context, id string) (*ServerDescriptor, error) {
	srv, ok := s.servers[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工具服务器不存在: %s", id))
	}
	return &srv, nil
}

// ChainServerStores 依次查询多个来源，返回第一个命中的结果。
func ChainServerStores(stores ...ServerStore) ServerStore {
	return chainedStores(stores)
}

type chainedStores []ServerStore

func (c chainedStores) Server(ctx context.Context, id string) (*ServerDescriptor, error) {
	var lastErr error = xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工具服务器不存在: %s", id))
	for _, store := range c {
		if store == nil {
			continue
		}
		srv, err := store.Server(ctx, id)
		if err == nil {
			return srv, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
