package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "ToolMind/internal/errors"
)

// UserConfigStore 提供用户级的模型配置覆盖，未配置时返回 nil, nil。
type UserConfigStore interface {
	ModelConfigFor(ctx context.Context, userID string, role Role) (*ModelConfig, error)
}

// Provider 按调用方与角色提供模型实例：优先使用用户配置，缺省回退到系统默认值。
type Provider struct {
	defaults  map[Role]ModelConfig
	overrides UserConfigStore
	factory   Factory
	usage     UsageRecorder

	mu    sync.Mutex
	cache map[string]ChatModel
}

// ProviderOption 用于定制 Provider。
type ProviderOption func(*Provider)

// WithUserConfigStore 设置用户级配置来源。
func WithUserConfigStore(store UserConfigStore) ProviderOption {
	return func(p *Provider) { p.overrides = store }
}

// WithUsageRecorder 设置用量记录器。
func WithUsageRecorder(recorder UsageRecorder) ProviderOption {
	return func(p *Provider) { p.usage = recorder }
}

// NewProvider 创建 Provider，defaults 至少需要包含对话模型。
func NewProvider(defaults map[Role]ModelConfig, factory Factory, opts ...ProviderOption) (*Provider, error) {
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "模型工厂未配置")
	}
	if _, ok := defaults[RoleConversation]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少对话模型的默认配置")
	}
	p := &Provider{
		defaults: make(map[Role]ModelConfig, len(defaults)),
		factory:  factory,
		cache:    make(map[string]ChatModel),
	}
	for role, cfg := range defaults {
		p.defaults[role] = cfg
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Model 返回指定调用方在某个角色下使用的模型，结果会记录用量。
func (p *Provider) Model(ctx context.Context, caller Caller, role Role) (ChatModel, error) {
	if !role.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的模型角色: %s", role))
	}
	cfg, err := p.resolve(ctx, caller.UserID, role)
	if err != nil {
		return nil, err
	}
	model, err := p.instance(cfg)
	if err != nil {
		return nil, err
	}
	if p.usage == nil {
		return model, nil
	}
	return &meteredModel{inner: model, caller: caller, role: role, model: cfg.Model, recorder: p.usage}, nil
}

// ConfigFor 返回调用方在某个角色下生效的模型配置。
func (p *Provider) ConfigFor(ctx context.Context, userID string, role Role) (ModelConfig, error) {
	return p.resolve(ctx, userID, role)
}

func (p *Provider) resolve(ctx context.Context, userID string, role Role) (ModelConfig, error) {
	if p.overrides != nil && strings.TrimSpace(userID) != "" {
		override, err := p.overrides.ModelConfigFor(ctx, userID, role)
		if err != nil {
			return ModelConfig{}, err
		}
		if override != nil && strings.TrimSpace(override.Model) != "" {
			return *override, nil
		}
	}
	if cfg, ok := p.defaults[role]; ok {
		return cfg, nil
	}
	return p.defaults[RoleConversation], nil
}

// instance 按配置缓存底层客户端，避免每次调用都重建 HTTP 连接。
func (p *Provider) instance(cfg ModelConfig) (ChatModel, error) {
	key := cfg.Model + "|" + cfg.BaseURL + "|" + cfg.APIKey + "|" + cfg.Timeout.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if model, ok := p.cache[key]; ok {
		return model, nil
	}
	model, err := p.factory(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("创建模型 %s 失败", cfg.Model))
	}
	p.cache[key] = model
	return model, nil
}
