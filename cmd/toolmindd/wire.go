package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ToolMind/internal/agent"
	"ToolMind/internal/config"
	"ToolMind/internal/knowledge"
	"ToolMind/internal/llm"
	"ToolMind/internal/llm/openai"
	"ToolMind/internal/observability/alerting"
	"ToolMind/internal/session"
	redisstore "ToolMind/internal/storage/redis"
	"ToolMind/internal/storage/sqlstore"
	"ToolMind/internal/task"
	"ToolMind/internal/tool"
	"ToolMind/pkg/logger"
)

// components 汇总一次启动构建出的依赖，close 按创建的逆序释放。
type components struct {
	cfg      *config.Config
	db       *sqlstore.DB
	agent    *agent.Agent
	sessions session.Store
	usage    *sqlstore.UsageRepository
	models   *sqlstore.ModelConfigRepository
	servers  *sqlstore.MCPServerRepository
	closers  []func() error
}

func (c *components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *components) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// build 构建存储、模型、工具目录与智能体。
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{cfg: cfg}
	if err := c.openStorage(ctx); err != nil {
		_ = c.close()
		return nil, err
	}

	provider, err := c.modelProvider()
	if err != nil {
		_ = c.close()
		return nil, err
	}

	builtins, evalTools, err := buildBuiltins(cfg.Tools)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	catalogOpts := []tool.CatalogOption{
		tool.WithBuiltins(builtins),
		tool.WithServerStore(c.serverStore()),
	}
	if c.servers != nil {
		catalogOpts = append(catalogOpts, tool.WithUserConfig(c.servers))
	}

	opts := []agent.Option{
		agent.WithName(cfg.Agent.Name),
		agent.WithMaxAttempts(cfg.Agent.MaxAttempts),
		agent.WithPassScore(cfg.Agent.PassScore),
		agent.WithSessionStore(c.sessions),
		agent.WithEvaluatorTools(evalTools...),
		agent.WithCatalogFactory(func(caller llm.Caller) agent.ToolCatalog {
			return tool.NewCatalog(caller.UserID, catalogOpts...)
		}),
	}
	if cfg.Agent.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Agent.Timezone)
		if err != nil {
			_ = c.close()
			return nil, fmt.Errorf("加载时区失败: %w", err)
		}
		opts = append(opts, agent.WithLocation(loc))
	}
	c.agent = agent.New(provider, opts...)
	return c, nil
}

func (c *components) openStorage(ctx context.Context) error {
	st := c.cfg.Storage
	if st.Driver == "memory" {
		c.sessions = session.NewMemoryStore()
		logger.L().Warn("使用内存存储，模型配置、用量与工具服务器注册不可用")
		return nil
	}
	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:          st.Driver,
		DSN:             st.DSN,
		MaxOpenConns:    st.MaxOpenConns,
		MaxIdleConns:    st.MaxIdleConns,
		ConnMaxLifetime: time.Duration(st.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(st.ConnMaxIdleTimeSeconds) * time.Second,
		AutoMigrate:     st.AutoMigrate,
	})
	if err != nil {
		return err
	}
	c.onClose(db.Close)
	c.db = db
	c.sessions = sqlstore.NewSessionRepository(db)
	c.usage = sqlstore.NewUsageRepository(db)
	c.models = sqlstore.NewModelConfigRepository(db)
	c.servers = sqlstore.NewMCPServerRepository(db)
	return nil
}

func (c *components) modelProvider() (*llm.Provider, error) {
	m := c.cfg.Models
	defaults := map[llm.Role]llm.ModelConfig{
		llm.RoleConversation: toModelConfig(m.Conversation),
		llm.RoleToolCall:     toModelConfig(m.ToolCall),
		llm.RoleReasoning:    toModelConfig(m.Reasoning),
	}
	var opts []llm.ProviderOption
	if c.models != nil {
		opts = append(opts, llm.WithUserConfigStore(c.models))
	}
	if c.usage != nil {
		opts = append(opts, llm.WithUsageRecorder(c.usage))
	}
	return llm.NewProvider(defaults, openai.Factory(nil), opts...)
}

func toModelConfig(m config.ModelConfig) llm.ModelConfig {
	return llm.ModelConfig{Model: m.Model, BaseURL: m.BaseURL, APIKey: m.APIKey, Timeout: m.Timeout()}
}

// serverStore 先查配置中的静态服务器，再查数据库中用户注册的服务器。
func (c *components) serverStore() tool.ServerStore {
	descs := make([]tool.ServerDescriptor, 0, len(c.cfg.Tools.MCPServers))
	for _, srv := range c.cfg.Tools.MCPServers {
		descs = append(descs, tool.ServerDescriptor{
			ID:        srv.ID,
			Name:      srv.Name,
			URL:       srv.URL,
			Transport: tool.Transport(srv.Transport),
			Headers:   srv.Headers,
			OwnerID:   srv.OwnerID,
			Public:    srv.Public,
		})
	}
	static := tool.NewStaticServerStore(descs...)
	if c.servers == nil {
		return static
	}
	return tool.ChainServerStores(static, c.servers)
}

// buildBuiltins 按配置启用内置工具，web_search 同时提供给评判模型核实事实。
func buildBuiltins(cfg config.ToolsConfig) (*tool.BuiltinSet, []tool.Handle, error) {
	var (
		handles   []tool.Handle
		evalTools []tool.Handle
	)
	if cfg.WebSearch.Enabled {
		h, err := tool.NewWebSearch(cfg.WebSearch.MaxResults, cfg.WebSearch.UserAgent)
		if err != nil {
			return nil, nil, err
		}
		handles = append(handles, h)
		evalTools = append(evalTools, h)
	}
	if cfg.GoogleSearch.APIKey != "" {
		h, err := tool.NewGoogleSearch(cfg.GoogleSearch.APIKey)
		if err != nil {
			return nil, nil, err
		}
		handles = append(handles, h)
	}
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, nil, err
		}
		handles = append(handles, tool.NewKnowledgeSearch(provider))
	}
	return tool.NewBuiltinSet(handles...), evalTools, nil
}

// runPipeline 是异步运行所需的存储、队列与事件日志。
type runPipeline struct {
	store  task.Store
	queue  task.Queue
	events task.EventLog
}

func (c *components) buildRuns(ctx context.Context) (*runPipeline, error) {
	cfg := c.cfg
	p := &runPipeline{}

	switch cfg.Storage.RunDriver {
	case "sql":
		p.store = sqlstore.NewRunRepository(c.db)
	default:
		p.store = task.NewMemoryStore()
	}

	switch cfg.TaskQueue.Driver {
	case "redis":
		q, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		p.queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		p.queue = q
	default:
		p.queue = task.NewMemoryQueue(cfg.TaskQueue.Buffer)
	}

	switch cfg.Events.Driver {
	case "redis":
		events, err := redisstore.NewEventLog(ctx, redisstore.Config{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			TTL:      time.Duration(cfg.Events.TTLSeconds) * time.Second,
		})
		if err != nil {
			_ = p.queue.Close()
			return nil, err
		}
		p.events = events
	default:
		p.events = task.NewMemoryEventLog()
	}
	return p, nil
}

// alerts 返回终态失败的告警通道：日志始终启用，配置地址后追加 webhook。
func (c *components) alerts() *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := c.cfg.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(c.cfg.Alerting.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}
