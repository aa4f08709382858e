package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "TOOLMIND_CONFIG"

// DefaultPath 为未显式指定时的配置文件位置。
var DefaultPath = filepath.Join("configs", "toolmind.yaml")

// Config 描述了 ToolMind 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Events    EventsConfig    `yaml:"events"`
	Tools     ToolsConfig     `yaml:"tools"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `yaml:"address"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `yaml:"metrics_address"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ModelsConfig 为各个角色提供系统级默认模型。
type ModelsConfig struct {
	Conversation ModelConfig `yaml:"conversation"`
	ToolCall     ModelConfig `yaml:"tool_call"`
	Reasoning    ModelConfig `yaml:"reasoning"`
}

// ModelConfig 描述一个 OpenAI 兼容的模型端点。
type ModelConfig struct {
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回模型调用的超时时间。
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Empty 判断是否未填写模型配置。
func (m ModelConfig) Empty() bool {
	return strings.TrimSpace(m.Model) == "" && strings.TrimSpace(m.BaseURL) == ""
}

// AgentConfig 控制编排循环的行为。
type AgentConfig struct {
	Name        string `yaml:"name"`
	MaxAttempts int    `yaml:"max_attempts"`
	PassScore   int    `yaml:"pass_score"`
	Timezone    string `yaml:"timezone"`
}

// StorageConfig 描述会话、用户配置、用量以及运行记录的持久化方式。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
	AutoMigrate            bool   `yaml:"auto_migrate"`
	// RunDriver 为 memory 或 sql，sql 与上面的连接共用同一个库。
	RunDriver string `yaml:"run_driver"`
}

// TaskQueueConfig 控制异步运行的调度队列。
type TaskQueueConfig struct {
	Driver     string         `yaml:"driver"`
	Buffer     int            `yaml:"buffer"`
	Workers    int            `yaml:"workers"`
	MaxRetries int            `yaml:"max_retries"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// EventsConfig 控制运行事件的留存位置。
type EventsConfig struct {
	Driver     string      `yaml:"driver"`
	TTLSeconds int         `yaml:"ttl_seconds"`
	Redis      RedisConfig `yaml:"redis"`
}

// ToolsConfig 描述内置工具与静态注册的工具服务器。
type ToolsConfig struct {
	WebSearch    WebSearchConfig    `yaml:"web_search"`
	GoogleSearch GoogleSearchConfig `yaml:"google_search"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	MCPServers   []MCPServerConfig  `yaml:"mcp_servers"`
}

// WebSearchConfig 对应基于 DuckDuckGo 的 web_search 内置工具。
type WebSearchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MaxResults int    `yaml:"max_results"`
	UserAgent  string `yaml:"user_agent"`
}

// GoogleSearchConfig 对应基于 SerpAPI 的 google_search 内置工具。
type GoogleSearchConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// KnowledgeConfig 对应 knowledge_search 内置工具。
type KnowledgeConfig struct {
	Path       string `yaml:"path"`
	MaxResults int    `yaml:"max_results"`
}

// MCPServerConfig 描述一个静态注册的 MCP 工具服务器。
type MCPServerConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Headers   map[string]string `yaml:"headers"`
	OwnerID   string            `yaml:"owner_id"`
	Public    bool              `yaml:"public"`
}

// AlertingConfig 控制终态失败的告警通道。
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ResolvePath 按 flag、环境变量、默认值的顺序确定配置文件路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
// 当文件不存在且 allowMissing 为 true 时返回仅包含默认值的配置。
func Load(path string, allowMissing bool) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.applyDefaults(".")
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg, err := Parse(content, baseDir)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容并补齐默认值，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Models.Conversation.TimeoutSeconds <= 0 {
		c.Models.Conversation.TimeoutSeconds = 120
	}
	// 工具调用与推理模型未配置时沿用对话模型。
	if c.Models.ToolCall.Empty() {
		c.Models.ToolCall = c.Models.Conversation
	}
	if c.Models.Reasoning.Empty() {
		c.Models.Reasoning = c.Models.ToolCall
	}
	for _, m := range []*ModelConfig{&c.Models.Conversation, &c.Models.ToolCall, &c.Models.Reasoning} {
		if m.APIKey == "" && m.APIKeyEnv != "" {
			m.APIKey = os.Getenv(m.APIKeyEnv)
		}
		if m.TimeoutSeconds <= 0 {
			m.TimeoutSeconds = c.Models.Conversation.TimeoutSeconds
		}
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "ToolMindAgent"
	}
	if c.Agent.MaxAttempts <= 0 {
		c.Agent.MaxAttempts = 3
	}
	if c.Agent.PassScore <= 0 {
		c.Agent.PassScore = 80
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(baseDir, "data", "toolmind.db")
	}
	if c.Storage.RunDriver == "" {
		c.Storage.RunDriver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.TTLSeconds <= 0 {
		c.Events.TTLSeconds = 24 * 3600
	}

	if c.Tools.WebSearch.MaxResults <= 0 {
		c.Tools.WebSearch.MaxResults = 5
	}
	if c.Tools.GoogleSearch.APIKey == "" && c.Tools.GoogleSearch.APIKeyEnv != "" {
		c.Tools.GoogleSearch.APIKey = os.Getenv(c.Tools.GoogleSearch.APIKeyEnv)
	}
	if c.Tools.Knowledge.Path != "" && !filepath.IsAbs(c.Tools.Knowledge.Path) {
		c.Tools.Knowledge.Path = filepath.Join(baseDir, c.Tools.Knowledge.Path)
	}
	if c.Tools.Knowledge.MaxResults <= 0 {
		c.Tools.Knowledge.MaxResults = 3
	}
	for i := range c.Tools.MCPServers {
		if c.Tools.MCPServers[i].Transport == "" {
			c.Tools.MCPServers[i].Transport = "sse"
		}
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 检查互斥或取值受限的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("存储驱动 %s 需要配置 dsn", c.Storage.Driver)
	}
	switch c.Storage.RunDriver {
	case "memory":
	case "sql":
		if c.Storage.Driver == "memory" {
			return errors.New("run_driver=sql 需要 mysql 或 sqlite 存储驱动")
		}
	default:
		return fmt.Errorf("不支持的运行记录驱动: %s", c.Storage.RunDriver)
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的任务队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.Events.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的事件存储驱动: %s", c.Events.Driver)
	}
	if c.Agent.PassScore > 100 {
		return fmt.Errorf("pass_score 不能超过 100: %d", c.Agent.PassScore)
	}
	seen := make(map[string]struct{}, len(c.Tools.MCPServers))
	for _, srv := range c.Tools.MCPServers {
		if strings.TrimSpace(srv.ID) == "" || strings.TrimSpace(srv.URL) == "" {
			return errors.New("mcp_servers 中的每一项都需要 id 与 url")
		}
		if _, dup := seen[srv.ID]; dup {
			return fmt.Errorf("mcp_servers 中存在重复的 id: %s", srv.ID)
		}
		seen[srv.ID] = struct{}{}
		switch srv.Transport {
		case "sse", "streamable_http":
		default:
			return fmt.Errorf("mcp server %s 的 transport 不受支持: %s", srv.ID, srv.Transport)
		}
	}
	return nil
}
