package openai

import (
	"net/http"
	"strings"
	"time"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"

	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// NewModel 根据配置创建 OpenAI 兼容的对话模型。
func NewModel(cfg llm.ModelConfig) (llm.ChatModel, error) {
	return newModel(cfg, nil)
}

// Factory 返回可注入 llm.Provider 的模型工厂，httpClient 为空时按超时新建。
func Factory(httpClient *http.Client) llm.Factory {
	return func(cfg llm.ModelConfig) (llm.ChatModel, error) {
		return newModel(cfg, httpClient)
	}
}

func newModel(cfg llm.ModelConfig, httpClient *http.Client) (llm.ChatModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	opts := []lcopenai.Option{
		lcopenai.WithToken(apiKey),
		lcopenai.WithModel(model),
		lcopenai.WithHTTPClient(httpClient),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}

	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 OpenAI 客户端失败")
	}
	return client, nil
}
