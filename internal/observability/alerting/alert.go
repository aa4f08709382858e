package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	xerrors "ToolMind/internal/errors"
	"ToolMind/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	RunID      string            `json:"run_id"`
	UserID     string            `json:"user_id,omitempty"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道后注册的覆盖先注册的。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按字典序排列。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("run_id", event.RunID),
		slog.String("user_id", event.UserID),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	logger.Audit().Log(context.Background(), level, event.Message, attrs...)
	return nil
}

// WebhookNotifier 以 JSON POST 的方式把告警推送到外部地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier 创建带超时与链路追踪的 webhook 通知器。
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		URL: url,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
