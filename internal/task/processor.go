package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"ToolMind/internal/agent"
	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/observability/alerting"
	"ToolMind/internal/observability/metrics"
	"ToolMind/pkg/logger"
)

// Runner 定义了处理器所需的智能体能力，通常由 *agent.Agent 实现。
type Runner interface {
	Submit(ctx context.Context, caller llm.Caller, req agent.Request) *agent.Stream
}

// Processor 负责从队列消费运行并交给智能体执行，事件逐条写入事件日志。
type Processor struct {
	runner      Runner
	store       Store
	events      EventLog
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, events EventLog, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		events:      events,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil || p.events == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Task{ID: runID}, CodeTaskProcessing, err, "claim")
		return err
	}
	metrics.ObserveRunStatus(string(StatusRunning))
	p.appendStatus(ctx, task.ID, RunStatusData{Status: StatusRunning, Attempt: task.Attempts})

	stream := p.runner.Submit(ctx, llm.Caller{UserID: task.UserID}, task.Request())
	outcome, runErr := stream.Drain(func(ev agent.Event) {
		p.appendEvent(ctx, task.ID, string(ev.Type), ev.Data)
	})
	if runErr != nil {
		return p.handleExecutionFailure(ctx, task, runErr)
	}

	result := ResultFromOutcome(outcome)
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		p.logger.Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", task.ID))
		return p.handleExecutionFailure(ctx, task, err)
	}
	metrics.ObserveRunStatus(string(StatusSucceeded))
	p.appendStatus(ctx, task.ID, RunStatusData{Status: StatusSucceeded, Attempt: task.Attempts, Result: &result})
	logger.Audit().Info("运行完成",
		slog.String("run_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.Int("score", result.Score),
		slog.Bool("passed", result.Passed),
		slog.String("session_id", result.SessionID),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	// 服务关闭导致的取消不计为失败，交还队列由下一个实例继续。
	if ctx.Err() != nil {
		if storeErr := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, xerrors.CodeCanceled, execErr.Error(), false); storeErr != nil {
			p.logger.Error("回写取消状态失败", slog.Any("error", storeErr), slog.String("run_id", task.ID))
		}
		return ctx.Err()
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", task.ID))
		return storeErr
	}

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	metrics.ObserveRunStatus(string(status))
	p.appendStatus(ctx, task.ID, RunStatusData{
		Status:    status,
		Attempt:   task.Attempts,
		Error:     execErr.Error(),
		ErrorCode: string(code),
	})
	logger.Audit().Warn("运行失败",
		slog.String("run_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, task, code, execErr, "terminal")
		return nil
	}
	p.emitAlert(ctx, task, code, execErr, "retry")
	if p.producer == nil {
		return nil
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", task.ID))
	}
	p.logger.Debug("运行已重新排队", slog.String("run_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) appendStatus(ctx context.Context, runID string, data RunStatusData) {
	p.appendEvent(ctx, runID, EventRunStatus, data)
}

// appendEvent 写入事件日志；写入失败只记录日志，不影响运行本身。
func (p *Processor) appendEvent(ctx context.Context, runID, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		p.logger.Warn("序列化事件失败", slog.Any("error", err), slog.String("run_id", runID), slog.String("type", eventType))
		return
	}
	record := EventRecord{Type: eventType, Data: payload, At: p.now().UnixMilli()}
	if _, err := p.events.Append(context.WithoutCancel(ctx), runID, record); err != nil {
		p.logger.Warn("写入事件日志失败", slog.Any("error", err), slog.String("run_id", runID), slog.String("type", eventType))
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      task.ID,
		UserID:     task.UserID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
