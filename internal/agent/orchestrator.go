package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"unicode/utf8"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/observability/metrics"
	"ToolMind/internal/plan"
	"ToolMind/internal/session"
	"ToolMind/pkg/logger"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State 是一次尝试所处的阶段。
type State string

const (
	StatePlanning     State = "planning"
	StateGraphBuilt   State = "graph_built"
	StateExecuting    State = "executing"
	StateSynthesizing State = "synthesizing"
	StateEvaluating   State = "evaluating"
	StateAccepted     State = "accepted"
	StateRetrying     State = "retrying"
)

const titleFallbackRunes = 30

// attemptResult 汇总一次尝试的产出。
type attemptResult struct {
	answer     string
	evaluation Evaluation
	context    session.Context
}

// models 是一次提交使用的三类模型。
type models struct {
	conversation llm.ChatModel
	toolCall     llm.ChatModel
	reasoning    llm.ChatModel
}

func (a *Agent) resolveModels(ctx context.Context, caller llm.Caller) (*models, error) {
	var (
		m   models
		err error
	)
	if m.conversation, err = a.models.Model(ctx, caller, llm.RoleConversation); err != nil {
		return nil, err
	}
	if m.toolCall, err = a.models.Model(ctx, caller, llm.RoleToolCall); err != nil {
		return nil, err
	}
	if m.reasoning, err = a.models.Model(ctx, caller, llm.RoleReasoning); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *Agent) run(ctx context.Context, caller llm.Caller, req Request, stream *Stream) {
	log := logger.Named("agent").With("user_id", caller.UserID, "agent", caller.Agent)
	ctx, span := tracer.Start(ctx, "agent.submit")
	span.SetAttributes(attribute.String("user.id", caller.UserID))

	catalog := a.catalogs(caller)
	outcome, err := a.loop(ctx, caller, req, catalog, emitter{ctx: ctx, ch: stream.events})
	if closeErr := catalog.Close(); closeErr != nil {
		log.Warn("释放工具连接失败", "error", closeErr)
	}

	switch {
	case err == nil:
		metrics.ObserveSubmission("accepted")
		logger.Audit().Info("任务执行完成",
			"user_id", caller.UserID,
			"session_id", outcome.SessionID,
			"attempts", outcome.Attempts,
			"score", outcome.Score,
			"passed", outcome.Passed)
	case stdErrors.Is(err, context.Canceled) || xerrors.HasCode(err, xerrors.CodeCanceled):
		metrics.ObserveSubmission("canceled")
		log.Info("任务已取消")
	default:
		metrics.ObserveSubmission("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("任务执行失败", "error", err)
		logger.Audit().Warn("任务执行失败", "user_id", caller.UserID, "code", string(xerrors.CodeOf(err)), "error", err.Error())
	}
	span.End()
	stream.finish(outcome, err)
}

func (a *Agent) loop(ctx context.Context, caller llm.Caller, req Request, catalog ToolCatalog, em emitter) (*Outcome, error) {
	log := logger.Named("agent").With("user_id", caller.UserID)

	m, err := a.resolveModels(ctx, caller)
	if err != nil {
		return nil, err
	}
	evaluator := NewEvaluator(m.reasoning, m.conversation, a.evalTools, a.maxRounds)

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := em.emit(stepEvent(replanTitle(attempt), replanMessage)); err != nil {
				return nil, err
			}
		}

		res, err := a.attempt(ctx, req, catalog, m, evaluator, em, attempt)
		if err != nil {
			return nil, err
		}
		score := res.evaluation.Score
		reasoning := res.evaluation.Reasoning
		passed := score >= a.passScore

		if passed || attempt == a.maxAttempts {
			metrics.ObserveAttempt(string(StateAccepted))
			banner := passBanner(score, reasoning)
			if !passed {
				banner = exhaustedBanner(score, reasoning, a.maxAttempts)
			}
			if err := em.emit(taskEvent(banner)); err != nil {
				return nil, err
			}
			answer := res.answer + banner
			res.context.Answer = answer

			outcome := &Outcome{
				Answer:    answer,
				Score:     score,
				Reasoning: reasoning,
				Attempts:  attempt,
				Passed:    passed,
			}
			if err := a.persist(ctx, caller, req.Query, m.conversation, res.context, outcome); err != nil {
				return nil, err
			}
			log.Info("任务已接受", "attempt", attempt, "score", score, "passed", passed)
			return outcome, nil
		}

		metrics.ObserveAttempt(string(StateRetrying))
		log.Info("自我评判未通过，准备重试", "attempt", attempt, "score", score)
		if err := em.emit(taskEvent(retryBanner(score, reasoning, attempt+1))); err != nil {
			return nil, err
		}
	}
	// maxAttempts 至少为 1，最后一次尝试必然被接受。
	return nil, xerrors.New(xerrors.CodeRetriesExhausted, "任务未能完成")
}

// attempt 执行一次完整的 拆解-执行-总结-评判。依赖图与对话历史每次重新构建。
func (a *Agent) attempt(ctx context.Context, req Request, catalog ToolCatalog, m *models, evaluator *Evaluator, em emitter, n int) (*attemptResult, error) {
	ctx, span := tracer.Start(ctx, "agent.attempt")
	span.SetAttributes(attribute.Int("attempt", n))
	defer span.End()
	log := logger.Named("agent").With("attempt", n)

	fail := func(err error) (*attemptResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log.Debug("进入阶段", "state", StatePlanning)
	registry, err := catalog.Registry(ctx, req.selection())
	if err != nil {
		return fail(err)
	}
	g, order, err := a.buildGraph(ctx, m.conversation, req, registry)
	if err != nil {
		return fail(err)
	}
	edges := g.Edges()
	log.Debug("进入阶段", "state", StateGraphBuilt, "steps", g.Len())
	if err := em.emit(graphEvent(edges)); err != nil {
		return fail(err)
	}

	log.Debug("进入阶段", "state", StateExecuting)
	executor := NewStepExecutor(m.toolCall, registry)
	history := []llms.MessageContent{llm.System(systemPrompt), llm.Human(req.Query)}
	states := make([]plan.Step, 0, len(order))
	for _, id := range order {
		out, err := executor.Execute(ctx, g, id, req.Query)
		if err != nil {
			return fail(err)
		}
		step, _ := g.Step(id)
		states = append(states, *step.Clone())
		history = append(history, out.Turns...)
		if err := em.emit(stepEvent(step.Title, out.Result)); err != nil {
			return fail(err)
		}
	}

	log.Debug("进入阶段", "state", StateSynthesizing)
	answer, err := llm.Stream(ctx, m.conversation, history, func(chunk string) error {
		return em.emit(taskEvent(chunk))
	})
	if err != nil {
		return fail(err)
	}

	log.Debug("进入阶段", "state", StateEvaluating)
	evaluation := evaluator.Evaluate(ctx, req.Query, answer)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if edges == nil {
		edges = []plan.Edge{}
	}
	return &attemptResult{
		answer:     answer,
		evaluation: evaluation,
		context: session.Context{
			Query:       req.Query,
			GuidePrompt: req.GuidePrompt,
			Task:        states,
			TaskGraph:   edges,
		},
	}, nil
}

// persist 生成标题并写入一条会话记录。
func (a *Agent) persist(ctx context.Context, caller llm.Caller, query string, model llm.ChatModel, sctx session.Context, outcome *Outcome) error {
	outcome.Title = a.title(ctx, model, query)
	if a.sessions == nil {
		return nil
	}
	record := &session.Record{
		ID:        a.newID(),
		Title:     outcome.Title,
		UserID:    caller.UserID,
		Agent:     caller.Agent,
		Contexts:  []session.Context{sctx},
		CreatedAt: a.now().Unix(),
	}
	if err := a.sessions.Create(ctx, record); err != nil {
		return err
	}
	outcome.SessionID = record.ID
	logger.Audit().Info("会话已保存", "session_id", record.ID, "user_id", caller.UserID, "agent", caller.Agent)
	return nil
}

// title 用对话模型生成会话标题，失败时截取问题开头。
func (a *Agent) title(ctx context.Context, model llm.ChatModel, query string) string {
	reply, err := llm.Invoke(ctx, model, []llms.MessageContent{llm.Human(buildTitlePrompt(query))})
	if err == nil {
		if t := strings.Trim(strings.TrimSpace(reply.Text), "\"“”《》"); t != "" {
			return t
		}
	} else {
		logger.Named("agent").Warn("生成会话标题失败", "error", err)
	}
	return truncateRunes(strings.TrimSpace(query), titleFallbackRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
