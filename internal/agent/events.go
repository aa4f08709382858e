package agent

import (
	"context"
	"sync"

	"ToolMind/internal/plan"
)

// EventType 标识进度事件的类型。
type EventType string

const (
	// EventGenerateTasks 在每次尝试构建依赖图后发出，携带展示边。
	EventGenerateTasks EventType = "generate_tasks"
	// EventStepResult 在每个步骤完成以及重新规划时发出。
	EventStepResult EventType = "step_result"
	// EventTaskResult 携带最终回答的流式片段与评判横幅。
	EventTaskResult EventType = "task_result"
	// EventGuidePrompt 携带引导提示词的流式片段。
	EventGuidePrompt EventType = "generate_guide_prompt"
)

// Event 是推送给调用方的进度事件，Data 的具体类型由 Type 决定。
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// GraphData 是 generate_tasks 事件的负载。
type GraphData struct {
	Graph []plan.Edge `json:"graph"`
}

// StepResultData 是 step_result 事件的负载。
type StepResultData struct {
	Message string `json:"message"`
	Title   string `json:"title"`
}

// TaskResultData 是 task_result 事件的负载。
type TaskResultData struct {
	Message string `json:"message"`
}

// GuidePromptData 是 generate_guide_prompt 事件的负载。
type GuidePromptData struct {
	Chunk string `json:"chunk"`
}

// Message 返回事件携带的文本，便于日志与测试。
func (e Event) Message() string {
	switch d := e.Data.(type) {
	case StepResultData:
		return d.Message
	case TaskResultData:
		return d.Message
	case GuidePromptData:
		return d.Chunk
	}
	return ""
}

func graphEvent(edges []plan.Edge) Event {
	if edges == nil {
		edges = []plan.Edge{}
	}
	return Event{Type: EventGenerateTasks, Data: GraphData{Graph: edges}}
}

func stepEvent(title, message string) Event {
	// 空结果以单个空格占位，保证前端收到的 message 非空。
	if message == "" {
		message = " "
	}
	return Event{Type: EventStepResult, Data: StepResultData{Title: title, Message: message}}
}

func taskEvent(message string) Event {
	return Event{Type: EventTaskResult, Data: TaskResultData{Message: message}}
}

func guideEvent(chunk string) Event {
	return Event{Type: EventGuidePrompt, Data: GuidePromptData{Chunk: chunk}}
}

// Stream 是一次提交的事件流。事件按产生顺序投递，结束后通道关闭。
type Stream struct {
	events  chan Event
	done    chan struct{}
	once    sync.Once
	outcome *Outcome
	err     error
}

func newStream(buffer int) *Stream {
	return &Stream{events: make(chan Event, buffer), done: make(chan struct{})}
}

// Events 返回事件通道。调用方需持续读取直到通道关闭，或取消提交时传入的 context。
func (s *Stream) Events() <-chan Event { return s.events }

// Wait 阻塞直到提交结束，返回结果或导致提交失败的错误。
func (s *Stream) Wait() (*Outcome, error) {
	<-s.done
	return s.outcome, s.err
}

// Drain 依次处理全部事件并返回最终结果，fn 可以为空。
func (s *Stream) Drain(fn func(Event)) (*Outcome, error) {
	for ev := range s.events {
		if fn != nil {
			fn(ev)
		}
	}
	return s.Wait()
}

func (s *Stream) finish(outcome *Outcome, err error) {
	s.once.Do(func() {
		s.outcome = outcome
		s.err = err
		close(s.events)
		close(s.done)
	})
}

// emitter 把事件写入通道，消费方离开（context 取消）时停止。
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (e emitter) emit(ev Event) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	select {
	case e.ch <- ev:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}
