package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "ToolMind/internal/errors"
)

// Graph 是一次尝试内的步骤依赖图，每次尝试重新构建，不跨尝试复用。
type Graph struct {
	steps map[string]*Step
	ids   []string
	edges []Edge
}

// Build 校验步骤定义并构建依赖图。任一步骤不合法时返回 ErrValidation，不返回部分结果。
func Build(specs []json.RawMessage) (*Graph, error) {
	g := &Graph{
		steps: make(map[string]*Step, len(specs)),
		ids:   make([]string, 0, len(specs)),
	}
	for i, raw := range specs {
		step, err := ValidateStep(raw)
		if err != nil {
			if e, ok := xerrors.From(err); ok && e.Code() == CodeValidation {
				return nil, xerrors.Wrap(CodeValidation, err, fmt.Sprintf("第 %d 个步骤不合法", i+1),
					xerrors.WithMetadata("index", fmt.Sprint(i)))
			}
			return nil, err
		}
		if _, dup := g.steps[step.StepID]; dup {
			return nil, xerrors.New(CodeValidation, fmt.Sprintf("步骤 ID 重复: %s", step.StepID),
				xerrors.WithMetadata("step_id", step.StepID))
		}
		g.steps[step.StepID] = step
		g.ids = append(g.ids, step.StepID)
	}

	// 声明了但不存在的输入视为引用用户原始问题。
	for _, id := range g.ids {
		step := g.steps[id]
		for _, input := range step.Input {
			start := UserQueryTitle
			if dep, ok := g.steps[strings.TrimSpace(input)]; ok {
				start = dep.Title
			}
			g.edges = append(g.edges, Edge{Start: start, End: step.Title})
		}
	}
	return g, nil
}

// Len 返回步骤数量。
func (g *Graph) Len() int { return len(g.ids) }

// IDs 返回按声明顺序排列的步骤 ID。
func (g *Graph) IDs() []string { return append([]string(nil), g.ids...) }

// Step 返回指定步骤的当前状态。
func (g *Graph) Step(id string) (*Step, bool) {
	step, ok := g.steps[id]
	return step, ok
}

// Edges 返回用于展示的依赖边。
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Dependencies 返回步骤声明的、在图中存在的依赖步骤，按声明顺序去重。
func (g *Graph) Dependencies(id string) []*Step {
	step, ok := g.steps[id]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(step.Input))
	deps := make([]*Step, 0, len(step.Input))
	for _, input := range step.Input {
		input = strings.TrimSpace(input)
		dep, ok := g.steps[input]
		if !ok || input == id {
			continue
		}
		if _, dup := seen[input]; dup {
			continue
		}
		seen[input] = struct{}{}
		deps = append(deps, dep)
	}
	return deps
}

// SetResult 写入步骤的执行结果。
func (g *Graph) SetResult(id, result string) error {
	step, ok := g.steps[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("步骤不存在: %s", id))
	}
	step.Result = result
	return nil
}

// Snapshot 返回全部步骤状态的副本，按声明顺序排列。
func (g *Graph) Snapshot() []Step {
	out := make([]Step, 0, len(g.ids))
	for _, id := range g.ids {
		out = append(out, *g.steps[id].Clone())
	}
	return out
}

// Order 按依赖关系返回拓扑序：同一时刻可执行的步骤保持声明顺序。
// 存在环（包括自依赖）时返回 ErrCyclicDependency。
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.ids))
	dependents := make(map[string][]string, len(g.ids))
	for _, id := range g.ids {
		indegree[id] += 0
		seen := make(map[string]struct{})
		for _, input := range g.steps[id].Input {
			input = strings.TrimSpace(input)
			if _, ok := g.steps[input]; !ok {
				continue
			}
			if _, dup := seen[input]; dup {
				continue
			}
			seen[input] = struct{}{}
			indegree[id]++
			dependents[input] = append(dependents[input], id)
		}
	}

	order := make([]string, 0, len(g.ids))
	done := make(map[string]bool, len(g.ids))
	for len(order) < len(g.ids) {
		progressed := false
		for _, id := range g.ids {
			if done[id] || indegree[id] > 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			for _, next := range dependents[id] {
				indegree[next]--
			}
			progressed = true
			// 每次只取声明顺序中最靠前的就绪步骤。
			break
		}
		if !progressed {
			blocked := make([]string, 0)
			for _, id := range g.ids {
				if !done[id] {
					blocked = append(blocked, id)
				}
			}
			return nil, xerrors.New(CodeCyclicDependency,
				fmt.Sprintf("步骤依赖存在环: %s", strings.Join(blocked, ", ")),
				xerrors.WithMetadata("steps", strings.Join(blocked, ",")))
		}
	}
	return order, nil
}
