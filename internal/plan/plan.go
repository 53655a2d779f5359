// Package plan 定义编排过程中的计划、步骤与执行结果。
package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StepIDPrefix 是步骤编号的固定前缀。
const StepIDPrefix = "step_"

// StepStatus 表示步骤的执行结果。
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailure StepStatus = "failure"
	StatusSkipped StepStatus = "skipped"
)

// Step 描述一次工具调用请求。
type Step struct {
	ID           string         `json:"step_id"`
	ToolName     string         `json:"tool_name"`
	Input        map[string]any `json:"input"`
	Description  string         `json:"description"`
	Dependencies []string       `json:"dependencies"`
}

// Guard 保留给计划级别的条件约束，目前仅随计划透传。
type Guard struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

// Plan 是一次运行中不断演进的步骤序列。
type Plan struct {
	ID           string              `json:"plan_id"`
	Steps        []Step              `json:"steps"`
	Dependencies map[string][]string `json:"dependencies"`
	Guards       []Guard             `json:"guards,omitempty"`
}

// StepResult 记录一个步骤最近一次的执行结果。
type StepResult struct {
	StepID     string        `json:"step_id"`
	Status     StepStatus    `json:"status"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
}

// AggregatedResults 是某个计划在某一时刻的结果汇总。
type AggregatedResults struct {
	PlanID      string       `json:"plan_id"`
	Completed   []StepResult `json:"completed_steps"`
	Failed      []StepResult `json:"failed_steps"`
	TotalSteps  int          `json:"total_steps"`
	SuccessRate float64      `json:"success_rate"`
}

// StepID 根据序号生成步骤 ID。
func StepID(n int) string {
	return StepIDPrefix + strconv.Itoa(n)
}

// StepIndex 解析 step_<n> 中的序号。
func StepIndex(id string) (int, bool) {
	if !strings.HasPrefix(id, StepIDPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(StepIDPrefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// New 按顺序为步骤分配 ID 并构建依赖表。
func New(id string, steps []Step) *Plan {
	p := &Plan{ID: id, Dependencies: make(map[string][]string, len(steps))}
	for i, step := range steps {
		step.ID = StepID(i)
		if step.Dependencies == nil {
			step.Dependencies = []string{}
		}
		p.Steps = append(p.Steps, step)
		p.Dependencies[step.ID] = append([]string(nil), step.Dependencies...)
	}
	return p
}

// Step 按 ID 查找步骤。
func (p *Plan) Step(id string) (Step, int, bool) {
	if p == nil {
		return Step{}, -1, false
	}
	for i, step := range p.Steps {
		if step.ID == id {
			return step, i, true
		}
	}
	return Step{}, -1, false
}

// HasStep 判断计划中是否存在指定步骤。
func (p *Plan) HasStep(id string) bool {
	_, _, ok := p.Step(id)
	return ok
}

// NextStepID 返回一个从未使用过的步骤 ID。
func (p *Plan) NextStepID() string {
	next := 0
	for _, step := range p.Steps {
		if n, ok := StepIndex(step.ID); ok && n >= next {
			next = n + 1
		}
	}
	if next < len(p.Steps) {
		next = len(p.Steps)
	}
	return StepID(next)
}

// Append 以新 ID 追加步骤并返回该 ID。
func (p *Plan) Append(step Step) string {
	step.ID = p.NextStepID()
	if step.Dependencies == nil {
		step.Dependencies = []string{}
	}
	p.Steps = append(p.Steps, step)
	if p.Dependencies == nil {
		p.Dependencies = make(map[string][]string)
	}
	p.Dependencies[step.ID] = append([]string(nil), step.Dependencies...)
	return step.ID
}

// Replace 用新的定义替换同 ID 的步骤，步骤不存在时返回 false。
func (p *Plan) Replace(step Step) bool {
	_, idx, ok := p.Step(step.ID)
	if !ok {
		return false
	}
	if step.Dependencies == nil {
		step.Dependencies = []string{}
	}
	p.Steps[idx] = step
	if p.Dependencies == nil {
		p.Dependencies = make(map[string][]string)
	}
	p.Dependencies[step.ID] = append([]string(nil), step.Dependencies...)
	return true
}

// SetInput 覆盖某个步骤的输入。
func (p *Plan) SetInput(id string, input map[string]any) bool {
	_, idx, ok := p.Step(id)
	if !ok {
		return false
	}
	p.Steps[idx].Input = input
	return true
}

// Clone 深拷贝计划，输入值通过 CloneValue 复制。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		ID:           p.ID,
		Steps:        make([]Step, len(p.Steps)),
		Dependencies: make(map[string][]string, len(p.Dependencies)),
		Guards:       append([]Guard(nil), p.Guards...),
	}
	for i, step := range p.Steps {
		out.Steps[i] = step.Clone()
	}
	for k, v := range p.Dependencies {
		out.Dependencies[k] = append([]string(nil), v...)
	}
	return out
}

// Clone 深拷贝步骤。
func (s Step) Clone() Step {
	s.Dependencies = append([]string{}, s.Dependencies...)
	if s.Input != nil {
		s.Input, _ = CloneValue(s.Input).(map[string]any)
	}
	return s
}

// CloneValue 深拷贝 JSON 风格的值（map、slice 与标量）。
func CloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// NormalizeDependencies 将推理服务给出的依赖描述统一为步骤 ID 列表。
//
// 接受缺省、单个整数、单个字符串以及整数与字符串混合的列表；整数 k 变为 step_k，
// 字符串保持原样。其他形态返回错误。
func NormalizeDependencies(raw any) ([]string, error) {
	switch typed := raw.(type) {
	case nil:
		return []string{}, nil
	case []any:
		out := make([]string, 0, len(typed))
		for i, item := range typed {
			id, err := normalizeDependency(item)
			if err != nil {
				return nil, fmt.Errorf("dependencies[%d]: %w", i, err)
			}
			if id != "" {
				out = append(out, id)
			}
		}
		return out, nil
	case []string:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	case []int:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if item < 0 {
				return nil, fmt.Errorf("negative dependency index %d", item)
			}
			out = append(out, StepID(item))
		}
		return out, nil
	default:
		id, err := normalizeDependency(typed)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return []string{}, nil
		}
		return []string{id}, nil
	}
}

func normalizeDependency(v any) (string, error) {
	switch typed := v.(type) {
	case string:
		return typed, nil
	case int:
		if typed < 0 {
			return "", fmt.Errorf("negative dependency index %d", typed)
		}
		return StepID(typed), nil
	case int64:
		return normalizeDependency(int(typed))
	case float64:
		if typed != math.Trunc(typed) || typed < 0 {
			return "", fmt.Errorf("dependency index %v is not a non-negative integer", typed)
		}
		return StepID(int(typed)), nil
	case json.Number:
		n, err := typed.Int64()
		if err != nil {
			return "", fmt.Errorf("dependency index %s is not an integer", typed)
		}
		return normalizeDependency(int(n))
	default:
		return "", fmt.Errorf("unsupported dependency type %T", v)
	}
}
