// Package planner 实现计划与决策合成器：调用推理服务创建计划，并在每个步骤执行后决定下一步。
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/resolver"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/validators"
	"OpenMCP-Orchestrator/pkg/logger"
)

const (
	CodeMalformedOutput xerrors.Code = "MALFORMED_PROVIDER_OUTPUT"
	CodeDecisionLimit   xerrors.Code = "DECISION_LIMIT"
	CodePlanStuck       xerrors.Code = "PLAN_STUCK"
	CodeStepFailed      xerrors.Code = "STEP_FAILED"
	CodeRunFailed       xerrors.Code = "RUN_FAILED"
)

func init() {
	xerrors.Register(CodeMalformedOutput, xerrors.Attributes{Message: "malformed provider output", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeDecisionLimit, xerrors.Attributes{Message: "decision limit reached", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodePlanStuck, xerrors.Attributes{Message: "plan cannot make progress", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeStepFailed, xerrors.Attributes{Message: "step failed permanently", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeRunFailed, xerrors.Attributes{Message: "run declared failed", Severity: xerrors.SeverityInfo})
}

const (
	defaultMaxRetries   = 3
	defaultMaxDecisions = 10
	defaultMaxTokens    = 4096
	defaultFinalMessage = "Task completed successfully"
)

// 决策类型。
const (
	DecisionFinal      = "final"
	DecisionNextSteps  = "nextSteps"
	DecisionNeedsHuman = "needsHuman"
	DecisionFailed     = "failed"
	DecisionContinue   = "continue"
)

// ToolCatalog 提供可用工具列表。
type ToolCatalog interface {
	Tools() []mcp.ToolDefinition
}

// Ledger 是合成器依赖的账本子集。
type Ledger interface {
	SavePlan(ctx context.Context, key run.SessionKey, p *plan.Plan, request string) error
	AggregatedResults(ctx context.Context, planID string) (plan.AggregatedResults, error)
	IncrementRetry(ctx context.Context, planID, stepID string) (int, error)
	ClearStepResult(ctx context.Context, planID, stepID string) error
}

// Synthesizer 负责创建计划与做出决策。
type Synthesizer struct {
	llm          llm.Client
	catalog      ToolCatalog
	ledger       Ledger
	events       events.Publisher
	maxRetries   int
	maxDecisions int
	maxTokens    int
	now          func() time.Time
	log          *slog.Logger
}

// Option 自定义 Synthesizer。
type Option func(*Synthesizer)

// WithMaxRetries 设置单个步骤的最大失败次数。
func WithMaxRetries(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithMaxDecisions 设置单次运行的决策次数上限。
func WithMaxDecisions(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxDecisions = n
		}
	}
}

// WithMaxTokens 设置推理调用的 token 上限。
func WithMaxTokens(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithPublisher 指定事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(s *Synthesizer) {
		if p != nil {
			s.events = p
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.log = l
		}
	}
}

// New 创建 Synthesizer。
func New(client llm.Client, catalog ToolCatalog, ledger Ledger, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		llm:          client,
		catalog:      catalog,
		ledger:       ledger,
		events:       nopPublisher{},
		maxRetries:   defaultMaxRetries,
		maxDecisions: defaultMaxDecisions,
		maxTokens:    defaultMaxTokens,
		now:          time.Now,
		log:          logger.Named("planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Invoke 根据 Planning 变体选择创建、决策或恢复模式，并把结果写回 st.Phase。
func (s *Synthesizer) Invoke(ctx context.Context, st *run.State) error {
	phase, ok := st.Phase.(run.Planning)
	if !ok {
		return xerrors.Errorf(xerrors.CodeInvalidArgument, "planner invoked in phase %s", st.Phase.Kind())
	}
	switch {
	case phase.Plan == nil:
		s.createPlan(ctx, st)
	default:
		s.decide(ctx, st, phase.Plan.Clone(), phase.Resume)
	}
	return nil
}

func (s *Synthesizer) createPlan(ctx context.Context, st *run.State) {
	log := s.log.With(slog.String("trace_id", st.TraceID))
	tools := s.tools()

	text, err := s.llm.Generate(ctx, s.createPrompt(st, tools), s.maxTokens)
	if err != nil {
		s.fail(ctx, st, "", llm.CodeProviderFailure, "Planning failed: "+xerrors.MessageOf(err))
		return
	}

	var decoded any
	if err := json.Unmarshal([]byte(StripFences(text)), &decoded); err != nil {
		s.fail(ctx, st, "", CodeMalformedOutput, "Planning failed: provider returned invalid JSON: "+err.Error())
		return
	}

	switch v := decoded.(type) {
	case map[string]any:
		if typ, _ := v["type"].(string); typ == "list_tools" {
			message, data := listTools(tools)
			st.Phase = run.Final{Message: message, Data: data}
			s.events.Emit(ctx, events.DecisionMade(st.TraceID, "list_tools", "user asked for the tool catalog"))
			log.Info("请求为工具清单，直接返回", slog.Int("tools", len(tools)))
			return
		}
		s.fail(ctx, st, "", CodeMalformedOutput, "Planning failed: expected a JSON array of steps or {\"type\":\"list_tools\"}")
	case []any:
		if len(v) == 0 {
			s.fail(ctx, st, "", CodeMalformedOutput, "Planning failed: provider returned an empty plan")
			return
		}
		steps := make([]plan.Step, 0, len(v))
		for i, raw := range v {
			step, _, err := parseProposal(i, raw)
			if err != nil {
				s.fail(ctx, st, "", CodeMalformedOutput, "Planning failed: "+err.Error())
				return
			}
			steps = append(steps, step)
		}
		p := plan.New(uuid.NewString(), steps)
		if err := s.ledger.SavePlan(ctx, st.Key(), p, st.RequestText); err != nil {
			s.fail(ctx, st, p.ID, xerrors.CodeStorageFailure, "Planning failed: "+xerrors.MessageOf(err))
			return
		}
		s.events.Emit(ctx, events.PlanCreated(st.TraceID, p.ID, len(p.Steps), p))
		log.Info("计划已创建", slog.String("plan_id", p.ID), slog.Int("steps", len(p.Steps)))
		st.Phase = run.Dispatch{Plan: p}
	default:
		s.fail(ctx, st, "", CodeMalformedOutput, "Planning failed: expected a JSON array of steps")
	}
}

func (s *Synthesizer) decide(ctx context.Context, st *run.State, p *plan.Plan, resume bool) {
	log := s.log.With(slog.String("trace_id", st.TraceID), slog.String("plan_id", p.ID))

	st.DecisionCount++
	if st.DecisionCount > s.maxDecisions {
		s.fail(ctx, st, p.ID, CodeDecisionLimit, fmt.Sprintf(
			"Decision limit reached: %d decisions made without finishing, aborting to prevent an infinite loop", s.maxDecisions))
		return
	}

	results, err := s.ledger.AggregatedResults(ctx, p.ID)
	if err != nil {
		if st.Results == nil || st.Results.PlanID != p.ID {
			s.fail(ctx, st, p.ID, xerrors.CodeStorageFailure, "Decision failed: "+xerrors.MessageOf(err))
			return
		}
		results = *st.Results
	}
	st.Results = &results
	log.Debug("进入决策",
		slog.Int("decision", st.DecisionCount),
		slog.Int("completed", len(results.Completed)),
		slog.Int("failed", len(results.Failed)),
		slog.Bool("resume", resume))

	if resume {
		s.finalDecision(ctx, st, p, results, true)
		return
	}

	if done := s.handleFailures(ctx, st, p, results); done {
		return
	}

	// 可重试的失败步骤仍算待执行，由分发器重新调用。
	completed := results.CompletedIDs()
	var pending []plan.Step
	for _, step := range p.Steps {
		if _, ok := completed[step.ID]; !ok {
			pending = append(pending, step)
		}
	}
	if len(pending) == 0 {
		s.finalDecision(ctx, st, p, results, false)
		return
	}

	var eligible *plan.Step
	for i := range pending {
		if dependenciesMet(pending[i], completed) {
			eligible = &pending[i]
			break
		}
	}
	// 可重试的失败步骤本身就绪时会被选为 eligible；走到这里说明任何重试都无法推进。
	if eligible == nil {
		s.fail(ctx, st, p.ID, CodePlanStuck, "Plan is stuck: "+describeBlocked(p, pending, completed))
		return
	}

	if !resolver.ContainsReference(eligible.Input) {
		s.events.Emit(ctx, events.DecisionMade(st.TraceID, DecisionContinue, "next step "+eligible.ID))
		st.Phase = run.Dispatch{Plan: p}
		return
	}
	s.resolveInput(ctx, st, p, *eligible, results)
}

// handleFailures 对失败步骤分类；返回 true 表示状态已经确定。
func (s *Synthesizer) handleFailures(ctx context.Context, st *run.State, p *plan.Plan, results plan.AggregatedResults) bool {
	var nonRetryable []string
	var retryable []plan.StepResult
	for _, failure := range results.Failed {
		step, _, _ := p.Step(failure.StepID)
		switch validators.Classify(failure.Error) {
		case validators.NeedsInput:
			missing := validators.ExtractMissingParam(failure.Error, failure.StepID, step.ToolName)
			st.Phase = run.HumanInLoop{PlanID: p.ID, Question: missing.Question, Missing: &missing}
			s.events.Emit(ctx, events.DecisionMade(st.TraceID, DecisionNeedsHuman, failure.Error))
			return true
		case validators.NonRetryable:
			nonRetryable = append(nonRetryable, fmt.Sprintf("%s (%s): %s", failure.StepID, step.ToolName, failure.Error))
		default:
			retryable = append(retryable, failure)
		}
	}
	if len(nonRetryable) > 0 {
		s.fail(ctx, st, p.ID, CodeStepFailed, "Non-retryable failure: "+strings.Join(nonRetryable, "; "))
		return true
	}

	var exhausted []string
	for _, failure := range retryable {
		st.RetryCounts[failure.StepID]++
		if _, err := s.ledger.IncrementRetry(ctx, p.ID, failure.StepID); err != nil {
			s.log.Warn("记录重试次数失败", slog.String("plan_id", p.ID), slog.String("step_id", failure.StepID), slog.Any("error", err))
		}
		if st.RetryCounts[failure.StepID] >= s.maxRetries {
			exhausted = append(exhausted, fmt.Sprintf("%s failed %d times: %s", failure.StepID, st.RetryCounts[failure.StepID], failure.Error))
		}
	}
	if len(exhausted) > 0 {
		s.fail(ctx, st, p.ID, xerrors.CodeRetriesExhausted, "Retries exhausted: "+strings.Join(exhausted, "; "))
		return true
	}
	return false
}

// resolveInput 让推理服务基于实际输出重写步骤输入。
func (s *Synthesizer) resolveInput(ctx context.Context, st *run.State, p *plan.Plan, step plan.Step, results plan.AggregatedResults) {
	text, err := s.llm.Generate(ctx, s.resolvePrompt(st, step, results), s.maxTokens)
	if err != nil {
		s.fail(ctx, st, p.ID, llm.CodeProviderFailure, "Input resolution failed: "+xerrors.MessageOf(err))
		return
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(StripFences(text)), &input); err != nil || input == nil {
		s.fail(ctx, st, p.ID, CodeMalformedOutput, fmt.Sprintf("Input resolution for %s failed: provider did not return a JSON object", step.ID))
		return
	}
	p.SetInput(step.ID, input)
	if err := s.ledger.SavePlan(ctx, st.Key(), p, ""); err != nil {
		s.fail(ctx, st, p.ID, xerrors.CodeStorageFailure, "Input resolution failed: "+xerrors.MessageOf(err))
		return
	}
	s.events.Emit(ctx, events.DecisionMade(st.TraceID, DecisionContinue, "resolved input for "+step.ID))
	st.Phase = run.Dispatch{Plan: p}
}

func (s *Synthesizer) finalDecision(ctx context.Context, st *run.State, p *plan.Plan, results plan.AggregatedResults, resume bool) {
	text, err := s.llm.Generate(ctx, s.decisionPrompt(st, p, results, resume), s.maxTokens)
	if err != nil {
		s.fail(ctx, st, p.ID, llm.CodeProviderFailure, "Decision failed: "+xerrors.MessageOf(err))
		return
	}
	var decision struct {
		Type    string         `json:"type"`
		Reason  string         `json:"reason"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(StripFences(text)), &decision); err != nil {
		s.fail(ctx, st, p.ID, CodeMalformedOutput, "Decision failed: provider returned invalid JSON: "+err.Error())
		return
	}
	s.events.Emit(ctx, events.DecisionMade(st.TraceID, decision.Type, decision.Reason))
	s.log.Info("决策完成",
		slog.String("trace_id", st.TraceID),
		slog.String("plan_id", p.ID),
		slog.String("decision", decision.Type),
		slog.Int("decision_count", st.DecisionCount))

	switch decision.Type {
	case DecisionFinal:
		message, _ := decision.Payload["message"].(string)
		if strings.TrimSpace(message) == "" {
			message = defaultFinalMessage
		}
		st.Phase = run.Final{PlanID: p.ID, Message: message, Data: decision.Payload["data"]}
	case DecisionNextSteps:
		raw, _ := decision.Payload["steps"].([]any)
		if len(raw) == 0 {
			s.fail(ctx, st, p.ID, CodeMalformedOutput, "Decision failed: nextSteps carries no steps")
			return
		}
		if err := s.mergeSteps(ctx, p, raw, results); err != nil {
			s.fail(ctx, st, p.ID, CodeMalformedOutput, "Decision failed: "+err.Error())
			return
		}
		if err := s.ledger.SavePlan(ctx, st.Key(), p, ""); err != nil {
			s.fail(ctx, st, p.ID, xerrors.CodeStorageFailure, "Decision failed: "+xerrors.MessageOf(err))
			return
		}
		st.Phase = run.Dispatch{Plan: p}
	case DecisionNeedsHuman:
		question, _ := decision.Payload["question"].(string)
		if strings.TrimSpace(question) == "" {
			s.fail(ctx, st, p.ID, CodeMalformedOutput, "Decision failed: needsHuman carries no question")
			return
		}
		st.Phase = run.HumanInLoop{PlanID: p.ID, Question: question, Missing: &run.MissingParam{
			ParamName: "unknown",
			ParamType: "unknown",
			Reason:    "provider_request",
			Question:  question,
		}}
	case DecisionFailed:
		reason, _ := decision.Payload["error"].(string)
		if strings.TrimSpace(reason) == "" {
			reason = "Task failed"
		}
		s.fail(ctx, st, p.ID, CodeRunFailed, reason)
	default:
		s.fail(ctx, st, p.ID, CodeMalformedOutput, fmt.Sprintf("Decision failed: unknown decision type %q", decision.Type))
	}
}

// mergeSteps 合并 nextSteps：带有未成功步骤 ID 的条目替换原步骤，其余条目以新 ID 追加。
func (s *Synthesizer) mergeSteps(ctx context.Context, p *plan.Plan, raw []any, results plan.AggregatedResults) error {
	completed := results.CompletedIDs()
	for i, entry := range raw {
		step, id, err := parseProposal(i, entry)
		if err != nil {
			return err
		}
		_, done := completed[id]
		if id != "" && p.HasStep(id) && !done {
			step.ID = id
			p.Replace(step)
			if err := s.ledger.ClearStepResult(ctx, p.ID, id); err != nil {
				return err
			}
			continue
		}
		p.Append(step)
	}
	return nil
}

func (s *Synthesizer) fail(ctx context.Context, st *run.State, planID string, code xerrors.Code, reason string) {
	st.Fail(planID, code, reason)
	s.events.Emit(ctx, events.DecisionMade(st.TraceID, DecisionFailed, reason))
	s.log.Warn("规划失败",
		slog.String("trace_id", st.TraceID),
		slog.String("plan_id", planID),
		slog.String("code", string(code)),
		slog.String("reason", reason))
}

func (s *Synthesizer) tools() []mcp.ToolDefinition {
	if s.catalog == nil {
		return nil
	}
	return s.catalog.Tools()
}

func parseProposal(i int, raw any) (plan.Step, string, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return plan.Step{}, "", fmt.Errorf("step %d is not a JSON object", i)
	}
	tool, _ := m["tool_name"].(string)
	if strings.TrimSpace(tool) == "" {
		return plan.Step{}, "", fmt.Errorf("step %d: tool_name is required", i)
	}
	input, ok := m["input"].(map[string]any)
	if !ok {
		return plan.Step{}, "", fmt.Errorf("step %d: input must be a JSON object", i)
	}
	description, ok := m["description"].(string)
	if !ok {
		return plan.Step{}, "", fmt.Errorf("step %d: description is required", i)
	}
	deps, err := plan.NormalizeDependencies(m["dependencies"])
	if err != nil {
		return plan.Step{}, "", fmt.Errorf("step %d: %w", i, err)
	}
	id, _ := m["step_id"].(string)
	return plan.Step{
		ToolName:     strings.TrimSpace(tool),
		Input:        input,
		Description:  description,
		Dependencies: deps,
	}, id, nil
}

func dependenciesMet(step plan.Step, completed map[string]struct{}) bool {
	for _, dep := range step.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

func describeBlocked(p *plan.Plan, pending []plan.Step, completed map[string]struct{}) string {
	parts := make([]string, 0, len(pending))
	for _, step := range pending {
		var unmet []string
		for _, dep := range step.Dependencies {
			if _, ok := completed[dep]; ok {
				continue
			}
			if p.HasStep(dep) {
				unmet = append(unmet, dep)
			} else {
				unmet = append(unmet, dep+" (unknown step)")
			}
		}
		parts = append(parts, fmt.Sprintf("%s waits on %s", step.ID, strings.Join(unmet, ", ")))
	}
	return strings.Join(parts, "; ")
}

func listTools(tools []mcp.ToolDefinition) (string, []map[string]string) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Available tools (%d):", len(tools)))
	data := make([]map[string]string, 0, len(tools))
	for _, tool := range tools {
		sb.WriteString("\n- " + tool.Name + ": " + tool.Description)
		data = append(data, map[string]string{"name": tool.Name, "description": tool.Description})
	}
	return sb.String(), data
}

// StripFences 去掉推理输出外层的 markdown 代码块。
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 && !strings.ContainsAny(t[:nl], "{[") {
		t = t[nl+1:]
	}
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return strings.TrimSpace(t)
}

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, events.Event) {}
