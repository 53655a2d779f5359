// Package dispatcher 负责执行计划中的下一个步骤并记录结果。
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/ledger"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/resolver"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/validators"
	"OpenMCP-Orchestrator/pkg/logger"
)

// ToolInvoker 调用具体工具。
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, input map[string]any) (any, error)
	Tools() []mcp.ToolDefinition
}

// Ledger 是分发器依赖的账本子集。
type Ledger interface {
	SavePlan(ctx context.Context, key run.SessionKey, p *plan.Plan, request string) error
	SetPlanStatus(ctx context.Context, planID string, status ledger.PlanStatus) error
	SetActivePlan(ctx context.Context, key run.SessionKey, planID string) error
	StepResults(ctx context.Context, planID string) ([]plan.StepResult, error)
	AppendStepResult(ctx context.Context, planID string, result plan.StepResult) error
}

// Dispatcher 每次调用最多执行一个步骤。
type Dispatcher struct {
	tools  ToolInvoker
	ledger Ledger
	events events.Publisher
	now    func() time.Time
	log    *slog.Logger
}

// Option 自定义 Dispatcher。
type Option func(*Dispatcher)

// WithPublisher 指定事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.events = p
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// New 创建 Dispatcher。
func New(tools ToolInvoker, l Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:  tools,
		ledger: l,
		events: nopPublisher{},
		now:    time.Now,
		log:    logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Invoke 执行 Dispatch 变体中计划的下一个步骤，随后把状态切回 Planning 交给决策。
func (d *Dispatcher) Invoke(ctx context.Context, st *run.State) error {
	phase, ok := st.Phase.(run.Dispatch)
	if !ok || phase.Plan == nil {
		return xerrors.Errorf(xerrors.CodeInvalidArgument, "dispatcher invoked in phase %s", st.Phase.Kind())
	}
	p := phase.Plan
	log := d.log.With(slog.String("trace_id", st.TraceID), slog.String("plan_id", p.ID))

	if err := d.persist(ctx, st, p); err != nil {
		d.fail(st, p.ID, err)
		return nil
	}
	prior, err := d.ledger.StepResults(ctx, p.ID)
	if err != nil {
		d.fail(st, p.ID, err)
		return nil
	}

	registry := resolver.NewRegistry(resolver.WithLogger(d.log))
	succeeded := make(map[string]struct{}, len(prior))
	for _, r := range prior {
		if r.Status == plan.StatusSuccess {
			registry.Register(r.StepID, r.Output)
			succeeded[r.StepID] = struct{}{}
		}
	}

	step, ok := nextStep(p, succeeded)
	if !ok {
		log.Debug("没有可执行的步骤，直接进入决策")
		return d.finish(ctx, st, p, prior)
	}

	result := d.execute(ctx, st, registry, step)
	if err := d.ledger.AppendStepResult(ctx, p.ID, result); err != nil {
		d.fail(st, p.ID, err)
		return nil
	}
	return d.finish(ctx, st, p, nil)
}

func (d *Dispatcher) persist(ctx context.Context, st *run.State, p *plan.Plan) error {
	if err := d.ledger.SavePlan(ctx, st.Key(), p, st.RequestText); err != nil {
		return err
	}
	if err := d.ledger.SetPlanStatus(ctx, p.ID, ledger.PlanInProgress); err != nil {
		return err
	}
	return d.ledger.SetActivePlan(ctx, st.Key(), p.ID)
}

// execute 解析输入并调用工具；任何失败都记录为失败结果而非返回错误。
func (d *Dispatcher) execute(ctx context.Context, st *run.State, registry *resolver.Registry, step plan.Step) plan.StepResult {
	log := d.log.With(slog.String("trace_id", st.TraceID), slog.String("step_id", step.ID), slog.String("tool", step.ToolName))
	start := d.now()
	result := plan.StepResult{StepID: step.ID, ExecutedAt: start}

	input, errText := resolveInput(registry, step)
	if errText == "" {
		errText = d.validate(step.ToolName, input)
	}
	d.events.Emit(ctx, events.StepStarted(st.TraceID, step.ID, step.ToolName, input))
	if errText != "" {
		log.Warn("步骤输入无效，跳过工具调用", slog.String("error", errText))
		return d.failed(ctx, st, step, result, errText, start)
	}

	output, err := d.tools.Invoke(ctx, step.ToolName, input)
	if err != nil {
		return d.failed(ctx, st, step, result, xerrors.MessageOf(err), start)
	}
	result.Status = plan.StatusSuccess
	result.Output = output
	result.Duration = d.now().Sub(start)
	d.events.Emit(ctx, events.StepCompleted(st.TraceID, step.ID, step.ToolName, output, result.Duration))
	log.Info("步骤执行成功", slog.Duration("duration", result.Duration))
	return result
}

func (d *Dispatcher) failed(ctx context.Context, st *run.State, step plan.Step, result plan.StepResult, errText string, start time.Time) plan.StepResult {
	result.Status = plan.StatusFailure
	result.Error = errText
	result.Duration = d.now().Sub(start)
	d.events.Emit(ctx, events.StepFailed(st.TraceID, step.ID, step.ToolName, errText))
	d.log.Warn("步骤执行失败",
		slog.String("trace_id", st.TraceID),
		slog.String("step_id", step.ID),
		slog.String("tool", step.ToolName),
		slog.String("error", errText))
	return result
}

func (d *Dispatcher) validate(tool string, input map[string]any) string {
	for _, def := range d.tools.Tools() {
		if def.Name != tool {
			continue
		}
		if err := validators.ValidateInput(def.InputSchema, input); err != nil {
			return err.Error()
		}
		break
	}
	return ""
}

func (d *Dispatcher) finish(ctx context.Context, st *run.State, p *plan.Plan, results []plan.StepResult) error {
	if results == nil {
		var err error
		if results, err = d.ledger.StepResults(ctx, p.ID); err != nil {
			d.fail(st, p.ID, err)
			return nil
		}
	}
	agg := plan.Aggregate(p, results)
	st.Results = &agg
	st.Phase = run.Planning{Plan: p}
	return nil
}

func (d *Dispatcher) fail(st *run.State, planID string, err error) {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeStorageFailure
	}
	st.Fail(planID, code, "Dispatch failed: "+xerrors.MessageOf(err))
	d.log.Error("分发失败", slog.String("trace_id", st.TraceID), slog.String("plan_id", planID), slog.Any("error", err))
}

// nextStep 选择第一个未成功且依赖都已成功的步骤；没有就绪步骤时返回 false，由决策判定是否卡住。
func nextStep(p *plan.Plan, succeeded map[string]struct{}) (plan.Step, bool) {
	for _, step := range p.Steps {
		if _, ok := succeeded[step.ID]; ok {
			continue
		}
		if ready(step, succeeded) {
			return step, true
		}
	}
	return plan.Step{}, false
}

func ready(step plan.Step, succeeded map[string]struct{}) bool {
	for _, dep := range step.Dependencies {
		if _, ok := succeeded[dep]; !ok {
			return false
		}
	}
	return true
}

// resolveInput 逐字段解析引用；以 step_N 开头的引用仍未解析时返回错误描述。
func resolveInput(registry *resolver.Registry, step plan.Step) (map[string]any, string) {
	if step.Input == nil {
		return map[string]any{}, ""
	}
	fields := make([]string, 0, len(step.Input))
	for k := range step.Input {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	input := make(map[string]any, len(step.Input))
	var errText string
	for _, field := range fields {
		v, unresolved := registry.ResolveValue(plan.CloneValue(step.Input[field]))
		input[field] = v
		if errText != "" {
			continue
		}
		for _, expr := range unresolved {
			if resolver.IsStepReference(expr) {
				errText = fmt.Sprintf("unresolved reference in input %q: {{%s}}", field, expr)
				break
			}
		}
	}
	return input, errText
}

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, events.Event) {}
