package dispatcher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/ledger"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

// scriptedAgent 以固定文本回应工具调用，并记录收到的参数。
type scriptedAgent struct {
	replies map[string]string
	errs    map[string]error
	calls   []call
}

type call struct {
	tool string
	args map[string]any
}

func (a *scriptedAgent) Name() string { return "scripted" }

func (a *scriptedAgent) ListTools(context.Context) ([]mcp.ToolDefinition, error) { return nil, nil }

func (a *scriptedAgent) CallTool(_ context.Context, tool string, args map[string]any) (string, error) {
	a.calls = append(a.calls, call{tool: tool, args: args})
	if err := a.errs[tool]; err != nil {
		return "", err
	}
	return a.replies[tool], nil
}

func (a *scriptedAgent) Close() error { return nil }

var testTools = []mcp.ToolDefinition{
	{Name: "add"},
	{Name: "list_events"},
	{Name: "send_email", InputSchema: map[string]any{
		"type":     "object",
		"required": []any{"to"},
		"properties": map[string]any{
			"to": map[string]any{"type": "string", "format": "email"},
		},
	}},
}

type fixture struct {
	dispatcher *Dispatcher
	ledger     *ledger.Ledger
	agent      *scriptedAgent
	bus        *events.Bus
}

func newFixture() *fixture {
	f := &fixture{
		ledger: ledger.New(),
		agent:  &scriptedAgent{replies: map[string]string{}, errs: map[string]error{}},
		bus:    events.NewBus(),
	}
	exec := mcp.NewExecutor(mcp.NewStaticCatalog(f.agent, testTools))
	f.dispatcher = New(exec, f.ledger, WithPublisher(f.bus), WithLogger(logger.Discard()))
	return f
}

func newState(p *plan.Plan) *run.State {
	st := run.NewState(run.Request{SessionID: "s1", UserID: "u1", Tenant: "t1", RequestText: "go", TraceID: "trace-1"})
	st.Phase = run.Dispatch{Plan: p}
	return st
}

func TestDispatchRunsFirstStepAndRecords(t *testing.T) {
	f := newFixture()
	f.agent.replies["add"] = `{"sum": 5}`
	sub := f.bus.Subscribe("trace-1")
	p := plan.New("plan-1", []plan.Step{
		{ToolName: "add", Input: map[string]any{"numbers": []any{2.0, 3.0}}},
		{ToolName: "add", Input: map[string]any{"numbers": []any{"{{step_0.sum}}", 1.0}}, Dependencies: []string{"step_0"}},
	})
	st := newState(p)

	if err := f.dispatcher.Invoke(context.Background(), st); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	planning, ok := st.Phase.(run.Planning)
	if !ok || planning.Plan.ID != "plan-1" || planning.Resume {
		t.Fatalf("expected Planning for plan-1, got %+v", st.Phase)
	}
	if len(f.agent.calls) != 1 || f.agent.calls[0].tool != "add" {
		t.Fatalf("unexpected calls %+v", f.agent.calls)
	}
	if st.Results == nil || len(st.Results.Completed) != 1 || st.Results.Completed[0].StepID != "step_0" {
		t.Fatalf("results not aggregated: %+v", st.Results)
	}

	ctx := context.Background()
	if status, _ := f.ledger.PlanStatus(ctx, p.ID); status != ledger.PlanInProgress {
		t.Fatalf("expected in_progress, got %s", status)
	}
	if active, _, ok := f.ledger.ActivePlan(ctx, st.Key()); !ok || active.ID != p.ID {
		t.Fatalf("active plan pointer not set")
	}

	var kinds []events.Type
	for i := 0; i < 2; i++ {
		ev, err := sub.Next(ctx, time.Second)
		if err != nil {
			t.Fatalf("next event: %v", err)
		}
		kinds = append(kinds, ev.Type)
	}
	if kinds[0] != events.TypeStepStarted || kinds[1] != events.TypeStepCompleted {
		t.Fatalf("unexpected event order %v", kinds)
	}
}

func TestDispatchResolvesReferencesFromPriorResults(t *testing.T) {
	f := newFixture()
	f.agent.replies["add"] = "6"
	p := plan.New("plan-1", []plan.Step{
		{ToolName: "add"},
		{ToolName: "add", Input: map[string]any{"numbers": "{{step_0.sum}}", "label": "sum is {{step_0.sum}}"}, Dependencies: []string{"step_0"}},
	})
	ctx := context.Background()
	_ = f.ledger.SavePlan(ctx, run.SessionKey{Tenant: "t1", UserID: "u1", SessionID: "s1"}, p, "go")
	_ = f.ledger.AppendStepResult(ctx, p.ID, plan.StepResult{StepID: "step_0", Status: plan.StatusSuccess, Output: map[string]any{"sum": 5.0}})

	st := newState(p)
	_ = f.dispatcher.Invoke(ctx, st)

	if len(f.agent.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(f.agent.calls))
	}
	args := f.agent.calls[0].args
	if args["numbers"] != 5.0 || args["label"] != "sum is 5" {
		t.Fatalf("references not resolved: %+v", args)
	}
	if r, ok := st.Results.Result("step_1"); !ok || r.Output != 6.0 {
		t.Fatalf("unexpected step_1 result %+v", r)
	}
}

func TestUnresolvedReferenceFailsWithoutCallingTool(t *testing.T) {
	f := newFixture()
	p := plan.New("plan-1", []plan.Step{
		{ToolName: "send_email", Input: map[string]any{"to": "{{step_3.email}}", "subject": "{weekday}"}},
	})
	st := newState(p)
	_ = f.dispatcher.Invoke(context.Background(), st)

	if len(f.agent.calls) != 0 {
		t.Fatalf("tool must not be called with unresolved references")
	}
	if len(st.Results.Failed) != 1 {
		t.Fatalf("expected a failure, got %+v", st.Results)
	}
	want := `unresolved reference in input "to": {{step_3.email}}`
	if got := st.Results.Failed[0].Error; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSchemaValidationBlocksBadInput(t *testing.T) {
	cases := []struct {
		input map[string]any
		want  string
	}{
		{input: map[string]any{"subject": "hi"}, want: "missing required parameter: to"},
		{input: map[string]any{"to": "bob@example.com"}, want: "placeholder domain"},
	}
	for _, tc := range cases {
		f := newFixture()
		st := newState(plan.New("plan-1", []plan.Step{{ToolName: "send_email", Input: tc.input}}))
		_ = f.dispatcher.Invoke(context.Background(), st)
		if len(f.agent.calls) != 0 {
			t.Fatalf("%v: tool must not be called", tc.input)
		}
		if len(st.Results.Failed) != 1 || !strings.Contains(st.Results.Failed[0].Error, tc.want) {
			t.Fatalf("%v: expected %q, got %+v", tc.input, tc.want, st.Results.Failed)
		}
	}
}

func TestReportedFailureAndRetryUpsert(t *testing.T) {
	f := newFixture()
	f.agent.replies["list_events"] = `{"success": false, "error": "calendar offline"}`
	p := plan.New("plan-1", []plan.Step{{ToolName: "list_events"}})
	ctx := context.Background()

	st := newState(p)
	_ = f.dispatcher.Invoke(ctx, st)
	if len(st.Results.Failed) != 1 || st.Results.Failed[0].Error != "calendar offline" {
		t.Fatalf("expected reported failure, got %+v", st.Results.Failed)
	}

	f.agent.replies["list_events"] = `{"events": []}`
	st.Phase = run.Dispatch{Plan: p}
	_ = f.dispatcher.Invoke(ctx, st)

	results, _ := f.ledger.StepResults(ctx, p.ID)
	if len(results) != 1 || results[0].Status != plan.StatusSuccess {
		t.Fatalf("retry should replace the failure, got %+v", results)
	}
	if len(st.Results.Failed) != 0 || len(st.Results.Completed) != 1 {
		t.Fatalf("unexpected aggregation %+v", st.Results)
	}
}

func TestAgentErrorRecordedAsFailure(t *testing.T) {
	f := newFixture()
	f.agent.errs["add"] = errors.New("connection reset")
	st := newState(plan.New("plan-1", []plan.Step{{ToolName: "add"}, {ToolName: "ghost"}}))
	_ = f.dispatcher.Invoke(context.Background(), st)

	if len(st.Results.Failed) != 1 || !strings.Contains(st.Results.Failed[0].Error, "connection reset") {
		t.Fatalf("unexpected failures %+v", st.Results.Failed)
	}
	if _, ok := st.Phase.(run.Planning); !ok {
		t.Fatalf("tool failures must hand control back to planning, got %T", st.Phase)
	}
}

func TestAllStepsSucceededSkipsExecution(t *testing.T) {
	f := newFixture()
	p := plan.New("plan-1", []plan.Step{{ToolName: "add"}})
	ctx := context.Background()
	_ = f.ledger.SavePlan(ctx, run.SessionKey{Tenant: "t1", UserID: "u1", SessionID: "s1"}, p, "go")
	_ = f.ledger.AppendStepResult(ctx, p.ID, plan.StepResult{StepID: "step_0", Status: plan.StatusSuccess, Output: 5.0})

	st := newState(p)
	_ = f.dispatcher.Invoke(ctx, st)
	if len(f.agent.calls) != 0 {
		t.Fatalf("no step should run")
	}
	if _, ok := st.Phase.(run.Planning); !ok || len(st.Results.Completed) != 1 {
		t.Fatalf("expected Planning with one completed step, got %T %+v", st.Phase, st.Results)
	}
}

func TestNextStepPrefersReadySteps(t *testing.T) {
	p := plan.New("plan-1", []plan.Step{
		{ToolName: "a"},
		{ToolName: "b", Dependencies: []string{"step_0"}},
		{ToolName: "c"},
	})
	step, ok := nextStep(p, map[string]struct{}{})
	if !ok || step.ID != "step_0" {
		t.Fatalf("expected step_0, got %+v", step)
	}
	step, _ = nextStep(p, map[string]struct{}{"step_0": {}})
	if step.ID != "step_1" {
		t.Fatalf("expected step_1, got %s", step.ID)
	}

	blocked := plan.New("plan-2", []plan.Step{{ToolName: "a", Dependencies: []string{"step_9"}}})
	if step, ok := nextStep(blocked, map[string]struct{}{}); ok {
		t.Fatalf("no step is ready, got %s", step.ID)
	}
	cycle := plan.New("plan-3", []plan.Step{
		{ToolName: "a", Dependencies: []string{"step_1"}},
		{ToolName: "b", Dependencies: []string{"step_0"}},
	})
	if step, ok := nextStep(cycle, map[string]struct{}{}); ok {
		t.Fatalf("cyclic steps must not run, got %s", step.ID)
	}
}

type brokenLedger struct{ *ledger.Ledger }

func (brokenLedger) SavePlan(context.Context, run.SessionKey, *plan.Plan, string) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestLedgerFailureErrorsRun(t *testing.T) {
	agent := &scriptedAgent{replies: map[string]string{}, errs: map[string]error{}}
	d := New(mcp.NewExecutor(mcp.NewStaticCatalog(agent, testTools)), brokenLedger{ledger.New()}, WithLogger(logger.Discard()))
	st := newState(plan.New("plan-1", []plan.Step{{ToolName: "add"}}))
	_ = d.Invoke(context.Background(), st)

	e, ok := st.Phase.(run.Errored)
	if !ok || e.Code != xerrors.CodeStorageFailure || !strings.Contains(e.Reason, "disk full") {
		t.Fatalf("expected storage failure, got %+v", st.Phase)
	}
}

func TestInvokeRejectsOtherPhases(t *testing.T) {
	f := newFixture()
	st := newState(nil)
	st.Phase = run.Init{}
	if err := f.dispatcher.Invoke(context.Background(), st); err == nil {
		t.Fatalf("expected error outside Dispatch")
	}
}
