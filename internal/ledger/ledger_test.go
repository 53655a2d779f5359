package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/run"
)

var testKey = run.SessionKey{Tenant: "acme", UserID: "u1", SessionID: "s1"}

func newPlan(id string, tools ...string) *plan.Plan {
	steps := make([]plan.Step, len(tools))
	for i, tool := range tools {
		steps[i] = plan.Step{ToolName: tool, Input: map[string]any{"n": i}}
	}
	return plan.New(id, steps)
}

func TestAppendStepResultUpserts(t *testing.T) {
	ctx := context.Background()
	l := New()
	if err := l.SavePlan(ctx, testKey, newPlan("p1", "a", "b"), "do it"); err != nil {
		t.Fatalf("save plan: %v", err)
	}

	for _, status := range []plan.StepStatus{plan.StatusFailure, plan.StatusFailure, plan.StatusSuccess} {
		if err := l.AppendStepResult(ctx, "p1", plan.StepResult{StepID: "step_0", Status: status}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	results, err := l.StepResults(ctx, "p1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 || results[0].Status != plan.StatusSuccess {
		t.Fatalf("expected a single success result, got %+v", results)
	}

	agg, err := l.AggregatedResults(ctx, "p1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(agg.Completed) != 1 || len(agg.Failed) != 0 || agg.TotalSteps != 2 || agg.SuccessRate != 1 {
		t.Fatalf("unexpected aggregation %+v", agg)
	}
}

func TestAggregationFollowsCurrentPlan(t *testing.T) {
	ctx := context.Background()
	l := New()
	p := newPlan("p1", "a", "b")
	_ = l.SavePlan(ctx, testKey, p, "")
	_ = l.AppendStepResult(ctx, "p1", plan.StepResult{StepID: "step_0", Status: plan.StatusSuccess})

	p.Append(plan.Step{ToolName: "c"})
	if err := l.SavePlan(ctx, testKey, p, ""); err != nil {
		t.Fatalf("resave: %v", err)
	}
	agg, _ := l.AggregatedResults(ctx, "p1")
	if agg.TotalSteps != 3 {
		t.Fatalf("total steps should follow the stored plan, got %d", agg.TotalSteps)
	}
}

func TestTerminalStatusClearsActivePointer(t *testing.T) {
	ctx := context.Background()
	l := New()
	_ = l.SavePlan(ctx, testKey, newPlan("p1", "a"), "")
	if err := l.SetActivePlan(ctx, testKey, "p1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	_ = l.SetPlanStatus(ctx, "p1", PlanNeedsHuman)
	if _, status, ok := l.ActivePlan(ctx, testKey); !ok || status != PlanNeedsHuman {
		t.Fatalf("needs_human must keep the active pointer, ok=%v status=%s", ok, status)
	}

	_ = l.SetPlanStatus(ctx, "p1", PlanCompleted)
	if _, _, ok := l.ActivePlan(ctx, testKey); ok {
		t.Fatalf("completed plan should no longer be active")
	}
}

func TestRetryCountsAndUnknownPlan(t *testing.T) {
	ctx := context.Background()
	l := New()
	_ = l.SavePlan(ctx, testKey, newPlan("p1", "a"), "")
	for i := 1; i <= 3; i++ {
		n, err := l.IncrementRetry(ctx, "p1", "step_0")
		if err != nil || n != i {
			t.Fatalf("increment %d: n=%d err=%v", i, n, err)
		}
	}
	counts, _ := l.RetryCounts(ctx, "p1")
	if counts["step_0"] != 3 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	_, err := l.IncrementRetry(ctx, "missing", "step_0")
	if !errors.Is(err, ErrPlanNotFound) || xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlanReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	l := New()
	_ = l.SavePlan(ctx, testKey, newPlan("p1", "a"), "")
	got, _ := l.Plan(ctx, "p1")
	got.Steps[0].Input["n"] = 99
	again, _ := l.Plan(ctx, "p1")
	if again.Steps[0].Input["n"] == 99 {
		t.Fatalf("stored plan mutated through returned copy")
	}
}

func TestReusableResultsFromLatestPlan(t *testing.T) {
	ctx := context.Background()
	l := New()
	_ = l.SavePlan(ctx, testKey, newPlan("old", "a"), "")
	_ = l.AppendStepResult(ctx, "old", plan.StepResult{StepID: "step_0", Status: plan.StatusSuccess, Output: "stale"})
	_ = l.SavePlan(ctx, testKey, newPlan("new", "search", "mail"), "")
	_ = l.AppendStepResult(ctx, "new", plan.StepResult{StepID: "step_0", Status: plan.StatusSuccess, Output: map[string]any{"hits": 2}})
	_ = l.AppendStepResult(ctx, "new", plan.StepResult{StepID: "step_1", Status: plan.StatusFailure, Error: "boom"})

	prior := l.ReusableResults(ctx, testKey)
	if len(prior) != 1 || prior[0].PlanID != "new" || prior[0].ToolName != "search" {
		t.Fatalf("unexpected reusable results %+v", prior)
	}

	other := run.SessionKey{Tenant: "acme", UserID: "u2", SessionID: "s1"}
	if got := l.ReusableResults(ctx, other); len(got) != 0 {
		t.Fatalf("results leaked across users: %+v", got)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	for _, content := range []string{"one", "two", "three"} {
		if err := l.AppendMessage(ctx, testKey, RoleUser, content); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	turns, err := l.RecentMessages(ctx, testKey, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "two" || turns[1].Content != "three" {
		t.Fatalf("unexpected order %+v", turns)
	}
}

func TestClearStepResultResetsRetries(t *testing.T) {
	ctx := context.Background()
	l := New()
	_ = l.SavePlan(ctx, testKey, newPlan("p1", "a", "b"), "")
	_ = l.AppendStepResult(ctx, "p1", plan.StepResult{StepID: "step_0", Status: plan.StatusSuccess})
	_ = l.AppendStepResult(ctx, "p1", plan.StepResult{StepID: "step_1", Status: plan.StatusFailure})
	_, _ = l.IncrementRetry(ctx, "p1", "step_1")

	if err := l.ClearStepResult(ctx, "p1", "step_1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	results, _ := l.StepResults(ctx, "p1")
	if len(results) != 1 || results[0].StepID != "step_0" {
		t.Fatalf("unexpected results %+v", results)
	}
	counts, _ := l.RetryCounts(ctx, "p1")
	if counts["step_1"] != 0 {
		t.Fatalf("retry count should be reset, got %d", counts["step_1"])
	}
}
