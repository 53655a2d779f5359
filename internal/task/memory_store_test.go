package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"OpenMCP-Orchestrator/internal/run"
)

func seedStore(t *testing.T, base time.Time) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()

	tasks := []*Task{
		{ID: "t1", SessionID: "s-1", Tenant: "acme", RequestText: "add 2 and 3", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", SessionID: "s-2", Tenant: "globex", RequestText: "email bob", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", SessionID: "s-1", Tenant: "acme", RequestText: "list tools", Status: StatusPending, MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "smtp unreachable", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", run.Result{Success: true, Message: "3 tools", PlanID: "plan-9"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()
	return store
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute)
	store := seedStore(t, base)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	cases := []struct {
		name string
		opts []ListOption
		want []string
	}{
		{name: "failed", opts: []ListOption{WithStatuses(StatusFailed)}, want: []string{"t2"}},
		{name: "with result", opts: []ListOption{WithResultPresence(true)}, want: []string{"t3"}},
		{name: "since", opts: []ListOption{WithUpdatedSince(base.Add(15 * time.Second))}, want: []string{"t3", "t2"}},
		{name: "ascending", opts: []ListOption{WithSortOrder(SortByUpdatedAsc)}, want: []string{"t1", "t2", "t3"}},
		{name: "offset", opts: []ListOption{WithOffset(1), WithLimit(1)}, want: []string{"t2"}},
		{name: "offset past end", opts: []ListOption{WithOffset(10)}, want: nil},
		{name: "query session", opts: []ListOption{WithQuery("s-1")}, want: []string{"t3", "t1"}},
		{name: "query error text", opts: []ListOption{WithQuery("SMTP")}, want: []string{"t2"}},
		{name: "query plan id", opts: []ListOption{WithQuery("plan-9")}, want: []string{"t3"}},
		{name: "tenant", opts: []ListOption{WithTenant("acme")}, want: []string{"t3", "t1"}},
		{name: "tenant and status", opts: []ListOption{WithTenant("acme"), WithStatuses(StatusPending)}, want: []string{"t1"}},
		{name: "session", opts: []ListOption{WithSession(" s-2 ")}, want: []string{"t2"}},
		{name: "unknown tenant", opts: []ListOption{WithTenant("initech")}, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.List(ctx, buildListOptions(tc.opts))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d tasks", tc.want, len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestMemoryStoreStats(t *testing.T) {
	base := time.Now().Add(-3 * time.Minute)
	store := seedStore(t, base)
	ctx := context.Background()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithQuery("nothing-matches")}))
	if err != nil {
		t.Fatalf("stats empty: %v", err)
	}
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "c1", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "c1"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "c1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "c1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected running conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "c1", CodeTaskProcessing, "transient", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	requeued, _ := store.Get(ctx, "c1")
	if requeued.Status != StatusPending || requeued.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("expected pending after non-terminal failure: %+v", requeued)
	}

	if _, err := store.Claim(ctx, "c1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	_ = store.MarkFailed(ctx, "c1", CodeTaskProcessing, "transient", false)
	if _, err := store.Claim(ctx, "c1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
