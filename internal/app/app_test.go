package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"OpenMCP-Orchestrator/internal/config"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/task"
)

type cannedLLM struct {
	mu      sync.Mutex
	replies []string
}

func (c *cannedLLM) Generate(context.Context, []llm.Message, int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return "", fmt.Errorf("no reply left")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

type mathAgent struct{ closed bool }

func (a *mathAgent) Name() string { return "math" }

func (a *mathAgent) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	return []mcp.ToolDefinition{{Name: "add", Description: "Add two numbers"}}, nil
}

func (a *mathAgent) CallTool(_ context.Context, _ string, args map[string]any) (string, error) {
	x, _ := args["a"].(float64)
	y, _ := args["b"].(float64)
	return fmt.Sprintf(`{"sum": %g}`, x+y), nil
}

func (a *mathAgent) Close() error {
	a.closed = true
	return nil
}

func addPlanReplies() []string {
	return []string{
		`[{"tool_name": "add", "input": {"a": 1, "b": 2}, "description": "add"}]`,
		`{"type": "final", "reason": "done", "payload": {"message": "1 + 2 = 3"}}`,
	}
}

func TestNewWiresInMemoryStack(t *testing.T) {
	agent := &mathAgent{}
	a, err := New(context.Background(), config.Default(),
		WithLLMClient(&cannedLLM{replies: addPlanReplies()}),
		WithAgents(agent),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if tools := a.Tools.Tools(); len(tools) != 1 || tools[0].Name != "add" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	res, err := a.Orchestrator.Run(context.Background(), run.Request{SessionID: "s1", RequestText: "add 1 and 2"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.Message != "1 + 2 = 3" {
		t.Fatalf("unexpected result %+v", res)
	}

	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := make(map[string]bool)
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{"openmcp_runs_total", "openmcp_steps_total", "openmcp_provider_calls_total", "go_goroutines"} {
		if !seen[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !agent.closed {
		t.Fatalf("agents must be closed with the app")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

func TestStartProcessesQueuedTasks(t *testing.T) {
	a, err := New(context.Background(), config.Default(),
		WithLLMClient(&cannedLLM{replies: addPlanReplies()}),
		WithAgents(&mathAgent{}),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)

	submitted, err := a.Tasks.Submit(ctx, task.SubmitRequest{Run: run.Request{SessionID: "s1", RequestText: "add 1 and 2"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := a.Tasks.Wait(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != task.StatusSucceeded || done.Result == nil || done.Result.Message != "1 + 2 = 3" {
		t.Fatalf("unexpected task %+v", done)
	}
}

func TestNewRejectsUnknownDrivers(t *testing.T) {
	cases := map[string]func(*config.Config){
		"chat store": func(c *config.Config) { c.Storage.ChatStore.Driver = "sqlite" },
		"task store": func(c *config.Config) { c.Storage.TaskStore.Driver = "etcd" },
		"queue":      func(c *config.Config) { c.TaskQueue.Driver = "kafka" },
		"events":     func(c *config.Config) { c.Events.Driver = "nats" },
		"llm":        func(c *config.Config) { c.LLM.Provider = "mystery" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			var opts []Option
			if name != "llm" {
				opts = append(opts, WithLLMClient(&cannedLLM{}))
			}
			agent := &mathAgent{}
			_, err := New(context.Background(), cfg, append(opts, WithAgents(agent))...)
			if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if name != "llm" && !agent.closed {
				t.Fatalf("agents must be released when construction fails")
			}
		})
	}
}

func TestAlertsFanoutFollowsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Alerting.SlackWebhook = "http://127.0.0.1:1/hook"
	cfg.Alerting.SlackChannel = "#ops"
	cfg.Alerting.Email = config.EmailConfig{SMTPAddr: "127.0.0.1:25", From: "bot@acme.io", To: []string{"ops@acme.io"}}

	a, err := New(context.Background(), cfg, WithLLMClient(&cannedLLM{}), WithAgents(&mathAgent{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if a.Alerts.Len() != 2 {
		t.Fatalf("expected slack and email notifiers, got %d", a.Alerts.Len())
	}
}

func TestProviderLabel(t *testing.T) {
	if got := providerLabel("OpenAI", false); got != "openai" {
		t.Fatalf("got %s", got)
	}
	if got := providerLabel("openai", true); got != "custom" {
		t.Fatalf("got %s", got)
	}
}
