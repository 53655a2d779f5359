package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
)

func TestNewClientDefaults(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "  "}); err == nil {
		t.Fatalf("expected error when api key is blank")
	}
	client, err := NewClient(Config{APIKey: "k", BaseURL: "https://openrouter.ai/api/v1/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.endpoint != "https://openrouter.ai/api/v1/chat/completions" {
		t.Fatalf("endpoint = %q", client.endpoint)
	}
	if client.model != defaultModelName || client.httpClient.Timeout != defaultTimeout {
		t.Fatalf("defaults not applied: model=%q timeout=%s", client.model, client.httpClient.Timeout)
	}
}

func TestGenerateForwardsMessages(t *testing.T) {
	var (
		auth string
		body chatRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" [{\"tool_name\":\"add\"}] "}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "secret", BaseURL: srv.URL, Model: "m-1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	text, err := client.Generate(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "plan"},
		{Role: llm.RoleUser, Content: "add 2 and 3"},
	}, 4096)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != `[{"tool_name":"add"}]` {
		t.Fatalf("text = %q", text)
	}
	if auth != "Bearer secret" {
		t.Fatalf("authorization = %q", auth)
	}
	if body.Model != "m-1" || body.MaxTokens != 4096 || len(body.Messages) != 2 || body.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("unexpected request %+v", body)
	}
}

func TestGenerateFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "error object", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down","type":"rate_limit"}}`, want: "rate_limit: slow down"},
		{name: "plain text", status: http.StatusBadGateway, body: "upstream down", want: "upstream down"},
		{name: "error in 200", status: http.StatusOK, body: `{"error":{"message":"no credits"}}`, want: "no credits"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, want: "choices"},
		{name: "empty content", status: http.StatusOK, body: `{"choices":[{"message":{"content":"  "},"finish_reason":"length"}]}`, want: "finish_reason=length"},
		{name: "malformed", status: http.StatusOK, body: `{"choices":`, want: "解析响应失败"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			_, err = client.Generate(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}, 0)
			if err == nil {
				t.Fatalf("expected error")
			}
			if xerrors.CodeOf(err) != llm.CodeProviderFailure {
				t.Fatalf("code = %s", xerrors.CodeOf(err))
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}
