// Package openai 通过 Chat Completions 接口调用 OpenAI 及其兼容服务（OpenRouter 等）。
package openai

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxErrorBody     = 2048
)

// Config 描述了调用 Chat Completions 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 实现 llm.Client。
type Client struct {
	apiKey      string
	endpoint    string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建客户端，缺省值指向 OpenAI 官方服务。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(cmp.Or(strings.TrimSpace(cfg.BaseURL), defaultBaseURL), "/")
	return &Client{
		apiKey:      apiKey,
		endpoint:    baseURL + "/chat/completions",
		model:       cmp.Or(strings.TrimSpace(cfg.Model), defaultModelName),
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cmp.Or(max(cfg.Timeout, 0), defaultTimeout)},
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// apiError 是兼容服务返回的错误对象；部分网关在 200 响应中也会携带。
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Generate 调用 Chat Completions 并返回第一条 choice 的文本。
func (c *Client) Generate(ctx context.Context, messages []llm.Message, maxTokens int) (string, error) {
	text, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   max(maxTokens, 0),
	})
	return text, llm.Wrap("openai", err)
}

func (c *Client) complete(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取响应失败: %w", err)
	}
	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= http.StatusBadRequest {
		if decodeErr == nil && decoded.Error != nil {
			return "", fmt.Errorf("状态 %d: %w", resp.StatusCode, decoded.Error)
		}
		return "", fmt.Errorf("状态 %d: %s", resp.StatusCode, snippet(raw))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("解析响应失败: %w", decodeErr)
	}
	if decoded.Error != nil {
		return "", decoded.Error
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("响应中没有 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("响应内容为空 (finish_reason=%s)", decoded.Choices[0].FinishReason)
	}
	return content, nil
}

func snippet(raw []byte) string {
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return strings.TrimSpace(string(raw))
}

var _ llm.Client = (*Client)(nil)
