package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPConfig 描述通过 HTTP 暴露的 MCP 服务。
type HTTPConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// HTTPAgent 以 JSON-RPC over HTTP POST 的方式访问 MCP 服务。
type HTTPAgent struct {
	cfg    HTTPConfig
	client *http.Client
	nextID atomic.Int64

	mu          sync.Mutex
	initialized bool

	sessMu  sync.RWMutex
	session string
}

// NewHTTPAgent 创建 HTTPAgent。
func NewHTTPAgent(cfg HTTPConfig) (*HTTPAgent, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("agent %s 未配置 url", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPAgent{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Name 实现 Agent。
func (a *HTTPAgent) Name() string { return a.cfg.Name }

// ListTools 实现 Agent。
func (a *HTTPAgent) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := a.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeTools(raw)
}

// CallTool 实现 Agent。
func (a *HTTPAgent) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	raw, err := a.call(ctx, "tools/call", callParams(tool, args))
	if err != nil {
		return "", err
	}
	return decodeCallResult(raw)
}

// Close 实现 Agent。
func (a *HTTPAgent) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPAgent) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, newCall(a.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (a *HTTPAgent) ensureInitialized(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	resp, err := a.post(ctx, newCall(a.nextID.Add(1), "initialize", initializeParams()))
	if err != nil {
		return fmt.Errorf("初始化 agent %s 失败: %w", a.cfg.Name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("初始化 agent %s 失败: %w", a.cfg.Name, resp.Error)
	}
	if _, err := a.post(ctx, newNotification("notifications/initialized")); err != nil {
		return fmt.Errorf("通知 agent %s 初始化完成失败: %w", a.cfg.Name, err)
	}
	a.initialized = true
	return nil
}

// post 发送一条消息。通知没有响应体，返回 nil。
func (a *HTTPAgent) post(ctx context.Context, msg rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("序列化 JSON-RPC 请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	a.sessMu.RLock()
	if a.session != "" {
		req.Header.Set(sessionHeader, a.session)
	}
	a.sessMu.RUnlock()

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 agent %s 失败: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(sessionHeader); id != "" {
		a.sessMu.Lock()
		a.session = id
		a.sessMu.Unlock()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("agent %s 返回错误状态 %d: %s", a.cfg.Name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if msg.ID == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	payload, err := readPayload(resp)
	if err != nil {
		return nil, err
	}
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("解析 JSON-RPC 响应失败: %w", err)
	}
	return &decoded, nil
}

// readPayload 兼容 application/json 与 text/event-stream 两种响应。
func readPayload(resp *http.Response) ([]byte, error) {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return io.ReadAll(resp.Body)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(data)), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取事件流失败: %w", err)
	}
	return nil, fmt.Errorf("事件流中没有数据")
}

var _ Agent = (*HTTPAgent)(nil)
