package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "openmcp-orchestrator"
	clientVersion   = "1.0.0"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func newCall(id int64, method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

func newNotification(method string) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", Method: method}
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}
}

func callParams(tool string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{"name": tool, "arguments": args}
}

func decodeTools(raw json.RawMessage) ([]ToolDefinition, error) {
	var result struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("解析 tools/list 结果失败: %w", err)
	}
	return result.Tools, nil
}

// decodeCallResult 取出第一段文本内容；isError 为真时作为错误返回。
func decodeCallResult(raw json.RawMessage) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("解析 tools/call 结果失败: %w", err)
	}
	var texts []string
	for _, item := range result.Content {
		if item.Type == "" || item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%s", strings.Join(texts, "\n"))
	}
	if len(texts) == 0 {
		return "", nil
	}
	return texts[0], nil
}
