package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Executor 把工具调用路由到对应的 Agent，并把结果归一化为 JSON 值。
type Executor struct {
	catalog *Catalog
	log     *slog.Logger
}

// NewExecutor 创建 Executor。
func NewExecutor(catalog *Catalog) *Executor {
	return &Executor{catalog: catalog, log: logger.Named("mcp")}
}

// Invoke 调用工具。
//
// 文本结果能解析为 JSON 时返回解析后的值，否则原样返回字符串；
// 形如 {"success": false, "error": ...} 的结果视为失败。
func (e *Executor) Invoke(ctx context.Context, tool string, input map[string]any) (any, error) {
	if e.catalog == nil {
		return nil, xerrors.New(CodeCatalogUnavailable, "")
	}
	agent, ok := e.catalog.Owner(tool)
	if !ok {
		return nil, xerrors.New(CodeToolNotFound, "tool not found: "+tool)
	}

	start := time.Now()
	text, err := agent.CallTool(ctx, tool, input)
	if err != nil {
		e.log.Warn("工具调用失败",
			slog.String("tool", tool),
			slog.String("agent", agent.Name()),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return nil, xerrors.Wrap(CodeToolFailure, err, "tool "+tool+" failed")
	}
	e.log.Debug("工具调用完成", slog.String("tool", tool), slog.Duration("duration", time.Since(start)))

	output := decodeOutput(text)
	if msg, failed := reportedFailure(output); failed {
		return nil, xerrors.New(CodeToolFailure, msg)
	}
	return output, nil
}

// Tools 返回目录中的工具列表。
func (e *Executor) Tools() []ToolDefinition {
	if e.catalog == nil {
		return nil
	}
	return e.catalog.Tools()
}

func decodeOutput(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return map[string]any{"success": true, "result": "completed"}
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return text
	}
	return decoded
}

// reportedFailure 识别工具自报的失败，并把错误字段压缩为一行文本。
func reportedFailure(output any) (string, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return "", false
	}
	success, present := m["success"].(bool)
	if !present || success {
		return "", false
	}
	switch v := m["error"].(type) {
	case nil:
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg, true
		}
		return "tool reported failure", true
	case string:
		return v, true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), true
		}
		return string(raw), true
	}
}
