// Package mcp 负责发现远端工具并通过 MCP JSON-RPC 协议调用它们。
package mcp

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

const (
	CodeToolNotFound       xerrors.Code = "TOOL_NOT_FOUND"
	CodeToolFailure        xerrors.Code = "TOOL_FAILURE"
	CodeCatalogUnavailable xerrors.Code = "CATALOG_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{Message: "tool not found", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeToolFailure, xerrors.Attributes{Message: "tool call failed", Severity: xerrors.SeverityWarning, Retryable: true})
	xerrors.Register(CodeCatalogUnavailable, xerrors.Attributes{Message: "tool catalog unavailable", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
}

// ToolDefinition 描述一个可调用的工具。
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Agent 是托管工具的远端服务。
type Agent interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	// CallTool 返回工具结果中的第一段文本内容。
	CallTool(ctx context.Context, tool string, args map[string]any) (string, error)
	Close() error
}

// Catalog 汇总所有 Agent 暴露的工具。
type Catalog struct {
	mu     sync.RWMutex
	agents []Agent
	tools  []ToolDefinition
	owners map[string]Agent
	log    *slog.Logger
}

// DiscoverCatalog 依次向每个 Agent 请求工具列表；无法连接的 Agent 会被跳过。
func DiscoverCatalog(ctx context.Context, agents []Agent) *Catalog {
	c := &Catalog{agents: agents, log: logger.Named("mcp")}
	c.Refresh(ctx)
	return c
}

// NewStaticCatalog 以固定的工具列表构建目录，所有工具归属于同一个 Agent。
func NewStaticCatalog(agent Agent, tools []ToolDefinition) *Catalog {
	c := &Catalog{owners: make(map[string]Agent), log: logger.Named("mcp")}
	if agent != nil {
		c.agents = []Agent{agent}
	}
	for _, tool := range tools {
		if _, dup := c.owners[tool.Name]; dup {
			continue
		}
		c.tools = append(c.tools, tool)
		c.owners[tool.Name] = agent
	}
	return c
}

// Refresh 重新发现工具，返回成功响应的 Agent 数量。
func (c *Catalog) Refresh(ctx context.Context) int {
	var (
		tools  []ToolDefinition
		owners = make(map[string]Agent)
		ok     int
	)
	for _, agent := range c.agents {
		listed, err := agent.ListTools(ctx)
		if err != nil {
			c.log.Warn("工具发现失败，已跳过", slog.String("agent", agent.Name()), slog.Any("error", err))
			continue
		}
		ok++
		for _, tool := range listed {
			if prev, dup := owners[tool.Name]; dup {
				c.log.Warn("工具名重复，保留先发现的定义",
					slog.String("tool", tool.Name),
					slog.String("kept", prev.Name()),
					slog.String("dropped", agent.Name()))
				continue
			}
			owners[tool.Name] = agent
			tools = append(tools, tool)
		}
		c.log.Info("发现工具", slog.String("agent", agent.Name()), slog.Int("count", len(listed)))
	}

	c.mu.Lock()
	c.tools = tools
	c.owners = owners
	c.mu.Unlock()
	return ok
}

// Tools 返回工具列表副本。
func (c *Catalog) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolDefinition(nil), c.tools...)
}

// Lookup 按名称查找工具定义。
func (c *Catalog) Lookup(name string) (ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tool := range c.tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return ToolDefinition{}, false
}

// Owner 返回托管该工具的 Agent。
func (c *Catalog) Owner(name string) (Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.owners[name]
	return agent, ok && agent != nil
}

// Close 关闭所有 Agent。
func (c *Catalog) Close() error {
	var first error
	for _, agent := range c.agents {
		if err := agent.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
