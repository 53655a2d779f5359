package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

const maxMessageSize = 16 << 20

// StdioConfig 描述以子进程方式运行的 MCP 服务。
type StdioConfig struct {
	Name       string
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// StdioAgent 每次请求都启动一个新的子进程，通过换行分隔的 JSON-RPC 通信。
type StdioAgent struct {
	cfg StdioConfig
}

// NewStdioAgent 创建 StdioAgent。
func NewStdioAgent(cfg StdioConfig) (*StdioAgent, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("agent %s 未配置 command", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &StdioAgent{cfg: cfg}, nil
}

// Name 实现 Agent。
func (a *StdioAgent) Name() string { return a.cfg.Name }

// ListTools 实现 Agent。
func (a *StdioAgent) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := a.session(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeTools(raw)
}

// CallTool 实现 Agent。
func (a *StdioAgent) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	raw, err := a.session(ctx, "tools/call", callParams(tool, args))
	if err != nil {
		return "", err
	}
	return decodeCallResult(raw)
}

// Close 实现 Agent；子进程随请求结束，无需清理。
func (a *StdioAgent) Close() error { return nil }

func (a *StdioAgent) session(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.cfg.Command, a.cfg.Args...)
	if a.cfg.WorkingDir != "" {
		cmd.Dir = a.cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdin 失败: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdout 失败: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动 agent %s 失败: %w", a.cfg.Name, err)
	}
	defer func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	conn := &stdioConn{w: stdin, scanner: scanner}

	if _, err := conn.roundTrip(newCall(1, "initialize", initializeParams())); err != nil {
		return nil, a.wrap("initialize", err, &stderr)
	}
	if err := conn.send(newNotification("notifications/initialized")); err != nil {
		return nil, a.wrap("initialized", err, &stderr)
	}
	result, err := conn.roundTrip(newCall(2, method, params))
	if err != nil {
		return nil, a.wrap(method, err, &stderr)
	}
	return result, nil
}

func (a *StdioAgent) wrap(step string, err error, stderr *bytes.Buffer) error {
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("agent %s %s 失败: %w, stderr=%s", a.cfg.Name, step, err, msg)
	}
	return fmt.Errorf("agent %s %s 失败: %w", a.cfg.Name, step, err)
}

type stdioConn struct {
	w       io.Writer
	scanner *bufio.Scanner
}

func (c *stdioConn) send(msg rpcRequest) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(encoded, '\n'))
	return err
}

// roundTrip 发送请求并跳过通知与无关行，直到读到同 ID 的响应。
func (c *stdioConn) roundTrip(msg rpcRequest) (json.RawMessage, error) {
	if err := c.send(msg); err != nil {
		return nil, err
	}
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID == nil || *resp.ID != *msg.ID {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

var _ Agent = (*StdioAgent)(nil)
