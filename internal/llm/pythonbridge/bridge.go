package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/llm"
)

const maxStderr = 2048

// Client 把推理委托给本地脚本，每次调用启动一个进程。
//
// 脚本从 stdin 读取 {"messages": [...], "max_tokens": n, "timestamp": ts}，
// 输出 {"text": "..."} 或 {"error": "..."}；其余输出整体视为结果文本。
type Client struct {
	python  string
	script  string
	dir     string
	timeout time.Duration
	env     []string
}

// Option 调整 Client。
type Option func(*Client)

// WithPython 指定解释器，默认 python3。
func WithPython(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.python = path
		}
	}
}

// WithWorkingDir 指定脚本的工作目录。
func WithWorkingDir(dir string) Option {
	return func(c *Client) { c.dir = dir }
}

// WithTimeout 限制单次调用的耗时。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithEnv 追加 KEY=VALUE 形式的环境变量。
func WithEnv(kv ...string) Option {
	return func(c *Client) { c.env = append(c.env, kv...) }
}

// NewClient 创建客户端，script 为空时返回错误。
func NewClient(script string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("未指定 Python 脚本路径")
	}
	c := &Client{python: "python3", script: script}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Generate 实现 llm.Client。
func (c *Client) Generate(ctx context.Context, messages []llm.Message, maxTokens int) (string, error) {
	text, err := c.generate(ctx, messages, maxTokens)
	return text, llm.Wrap("python_bridge", err)
}

type bridgeReply struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (c *Client) generate(ctx context.Context, messages []llm.Message, maxTokens int) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	input, err := json.Marshal(map[string]any{
		"messages":   messages,
		"max_tokens": maxTokens,
		"timestamp":  time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.python, c.script)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(input)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("执行 Python 脚本失败: %w, stderr=%s", err, tail(stderr.String()))
	}
	return parseReply(stdout.Bytes())
}

func parseReply(out []byte) (string, error) {
	raw := bytes.TrimSpace(out)
	if len(raw) == 0 {
		return "", errors.New("Python 脚本没有输出")
	}
	var reply bridgeReply
	if json.Unmarshal(raw, &reply) == nil {
		if msg := strings.TrimSpace(reply.Error); msg != "" {
			return "", fmt.Errorf("Python 脚本返回错误: %s", msg)
		}
		if text := strings.TrimSpace(reply.Text); text != "" {
			return text, nil
		}
	}
	return string(raw), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return "..." + s[len(s)-maxStderr:]
	}
	return s
}

// ResolveScriptPath 将相对路径解析到 baseDir 下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || baseDir == "" || filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
