package llm

import (
	"context"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// CodeProviderFailure 表示推理服务调用失败。
const CodeProviderFailure xerrors.Code = "PROVIDER_FAILURE"

func init() {
	xerrors.Register(CodeProviderFailure, xerrors.Attributes{
		Message:   "reasoning provider call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是对话中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	// Generate 返回模型生成的原始文本。
	Generate(ctx context.Context, messages []Message, maxTokens int) (string, error)
}

// ClientFunc 允许普通函数实现 Client。
type ClientFunc func(ctx context.Context, messages []Message, maxTokens int) (string, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	return f(ctx, messages, maxTokens)
}

// Wrap 把适配器错误包装为 PROVIDER_FAILURE。
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	if xerrors.HasCode(err, CodeProviderFailure) {
		return err
	}
	return xerrors.Wrap(CodeProviderFailure, err, provider+" generate failed", xerrors.WithMetadata("provider", provider))
}
