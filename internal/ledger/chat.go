package ledger

import (
	"context"
	"sync"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
)

// 会话消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 是会话历史中的一条消息。
type ChatMessage struct {
	Key       run.SessionKey `json:"key"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// ChatStore 持久化会话历史。Recent 按时间倒序返回最多 limit 条。
type ChatStore interface {
	Append(ctx context.Context, msg ChatMessage) error
	Recent(ctx context.Context, key run.SessionKey, limit int) ([]ChatMessage, error)
}

// MemoryChatStore 在进程内保存会话历史。
type MemoryChatStore struct {
	mu       sync.RWMutex
	messages map[run.SessionKey][]ChatMessage
}

// NewMemoryChatStore 创建内存会话存储。
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{messages: make(map[run.SessionKey][]ChatMessage)}
}

// Append 实现 ChatStore。
func (m *MemoryChatStore) Append(_ context.Context, msg ChatMessage) error {
	if msg.Role == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息角色不能为空")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.Key] = append(m.messages[msg.Key], msg)
	return nil
}

// Recent 实现 ChatStore。
func (m *MemoryChatStore) Recent(_ context.Context, key run.SessionKey, limit int) ([]ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.messages[key]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]ChatMessage, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

var _ ChatStore = (*MemoryChatStore)(nil)
