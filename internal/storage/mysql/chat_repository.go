package mysql

import (
	"context"
	"database/sql"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/ledger"
	"OpenMCP-Orchestrator/internal/run"
)

// ChatRepository 将会话历史写入 chat_messages 表。
type ChatRepository struct {
	db *sql.DB
}

// NewChatRepository 打开连接池并执行迁移。
func NewChatRepository(ctx context.Context, cfg Config) (*ChatRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ChatRepository{db: db}, nil
}

const insertChatSQL = `INSERT INTO chat_messages (tenant, user_id, session_id, role, content, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`

const recentChatSQL = `SELECT role, content, created_at FROM chat_messages
    WHERE tenant = ? AND user_id = ? AND session_id = ?
    ORDER BY id DESC LIMIT ?`

// Append 实现 ledger.ChatStore。
func (r *ChatRepository) Append(ctx context.Context, msg ledger.ChatMessage) error {
	if msg.Role == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息角色不能为空")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, insertChatSQL,
		msg.Key.Tenant,
		msg.Key.UserID,
		msg.Key.SessionID,
		msg.Role,
		msg.Content,
		msg.CreatedAt.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话消息失败")
	}
	return nil
}

// Recent 实现 ledger.ChatStore，按时间倒序返回。
func (r *ChatRepository) Recent(ctx context.Context, key run.SessionKey, limit int) ([]ledger.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, recentChatSQL, key.Tenant, key.UserID, key.SessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话历史失败")
	}
	defer rows.Close()

	var messages []ledger.ChatMessage
	for rows.Next() {
		var msg ledger.ChatMessage
		var createdAt int64
		if err := rows.Scan(&msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		msg.Key = key
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话历史失败")
	}
	return messages, nil
}

// Close 关闭底层数据库连接。
func (r *ChatRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ ledger.ChatStore = (*ChatRepository)(nil)
