package task

import (
	"context"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
)

// Store 持久化任务状态。Claim 负责把 pending 任务原子地切换为 running 并累加尝试次数。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result run.Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// TaskStats 是按状态聚合的任务数量。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Handler 处理队列投递的任务 ID，返回错误时由队列实现决定是否重投。
type Handler func(ctx context.Context, taskID string) error

// Queue 投递并消费任务 ID。Consume 阻塞到 ctx 取消或出现不可恢复的错误。
type Queue interface {
	Publish(ctx context.Context, taskID string) error
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// RecoveryHandler 在任务最终失败前尝试补偿，返回非 nil 结果时任务以该结果成功结束。
type RecoveryHandler interface {
	Recover(ctx context.Context, task *Task, cause error) (*run.Result, error)
}
