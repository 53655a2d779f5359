package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

const defaultPollInterval = 500 * time.Millisecond

// SubmitRequest 描述一次异步运行的提交参数。ID 非空时提交是幂等的。
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Run      run.Request    `json:"run"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service 是异步运行的入口：写入任务后投递到队列，由 Processor 执行。
type Service struct {
	store      Store
	queue      Queue
	maxRetries int
}

// NewService 构造任务服务，maxRetries 非正时取 3。
func NewService(store Store, queue Queue, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, queue: queue, maxRetries: maxRetries}
}

// Submit 创建任务并入队。相同 ID 的重复提交返回已存在的任务，不会再次入队。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.queue == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.lookup(ctx, id); err != nil || existing != nil {
		return existing, err
	}

	task := newTask(id, req, s.maxRetries)
	if err := s.store.Create(ctx, task); err != nil {
		if !stdErrors.Is(err, ErrTaskConflict) {
			return nil, err
		}
		// 并发提交同一 ID 时，以先写入者为准。
		if existing, getErr := s.lookup(ctx, id); getErr != nil || existing != nil {
			return existing, getErr
		}
		return nil, err
	}

	if err := s.queue.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", id))
		_ = s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", id),
		slog.String("session_id", task.SessionID),
		slog.String("tenant", task.Tenant),
		slog.String("trace_id", task.TraceID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func validateSubmit(req SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.Run.RequestText) == "":
		return xerrors.New(CodeTaskValidation, "请求内容不能为空")
	case strings.TrimSpace(req.Run.SessionID) == "":
		return xerrors.New(CodeTaskValidation, "会话标识不能为空")
	}
	return nil
}

// lookup 返回 (nil, nil) 表示任务不存在。
func (s *Service) lookup(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return task, err
}

func newTask(id string, req SubmitRequest, maxRetries int) *Task {
	traceID := strings.TrimSpace(req.Run.TraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Task{
		ID:          id,
		SessionID:   req.Run.SessionID,
		UserID:      req.Run.UserID,
		Tenant:      req.Run.Tenant,
		RequestText: req.Run.RequestText,
		TraceID:     traceID,
		Metadata:    cloneMetadata(req.Metadata),
		Status:      StatusPending,
		MaxRetries:  maxRetries,
	}
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Wait 轮询直到任务进入终态或 ctx 结束。
func (s *Service) Wait(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// QueueDepth 返回队列积压量；仅进程内队列可以统计。
func (s *Service) QueueDepth() (int, bool) {
	if d, ok := s.queue.(interface{ Depth() int }); ok {
		return d.Depth(), true
	}
	return 0, false
}

// Close 依次关闭存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	return stdErrors.Join(errs...)
}
