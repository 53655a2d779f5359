package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// MemoryQueue 是带缓冲 channel 的进程内队列，用于单机部署与测试。
// 处理失败的任务不会自动重投。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
		log:  logger.Named("task.memory"),
	}
}

// Publish 投递任务，队列已满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// Depth 返回尚未被消费的任务数量。
func (q *MemoryQueue) Depth() int { return len(q.ch) }

// Consume 启动 workerCount 个协程，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					if err := handler(ctx, taskID); err != nil {
						q.log.Warn("任务处理失败", slog.String("task_id", taskID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 停止投递与消费，可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
