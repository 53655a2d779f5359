package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 是基于 list 的可靠队列：出队时原子地移入 processing 列表，
// 处理结束后再删除，进程崩溃留下的条目在下次 Consume 时归还主队列。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	log        *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg.Queue, cfg.BlockWait), nil
}

func newRedisQueue(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "openmcp:runs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		log:        logger.Named("task.redis"),
	}
}

// Publish 将任务 ID 压入队列左端。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 归还遗留的处理中条目，然后启动 workerCount 个协程阻塞取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	n, err := q.requeueInflight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Warn("归还上次未完成的任务", slog.Int("count", n), slog.String("queue", q.queue))
	}

	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			errCh <- q.work(ctx, handler)
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case err == redis.Nil:
			continue
		case stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed):
			return err
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}

		handlerErr := handler(ctx, taskID)
		// 使用独立上下文完成确认，避免取消时条目滞留在 processing 列表。
		ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ackCtx, q.processing, 1, taskID)
			if handlerErr != nil {
				pipe.RPush(ackCtx, q.queue, taskID)
			}
			return nil
		})
		cancel()
		if handlerErr != nil {
			q.log.Warn("任务处理失败，重新入队", slog.String("task_id", taskID), slog.Any("error", handlerErr))
		}
		if err != nil {
			q.log.Error("确认任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
}

// requeueInflight 把 processing 列表中的条目全部移回主队列的出队端。
func (q *RedisQueue) requeueInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "归还处理中任务失败")
		}
		moved++
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
