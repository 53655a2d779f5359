package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// amqpChannel 是队列用到的 *amqp.Channel 方法子集。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue 以手动确认模式消费任务。处理失败的消息退回队列一次，
// 再次失败则丢弃，由 Processor 的重试计数决定后续。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      amqpChannel
	queue   string
	durable bool
	log     *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (q *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "openmcp.runs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err = ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err = ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	q = newRabbitMQQueue(ch, cfg.Queue, cfg.Durable)
	q.conn = conn
	return q, nil
}

func newRabbitMQQueue(ch amqpChannel, queue string, durable bool) *RabbitMQQueue {
	return &RabbitMQQueue{ch: ch, queue: queue, durable: durable, log: logger.Named("task.rabbitmq")}
}

// Publish 投递任务 ID，持久化队列使用持久消息。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   taskID,
		Timestamp:   time.Now(),
		Body:        []byte(taskID),
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 阻塞到 ctx 取消；投递通道被服务端关闭时返回 CodeQueueFailure。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var (
		wg     sync.WaitGroup
		closed = make(chan struct{})
		once   sync.Once
	)
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						once.Do(func() { close(closed) })
						return
					}
					q.settle(msg, handler(ctx, string(msg.Body)))
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case <-closed:
		wg.Wait()
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
	}
}

func (q *RabbitMQQueue) settle(msg amqp.Delivery, handlerErr error) {
	taskID := string(msg.Body)
	var err error
	switch {
	case handlerErr == nil:
		err = msg.Ack(false)
	case !msg.Redelivered:
		q.log.Warn("任务处理失败，退回队列", slog.String("task_id", taskID), slog.Any("error", handlerErr))
		err = msg.Nack(false, true)
	default:
		q.log.Error("任务再次处理失败，丢弃消息", slog.String("task_id", taskID), slog.Any("error", handlerErr))
		err = msg.Nack(false, false)
	}
	if err != nil {
		q.log.Error("确认 RabbitMQ 消息失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
