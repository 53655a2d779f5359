package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Orchestrator/pkg/logger"
)

// RedisRelayConfig 描述跨实例事件中继的 Redis 参数。
type RedisRelayConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisRelay 通过 Redis Pub/Sub 将事件广播给所有实例的本地总线。
//
// Emit 只负责发布；Run 订阅全部 trace 频道并把收到的事件转交给本地 Bus，
// 因此本实例发布的事件也会经 Redis 回到本地订阅者。
type RedisRelay struct {
	client *redis.Client
	prefix string
	local  *Bus
	log    *slog.Logger
}

// NewRedisRelay 创建 Redis 中继并检查连通性。
func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig, local *Bus) (*RedisRelay, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	if local == nil {
		return nil, errors.New("本地事件总线不能为空")
	}
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = "openmcp:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisRelay{client: client, prefix: prefix, local: local, log: logger.Named("events.redis")}, nil
}

func (r *RedisRelay) channel(traceID string) string {
	return r.prefix + ":trace:" + traceID
}

// Emit 发布事件；发布失败时退回本地投递，保证同实例的订阅者不丢事件。
func (r *RedisRelay) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.local.now()
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = r.client.Publish(ctx, r.channel(event.TraceID), payload).Err()
	}
	if err != nil {
		r.log.Warn("发布事件到 Redis 失败，改为本地投递",
			slog.String("trace_id", event.TraceID),
			slog.Any("error", err),
		)
		r.local.Emit(ctx, event)
	}
}

// Subscribe 直接使用本地总线。
func (r *RedisRelay) Subscribe(traceID string) *Subscription { return r.local.Subscribe(traceID) }

// Unsubscribe 直接使用本地总线。
func (r *RedisRelay) Unsubscribe(sub *Subscription) { r.local.Unsubscribe(sub) }

// Run 订阅所有 trace 频道，直到 ctx 取消。
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":trace:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅 Redis 事件频道失败: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.log.Warn("忽略无法解析的事件", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			r.local.Emit(ctx, event)
		}
	}
}

// Close 关闭 Redis 连接。
func (r *RedisRelay) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var (
	_ Publisher  = (*RedisRelay)(nil)
	_ Subscriber = (*RedisRelay)(nil)
)
