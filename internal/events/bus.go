package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Orchestrator/pkg/logger"
)

var (
	// ErrTimeout 表示在等待时间内没有新事件。
	ErrTimeout = errors.New("events: wait timed out")
	// ErrClosed 表示订阅已取消且队列已清空。
	ErrClosed = errors.New("events: subscription closed")
)

// Bus 在进程内按 trace 广播事件。
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	now  func() time.Time
	log  *slog.Logger
}

// Option 定义 Bus 的可选配置。
type Option func(*Bus)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBus 创建事件总线。
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
		now:  time.Now,
		log:  logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe 为指定 trace 注册一个新的订阅队列。
func (b *Bus) Subscribe(traceID string) *Subscription {
	sub := &Subscription{traceID: traceID, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	set, ok := b.subs[traceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[traceID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe 注销订阅，队列中尚未读取的事件仍可被读完。
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.traceID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.traceID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Emit 将事件推送到该 trace 的所有订阅队列，不会阻塞调用方。
func (b *Bus) Emit(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	b.mu.RLock()
	set := b.subs[event.TraceID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(event)
	}
	b.log.Debug("事件已发送",
		slog.String("trace_id", event.TraceID),
		slog.String("type", string(event.Type)),
		slog.Int("subscribers", len(targets)),
	)
}

// Subscribers 返回某个 trace 当前的订阅数量。
func (b *Bus) Subscribers(traceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[traceID])
}

// Subscription 是一个无界的事件队列。
type Subscription struct {
	traceID string
	mu      sync.Mutex
	queue   []Event
	closed  bool
	notify  chan struct{}
}

// TraceID 返回订阅的 trace。
func (s *Subscription) TraceID() string { return s.traceID }

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		return ev, true, s.closed
	}
	return Event{}, false, s.closed
}

// Next 在 wait 时间内等待下一条事件。
func (s *Subscription) Next(ctx context.Context, wait time.Duration) (Event, error) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	for {
		ev, ok, closed := s.pop()
		if ok {
			return ev, nil
		}
		if closed {
			return Event{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-timer:
			return Event{}, ErrTimeout
		case <-s.notify:
		}
	}
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
