package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的事件：失败的运行或重试耗尽的异步任务。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	TraceID    string
	PlanID     string
	TaskID     string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 依据统一错误构造告警事件。
func FromError(err error, traceID string) Event {
	return Event{
		Code:       xerrors.CodeOf(err),
		Message:    xerrors.MessageOf(err),
		Severity:   xerrors.SeverityOf(err),
		TraceID:    traceID,
		OccurredAt: time.Now(),
	}
}

// subject 返回事件的主体描述，用于各渠道的消息正文。
func (e Event) subject() string {
	switch {
	case e.TaskID != "":
		return fmt.Sprintf("任务 %s (重试 %d/%d)", e.TaskID, e.Attempts, e.MaxRetries)
	case e.PlanID != "":
		return fmt.Sprintf("运行 %s 计划 %s", e.TraceID, e.PlanID)
	default:
		return "运行 " + e.TraceID
	}
}

func (e Event) details() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n详情:\n")
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		fmt.Fprintf(&sb, "- %s: %s\n", k, e.Metadata[k])
	}
	return sb.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是编排器与任务处理器依赖的告警出口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

// FanoutDispatcher 并发投递到所有渠道，低于阈值的事件与窗口内的重复事件会被丢弃。
type FanoutDispatcher struct {
	notifiers []Notifier
	min       xerrors.Severity
	window    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

// FanoutOption 调整 FanoutDispatcher。
type FanoutOption func(*FanoutDispatcher)

// WithMinSeverity 只投递不低于 min 的事件；未知取值按 info 处理。
func WithMinSeverity(min xerrors.Severity) FanoutOption {
	return func(d *FanoutDispatcher) { d.min = min }
}

// WithDedupWindow 在 window 内对同一错误码与 trace/任务只投递一次。
func WithDedupWindow(window time.Duration) FanoutOption {
	return func(d *FanoutDispatcher) { d.window = window }
}

// NewFanout 创建 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers []Notifier, opts ...FanoutOption) *FanoutDispatcher {
	byChannel := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			byChannel[n.Channel()] = n
		}
	}
	d := &FanoutDispatcher{
		notifiers: slices.SortedFunc(maps.Values(byChannel), func(a, b Notifier) int {
			return strings.Compare(string(a.Channel()), string(b.Channel()))
		}),
		min:    xerrors.SeverityInfo,
		now:    time.Now,
		recent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 投递事件，返回各渠道错误的合并结果。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	if severityRank[event.Severity] < severityRank[d.min] || d.duplicate(event) {
		return nil
	}

	errs := make([]error, len(d.notifiers))
	var wg sync.WaitGroup
	for i, n := range d.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Notify(ctx, event); err != nil {
				errs[i] = fmt.Errorf("channel %s: %w", n.Channel(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *FanoutDispatcher) duplicate(event Event) bool {
	if d.window <= 0 {
		return false
	}
	key := string(event.Code) + "|" + event.TraceID + "|" + event.TaskID
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.recent {
		if event.OccurredAt.Sub(at) >= d.window {
			delete(d.recent, k)
		}
	}
	if _, seen := d.recent[key]; seen {
		return true
	}
	d.recent[key] = event.OccurredAt
	return false
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("trace_id", event.TraceID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("告警时间: %s\n对象: %s\n错误码: %s\n描述: %s",
		event.OccurredAt.Format(time.RFC3339), event.subject(), event.Code, event.Message)
	return n.Sender.Send(ctx, subject, content+event.details(), n.To)
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("trace_id", event.TraceID))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n%s\n%s", event.Severity, event.Code, event.subject(), event.Message)
	return n.Sender.Send(ctx, payload)
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("trace_id", event.TraceID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (%s)", event.Severity, event.Code, event.Message, event.subject())
	return n.Sender.Send(ctx, n.ChannelID, content)
}
