// Package orchestrator 实现运行控制器：组装上下文，驱动规划与分发节点直至终止状态。
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/knowledge"
	"OpenMCP-Orchestrator/internal/ledger"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

const (
	defaultHistoryDepth = 10
	defaultIdentity     = "default"

	nodePlanner    = "planner"
	nodeDispatcher = "dispatcher"
)

// Node 是状态机中的一个处理节点。
type Node interface {
	Invoke(ctx context.Context, st *run.State) error
}

// Ledger 是控制器依赖的账本子集。
type Ledger interface {
	AppendMessage(ctx context.Context, key run.SessionKey, role, content string) error
	RecentMessages(ctx context.Context, key run.SessionKey, n int) ([]run.ChatTurn, error)
	ReusableResults(ctx context.Context, key run.SessionKey) []run.PriorResult
	ActivePlan(ctx context.Context, key run.SessionKey) (*plan.Plan, ledger.PlanStatus, bool)
	RequestText(ctx context.Context, planID string) (string, error)
	SetPlanStatus(ctx context.Context, planID string, status ledger.PlanStatus) error
	SetActivePlan(ctx context.Context, key run.SessionKey, planID string) error
}

// Bus 是控制器需要的事件总线能力。
type Bus interface {
	events.Publisher
	events.Subscriber
}

// Orchestrator 驱动单次运行。
type Orchestrator struct {
	planner      Node
	dispatcher   Node
	ledger       Ledger
	bus          Bus
	publisher    events.Publisher
	knowledge    knowledge.Provider
	alerts       alerting.Dispatcher
	metrics      *metrics.Recorder
	historyDepth int
	keepalive    time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Option 自定义 Orchestrator。
type Option func(*Orchestrator)

// WithKnowledge 配置知识库，命中的片段进入上下文的附加信息。
func WithKnowledge(p knowledge.Provider) Option {
	return func(o *Orchestrator) { o.knowledge = p }
}

// WithAlerts 配置运行失败时的告警投递。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithMetrics 配置指标记录器。
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithPublisher 覆盖事件的发送端（例如跨实例转发），订阅仍走 Bus。
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithHistoryDepth 设置上下文中携带的历史消息条数。
func WithHistoryDepth(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyDepth = n
		}
	}
}

// WithKeepalive 设置流式输出的心跳间隔。
func WithKeepalive(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.keepalive = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New 创建 Orchestrator。
func New(planner, dispatcher Node, l Ledger, bus Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:      planner,
		dispatcher:   dispatcher,
		ledger:       l,
		bus:          bus,
		publisher:    bus,
		historyDepth: defaultHistoryDepth,
		keepalive:    events.DefaultKeepalive,
		now:          time.Now,
		log:          logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run 执行一次完整运行并返回结构化结果。只有请求本身无效时才返回错误。
func (o *Orchestrator) Run(ctx context.Context, req run.Request) (*run.Result, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	start := o.now()
	st := run.NewState(req)
	log := o.log.With(slog.String("trace_id", st.TraceID), slog.String("session", st.Key().String()))
	log.Info("运行开始")
	o.publisher.Emit(ctx, events.RunStarted(st.TraceID, st.RequestText))

	o.prepare(ctx, st)
	o.loop(ctx, st)
	return o.finish(ctx, st, start), nil
}

// Stream 在运行开始前订阅 trace，随后把事件帧交给 emit，直到终止事件后的 done 帧。
func (o *Orchestrator) Stream(ctx context.Context, req run.Request, emit func(events.Frame) error) error {
	req, err := normalize(req)
	if err != nil {
		return err
	}
	sub := o.bus.Subscribe(req.TraceID)
	defer o.bus.Unsubscribe(sub)

	done := make(chan struct{})
	pumped := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.Run(ctx, req); err != nil {
			o.publisher.Emit(ctx, events.RunError(req.TraceID, xerrors.MessageOf(err)))
		}
	}()
	// 终止事件经由外部转发（如 Redis）丢失时，运行结束一个心跳周期后关闭订阅，Pump 随即补发 done 帧。
	go func() {
		<-done
		timer := time.NewTimer(o.keepalive)
		defer timer.Stop()
		select {
		case <-pumped:
		case <-timer.C:
			o.log.Warn("运行已结束但未收到终止事件，关闭事件流", slog.String("trace_id", req.TraceID))
			o.bus.Unsubscribe(sub)
		}
	}()
	err = events.Pump(ctx, sub, o.keepalive, emit)
	close(pumped)
	<-done
	return err
}

func normalize(req run.Request) (run.Request, error) {
	req.RequestText = strings.TrimSpace(req.RequestText)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.RequestText == "" {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "request text is required")
	}
	if req.SessionID == "" {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "session id is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = defaultIdentity
	}
	if strings.TrimSpace(req.Tenant) == "" {
		req.Tenant = defaultIdentity
	}
	if strings.TrimSpace(req.TraceID) == "" {
		req.TraceID = uuid.NewString()
	}
	return req, nil
}

// prepare 写入用户消息、组装上下文，并决定是新建计划还是恢复等待用户输入的计划。
func (o *Orchestrator) prepare(ctx context.Context, st *run.State) {
	key := st.Key()
	if err := o.ledger.AppendMessage(ctx, key, ledger.RoleUser, st.RequestText); err != nil {
		o.log.Warn("写入用户消息失败", slog.String("trace_id", st.TraceID), slog.Any("error", err))
	}
	history, err := o.ledger.RecentMessages(ctx, key, o.historyDepth)
	if err != nil {
		o.log.Warn("加载历史消息失败", slog.String("trace_id", st.TraceID), slog.Any("error", err))
	}
	st.Context = &run.ContextBundle{
		SessionID:       st.SessionID,
		History:         history,
		ReusableResults: o.ledger.ReusableResults(ctx, key),
		Additional:      knowledge.Context(o.knowledge, st.RequestText),
		OriginalRequest: st.RequestText,
	}

	active, status, ok := o.ledger.ActivePlan(ctx, key)
	if !ok || status != ledger.PlanNeedsHuman {
		st.Phase = run.Planning{}
		return
	}
	if original, err := o.ledger.RequestText(ctx, active.ID); err == nil && original != "" {
		st.Context.OriginalRequest = original
	}
	st.Context.PendingQuestion = lastAssistantTurn(history)
	st.Phase = run.Planning{Plan: active, Resume: true}
	o.log.Info("恢复等待用户输入的计划", slog.String("trace_id", st.TraceID), slog.String("plan_id", active.ID))
}

func (o *Orchestrator) loop(ctx context.Context, st *run.State) {
	for !run.Terminal(st.Phase) {
		if err := ctx.Err(); err != nil {
			st.Fail(planID(st.Phase), xerrors.CodeTimeout, "Run cancelled: "+err.Error())
			return
		}
		var (
			name string
			node Node
		)
		switch st.Phase.(type) {
		case run.Planning:
			name, node = nodePlanner, o.planner
		case run.Dispatch:
			name, node = nodeDispatcher, o.dispatcher
		default:
			st.Phase = run.Planning{}
			continue
		}
		o.publisher.Emit(ctx, events.NodeEntered(st.TraceID, name))
		if err := node.Invoke(ctx, st); err != nil {
			st.Fail(planID(st.Phase), xerrors.CodeOf(err), xerrors.MessageOf(err))
		}
		o.publisher.Emit(ctx, events.NodeExited(st.TraceID, name))
	}
}

// finish 落地终止状态：计划状态、助手消息、终止事件、指标与告警。
func (o *Orchestrator) finish(ctx context.Context, st *run.State, start time.Time) *run.Result {
	elapsed := o.now().Sub(start)
	key := st.Key()
	result := &run.Result{TraceID: st.TraceID, ExecutionTimeSeconds: elapsed.Seconds()}
	log := o.log.With(slog.String("trace_id", st.TraceID))

	switch phase := st.Phase.(type) {
	case run.Final:
		result.Success = true
		result.Message = phase.Message
		result.Data = phase.Data
		result.PlanID = phase.PlanID
		o.setStatus(ctx, phase.PlanID, ledger.PlanCompleted)
		o.publisher.Emit(ctx, events.RunCompleted(st.TraceID, phase.Message, map[string]any{
			"success": true,
			"plan_id": phase.PlanID,
			"data":    phase.Data,
		}))
		log.Info("运行完成", slog.String("plan_id", phase.PlanID), slog.Duration("elapsed", elapsed))
	case run.HumanInLoop:
		result.Message = phase.Question
		result.PlanID = phase.PlanID
		result.RequiresInput = true
		result.MissingParam = phase.Missing
		o.setStatus(ctx, phase.PlanID, ledger.PlanNeedsHuman)
		if phase.PlanID != "" {
			if err := o.ledger.SetActivePlan(ctx, key, phase.PlanID); err != nil {
				log.Warn("保留活动计划失败", slog.Any("error", err))
			}
		}
		o.publisher.Emit(ctx, events.RunCompleted(st.TraceID, phase.Question, map[string]any{
			"success":        false,
			"plan_id":        phase.PlanID,
			"requires_input": true,
			"missing_param":  phase.Missing,
		}))
		log.Info("运行等待用户输入", slog.String("plan_id", phase.PlanID))
	case run.Errored:
		result.Message = phase.Reason
		result.PlanID = phase.PlanID
		o.setStatus(ctx, phase.PlanID, ledger.PlanFailed)
		o.publisher.Emit(ctx, events.RunError(st.TraceID, phase.Reason))
		log.Warn("运行失败", slog.String("plan_id", phase.PlanID), slog.String("code", string(phase.Code)), slog.String("reason", phase.Reason))
		o.alert(ctx, st, phase)
	}

	if result.Message != "" {
		if err := o.ledger.AppendMessage(ctx, key, ledger.RoleAssistant, result.Message); err != nil {
			log.Warn("写入助手消息失败", slog.Any("error", err))
		}
	}
	o.metrics.ObserveRun(string(st.Phase.Kind()), elapsed)
	return result
}

func (o *Orchestrator) setStatus(ctx context.Context, planID string, status ledger.PlanStatus) {
	if planID == "" {
		return
	}
	if err := o.ledger.SetPlanStatus(ctx, planID, status); err != nil {
		o.log.Warn("更新计划状态失败", slog.String("plan_id", planID), slog.String("status", string(status)), slog.Any("error", err))
	}
}

func (o *Orchestrator) alert(ctx context.Context, st *run.State, phase run.Errored) {
	if o.alerts == nil || !xerrors.AttributesOf(phase.Code).Alert {
		return
	}
	err := o.alerts.Notify(ctx, alerting.Event{
		Code:       phase.Code,
		Message:    phase.Reason,
		Severity:   xerrors.AttributesOf(phase.Code).Severity,
		TraceID:    st.TraceID,
		PlanID:     phase.PlanID,
		Metadata:   map[string]string{"session": st.Key().String(), "request": st.RequestText},
		OccurredAt: o.now(),
	})
	if err != nil {
		o.log.Warn("告警发送失败", slog.String("trace_id", st.TraceID), slog.Any("error", err))
	}
}

func planID(p run.Phase) string {
	if pl := run.PlanOf(p); pl != nil {
		return pl.ID
	}
	return ""
}

func lastAssistantTurn(history []run.ChatTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == ledger.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}
