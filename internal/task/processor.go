package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Executor 定义了处理器所需的编排能力。
type Executor interface {
	Run(ctx context.Context, req run.Request) (*run.Result, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	queue       Queue
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	metrics     *metrics.Recorder
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorMetrics 配置任务指标。
func WithProcessorMetrics(rec *metrics.Recorder) ProcessorOption {
	return func(p *Processor) {
		p.metrics = rec
	}
}

// NewProcessor 构造 Processor。
// 队列同时用于消费与重投；handle 只在基础设施故障时返回错误，此时由队列决定是否重投。
func NewProcessor(executor Executor, store Store, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		queue:       queue,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务队列")
	}
	return p.queue.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskCompleted), stdErrors.Is(err, ErrTaskExhausted):
		p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	case err != nil:
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Run(ctx, task.Request())
	if execErr != nil {
		if p.degrade(ctx, task, execErr) {
			return nil
		}
		return p.recordFailure(ctx, task, execErr)
	}
	if result == nil {
		result = &run.Result{}
	}
	// 运行以错误阶段结束时，重试由规划器负责，任务直接终止。
	if !result.Success && !result.RequiresInput {
		return p.recordErroredRun(ctx, task, result)
	}
	return p.complete(ctx, task, result, string(StatusSucceeded))
}

func (p *Processor) recordErroredRun(ctx context.Context, task *Task, result *run.Result) error {
	if err := p.store.MarkFailed(ctx, task.ID, CodeTaskRunErrored, result.Message, true); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	p.metrics.ObserveTask(string(StatusFailed))
	logger.Audit().Warn("任务运行失败",
		slog.String("task_id", task.ID),
		slog.String("trace_id", result.TraceID),
		slog.String("plan_id", result.PlanID),
		slog.String("error", result.Message),
	)
	return nil
}

// complete 写入结果；写入失败时把任务退回 pending 并重投，outcome 作为指标标签。
func (p *Processor) complete(ctx context.Context, task *Task, result *run.Result, outcome string) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, *result); err != nil {
		logger.L().Error("写入任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		return p.requeue(ctx, task.ID, outcome)
	}
	p.metrics.ObserveTask(outcome)
	logger.Audit().Info("任务执行完成",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.String("trace_id", result.TraceID),
		slog.String("plan_id", result.PlanID),
		slog.String("outcome", outcome),
		slog.Bool("requires_input", result.RequiresInput),
	)
	return nil
}

// degrade 对不可重试的失败尝试补偿，返回 true 表示任务已由补偿结果收尾。
func (p *Processor) degrade(ctx context.Context, task *Task, execErr error) bool {
	if p.recovery == nil || xerrors.RetryableError(execErr) {
		return false
	}
	fallback, err := p.recovery.Recover(ctx, task, execErr)
	if err != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, err, "任务补偿失败")
		logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		return false
	}
	if fallback == nil {
		return false
	}
	if fallback.Message == "" {
		fallback.Message = fmt.Sprintf("降级处理: %v", execErr)
	}
	if fallback.TraceID == "" {
		fallback.TraceID = task.TraceID
	}
	if err := p.complete(ctx, task, fallback, "degraded"); err != nil {
		logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	p.emitAlert(ctx, task, failureCode(execErr), execErr, "degraded")
	return true
}

func failureCode(err error) xerrors.Code {
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return code
	}
	return CodeTaskProcessing
}

// recordFailure 记录失败；可重试且尚有次数时重投，否则终止。
func (p *Processor) recordFailure(ctx context.Context, task *Task, execErr error) error {
	code := failureCode(execErr)
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if err := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case terminal && retryable:
		stage = "terminal"
	case terminal:
		stage = "non_retryable"
	}
	if terminal {
		p.metrics.ObserveTask(string(StatusFailed))
	}
	p.emitAlert(ctx, task, code, execErr, stage)
	if terminal {
		return nil
	}

	p.metrics.ObserveTask("retried")
	if err := p.requeue(ctx, task.ID, stage); err != nil {
		return err
	}
	p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) requeue(ctx context.Context, taskID, stage string) error {
	if p.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务队列")
	}
	if err := p.queue.Publish(ctx, taskID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败 (%s)", taskID, stage))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	if task.SessionID != "" {
		metadata["session_id"] = task.SessionID
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TraceID:    task.TraceID,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
