package task

import (
	"maps"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task 描述了排队执行的一次编排运行。
type Task struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Tenant      string         `json:"tenant"`
	RequestText string         `json:"request_text"`
	TraceID     string         `json:"trace_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *run.Result    `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Done 报告任务是否已进入终态。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// claimError 返回任务当前不可被领取的原因；可领取时返回 nil。
func (t *Task) claimError() error {
	switch {
	case t.Status == StatusSucceeded:
		return ErrTaskCompleted
	case t.Status == StatusRunning:
		return ErrTaskConflict
	case t.Attempts >= t.MaxRetries:
		return ErrTaskExhausted
	}
	return nil
}

// Request 返回任务对应的运行请求。
func (t *Task) Request() run.Request {
	return run.Request{
		SessionID:   t.SessionID,
		UserID:      t.UserID,
		Tenant:      t.Tenant,
		RequestText: t.RequestText,
		TraceID:     t.TraceID,
	}
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
	CodeTaskRunErrored xerrors.Code = "TASK_RUN_ERRORED"
)

var taskCodes = map[xerrors.Code]xerrors.Attributes{
	CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo},
	CodeTaskConflict:   {Message: "task conflict", Severity: xerrors.SeverityWarning},
	CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo},
	CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
	CodeTaskValidation: {Message: "task validation failed", Severity: xerrors.SeverityInfo},
	CodeTaskPublish:    {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
	CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
	CodeTaskCompensate: {Message: "task compensation failed", Severity: xerrors.SeverityCritical, Alert: true},
	// 运行以错误阶段结束属于业务结果，不触发告警。
	CodeTaskRunErrored: {Message: "orchestration run ended in error", Severity: xerrors.SeverityWarning},
}

func init() {
	for code, attrs := range taskCodes {
		xerrors.Register(code, attrs)
	}
}

func cloneResult(result *run.Result) *run.Result {
	if result == nil {
		return nil
	}
	clone := *result
	if result.MissingParam != nil {
		mp := *result.MissingParam
		clone.MissingParam = &mp
	}
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	return maps.Clone(metadata)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
