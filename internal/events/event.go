// Package events 提供按 trace 划分的运行生命周期事件总线。
package events

import (
	"context"
	"time"
)

// Type 表示事件类型。
type Type string

const (
	TypeRunStarted    Type = "execution_started"
	TypePlanCreated   Type = "plan_created"
	TypeStepStarted   Type = "step_started"
	TypeStepCompleted Type = "step_completed"
	TypeStepFailed    Type = "step_failed"
	TypeDecisionMade  Type = "decision_made"
	TypeNodeEntered   Type = "node_entered"
	TypeNodeExited    Type = "node_exited"
	TypeRunCompleted  Type = "execution_completed"
	TypeRunError      Type = "execution_error"
)

// Terminal 判断该类型是否会结束事件流。
func (t Type) Terminal() bool {
	return t == TypeRunCompleted || t == TypeRunError
}

// Event 是一条生命周期通知。
type Event struct {
	Type      Type           `json:"type"`
	TraceID   string         `json:"trace_id"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher 是事件的发送端。
type Publisher interface {
	Emit(ctx context.Context, event Event)
}

// Subscriber 是事件的订阅端。
type Subscriber interface {
	Subscribe(traceID string) *Subscription
	Unsubscribe(sub *Subscription)
}

// New 构造事件，时间戳由总线在发送时补齐。
func New(typ Type, traceID, message string, data map[string]any) Event {
	return Event{Type: typ, TraceID: traceID, Message: message, Data: data}
}

func RunStarted(traceID, request string) Event {
	return New(TypeRunStarted, traceID, "Execution started", map[string]any{"request": request})
}

func PlanCreated(traceID, planID string, steps int, detail any) Event {
	return New(TypePlanCreated, traceID, "Plan created", map[string]any{
		"plan_id":     planID,
		"total_steps": steps,
		"plan":        detail,
	})
}

func StepStarted(traceID, stepID, tool string, input map[string]any) Event {
	return New(TypeStepStarted, traceID, "Executing "+tool, map[string]any{
		"step_id":   stepID,
		"tool_name": tool,
		"input":     input,
	})
}

func StepCompleted(traceID, stepID, tool string, output any, duration time.Duration) Event {
	return New(TypeStepCompleted, traceID, tool+" completed", map[string]any{
		"step_id":     stepID,
		"tool_name":   tool,
		"output":      output,
		"duration_ms": duration.Milliseconds(),
	})
}

func StepFailed(traceID, stepID, tool, errText string) Event {
	return New(TypeStepFailed, traceID, tool+" failed", map[string]any{
		"step_id":   stepID,
		"tool_name": tool,
		"error":     errText,
	})
}

func DecisionMade(traceID, decision, reason string) Event {
	return New(TypeDecisionMade, traceID, "Decision: "+decision, map[string]any{
		"decision": decision,
		"reason":   reason,
	})
}

func NodeEntered(traceID, node string) Event {
	return New(TypeNodeEntered, traceID, "Entering "+node, map[string]any{"node": node})
}

func NodeExited(traceID, node string) Event {
	return New(TypeNodeExited, traceID, "Exiting "+node, map[string]any{"node": node})
}

func RunCompleted(traceID, message string, data map[string]any) Event {
	return New(TypeRunCompleted, traceID, message, data)
}

func RunError(traceID, reason string) Event {
	return New(TypeRunError, traceID, reason, map[string]any{"error": reason})
}
