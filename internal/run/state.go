// Package run 定义单次编排运行的状态机状态、请求与结果。
package run

import (
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/plan"
)

// Kind 是状态变体的标签，仅用于日志与事件展示。
type Kind string

const (
	KindInit        Kind = "init"
	KindPlanning    Kind = "planning"
	KindDispatch    Kind = "dispatch"
	KindHumanInLoop Kind = "human_in_loop"
	KindFinal       Kind = "final"
	KindError       Kind = "error"
)

// Phase 是状态机的封闭和类型，只能取本包定义的变体。
type Phase interface {
	Kind() Kind
	phase()
}

// Init 表示尚未开始规划。
type Init struct{}

// Planning 表示需要调用规划器。Plan 为空时创建计划，否则进入决策；
// Resume 表示用户回答了澄清问题后继续原计划。
type Planning struct {
	Plan   *plan.Plan
	Resume bool
}

// Dispatch 表示需要执行计划中的下一个步骤。
type Dispatch struct {
	Plan *plan.Plan
}

// HumanInLoop 表示需要用户补充信息后才能继续。
type HumanInLoop struct {
	PlanID   string
	Question string
	Missing  *MissingParam
}

// Final 表示运行成功结束。
type Final struct {
	PlanID  string
	Message string
	Data    any
}

// Errored 表示运行以错误结束。Code 取自统一错误码，便于统计与告警。
type Errored struct {
	PlanID string
	Code   xerrors.Code
	Reason string
}

func (Init) Kind() Kind        { return KindInit }
func (Planning) Kind() Kind    { return KindPlanning }
func (Dispatch) Kind() Kind    { return KindDispatch }
func (HumanInLoop) Kind() Kind { return KindHumanInLoop }
func (Final) Kind() Kind       { return KindFinal }
func (Errored) Kind() Kind     { return KindError }

func (Init) phase()        {}
func (Planning) phase()    {}
func (Dispatch) phase()    {}
func (HumanInLoop) phase() {}
func (Final) phase()       {}
func (Errored) phase()     {}

// Terminal 判断状态是否结束本次调用。
func Terminal(p Phase) bool {
	switch p.(type) {
	case HumanInLoop, Final, Errored:
		return true
	default:
		return false
	}
}

// PlanOf 返回携带计划的状态中的计划。
func PlanOf(p Phase) *plan.Plan {
	switch v := p.(type) {
	case Planning:
		return v.Plan
	case Dispatch:
		return v.Plan
	default:
		return nil
	}
}

// MissingParam 描述需要用户补充的参数。
type MissingParam struct {
	StepID    string `json:"stepId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ParamName string `json:"paramName"`
	ParamType string `json:"paramType"`
	Reason    string `json:"reason"`
	Question  string `json:"question"`
}

// SessionKey 以租户、用户、会话三元组隔离数据。
type SessionKey struct {
	Tenant    string `json:"tenant"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// String 返回可读的复合键。
func (k SessionKey) String() string {
	return strings.Join([]string{k.Tenant, k.UserID, k.SessionID}, ":")
}

// ChatTurn 是上下文中的一条历史消息。
type ChatTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PriorResult 是之前计划中可复用的成功结果。
type PriorResult struct {
	PlanID      string `json:"plan_id"`
	StepID      string `json:"step_id"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description"`
	Output      any    `json:"output"`
}

// ContextBundle 汇总了提供给规划器的上下文。
type ContextBundle struct {
	SessionID       string            `json:"session_id"`
	History         []ChatTurn        `json:"conversation_history"`
	ReusableResults []PriorResult     `json:"reusable_results,omitempty"`
	Additional      map[string]string `json:"additional_context,omitempty"`
	OriginalRequest string            `json:"original_request,omitempty"`
	PendingQuestion string            `json:"pending_question,omitempty"`
}

// State 是单次运行的唯一状态结构。
type State struct {
	SessionID     string
	UserID        string
	Tenant        string
	RequestText   string
	TraceID       string
	Context       *ContextBundle
	Results       *plan.AggregatedResults
	RetryCounts   map[string]int
	DecisionCount int
	Phase         Phase
}

// NewState 根据请求构造初始状态。
func NewState(req Request) *State {
	return &State{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Tenant:      req.Tenant,
		RequestText: req.RequestText,
		TraceID:     req.TraceID,
		RetryCounts: make(map[string]int),
		Phase:       Init{},
	}
}

// Key 返回状态所属会话的复合键。
func (s *State) Key() SessionKey {
	return SessionKey{Tenant: s.Tenant, UserID: s.UserID, SessionID: s.SessionID}
}

// Plan 返回当前状态携带的计划。
func (s *State) Plan() *plan.Plan {
	return PlanOf(s.Phase)
}

// Fail 将状态切换为错误。
func (s *State) Fail(planID string, code xerrors.Code, reason string) {
	s.Phase = Errored{PlanID: planID, Code: code, Reason: reason}
}
