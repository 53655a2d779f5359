package run

// Request 是调用方发起一次运行所需的参数。
type Request struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	Tenant      string `json:"tenant"`
	RequestText string `json:"request_text"`
	TraceID     string `json:"trace_id,omitempty"`
}

// Result 是一次运行返回给调用方的结构化结果。
type Result struct {
	Success              bool          `json:"success"`
	Message              string        `json:"message"`
	Data                 any           `json:"data,omitempty"`
	ExecutionTimeSeconds float64       `json:"executionTimeSeconds"`
	PlanID               string        `json:"planId,omitempty"`
	TraceID              string        `json:"traceId,omitempty"`
	RequiresInput        bool          `json:"requiresInput,omitempty"`
	MissingParam         *MissingParam `json:"missingParam,omitempty"`
}
