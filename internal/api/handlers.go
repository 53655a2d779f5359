package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/task"
)

const (
	defaultIdentity = "default"
	maxTaskWait     = 30 * time.Second
)

// orchestrateRequest 是同步运行、流式运行与异步任务共用的请求体。
type orchestrateRequest struct {
	ID          string         `json:"id,omitempty"`
	SessionID   string         `json:"session_id"`
	RequestText string         `json:"request_text"`
	TraceID     string         `json:"trace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Tenant      string         `json:"tenant,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// errorBody 是所有错误响应的统一格式。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeRun(r *http.Request) (orchestrateRequest, run.Request, error) {
	var body orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, run.Request{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	id := identityFromContext(r.Context())
	req := run.Request{
		SessionID:   strings.TrimSpace(body.SessionID),
		UserID:      firstNonEmpty(id.UserID, body.UserID, defaultIdentity),
		Tenant:      firstNonEmpty(id.Tenant, body.Tenant, defaultIdentity),
		RequestText: body.RequestText,
		TraceID:     strings.TrimSpace(body.TraceID),
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return body, req, nil
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	_, req, err := decodeRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOrchestrateStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	_, req, err := decodeRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.RequestText) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "request text is required"))
		return
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	emit, ok := s.sseEmitter(w, req.TraceID)
	if !ok {
		return
	}
	if err := s.runner.Stream(r.Context(), req, emit); err != nil {
		s.log.Debug("事件流结束", slog.String("trace_id", req.TraceID), slog.Any("error", err))
	}
}

// handleRunEvents 处理 GET /api/v1/runs/{trace}/events，附着到一次进行中的运行。
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
		http.NotFound(w, r)
		return
	}
	if s.events == nil {
		http.Error(w, "事件订阅未启用", http.StatusServiceUnavailable)
		return
	}
	traceID := parts[0]
	emit, ok := s.sseEmitter(w, traceID)
	if !ok {
		return
	}
	sub := s.events.Subscribe(traceID)
	defer s.events.Unsubscribe(sub)
	if err := events.Pump(r.Context(), sub, s.keepalive, emit); err != nil {
		s.log.Debug("事件订阅结束", slog.String("trace_id", traceID), slog.Any("error", err))
	}
}

func (s *Server) sseEmitter(w http.ResponseWriter, traceID string) (func(events.Frame) error, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Trace-ID", traceID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return func(frame events.Frame) error {
		if err := events.WriteSSE(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, true
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	tools := []mcp.ToolDefinition{}
	if s.tools != nil {
		tools = append(tools, s.tools.Tools()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	samples := s.samples
	if samples == nil {
		samples = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples, "count": len(samples)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if s.tools != nil {
		body["tools"] = len(s.tools.Tools())
	}
	if s.tasks != nil {
		if depth, ok := s.tasks.QueueDepth(); ok {
			body["queue_depth"] = depth
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, req, err := decodeRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), task.SubmitRequest{ID: body.ID, Run: req, Metadata: body.Metadata})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "stats": stats})
}

func listOptionsFromQuery(r *http.Request) []task.ListOption {
	q := r.URL.Query()
	var opts []task.ListOption
	if tenant := strings.TrimSpace(r.Header.Get(headerTenant)); tenant != "" {
		opts = append(opts, task.WithTenant(tenant))
	}
	if session := q.Get("session_id"); session != "" {
		opts = append(opts, task.WithSession(session))
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts = append(opts, task.WithLimit(n))
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		opts = append(opts, task.WithOffset(n))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(item)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("has_result"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, task.WithResultPresence(b))
		}
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts
}

// handleTaskDetail 处理 GET /api/v1/tasks/{id}。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.lookupTask(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tenant := strings.TrimSpace(r.Header.Get(headerTenant)); tenant != "" && found.Tenant != tenant {
		writeError(w, xerrors.New(task.CodeTaskNotFound, "task not found"))
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// lookupTask 在带 wait 参数时长轮询至终态，超时则返回当前状态。
func (s *Server) lookupTask(r *http.Request, id string) (*task.Task, error) {
	wait, err := time.ParseDuration(r.URL.Query().Get("wait"))
	if err != nil || wait <= 0 {
		return s.tasks.Get(r.Context(), id)
	}
	ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxTaskWait))
	defer cancel()
	found, err := s.tasks.Wait(ctx, id, 100*time.Millisecond)
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return s.tasks.Get(r.Context(), id)
	}
	return found, err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{Code: string(code), Message: xerrors.MessageOf(err)})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
