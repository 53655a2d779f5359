// Package ledger 保存计划、步骤结果、重试计数与会话历史。
//
// 计划相关的数据仅存在于进程内存中；会话历史委托给 ChatStore，可以落到 MySQL。
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/run"
)

// PlanStatus 表示计划的生命周期状态。
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanNeedsHuman PlanStatus = "needs_human"
)

// Terminal 判断状态是否已经结束。
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// ErrPlanNotFound 表示计划不存在。
var ErrPlanNotFound = xerrors.New(xerrors.CodeNotFound, "plan not found")

type planRecord struct {
	plan      *plan.Plan
	owner     run.SessionKey
	request   string
	status    PlanStatus
	results   []plan.StepResult
	retries   map[string]int
	createdAt time.Time
	updatedAt time.Time
}

// Ledger 是并发安全的结果账本。
type Ledger struct {
	mu     sync.RWMutex
	plans  map[string]*planRecord
	active map[run.SessionKey]string
	latest map[run.SessionKey]string
	chats  ChatStore
	now    func() time.Time
}

// Option 自定义 Ledger。
type Option func(*Ledger)

// WithChatStore 指定会话历史存储。
func WithChatStore(store ChatStore) Option {
	return func(l *Ledger) {
		if store != nil {
			l.chats = store
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建账本，默认使用内存会话存储。
func New(opts ...Option) *Ledger {
	l := &Ledger{
		plans:  make(map[string]*planRecord),
		active: make(map[run.SessionKey]string),
		latest: make(map[run.SessionKey]string),
		chats:  NewMemoryChatStore(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// SavePlan 保存计划的最新版本。首次保存时状态为 pending，并成为该会话的最新计划。
func (l *Ledger) SavePlan(_ context.Context, key run.SessionKey, p *plan.Plan, request string) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划 ID 不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rec, ok := l.plans[p.ID]
	if !ok {
		rec = &planRecord{
			owner:     key,
			request:   request,
			status:    PlanPending,
			retries:   make(map[string]int),
			createdAt: now,
		}
		l.plans[p.ID] = rec
		l.latest[key] = p.ID
	}
	if request != "" && rec.request == "" {
		rec.request = request
	}
	rec.plan = p.Clone()
	rec.updatedAt = now
	return nil
}

// Plan 返回计划副本。
func (l *Ledger) Plan(_ context.Context, planID string) (*plan.Plan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return rec.plan.Clone(), nil
}

// RequestText 返回创建计划时的原始请求。
func (l *Ledger) RequestText(_ context.Context, planID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plans[planID]
	if !ok {
		return "", ErrPlanNotFound
	}
	return rec.request, nil
}

// SetPlanStatus 更新计划状态；进入终态时清除指向该计划的活动指针。
func (l *Ledger) SetPlanStatus(_ context.Context, planID string, status PlanStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plans[planID]
	if !ok {
		return ErrPlanNotFound
	}
	rec.status = status
	rec.updatedAt = l.now()
	if status.Terminal() && l.active[rec.owner] == planID {
		delete(l.active, rec.owner)
	}
	return nil
}

// PlanStatus 返回计划状态。
func (l *Ledger) PlanStatus(_ context.Context, planID string) (PlanStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plans[planID]
	if !ok {
		return "", ErrPlanNotFound
	}
	return rec.status, nil
}

// AppendStepResult 写入步骤结果，同一步骤只保留最新一条。
func (l *Ledger) AppendStepResult(_ context.Context, planID string, result plan.StepResult) error {
	if result.StepID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plans[planID]
	if !ok {
		return ErrPlanNotFound
	}
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = l.now()
	}
	result.Output = plan.CloneValue(result.Output)
	for i := range rec.results {
		if rec.results[i].StepID == result.StepID {
			rec.results[i] = result
			rec.updatedAt = l.now()
			return nil
		}
	}
	rec.results = append(rec.results, result)
	rec.updatedAt = l.now()
	return nil
}

// ClearStepResult 删除步骤的结果与重试计数，用于以新输入替换步骤。
func (l *Ledger) ClearStepResult(_ context.Context, planID, stepID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plans[planID]
	if !ok {
		return ErrPlanNotFound
	}
	kept := rec.results[:0]
	for _, r := range rec.results {
		if r.StepID != stepID {
			kept = append(kept, r)
		}
	}
	rec.results = kept
	delete(rec.retries, stepID)
	rec.updatedAt = l.now()
	return nil
}

// StepResults 返回计划的全部步骤结果副本。
func (l *Ledger) StepResults(_ context.Context, planID string) ([]plan.StepResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return cloneResults(rec.results), nil
}

// AggregatedResults 每次调用都按计划当前步骤重新汇总。
func (l *Ledger) AggregatedResults(_ context.Context, planID string) (plan.AggregatedResults, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plans[planID]
	if !ok {
		return plan.AggregatedResults{}, ErrPlanNotFound
	}
	return plan.Aggregate(rec.plan, cloneResults(rec.results)), nil
}

// IncrementRetry 增加某步骤的重试计数并返回新值。
func (l *Ledger) IncrementRetry(_ context.Context, planID, stepID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plans[planID]
	if !ok {
		return 0, ErrPlanNotFound
	}
	rec.retries[stepID]++
	return rec.retries[stepID], nil
}

// RetryCounts 返回计划的重试计数副本。
func (l *Ledger) RetryCounts(_ context.Context, planID string) (map[string]int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	out := make(map[string]int, len(rec.retries))
	for k, v := range rec.retries {
		out[k] = v
	}
	return out, nil
}

// SetActivePlan 将计划标记为会话的活动计划。
func (l *Ledger) SetActivePlan(_ context.Context, key run.SessionKey, planID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.plans[planID]; !ok {
		return ErrPlanNotFound
	}
	l.active[key] = planID
	return nil
}

// ActivePlan 返回会话的活动计划及其状态。
func (l *Ledger) ActivePlan(_ context.Context, key run.SessionKey) (*plan.Plan, PlanStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.active[key]
	if !ok {
		return nil, "", false
	}
	rec, ok := l.plans[id]
	if !ok {
		return nil, "", false
	}
	return rec.plan.Clone(), rec.status, true
}

// ClearActivePlan 移除会话的活动指针。
func (l *Ledger) ClearActivePlan(_ context.Context, key run.SessionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, key)
}

// LatestPlan 返回会话最近创建的计划。
func (l *Ledger) LatestPlan(_ context.Context, key run.SessionKey) (*plan.Plan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.latest[key]
	if !ok {
		return nil, false
	}
	rec, ok := l.plans[id]
	if !ok {
		return nil, false
	}
	return rec.plan.Clone(), true
}

// ReusableResults 返回会话最近一个计划中成功步骤的输出。
func (l *Ledger) ReusableResults(_ context.Context, key run.SessionKey) []run.PriorResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.latest[key]
	if !ok {
		return nil
	}
	rec := l.plans[id]
	if rec == nil || rec.plan == nil {
		return nil
	}
	agg := plan.Aggregate(rec.plan, rec.results)
	out := make([]run.PriorResult, 0, len(agg.Completed))
	for _, r := range agg.Completed {
		step, _, _ := rec.plan.Step(r.StepID)
		out = append(out, run.PriorResult{
			PlanID:      id,
			StepID:      r.StepID,
			ToolName:    step.ToolName,
			Description: step.Description,
			Output:      plan.CloneValue(r.Output),
		})
	}
	return out
}

// Plans 返回会话拥有的计划 ID，按创建时间排序。
func (l *Ledger) Plans(_ context.Context, key run.SessionKey) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	type entry struct {
		id string
		at time.Time
	}
	var owned []entry
	for id, rec := range l.plans {
		if rec.owner == key {
			owned = append(owned, entry{id: id, at: rec.createdAt})
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].at.Before(owned[j].at) })
	ids := make([]string, len(owned))
	for i, e := range owned {
		ids[i] = e.id
	}
	return ids
}

// AppendMessage 追加一条会话消息。
func (l *Ledger) AppendMessage(ctx context.Context, key run.SessionKey, role, content string) error {
	return l.chats.Append(ctx, ChatMessage{Key: key, Role: role, Content: content, CreatedAt: l.now()})
}

// RecentMessages 返回最近 n 条消息，按时间正序排列。
func (l *Ledger) RecentMessages(ctx context.Context, key run.SessionKey, n int) ([]run.ChatTurn, error) {
	recent, err := l.chats.Recent(ctx, key, n)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话历史失败")
	}
	turns := make([]run.ChatTurn, len(recent))
	for i, msg := range recent {
		turns[len(recent)-1-i] = run.ChatTurn{Role: msg.Role, Content: msg.Content, CreatedAt: msg.CreatedAt}
	}
	return turns, nil
}

func cloneResults(in []plan.StepResult) []plan.StepResult {
	out := make([]plan.StepResult, len(in))
	for i, r := range in {
		r.Output = plan.CloneValue(r.Output)
		out[i] = r
	}
	return out
}
