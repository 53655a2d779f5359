package task

import (
	"slices"
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定列表按更新时间的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务在前，为默认值。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的任务在前。
	SortByUpdatedAsc
)

// ListOptions 是列表与统计共用的筛选条件。
//
// Tenant 与 SessionID 是精确匹配的作用域，Query 则在文本字段上做模糊匹配。
type ListOptions struct {
	Tenant     string
	SessionID  string
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Query      string
	Order      SortOrder
	Limit      int
	Offset     int
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithTenant 只返回指定租户的任务。
func WithTenant(tenant string) ListOption {
	return func(o *ListOptions) { o.Tenant = tenant }
}

// WithSession 只返回指定会话的任务。
func WithSession(sessionID string) ListOption {
	return func(o *ListOptions) { o.SessionID = sessionID }
}

// WithStatuses 按状态过滤，非法状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithUpdatedSince 过滤 ts 之后（含）更新的任务，零值表示不限。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 过滤 ts 之前（含）更新的任务，零值表示不限。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有运行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithQuery 在任务 ID、会话、请求文本、错误与结果上做模糊匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// WithSortOrder 指定排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithLimit 限制返回条数，范围为 1 到 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 offset 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

// normalize 修正越界的分页参数并清理字符串与状态列表。
func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Tenant = strings.TrimSpace(o.Tenant)
	o.SessionID = strings.TrimSpace(o.SessionID)
	o.Query = strings.TrimSpace(o.Query)
	o.Statuses = uniqueStatuses(o.Statuses)
}

func uniqueStatuses(in []Status) []Status {
	var out []Status
	for _, s := range in {
		if IsValidStatus(s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
