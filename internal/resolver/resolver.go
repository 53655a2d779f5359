// Package resolver 负责把步骤输入中的跨步骤引用替换为已执行步骤的输出。
//
// 支持三种写法：{{step_0.field}}（推荐）、${step_0.field} 与 {step_0.field}。
// 整个字符串恰好是一个引用时保留原始类型，否则按文本拼接。
package resolver

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/pkg/logger"
)

var (
	bracketIndex   = regexp.MustCompile(`\[(\d+)\]`)
	stepRefPattern = regexp.MustCompile(`\bstep_\d+\b`)
)

// expressionChars 中任一字符出现时按表达式求值，否则按路径解析。
const expressionChars = "+-*/[(,"

// wrapperKeys 是工具输出中常见的包装字段，按顺序取第一个值为对象的字段。
var wrapperKeys = []string{"event", "data", "result", "value"}

// Registry 保存步骤输出并解析引用。
type Registry struct {
	mu      sync.RWMutex
	outputs map[string]any
	log     *slog.Logger
}

// Option 自定义 Registry。
type Option func(*Registry)

// WithLogger 指定诊断日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry 创建空的注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{outputs: make(map[string]any), log: logger.Named("resolver")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 记录某个步骤的输出，已存在时覆盖。
func (r *Registry) Register(stepID string, output any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[stepID] = output
}

// Output 返回步骤输出。
func (r *Registry) Output(stepID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.outputs[stepID]
	return v, ok
}

// StepIDs 返回已注册的步骤 ID，按字典序排列。
func (r *Registry) StepIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.outputs))
	for id := range r.outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset 清空所有输出。
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = make(map[string]any)
}

// ResolveStep 返回输入已解析的步骤副本以及未能解析的引用表达式。
func (r *Registry) ResolveStep(step plan.Step) (plan.Step, []string) {
	out := step.Clone()
	if out.Input == nil {
		return out, nil
	}
	resolved, unresolved := r.ResolveValue(out.Input)
	if m, ok := resolved.(map[string]any); ok {
		out.Input = m
	}
	return out, unresolved
}

// ResolveValue 递归解析 map、slice 与字符串中的引用。
func (r *Registry) ResolveValue(v any) (any, []string) {
	var unresolved []string
	out := r.resolve(v, &unresolved)
	return out, unresolved
}

func (r *Registry) resolve(v any, unresolved *[]string) any {
	switch typed := v.(type) {
	case string:
		return r.resolveString(typed, unresolved)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = r.resolve(item, unresolved)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = r.resolve(item, unresolved)
		}
		return out
	default:
		return v
	}
}

func (r *Registry) resolveString(text string, unresolved *[]string) any {
	refs := scanReferences(text)
	if len(refs) == 0 {
		return text
	}

	// 整串即一个引用：保留原始类型。
	if len(refs) == 1 && refs[0].start == 0 && refs[0].end == len(text) {
		if v, ok := r.lookup(refs[0].expr); ok {
			return v
		}
		*unresolved = append(*unresolved, refs[0].expr)
		return text
	}

	// 从后往前替换，保证前面的偏移量不变。
	result := text
	for i := len(refs) - 1; i >= 0; i-- {
		ref := refs[i]
		v, ok := r.lookup(ref.expr)
		if !ok {
			*unresolved = append(*unresolved, ref.expr)
			continue
		}
		result = result[:ref.start] + Stringify(v) + result[ref.end:]
	}
	return result
}

// reference 是文本中一处引用的字节区间及其去括号后的表达式。
type reference struct {
	start, end int
	expr       string
}

// scanReferences 依次识别 {{...}}、${...} 与 {...}。引号内的 '}' 不结束引用。
func scanReferences(text string) []reference {
	var refs []reference
	for i := 0; i < len(text); {
		open := 0
		switch {
		case strings.HasPrefix(text[i:], "{{"):
			if end := closingBrace(text, i+2); end > i+2 && end+1 < len(text) && text[end+1] == '}' {
				refs = append(refs, reference{start: i, end: end + 2, expr: strings.TrimSpace(text[i+2 : end])})
				i = end + 2
				continue
			}
			open = 1
		case strings.HasPrefix(text[i:], "${"):
			open = 2
		case text[i] == '{':
			open = 1
		}
		if open > 0 {
			if end := closingBrace(text, i+open); end > i+open {
				refs = append(refs, reference{start: i, end: end + 1, expr: strings.TrimSpace(text[i+open : end])})
				i = end + 1
				continue
			}
		}
		i++
	}
	return refs
}

// closingBrace 返回 from 之后第一个不在引号内的 '}'；引号未闭合时退回第一个 '}'。
func closingBrace(text string, from int) int {
	var quote byte
	for i := from; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '}':
			return i
		}
	}
	if quote != 0 {
		if end := strings.IndexByte(text[from:], '}'); end >= 0 {
			return from + end
		}
	}
	return -1
}

// Lookup 解析单个引用表达式（不含括号）。
func (r *Registry) Lookup(expr string) (any, bool) {
	return r.lookup(strings.TrimSpace(expr))
}

func (r *Registry) lookup(expr string) (any, bool) {
	if expr == "" {
		return nil, false
	}
	normalized := bracketIndex.ReplaceAllString(expr, ".$1")
	if strings.ContainsAny(normalized, expressionChars) {
		v, err := r.evaluate(normalized)
		if err != nil {
			r.log.Warn("引用表达式求值失败", slog.String("expression", expr), slog.Any("error", err))
			return nil, false
		}
		return v, true
	}
	v, err := r.walk(normalized)
	if err != nil {
		r.log.Warn("引用未能解析", slog.String("expression", expr), slog.String("reason", err.Error()))
		return nil, false
	}
	return v, true
}

func (r *Registry) evaluate(expr string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return evaluate(expr, func(name string) (any, bool) {
		v, ok := r.outputs[name]
		if !ok {
			return nil, false
		}
		if m, isMap := v.(map[string]any); isMap {
			if inner := wrappedPayload(m); inner != nil {
				return wrapped{outer: m, inner: inner}, true
			}
		}
		return v, true
	})
}

type pathError string

func (e pathError) Error() string { return string(e) }

// walk 按点分路径取值：第一段是步骤 ID，对象按键、列表按下标。
func (r *Registry) walk(path string) (any, error) {
	parts := strings.Split(path, ".")
	r.mu.RLock()
	current, ok := r.outputs[parts[0]]
	r.mu.RUnlock()
	if !ok {
		return nil, pathError("step " + parts[0] + " has no recorded output")
	}
	for i, part := range parts[1:] {
		switch typed := current.(type) {
		case map[string]any:
			next, found := typed[part]
			if !found && i == 0 {
				if inner := wrappedPayload(typed); inner != nil {
					next, found = inner[part]
				}
			}
			if !found {
				return nil, pathError("field " + strconv.Quote(part) + " not found")
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, pathError("list index " + strconv.Quote(part) + " is not an integer")
			}
			if idx < 0 || idx >= len(typed) {
				return nil, pathError("index " + part + " out of range")
			}
			current = typed[idx]
		default:
			return nil, pathError("cannot descend into " + strconv.Quote(part))
		}
	}
	return current, nil
}

func wrappedPayload(m map[string]any) map[string]any {
	for _, key := range wrapperKeys {
		if inner, ok := m[key].(map[string]any); ok {
			return inner
		}
	}
	return nil
}

// Stringify 把解析出的值嵌入文本：字符串原样，数字取最短表示，其余编码为 JSON。
func Stringify(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case nil:
		return "null"
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// ContainsReference 判断值中是否含有指向步骤输出的引用。
func ContainsReference(v any) bool {
	switch typed := v.(type) {
	case string:
		for _, ref := range scanReferences(typed) {
			if IsStepReference(ref.expr) {
				return true
			}
		}
		return false
	case map[string]any:
		for _, item := range typed {
			if ContainsReference(item) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if ContainsReference(item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsStepReference 判断表达式是否引用了 step_N 形式的标识符。
func IsStepReference(expr string) bool {
	return stepRefPattern.MatchString(expr)
}
