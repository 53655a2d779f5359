package knowledge

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 按请求文本检索知识片段。
type Provider interface {
	Query(request string) []Snippet
}

// Snippet 是一段注入到规划上下文中的背景知识。没有关键字与标签的片段对所有请求生效。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

func (s Snippet) terms() []string {
	var out []string
	for _, t := range slices.Concat(s.Keywords, s.Tags) {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// StaticProvider 在内存中保存片段，按命中词数排序返回。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库，maxResults 非正时取 3。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 读取知识库文件，.yaml/.yml 按 YAML 解析，其余按 JSON。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件 %s 失败: %w", path, err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

type scored struct {
	snippet Snippet
	hits    int
	order   int
}

// Query 返回命中的片段：命中词多者在前，通用片段排在最后，同分保持文件顺序。
func (p *StaticProvider) Query(request string) []Snippet {
	if p == nil {
		return nil
	}
	request = strings.ToLower(request)

	var matched []scored
	for i, item := range p.items {
		terms := item.terms()
		if len(terms) == 0 {
			matched = append(matched, scored{snippet: item, order: i})
			continue
		}
		hits := 0
		for _, t := range terms {
			if strings.Contains(request, t) {
				hits++
			}
		}
		if hits > 0 {
			matched = append(matched, scored{snippet: item, hits: hits, order: i})
		}
	}
	slices.SortStableFunc(matched, func(a, b scored) int {
		return cmp.Or(cmp.Compare(b.hits, a.hits), cmp.Compare(a.order, b.order))
	})

	out := make([]Snippet, 0, min(len(matched), p.maxResults))
	for _, m := range matched[:min(len(matched), p.maxResults)] {
		out = append(out, m.snippet)
	}
	return out
}

// Context 把检索结果转为规划上下文的附加条目，键为片段标题。
func Context(p Provider, request string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string)
	for i, s := range p.Query(request) {
		content := strings.TrimSpace(s.Content)
		if content == "" {
			continue
		}
		key := cmp.Or(strings.TrimSpace(s.Title), fmt.Sprintf("knowledge_%d", i))
		out[key] = content
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ Provider = (*StaticProvider)(nil)
