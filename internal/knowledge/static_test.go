package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryMatchesKeywordsAndTags(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "calendar", Content: "Events use ISO-8601 times.", Keywords: []string{"meeting"}, Tags: []string{"calendar"}},
		{Title: "email", Content: "Use the user's work address.", Keywords: []string{"mail"}},
		{Title: "always", Content: "Be concise."},
	}, 5)

	got := p.Query("Move my Calendar slot")
	if len(got) != 2 || got[0].Title != "calendar" || got[1].Title != "always" {
		t.Fatalf("unexpected matches %+v", got)
	}

	ctx := Context(p, "send mail")
	if ctx["email"] == "" || ctx["always"] == "" || ctx["calendar"] != "" {
		t.Fatalf("unexpected context %+v", ctx)
	}
}

func TestQueryRanksByHits(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "generic", Content: "Be concise."},
		{Title: "one", Content: "Mail needs a subject.", Keywords: []string{"mail"}},
		{Title: "two", Content: "Work mail goes via relay.", Keywords: []string{"mail", "work"}},
		{Title: "miss", Content: "Unused.", Keywords: []string{"weather"}},
	}, 2)

	got := p.Query("send work mail to bob")
	if len(got) != 2 || got[0].Title != "two" || got[1].Title != "one" {
		t.Fatalf("unexpected ranking %+v", got)
	}
	if Context(NewStaticProvider(nil, 1), "anything") != nil {
		t.Fatalf("empty knowledge base should produce no context")
	}
}

func TestLoadStaticProviderYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	data := "- title: tz\n  content: Default timezone is UTC.\n  keywords: [time]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Query("what time is it"); len(got) != 1 || got[0].Content != "Default timezone is UTC." {
		t.Fatalf("unexpected %+v", got)
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
