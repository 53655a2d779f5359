package resolver

import (
	"reflect"
	"testing"

	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/pkg/logger"
)

func newTestRegistry() *Registry {
	r := NewRegistry(WithLogger(logger.Discard()))
	r.Register("step_0", map[string]any{
		"title": "X",
		"count": float64(3),
		"items": []any{
			map[string]any{"id": "a1"},
			map[string]any{"id": "a2"},
		},
	})
	r.Register("step_1", map[string]any{
		"attendees": []any{"a@x.com", "b@x.com"},
	})
	return r
}

func TestWholeTokenKeepsNativeType(t *testing.T) {
	r := newTestRegistry()
	got, unresolved := r.ResolveValue("{{step_0.count}}")
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved: %v", unresolved)
	}
	if got != float64(3) {
		t.Fatalf("expected native number, got %#v", got)
	}

	got, _ = r.ResolveValue("{{step_1.attendees}}")
	if _, ok := got.([]any); !ok {
		t.Fatalf("expected list, got %T", got)
	}
}

func TestFieldAndMissingField(t *testing.T) {
	r := newTestRegistry()
	got, _ := r.ResolveValue("{{step_0.title}}")
	if got != "X" {
		t.Fatalf("expected X, got %#v", got)
	}

	got, unresolved := r.ResolveValue("{{step_0.missing}}")
	if got != "{{step_0.missing}}" {
		t.Fatalf("missing field must stay literal, got %#v", got)
	}
	if len(unresolved) != 1 || unresolved[0] != "step_0.missing" {
		t.Fatalf("unexpected unresolved list: %v", unresolved)
	}
}

func TestIndexingSyntaxesAgree(t *testing.T) {
	r := newTestRegistry()
	for _, text := range []string{
		"{{step_0.items.0.id}}",
		"{{step_0.items[0].id}}",
		"{step_0.items[0].id}",
		"${step_0.items[0].id}",
		"{{ step_0.items.1.id }}",
	} {
		got, unresolved := r.ResolveValue(text)
		if len(unresolved) != 0 {
			t.Fatalf("%s: unresolved %v", text, unresolved)
		}
		want := "a1"
		if text == "{{ step_0.items.1.id }}" {
			want = "a2"
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %#v", text, want, got)
		}
	}
}

func TestOutOfRangeIndexStaysLiteral(t *testing.T) {
	r := newTestRegistry()
	got, unresolved := r.ResolveValue("{{step_0.items.5.id}}")
	if got != "{{step_0.items.5.id}}" || len(unresolved) != 1 {
		t.Fatalf("expected literal, got %#v (%v)", got, unresolved)
	}
}

func TestListConcatenationExpression(t *testing.T) {
	r := newTestRegistry()
	got, unresolved := r.ResolveValue("{{step_1.attendees + ['c@x.com']}}")
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved: %v", unresolved)
	}
	want := []any{"a@x.com", "b@x.com", "c@x.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %#v", want, got)
	}
}

func TestArithmeticExpression(t *testing.T) {
	r := newTestRegistry()
	cases := map[string]any{
		"{{step_0.count * 2 + 1}}":   float64(7),
		"{{(step_0.count + 1) / 2}}": float64(2),
		"{{-step_0.count}}":          float64(-3),
		"{{step_0.title + '!'}}":     "X!",
		"{{step_0.items[-1].id}}":    "a2",
		"{{step_0['title']}}":        "X",
	}
	for text, want := range cases {
		got, unresolved := r.ResolveValue(text)
		if len(unresolved) != 0 {
			t.Fatalf("%s: unresolved %v", text, unresolved)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: expected %#v, got %#v", text, want, got)
		}
	}
}

func TestMixedTextStringifies(t *testing.T) {
	r := newTestRegistry()
	got, unresolved := r.ResolveValue("Meeting {{step_0.title}} with {{step_0.count}} people: {{step_1.attendees}}")
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved: %v", unresolved)
	}
	want := `Meeting X with 3 people: ["a@x.com","b@x.com"]`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMixedTextKeepsUnresolvedTokens(t *testing.T) {
	r := newTestRegistry()
	got, unresolved := r.ResolveValue("{{step_0.title}} and {{step_9.title}}")
	if got != "X and {{step_9.title}}" {
		t.Fatalf("unexpected text %q", got)
	}
	if len(unresolved) != 1 || unresolved[0] != "step_9.title" {
		t.Fatalf("unexpected unresolved: %v", unresolved)
	}
}

func TestWrapperConvenience(t *testing.T) {
	r := NewRegistry(WithLogger(logger.Discard()))
	r.Register("step_0", map[string]any{
		"status": "ok",
		"event":  map[string]any{"title": "Standup", "status": "confirmed"},
	})

	direct, _ := r.ResolveValue("{{step_0.title}}")
	nested, _ := r.ResolveValue("{{step_0.event.title}}")
	if direct != "Standup" || nested != "Standup" {
		t.Fatalf("wrapper lookups disagree: %#v vs %#v", direct, nested)
	}

	// 路径模式先查外层，表达式模式先查包装内容。
	path, _ := r.ResolveValue("{{step_0.status}}")
	expr, _ := r.ResolveValue("{{step_0.status + ''}}")
	if path != "ok" || expr != "confirmed" {
		t.Fatalf("unexpected precedence: path=%#v expr=%#v", path, expr)
	}
}

func TestFunctionCallsRejected(t *testing.T) {
	r := newTestRegistry()
	for _, text := range []string{
		"{{len(step_1.attendees)}}",
		"{{step_0.title.upper()}}",
		"{{__import__('os')}}",
	} {
		got, unresolved := r.ResolveValue(text)
		if got != text || len(unresolved) != 1 {
			t.Fatalf("%s: expected literal passthrough, got %#v", text, got)
		}
	}
}

func TestResolveStepDoesNotMutateOriginal(t *testing.T) {
	r := newTestRegistry()
	step := plan.Step{
		ID:       "step_2",
		ToolName: "send_email",
		Input: map[string]any{
			"subject": "Re: {{step_0.title}}",
			"to":      []any{"{{step_1.attendees.0}}"},
		},
	}
	resolved, unresolved := r.ResolveStep(step)
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved: %v", unresolved)
	}
	if resolved.Input["subject"] != "Re: X" {
		t.Fatalf("unexpected subject %#v", resolved.Input["subject"])
	}
	if to := resolved.Input["to"].([]any); to[0] != "a@x.com" {
		t.Fatalf("unexpected recipients %#v", to)
	}
	if step.Input["subject"] != "Re: {{step_0.title}}" {
		t.Fatalf("original step input was mutated")
	}
}

func TestPresentNullResolves(t *testing.T) {
	r := NewRegistry(WithLogger(logger.Discard()))
	r.Register("step_0", map[string]any{"cursor": nil})
	got, unresolved := r.ResolveValue("{{step_0.cursor}}")
	if got != nil || len(unresolved) != 0 {
		t.Fatalf("expected nil with no unresolved tokens, got %#v (%v)", got, unresolved)
	}
}

func TestContainsReference(t *testing.T) {
	if !ContainsReference(map[string]any{"a": []any{"x", "{{step_3.id}}"}}) {
		t.Fatalf("nested reference not detected")
	}
	if ContainsReference(map[string]any{"json": `{"a": 1}`, "n": 3}) {
		t.Fatalf("literal braces must not count as a step reference")
	}
}

func TestResetClearsOutputs(t *testing.T) {
	r := newTestRegistry()
	r.Reset()
	if _, ok := r.Output("step_0"); ok {
		t.Fatalf("expected registry to be empty")
	}
	if ids := r.StepIDs(); len(ids) != 0 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

type resolveCase struct {
	text string
	want any
}

func checkResolves(t *testing.T, r *Registry, cases []resolveCase) {
	t.Helper()
	for _, tc := range cases {
		got, unresolved := r.ResolveValue(tc.text)
		if len(unresolved) != 0 || got != tc.want {
			t.Fatalf("%s: got %#v (unresolved %v), want %#v", tc.text, got, unresolved, tc.want)
		}
	}
}

func TestUnicodeFieldNames(t *testing.T) {
	r := NewRegistry(WithLogger(logger.Discard()))
	r.Register("step_0", map[string]any{"标题": "周报", "数量": float64(2)})

	checkResolves(t, r, []resolveCase{
		{text: "{{step_0.标题}}", want: "周报"},
		{text: "{{step_0.标题 + '!'}}", want: "周报!"},
		{text: "{{step_0.数量 * 3}}", want: float64(6)},
		{text: "{{ step_0.标题+'·v2' }}", want: "周报·v2"},
	})
}

func TestBracesInsideQuotedLiterals(t *testing.T) {
	checkResolves(t, newTestRegistry(), []resolveCase{
		{text: "{{step_0.title + '}'}}", want: "X}"},
		{text: `{{step_0.title + "{}"}}`, want: "X{}"},
		{text: "title: {{step_0.title + '}}'}}!", want: "title: X}}!"},
		{text: "${step_0.title + '}'} and {{step_0.count}}", want: "X} and 3"},
	})
}

func TestScanReferences(t *testing.T) {
	cases := []struct {
		text  string
		exprs []string
	}{
		{text: "plain text"},
		{text: "{{ step_0.a }} ${step_1.b} {step_2.c}", exprs: []string{"step_0.a", "step_1.b", "step_2.c"}},
		{text: `{"key": "v}"}`, exprs: []string{`"key": "v}"`}},
		{text: "{it's} fine}", exprs: []string{"it's"}},
		{text: "{{}} and {}", exprs: []string{"{"}},
	}
	for _, tc := range cases {
		var got []string
		for _, ref := range scanReferences(tc.text) {
			got = append(got, ref.expr)
		}
		if !reflect.DeepEqual(got, tc.exprs) {
			t.Fatalf("%q: got %q want %q", tc.text, got, tc.exprs)
		}
	}
}
