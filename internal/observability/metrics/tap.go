package metrics

import (
	"context"
	"time"

	"OpenMCP-Orchestrator/internal/events"
	"OpenMCP-Orchestrator/internal/llm"
)

// Tap forwards events to next and counts step and decision events on the way.
type Tap struct {
	next events.Publisher
	rec  *Recorder
}

// NewTap wraps next.
func NewTap(next events.Publisher, rec *Recorder) *Tap {
	return &Tap{next: next, rec: rec}
}

func (t *Tap) Emit(ctx context.Context, event events.Event) {
	switch event.Type {
	case events.TypeStepCompleted:
		ms, _ := event.Data["duration_ms"].(int64)
		t.rec.ObserveStep(stringField(event, "tool_name"), "success", time.Duration(ms)*time.Millisecond)
	case events.TypeStepFailed:
		t.rec.ObserveStep(stringField(event, "tool_name"), "failure", 0)
	case events.TypeDecisionMade:
		t.rec.ObserveDecision(stringField(event, "decision"))
	}
	if t.next != nil {
		t.next.Emit(ctx, event)
	}
}

func stringField(event events.Event, key string) string {
	s, _ := event.Data[key].(string)
	if s == "" {
		return "unknown"
	}
	return s
}

// InstrumentLLM times every Generate call of client under the provider label.
func InstrumentLLM(provider string, client llm.Client, rec *Recorder) llm.Client {
	if rec == nil {
		return client
	}
	return llm.ClientFunc(func(ctx context.Context, messages []llm.Message, maxTokens int) (string, error) {
		start := time.Now()
		text, err := client.Generate(ctx, messages, maxTokens)
		rec.ObserveProviderCall(provider, err, time.Since(start))
		return text, err
	})
}

var _ events.Publisher = (*Tap)(nil)
