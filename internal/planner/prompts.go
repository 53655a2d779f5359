package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/mcp"
	"OpenMCP-Orchestrator/internal/plan"
	"OpenMCP-Orchestrator/internal/run"
)

const planSystemPrompt = `You are the planning engine of a tool orchestration service.
You turn a user's request into an ordered list of tool calls using ONLY the tools listed.
Answer with JSON only. Do not wrap it in prose.`

const referenceContract = `Referencing earlier results:
- Steps are numbered from 0 in the order you list them: step_0, step_1, ...
- Use {{step_N.field}} to insert the output of an earlier step. Nested fields and list
  indexes use dots: {{step_0.items.0.id}}. {{step_0.items[0].id}} is also accepted.
- A value that is exactly one reference keeps its JSON type; references inside longer
  text are converted to text.
- Small expressions are allowed inside a reference: + concatenates lists or strings and
  adds numbers, e.g. {{step_1.attendees + ['c@x.com']}}. Function calls are NOT allowed.
- Never invent placeholder values such as user@example.com. If a required value is unknown
  and cannot come from an earlier step, still include the step and leave the reference or
  an empty string so the user can be asked.`

const dependencyContract = `Dependencies:
- "dependencies" lists the 0-based indexes of the steps in THIS list that must finish
  first, e.g. [0] or [0, 2]. Use [] when the step depends on nothing.`

const planFormat = `Output format - a JSON array:
[
  {
    "tool_name": "name of a listed tool",
    "input": {"param": "value"},
    "description": "what this step does",
    "dependencies": []
  }
]
If the user only wants to know which tools or capabilities are available, answer exactly:
{"type": "list_tools"}`

const decisionFormat = `Decide what happens next and answer with a JSON object:
{
  "type": "final" | "nextSteps" | "needsHuman" | "failed",
  "reason": "short explanation",
  "payload": {}
}
Payload by type:
- final:      {"message": "answer for the user, citing the results", "data": <any JSON>}
- nextSteps:  {"steps": [ {"step_id": "step_N (optional)", "tool_name": ..., "input": {...},
                "description": ..., "dependencies": [...]} ]}
              An entry whose step_id names an existing step that has not succeeded replaces
              that step (use this to retry it with corrected input). Entries without a
              step_id are appended. Integer dependencies refer to existing step numbers.
- needsHuman: {"question": "what to ask the user"}
- failed:     {"error": "why the task cannot be completed"}`

func (s *Synthesizer) createPrompt(st *run.State, tools []mcp.ToolDefinition) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current date and time: %s\n\n", s.now().Format(time.RFC1123))
	sb.WriteString("## Available tools\n")
	sb.WriteString(formatTools(tools))
	sb.WriteString("\n## User request\n")
	sb.WriteString(strings.TrimSpace(st.RequestText))
	sb.WriteString("\n\n## Context\n")
	sb.WriteString(formatContext(st.Context))
	sb.WriteString("\n\n")
	sb.WriteString(referenceContract)
	sb.WriteString("\n\n")
	sb.WriteString(dependencyContract)
	sb.WriteString("\n\n")
	sb.WriteString(planFormat)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: planSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

func (s *Synthesizer) decisionPrompt(st *run.State, p *plan.Plan, results plan.AggregatedResults, resume bool) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current date and time: %s\n\n", s.now().Format(time.RFC1123))
	sb.WriteString("## Original request\n")
	original := st.RequestText
	if st.Context != nil && st.Context.OriginalRequest != "" {
		original = st.Context.OriginalRequest
	}
	sb.WriteString(strings.TrimSpace(original))
	if resume {
		sb.WriteString("\n\n## Clarification\n")
		if st.Context != nil && st.Context.PendingQuestion != "" {
			fmt.Fprintf(&sb, "You asked the user: %s\n", st.Context.PendingQuestion)
		}
		fmt.Fprintf(&sb, "The user answered: %s\n", strings.TrimSpace(st.RequestText))
		sb.WriteString("Use the answer to repair the blocked step (nextSteps with its step_id) ")
		sb.WriteString("without re-running steps that already succeeded.\n")
	}
	sb.WriteString("\n## Plan\n")
	sb.WriteString(formatPlan(p))
	sb.WriteString("\n## Execution results\n")
	sb.WriteString(formatResults(results))
	sb.WriteString("\n## Available tools\n")
	sb.WriteString(formatTools(s.tools()))
	sb.WriteString("\n")
	sb.WriteString(referenceContract)
	sb.WriteString("\n\n")
	sb.WriteString(decisionFormat)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: planSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

func (s *Synthesizer) resolvePrompt(st *run.State, step plan.Step, results plan.AggregatedResults) []llm.Message {
	var sb strings.Builder
	sb.WriteString("## Request\n")
	sb.WriteString(strings.TrimSpace(st.RequestText))
	fmt.Fprintf(&sb, "\n\n## Step to prepare: %s\nTool: %s\nPurpose: %s\nInput template:\n%s\n",
		step.ID, step.ToolName, step.Description, toJSON(step.Input))
	for _, tool := range s.tools() {
		if tool.Name == step.ToolName && len(tool.InputSchema) > 0 {
			fmt.Fprintf(&sb, "Input schema:\n%s\n", toJSON(tool.InputSchema))
		}
	}
	if latest, ok := mostRecent(results.Completed); ok {
		fmt.Fprintf(&sb, "\n## Most recent output (%s)\n%s\n", latest.StepID, toJSON(latest.Output))
	}
	sb.WriteString("\n## All completed outputs\n")
	for _, r := range results.Completed {
		fmt.Fprintf(&sb, "%s: %s\n", r.StepID, toJSON(r.Output))
	}
	sb.WriteString("\nReplace every {{step_N...}} reference in the input template with the matching value ")
	sb.WriteString("from the actual outputs above. Pick items by content (for example the event whose title ")
	sb.WriteString("matches the request), not blindly by position. Return ONLY the resolved input as a JSON object.")
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You fill in tool inputs from earlier tool outputs. Answer with a JSON object only."},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

func formatTools(tools []mcp.ToolDefinition) string {
	if len(tools) == 0 {
		return "(no tools available)\n"
	}
	var sb strings.Builder
	for _, tool := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name, tool.Description)
		if len(tool.InputSchema) > 0 {
			fmt.Fprintf(&sb, "  schema: %s\n", toJSON(tool.InputSchema))
		}
	}
	return sb.String()
}

func formatContext(bundle *run.ContextBundle) string {
	if bundle == nil {
		return "No additional context"
	}
	var lines []string
	if len(bundle.History) > 0 {
		lines = append(lines, "Recent conversation:")
		for _, turn := range bundle.History {
			lines = append(lines, fmt.Sprintf("  - %s: %s", turn.Role, truncate(turn.Content, 500)))
		}
	}
	if len(bundle.ReusableResults) > 0 {
		lines = append(lines, "Results from the previous plan in this session (reuse instead of calling tools again when they answer the request):")
		for _, prior := range bundle.ReusableResults {
			lines = append(lines, fmt.Sprintf("  - %s %s (%s): %s", prior.StepID, prior.ToolName, prior.Description, truncate(toJSON(prior.Output), 800)))
		}
	}
	if len(bundle.Additional) > 0 {
		lines = append(lines, "Additional context:")
		keys := make([]string, 0, len(bundle.Additional))
		for k := range bundle.Additional {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("  - %s: %s", k, bundle.Additional[k]))
		}
	}
	if len(lines) == 0 {
		return "No additional context"
	}
	return strings.Join(lines, "\n")
}

func formatPlan(p *plan.Plan) string {
	var sb strings.Builder
	for _, step := range p.Steps {
		fmt.Fprintf(&sb, "- %s %s: %s input=%s deps=%v\n", step.ID, step.ToolName, step.Description, toJSON(step.Input), step.Dependencies)
	}
	return sb.String()
}

func formatResults(results plan.AggregatedResults) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total steps: %d\nCompleted: %d\nFailed: %d\nSuccess rate: %.1f%%\n",
		results.TotalSteps, len(results.Completed), len(results.Failed), results.SuccessRate*100)
	if len(results.Completed) > 0 {
		sb.WriteString("Completed steps:\n")
		for _, r := range results.Completed {
			fmt.Fprintf(&sb, "  - %s: %s\n", r.StepID, truncate(toJSON(r.Output), 2000))
		}
	}
	if len(results.Failed) > 0 {
		sb.WriteString("Failed steps:\n")
		for _, r := range results.Failed {
			fmt.Fprintf(&sb, "  - %s: %s\n", r.StepID, r.Error)
		}
	}
	return sb.String()
}

func mostRecent(results []plan.StepResult) (plan.StepResult, bool) {
	if len(results) == 0 {
		return plan.StepResult{}, false
	}
	latest := results[0]
	for _, r := range results[1:] {
		if !r.ExecutedAt.Before(latest.ExecutedAt) {
			latest = r
		}
	}
	return latest, true
}

func toJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func truncate(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}
