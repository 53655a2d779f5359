package validators

import (
	"regexp"
	"strings"

	"OpenMCP-Orchestrator/internal/run"
)

// Class 是步骤失败的分类。
type Class int

const (
	// Retryable 表示可以原样重试。
	Retryable Class = iota
	// NeedsInput 表示需要用户补充信息。
	NeedsInput
	// NonRetryable 表示重试无意义，运行应直接失败。
	NonRetryable
)

func (c Class) String() string {
	switch c {
	case NeedsInput:
		return "needs_input"
	case NonRetryable:
		return "non_retryable"
	default:
		return "retryable"
	}
}

var nonRetryablePatterns = []string{
	"tool not found",
	"unknown tool",
	"no mcp server",
}

var needsInputPatterns = []string{
	"required",
	"missing",
	"unresolved reference",
	"unresolved template",
	"placeholder domain",
	"invalid email",
}

var (
	keyErrorPattern   = regexp.MustCompile(`^'([A-Za-z_][A-Za-z0-9_]*)'$`)
	inputFieldPattern = regexp.MustCompile(`input "([^"]+)"`)
	paramPatterns     = []*regexp.Regexp{
		regexp.MustCompile(`(?i)missing required (?:parameter|argument|field)s?:?\s*'?"?([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`(?i)'?"?([A-Za-z_][A-Za-z0-9_]*)'?"? (?:is|are) required`),
		regexp.MustCompile(`(?i)missing (?:parameter|argument|field)?:?\s*'?"?([A-Za-z_][A-Za-z0-9_]*)`),
	}
)

// Classify 根据错误文本判断失败类型。
func Classify(errText string) Class {
	text := strings.ToLower(strings.TrimSpace(errText))
	if text == "" {
		return Retryable
	}
	for _, p := range nonRetryablePatterns {
		if strings.Contains(text, p) {
			return NonRetryable
		}
	}
	for _, p := range needsInputPatterns {
		if strings.Contains(text, p) {
			return NeedsInput
		}
	}
	if keyErrorPattern.MatchString(strings.TrimSpace(errText)) {
		return NeedsInput
	}
	return Retryable
}

// ExtractMissingParam 从错误文本中推断缺失的参数并生成提问。
func ExtractMissingParam(errText, stepID, toolName string) run.MissingParam {
	mp := run.MissingParam{StepID: stepID, ToolName: toolName}
	lower := strings.ToLower(errText)

	if strings.Contains(lower, "email") {
		field := "to"
		if m := inputFieldPattern.FindStringSubmatch(errText); m != nil {
			field = m[1]
		}
		mp.ParamName, mp.ParamType = field, "email"
		switch {
		case strings.Contains(lower, "template variable") || strings.Contains(lower, "unresolved"):
			mp.Reason = "unresolved_template"
			mp.Question = "To send the email I need the recipient's email address. Who should receive it?"
		case strings.Contains(lower, "placeholder domain"):
			mp.Reason = "placeholder_domain"
			mp.Question = "I couldn't determine the exact email address. Please provide the recipient's email address."
		case strings.Contains(lower, "required") || strings.Contains(lower, "missing"):
			mp.Reason = "missing"
			mp.Question = "To send the email I need the recipient's email address. Who should receive it?"
		case strings.Contains(lower, "invalid"):
			mp.Reason = "invalid_format"
			mp.Question = "That email address is not valid. Please provide a correct email address."
		default:
			mp.Reason = "validation_failed"
			mp.Question = "The email address could not be validated. Please provide it again."
		}
		return mp
	}

	if field := fieldName(errText); field != "" {
		mp.ParamName, mp.ParamType = field, "string"
		if strings.Contains(lower, "unresolved") {
			mp.Reason = "unresolved_reference"
		} else {
			mp.Reason = "missing"
		}
		mp.Question = "I need a value for \"" + field + "\"" + forTool(toolName) + ". What should it be?"
		return mp
	}

	mp.ParamName, mp.ParamType, mp.Reason = "unknown", "unknown", "validation_failed"
	mp.Question = "The input" + forTool(toolName) + " was not valid. Could you provide the missing details and try again?"
	return mp
}

func fieldName(errText string) string {
	trimmed := strings.TrimSpace(errText)
	if m := inputFieldPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	if m := keyErrorPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	for _, p := range paramPatterns {
		if m := p.FindStringSubmatch(trimmed); m != nil {
			return m[1]
		}
	}
	return ""
}

func forTool(toolName string) string {
	if toolName == "" {
		return ""
	}
	return " for " + toolName
}
