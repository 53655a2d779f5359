// Package llm defines the reasoning-provider contract used by the planner and
// hosts the provider adapters (OpenAI-compatible, Anthropic, local Python
// script). Adapters only move text: prompt construction and output parsing
// live with the caller.
package llm
