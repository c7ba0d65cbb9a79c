// Package llm defines the LLM capability boundary for the review engine.
//
// The engine never talks to a model vendor directly: every node that needs a
// completion goes through Provider, and an unavailable provider is a
// recoverable condition (ErrUnavailable), not a phase failure.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable signals that no LLM is configured or reachable.
// Callers are expected to skip the step and record the reason rather
// than failing the phase.
var ErrUnavailable = errors.New("llm not available")

// ResponseFormat selects how the model is asked to answer.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// InvokeOptions carries per-call tuning knobs.
type InvokeOptions struct {
	Format      ResponseFormat
	Temperature float64
	MaxTokens   int
}

// Provider is the interface for LLM backends.
type Provider interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string, opts InvokeOptions) (string, error)
}

// MarshalPayload renders a prompt payload as indented JSON for the user turn.
func MarshalPayload(payload map[string]any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt payload: %w", err)
	}
	return string(data), nil
}

// StripFences removes a surrounding markdown code fence from a model reply.
func StripFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) <= 2 {
		return cleaned
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

// ExtractJSON parses a JSON object out of a model reply. It tries a direct
// parse first, then scans for the first balanced object in the text.
func ExtractJSON(text string) (map[string]any, error) {
	cleaned := StripFences(text)

	var result map[string]any
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	start := -1
	depth := 0
	for i, c := range cleaned {
		switch c {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				if err := json.Unmarshal([]byte(cleaned[start:i+1]), &result); err == nil {
					return result, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}

// ExtractJSONList parses a model reply into a list of objects. A single
// object is wrapped into a one-element list, matching how JSON prompts are
// consumed downstream.
func ExtractJSONList(text string) ([]map[string]any, error) {
	cleaned := StripFences(text)

	var list []map[string]any
	if err := json.Unmarshal([]byte(cleaned), &list); err == nil {
		return list, nil
	}

	obj, err := ExtractJSON(cleaned)
	if err != nil {
		return nil, err
	}
	return []map[string]any{obj}, nil
}
