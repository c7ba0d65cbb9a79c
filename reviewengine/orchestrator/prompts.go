package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/algowizzzz/docasst/reviewengine/changes"
	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/observability"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

// PromptEngine loads prompt templates from disk and runs them against the
// configured provider. An unavailable LLM or a missing template is recorded
// on the run state and skipped, never escalated: every prompt-driven node is
// optional enrichment over the deterministic pipeline.
type PromptEngine struct {
	provider llm.Provider
	dir      string
	logger   Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewPromptEngine creates a PromptEngine reading templates from dir.
// logger may be nil.
func NewPromptEngine(provider llm.Provider, dir string, logger Logger) *PromptEngine {
	return &PromptEngine{
		provider: provider,
		dir:      dir,
		logger:   logger,
		cache:    make(map[string]string),
	}
}

var _ changes.PromptInvoker = (*PromptEngine)(nil)

// loadTemplate reads a prompt template, caching it by name.
func (p *PromptEngine) loadTemplate(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if content, ok := p.cache[name]; ok {
		return content, nil
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		return "", fmt.Errorf("prompt template not found: %s", name)
	}
	content := strings.TrimSpace(string(data))
	p.cache[name] = content
	return content, nil
}

// InvokeJSON runs a JSON prompt. It returns (nil, nil) when the step should
// be skipped: unavailable provider, missing template, or an unparseable
// reply, each recorded on the run's errors.
func (p *PromptEngine) InvokeJSON(
	ctx context.Context,
	state *runstate.RunState,
	promptName string,
	payload map[string]any,
) (map[string]any, error) {
	response, ok := p.invoke(ctx, state, promptName, payload, llm.FormatJSON)
	if !ok {
		return nil, nil
	}

	result, err := llm.ExtractJSON(response)
	if err != nil {
		state.AppendError("LLM prompt %s failed: %v", promptName, err)
		if p.logger != nil {
			p.logger.Warn("prompt reply was not valid JSON", "prompt", promptName)
		}
		return nil, nil
	}

	p.appendTranscript(state, promptName, payload, previewMap(result))
	return result, nil
}

// InvokeMarkdown runs a markdown prompt, returning the trimmed reply.
// An empty string means the step was skipped.
func (p *PromptEngine) InvokeMarkdown(
	ctx context.Context,
	state *runstate.RunState,
	promptName string,
	payload map[string]any,
) (string, error) {
	response, ok := p.invoke(ctx, state, promptName, payload, llm.FormatText)
	if !ok {
		return "", nil
	}

	result := strings.TrimSpace(response)
	p.appendTranscript(state, promptName, payload, previewText(result))
	return result, nil
}

// invoke handles the shared template-load and provider-call path. The bool
// reports whether a usable reply came back.
func (p *PromptEngine) invoke(
	ctx context.Context,
	state *runstate.RunState,
	promptName string,
	payload map[string]any,
	format llm.ResponseFormat,
) (string, bool) {
	systemPrompt, err := p.loadTemplate(promptName)
	if err != nil {
		state.AppendError("%v", err)
		if p.logger != nil {
			p.logger.Error("prompt template load failed", "prompt", promptName, "error", err.Error())
		}
		return "", false
	}

	userPrompt, err := llm.MarshalPayload(payload)
	if err != nil {
		state.AppendError("LLM prompt %s failed: %v", promptName, err)
		return "", false
	}

	start := time.Now()
	response, err := p.provider.Invoke(ctx, systemPrompt, userPrompt, llm.InvokeOptions{Format: format})
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			observability.RecordLLMCall(promptName, "skipped", durationMS)
			state.AppendError("%s skipped: %v", promptName, err)
			if p.logger != nil {
				p.logger.Warn("prompt skipped, llm unavailable", "prompt", promptName)
			}
			return "", false
		}
		observability.RecordLLMCall(promptName, "failed", durationMS)
		state.AppendError("LLM prompt %s failed: %v", promptName, err)
		if p.logger != nil {
			p.logger.Error("prompt invocation failed", "prompt", promptName, "error", err.Error())
		}
		return "", false
	}

	observability.RecordLLMCall(promptName, "success", durationMS)
	if strings.TrimSpace(response) == "" {
		if p.logger != nil {
			p.logger.Warn("prompt returned empty result", "prompt", promptName)
		}
		return "", false
	}
	return response, true
}

func (p *PromptEngine) appendTranscript(
	state *runstate.RunState,
	promptName string,
	payload map[string]any,
	responsePreview any,
) {
	state.AppendTranscript(map[string]any{
		"prompt":           promptName,
		"payload_preview":  previewMap(payload),
		"response_preview": responsePreview,
	})
}

// previewMap keeps the first few keys of a payload or reply, enough to read
// a transcript without storing full document text.
func previewMap(m map[string]any) map[string]any {
	const maxKeys = 5
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	preview := make(map[string]any, len(keys))
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			preview[k] = previewText(s)
			continue
		}
		preview[k] = m[k]
	}
	return preview
}

// previewText truncates to maxChars runes so multi-byte text is never split
// mid-rune.
func previewText(s string) string {
	const maxChars = 200
	if len(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "..."
}
