// Package testutil provides shared mocks for testing the review engine
// without a live LLM or external services.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/algowizzzz/docasst/reviewengine/llm"
)

// MockProvider implements llm.Provider for tests.
// Configure responses by prompt substring or use DefaultResponse.
type MockProvider struct {
	// Responses maps substrings (matched against system+user prompt) to
	// responses. First configured match wins; match order follows Rules.
	Responses map[string]string

	// Rules preserves the match order for Responses lookups.
	Rules []string

	// DefaultResponse is returned when nothing matches.
	DefaultResponse string

	// Err causes every Invoke to return this error.
	Err error

	// Delay simulates model latency.
	Delay time.Duration

	// InvokeFunc overrides all other behavior when set.
	InvokeFunc func(ctx context.Context, systemPrompt, userPrompt string, opts llm.InvokeOptions) (string, error)

	// Calls records every invocation for assertion.
	Calls []MockCall

	mu sync.Mutex
}

// MockCall records a single Invoke for assertion.
type MockCall struct {
	SystemPrompt string
	UserPrompt   string
	Opts         llm.InvokeOptions
}

// NewMockProvider creates a MockProvider with an empty JSON object default.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Responses:       make(map[string]string),
		DefaultResponse: `{}`,
	}
}

// WithResponse adds a substring-matched response.
func (m *MockProvider) WithResponse(substring, response string) *MockProvider {
	m.Responses[substring] = response
	m.Rules = append(m.Rules, substring)
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.Err = err
	return m
}

// Invoke implements llm.Provider.
func (m *MockProvider) Invoke(ctx context.Context, systemPrompt, userPrompt string, opts llm.InvokeOptions) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{SystemPrompt: systemPrompt, UserPrompt: userPrompt, Opts: opts})
	custom := m.InvokeFunc
	m.mu.Unlock()

	if custom != nil {
		return custom(ctx, systemPrompt, userPrompt, opts)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if m.Err != nil {
		return "", m.Err
	}

	haystack := systemPrompt + "\n" + userPrompt
	for _, substring := range m.Rules {
		if strings.Contains(haystack, substring) {
			return m.Responses[substring], nil
		}
	}

	return m.DefaultResponse, nil
}

// CallCount returns the number of invocations (thread-safe).
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent invocation, or a zero MockCall.
func (m *MockProvider) LastCall() MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockCall{}
	}
	return m.Calls[len(m.Calls)-1]
}

// Reset clears call history.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var _ llm.Provider = (*MockProvider)(nil)

// RecordingEmitter captures emitted events for assertion.
type RecordingEmitter struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

// RecordedEvent is one captured event.
type RecordedEvent struct {
	Type    string
	Payload map[string]any
}

// Emit implements eventbus.Emitter.
func (r *RecordingEmitter) Emit(eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{Type: eventType, Payload: payload})
}

// Types returns the captured event types in order.
func (r *RecordingEmitter) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		types = append(types, e.Type)
	}
	return types
}

// ByType returns the captured events of one type.
func (r *RecordingEmitter) ByType(eventType string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// MockLogger captures log entries for assertion.
type MockLogger struct {
	mu   sync.Mutex
	Logs []LogEntry
}

// LogEntry is one captured log line.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues...) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues...) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues...) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues...) }

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// HasLog reports whether a message was logged at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.Logs {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}
