package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\nhello\n```", "hello"},
		{"surrounding space", "  {\"a\": 1}  ", `{"a": 1}`},
		{"fence too short", "```", "```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestExtractJSON(t *testing.T) {
	t.Run("direct object", func(t *testing.T) {
		result, err := ExtractJSON(`{"verdict": "ok"}`)
		require.NoError(t, err)
		assert.Equal(t, "ok", result["verdict"])
	})

	t.Run("object inside prose", func(t *testing.T) {
		result, err := ExtractJSON(`Here is my answer: {"verdict": "ok", "nested": {"n": 1}} hope that helps`)
		require.NoError(t, err)
		assert.Equal(t, "ok", result["verdict"])
	})

	t.Run("fenced object", func(t *testing.T) {
		result, err := ExtractJSON("```json\n{\"verdict\": \"ok\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "ok", result["verdict"])
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ExtractJSON("just words")
		require.Error(t, err)
	})
}

func TestExtractJSONList(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		list, err := ExtractJSONList(`[{"a": 1}, {"a": 2}]`)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("single object wraps", func(t *testing.T) {
		list, err := ExtractJSONList(`{"a": 1}`)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, float64(1), list[0]["a"])
	})
}

func TestTruncate_MultiByte(t *testing.T) {
	long := strings.Repeat("é", 150)
	cut := truncate(long, 100)
	assert.True(t, utf8.ValidString(cut))
	assert.Equal(t, strings.Repeat("é", 100)+"...", cut)

	assert.Equal(t, "short", truncate("short", 100))
}

func TestClient_Unconfigured(t *testing.T) {
	client := NewClient(ClientConfig{})
	assert.False(t, client.Available())

	_, err := client.Invoke(context.Background(), "sys", "user", InvokeOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_Invoke(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"ok": true}`}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		APIKey:  "secret",
		BaseURL: server.URL,
		Model:   "test-model",
	})

	reply, err := client.Invoke(context.Background(), "system text", "user text", InvokeOptions{
		Format:      FormatJSON,
		Temperature: 0.2,
		MaxTokens:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, reply)

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user text", captured.Messages[1].Content)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestClient_UpstreamDownIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Model: "m"})
	_, err := client.Invoke(context.Background(), "s", "u", InvokeOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_TransportErrorIsUnavailable(t *testing.T) {
	// Point at a closed server.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Model: "m"})
	_, err := client.Invoke(context.Background(), "s", "u", InvokeOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_APIErrorIsNotUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad request"}}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Model: "m"})
	_, err := client.Invoke(context.Background(), "s", "u", InvokeOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestClient_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Model: "m"})
	_, err := client.Invoke(context.Background(), "s", "u", InvokeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
