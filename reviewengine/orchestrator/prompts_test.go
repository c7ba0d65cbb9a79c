package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/testutil"
)

func promptState() *runstate.RunState {
	return runstate.New("doc.md", "run-p", runstate.TemplateMeta{})
}

func TestPromptEngine_InvokeJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "check.md"), []byte("CHECK: respond as JSON."), 0o644))

	provider := testutil.NewMockProvider().
		WithResponse("CHECK", "```json\n{\"verdict\": \"ok\", \"score\": 3}\n```")
	engine := NewPromptEngine(provider, dir, nil)

	state := promptState()
	result, err := engine.InvokeJSON(context.Background(), state, "check.md", map[string]any{
		"doc_title": "Doc",
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "ok", result["verdict"])

	// The call landed on the transcript with previews.
	require.Len(t, state.Transcript, 1)
	assert.Equal(t, "check.md", state.Transcript[0]["prompt"])
	assert.Empty(t, state.Errors)

	// Format was requested as JSON.
	assert.Equal(t, llm.FormatJSON, provider.LastCall().Opts.Format)
}

func TestPromptEngine_MissingTemplateSkips(t *testing.T) {
	engine := NewPromptEngine(testutil.NewMockProvider(), t.TempDir(), nil)

	state := promptState()
	result, err := engine.InvokeJSON(context.Background(), state, "absent.md", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotEmpty(t, state.Errors)
	assert.Contains(t, state.Errors[0], "prompt template not found")
}

func TestPromptEngine_UnavailableSkips(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "check.md"), []byte("CHECK"), 0o644))

	provider := testutil.NewMockProvider().WithError(llm.ErrUnavailable)
	engine := NewPromptEngine(provider, dir, nil)

	state := promptState()
	result, err := engine.InvokeJSON(context.Background(), state, "check.md", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotEmpty(t, state.Errors)
	assert.Contains(t, state.Errors[0], "check.md skipped:")
}

func TestPromptEngine_UnparseableReplySkips(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "check.md"), []byte("CHECK"), 0o644))

	provider := testutil.NewMockProvider()
	provider.DefaultResponse = "this is not json"
	engine := NewPromptEngine(provider, dir, nil)

	state := promptState()
	result, err := engine.InvokeJSON(context.Background(), state, "check.md", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotEmpty(t, state.Errors)
	assert.Contains(t, state.Errors[0], "failed")
}

func TestPromptEngine_InvokeMarkdown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "report.md"), []byte("REPORT: write prose."), 0o644))

	provider := testutil.NewMockProvider().
		WithResponse("REPORT", "  The document reads well.  \n")
	engine := NewPromptEngine(provider, dir, nil)

	state := promptState()
	result, err := engine.InvokeMarkdown(context.Background(), state, "report.md", map[string]any{
		"doc_title": "Doc",
	})
	require.NoError(t, err)
	assert.Equal(t, "The document reads well.", result)
	assert.Equal(t, llm.FormatText, provider.LastCall().Opts.Format)
}

func TestPromptEngine_CachesTemplates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "check.md")
	require.NoError(t, os.WriteFile(path, []byte("CHECK"), 0o644))

	provider := testutil.NewMockProvider()
	provider.DefaultResponse = `{"ok": true}`
	engine := NewPromptEngine(provider, dir, nil)

	state := promptState()
	_, err := engine.InvokeJSON(context.Background(), state, "check.md", nil)
	require.NoError(t, err)

	// Template stays usable after the file disappears.
	require.NoError(t, os.Remove(path))
	result, err := engine.InvokeJSON(context.Background(), state, "check.md", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestPreviewMap(t *testing.T) {
	m := map[string]any{
		"a": "short",
		"b": 2,
		"c": "x",
		"d": "y",
		"e": "z",
		"f": "dropped",
	}
	preview := previewMap(m)
	assert.Len(t, preview, 5)
	assert.NotContains(t, preview, "f")

	long := map[string]any{"text": string(make([]byte, 500))}
	truncated := previewMap(long)
	assert.Len(t, truncated["text"], 203)
}

func TestPreviewText_MultiByte(t *testing.T) {
	long := strings.Repeat("é", 300)
	preview := previewText(long)
	assert.True(t, utf8.ValidString(preview))
	assert.Equal(t, strings.Repeat("é", 200)+"...", preview)
}
