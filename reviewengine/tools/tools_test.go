package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

func TestExecutor_UnknownToolIsNotImplemented(t *testing.T) {
	e := NewDefaultExecutor(nil)

	_, err := e.Execute(context.Background(), "summon_reviewer", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestDetectFileType(t *testing.T) {
	e := NewDefaultExecutor(nil)

	tests := []struct {
		path string
		want string
	}{
		{"policy.pdf", "pdf"},
		{"policy.DOCX", "docx"},
		{"notes.md", "markdown"},
		{"notes.txt", "text"},
		{"archive.zip", "unknown"},
	}

	for _, tt := range tests {
		result, err := e.Execute(context.Background(), "detect_file_type", map[string]any{"source_path": tt.path})
		require.NoError(t, err)
		assert.Equal(t, tt.want, result["file_type"], tt.path)
	}
}

func TestConvertToMarkdown_Passthrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := "# Title\n\nFirst paragraph.\nStill first.\n\n## Section\n\nSecond paragraph.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	e := NewDefaultExecutor(nil)
	result, err := e.Execute(context.Background(), "convert_to_markdown", map[string]any{"source_path": path})
	require.NoError(t, err)

	assert.Equal(t, content, result["raw_markdown"])
	assert.NotEmpty(t, result["md_file_id"])

	blocks := result["block_metadata"].([]runstate.BlockMeta)
	require.Len(t, blocks, 4)
	assert.Equal(t, "b1", blocks[0].ID)
	assert.Equal(t, "heading", blocks[0].Type)
	assert.Equal(t, 1, blocks[0].Level)
	assert.Equal(t, "paragraph", blocks[1].Type)
	assert.Equal(t, "First paragraph.\nStill first.", blocks[1].Content)
	assert.Equal(t, 2, blocks[2].Level)
}

func TestConvertToMarkdown_PDFWithoutConverter(t *testing.T) {
	e := NewDefaultExecutor(nil)
	_, err := e.Execute(context.Background(), "convert_to_markdown", map[string]any{"source_path": "doc.pdf"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestExtractImages(t *testing.T) {
	e := NewDefaultExecutor(nil)
	md := "Intro ![chart one](images/chart1.png) and ![](images/chart2.png)."

	result, err := e.Execute(context.Background(), "extract_images", map[string]any{"raw_markdown": md})
	require.NoError(t, err)

	images := result["images"].([]runstate.ImageMeta)
	require.Len(t, images, 2)
	assert.Equal(t, "images/chart1.png", images[0].Path)
	assert.Equal(t, "chart one", images[0].Caption)
	assert.Equal(t, "img-2", images[1].ImageID)
}

func TestComputeFileStats(t *testing.T) {
	e := NewDefaultExecutor(nil)

	result, err := e.Execute(context.Background(), "compute_file_stats", map[string]any{"raw_markdown": "one two three"})
	require.NoError(t, err)

	assert.Equal(t, 3, result["word_count"])
	assert.Equal(t, 13, result["char_count"])
	assert.Equal(t, 1, result["page_estimate"])
}

func TestAnalyzeHeadingStructure(t *testing.T) {
	e := NewDefaultExecutor(nil)
	md := "# Top\n\ntext\n\n### Deep\n\n####### too deep\n#missing space\n"

	result, err := e.Execute(context.Background(), "analyze_heading_structure", map[string]any{"raw_markdown": md})
	require.NoError(t, err)

	headings := result["headings"].([]runstate.HeadingEntry)
	require.Len(t, headings, 2)
	assert.Equal(t, "H1", headings[0].Level)
	assert.Equal(t, "Top", headings[0].Title)
	assert.Equal(t, 1, headings[0].LineNumber)
	assert.Equal(t, "H3", headings[1].Level)
	assert.Equal(t, 5, headings[1].LineNumber)
}

func TestApplyChangesDeterministic_ExactMatch(t *testing.T) {
	e := NewDefaultExecutor(nil)
	text := "The bank shall reviews exposures quarterly. The bank shall reviews limits."
	changes := []runstate.SuggestedChange{
		{ID: "chg-1", OriginalText: "shall reviews", SuggestedText: "shall review"},
	}

	result, err := e.Execute(context.Background(), "apply_changes_deterministic", map[string]any{
		"raw_markdown": text,
		"changes":      changes,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"chg-1"}, result["applied_change_ids"])
	assert.Empty(t, result["failed_changes"])
	// Only the first occurrence is replaced.
	assert.Equal(t,
		"The bank shall review exposures quarterly. The bank shall reviews limits.",
		result["new_raw_markdown"])
}

func TestApplyChangesDeterministic_MissingAnchorFails(t *testing.T) {
	e := NewDefaultExecutor(nil)
	changes := []runstate.SuggestedChange{
		{ID: "chg-1", OriginalText: "text that is definitely not present anywhere in the document body at all", SuggestedText: "x"},
		{ID: "chg-2", OriginalText: "", SuggestedText: "inserted"},
	}

	result, err := e.Execute(context.Background(), "apply_changes_deterministic", map[string]any{
		"raw_markdown": "short document",
		"changes":      changes,
	})
	require.NoError(t, err)

	assert.Empty(t, result["applied_change_ids"])
	failed := result["failed_changes"].([]runstate.FailedChange)
	require.Len(t, failed, 2)
	assert.Equal(t, "chg-1", failed[0].ID)
	assert.Equal(t, "no original_text anchor", failed[1].Reason)
	assert.Equal(t, "short document", result["new_raw_markdown"])
}

func TestApplyChangesDeterministic_FuzzyAnchor(t *testing.T) {
	e := NewDefaultExecutor(nil)
	// Document drifted by one character from the suggested anchor.
	text := "Counterparty limits are reviewed anually by the risk committee."
	changes := []runstate.SuggestedChange{
		{ID: "chg-1", OriginalText: "reviewed annually by the risk committee", SuggestedText: "reviewed annually by the board risk committee"},
	}

	result, err := e.Execute(context.Background(), "apply_changes_deterministic", map[string]any{
		"raw_markdown": text,
		"changes":      changes,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"chg-1"}, result["applied_change_ids"])
	assert.Contains(t, result["new_raw_markdown"], "board risk committee")
}

func TestExecutor_ListAndHas(t *testing.T) {
	e := NewDefaultExecutor(nil)
	assert.True(t, e.Has("apply_changes_deterministic"))
	assert.False(t, e.Has("run_phase1"))
	assert.Len(t, e.List(), 7)
}
