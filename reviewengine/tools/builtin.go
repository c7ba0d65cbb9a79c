package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/typeutil"
)

// PDFConverter converts a binary document into the markdown+blocks shape the
// ingestion phase expects. Real conversion needs an external service, so it
// is injected; a nil converter makes PDF ingestion report ErrNotImplemented.
type PDFConverter interface {
	Convert(ctx context.Context, sourcePath string) (map[string]any, error)
}

// NewDefaultExecutor returns an Executor with all builtin document tools
// registered. converter may be nil.
func NewDefaultExecutor(converter PDFConverter) *Executor {
	e := NewExecutor()
	RegisterBuiltins(e, converter)
	return e
}

// RegisterBuiltins registers the builtin document tools on an executor.
func RegisterBuiltins(e *Executor, converter PDFConverter) {
	defs := []*Definition{
		{Name: "detect_file_type", Description: "Classify a source file by extension", Handler: detectFileType},
		{Name: "convert_to_markdown", Description: "Convert a source file to markdown with block metadata", Handler: convertToMarkdown(converter)},
		{Name: "extract_images", Description: "Collect image references from markdown", Handler: extractImages},
		{Name: "compute_file_stats", Description: "Compute word/char/page statistics", Handler: computeFileStats},
		{Name: "analyze_heading_structure", Description: "Locate ATX headings with line numbers", Handler: analyzeHeadingStructure},
		{Name: "build_file_metadata", Description: "Assemble the file metadata record", Handler: buildFileMetadata},
		{Name: "apply_changes_deterministic", Description: "Apply suggested changes by anchor replacement", Handler: applyChangesDeterministic},
	}
	for _, def := range defs {
		// Registration of builtins cannot fail: names and handlers are set.
		_ = e.Register(def)
	}
}

func detectFileType(_ context.Context, params map[string]any) (map[string]any, error) {
	sourcePath, ok := typeutil.SafeString(params["source_path"])
	if !ok || sourcePath == "" {
		return nil, fmt.Errorf("detect_file_type: source_path is required")
	}

	fileType := "unknown"
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".pdf":
		fileType = "pdf"
	case ".docx":
		fileType = "docx"
	case ".md", ".markdown":
		fileType = "markdown"
	case ".txt":
		fileType = "text"
	}

	return map[string]any{"file_type": fileType}, nil
}

func convertToMarkdown(converter PDFConverter) Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		sourcePath, ok := typeutil.SafeString(params["source_path"])
		if !ok || sourcePath == "" {
			return nil, fmt.Errorf("convert_to_markdown: source_path is required")
		}

		fileType := typeutil.SafeStringDefault(params["file_type"], "")
		if fileType == "" {
			result, err := detectFileType(ctx, params)
			if err != nil {
				return nil, err
			}
			fileType = typeutil.SafeStringDefault(result["file_type"], "unknown")
		}

		switch fileType {
		case "markdown", "text":
			data, err := os.ReadFile(sourcePath)
			if err != nil {
				return nil, fmt.Errorf("convert_to_markdown: read %s: %w", sourcePath, err)
			}
			text := string(data)
			return map[string]any{
				"raw_markdown":   text,
				"md_file_id":     uuid.NewString(),
				"md_path":        sourcePath,
				"block_metadata": deriveBlocks(text),
			}, nil
		case "pdf", "docx":
			if converter == nil {
				return nil, fmt.Errorf("%w: %s conversion requires an external converter", ErrNotImplemented, fileType)
			}
			return converter.Convert(ctx, sourcePath)
		default:
			return nil, fmt.Errorf("convert_to_markdown: unsupported file type %q", fileType)
		}
	}
}

// deriveBlocks splits markdown into heading and paragraph blocks with
// stable sequential ids, mirroring the shape PDF conversion produces.
func deriveBlocks(text string) []runstate.BlockMeta {
	blocks := []runstate.BlockMeta{}
	nextID := func() string { return fmt.Sprintf("b%d", len(blocks)+1) }

	var paragraph []string
	flush := func() {
		if len(paragraph) == 0 {
			return
		}
		blocks = append(blocks, runstate.BlockMeta{
			ID:      nextID(),
			Type:    "paragraph",
			Content: strings.Join(paragraph, "\n"),
		})
		paragraph = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if level, title, ok := parseHeading(trimmed); ok {
			flush()
			blocks = append(blocks, runstate.BlockMeta{
				ID:      nextID(),
				Type:    "heading",
				Level:   level,
				Content: title,
			})
			continue
		}
		paragraph = append(paragraph, line)
	}
	flush()
	return blocks
}

var imagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)

func extractImages(_ context.Context, params map[string]any) (map[string]any, error) {
	text := typeutil.SafeStringDefault(params["raw_markdown"], "")

	images := []runstate.ImageMeta{}
	for i, match := range imagePattern.FindAllStringSubmatch(text, -1) {
		images = append(images, runstate.ImageMeta{
			ImageID: fmt.Sprintf("img-%d", i+1),
			Path:    match[2],
			Caption: match[1],
		})
	}

	return map[string]any{"images": images}, nil
}

const wordsPerPage = 500

func computeFileStats(_ context.Context, params map[string]any) (map[string]any, error) {
	text := typeutil.SafeStringDefault(params["raw_markdown"], "")

	wordCount := len(strings.Fields(text))
	pageEstimate := wordCount / wordsPerPage
	if pageEstimate < 1 {
		pageEstimate = 1
	}

	return map[string]any{
		"word_count":    wordCount,
		"char_count":    len(text),
		"line_count":    strings.Count(text, "\n") + 1,
		"page_estimate": pageEstimate,
	}, nil
}

func analyzeHeadingStructure(_ context.Context, params map[string]any) (map[string]any, error) {
	text := typeutil.SafeStringDefault(params["raw_markdown"], "")

	headings := []runstate.HeadingEntry{}
	for i, line := range strings.Split(text, "\n") {
		if level, title, ok := parseHeading(strings.TrimSpace(line)); ok {
			headings = append(headings, runstate.HeadingEntry{
				Level:      fmt.Sprintf("H%d", level),
				Title:      title,
				LineNumber: i + 1,
			})
		}
	}

	return map[string]any{"headings": headings}, nil
}

// parseHeading recognizes ATX headings of level 1 through 5.
func parseHeading(line string) (int, string, bool) {
	if !strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level > 5 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	title := strings.TrimSpace(line[level+1:])
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

func buildFileMetadata(_ context.Context, params map[string]any) (map[string]any, error) {
	metadata := map[string]any{
		"source_path": typeutil.SafeStringDefault(params["source_path"], ""),
		"file_type":   typeutil.SafeStringDefault(params["file_type"], "unknown"),
	}
	if stats, ok := typeutil.SafeMapStringAny(params["stats"]); ok {
		metadata["stats"] = stats
	}
	if count, ok := typeutil.SafeInt(params["heading_count"]); ok {
		metadata["heading_count"] = count
	}
	if count, ok := typeutil.SafeInt(params["image_count"]); ok {
		metadata["image_count"] = count
	}
	return map[string]any{"file_metadata": metadata}, nil
}
