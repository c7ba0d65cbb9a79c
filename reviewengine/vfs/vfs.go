// Package vfs projects a Run State as a small virtual filesystem.
//
// Nothing under the namespace is stored as files: every read renders the
// corresponding Run State field on demand, so the listing is always
// consistent with the state. The namespace is fixed; exactly two paths
// accept writes.
package vfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

// ErrNotFound signals a path outside the projected namespace.
var ErrNotFound = errors.New("path not found")

// ErrReadOnly signals a write to a path that only the engine may produce.
var ErrReadOnly = errors.New("path is read-only")

// Entry is one row of a directory listing.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Info describes a single path.
type Info struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

// Projector exposes a Run State through the fixed VFS namespace.
type Projector struct {
	state *runstate.RunState
}

// New creates a Projector over state.
func New(state *runstate.RunState) *Projector {
	return &Projector{state: state}
}

// ListDir lists the entries of a directory path.
func (p *Projector) ListDir(path string) ([]Entry, error) {
	path = normalize(path)

	switch path {
	case "/":
		return p.rootEntries(), nil
	case "/original":
		entries := []Entry{}
		if p.state.Structure.RawText != "" {
			entries = append(entries, Entry{Name: "document.md", Type: "file"})
		}
		return entries, nil
	case "/phase1":
		entries := []Entry{}
		if p.state.Phase1.DocSummary != nil {
			entries = append(entries, Entry{Name: "doc_summary.json", Type: "file"})
		}
		if p.state.Phase1.TocReview != nil {
			entries = append(entries, Entry{Name: "toc_review.json", Type: "file"})
		}
		if p.state.Phase1.TemplateFitnessReport != nil {
			entries = append(entries, Entry{Name: "template_fitness.json", Type: "file"})
		}
		if p.state.Phase1.SectionStrategy != nil {
			entries = append(entries, Entry{Name: "section_strategy.json", Type: "file"})
		}
		return entries, nil
	case "/phase2":
		entries := []Entry{}
		if len(p.state.Phase2.Chunks) > 0 {
			entries = append(entries, Entry{Name: "sections", Type: "directory"})
		}
		if len(p.state.Phase2.Reviews) > 0 {
			entries = append(entries, Entry{Name: "reviews", Type: "directory"})
		}
		if p.state.Phase2.SummaryReport != nil {
			entries = append(entries, Entry{Name: "summary_report.json", Type: "file"})
		}
		return entries, nil
	case "/phase2/sections":
		return p.sectionEntries(".md"), nil
	case "/phase2/reviews":
		return p.sectionEntries(".json"), nil
	case "/changes":
		entries := []Entry{}
		if p.state.Changes.SuggestedChanges != nil {
			entries = append(entries, Entry{Name: "suggested_changes.json", Type: "file"})
		}
		if p.state.Changes.AppliedChangeIDs != nil {
			entries = append(entries, Entry{Name: "applied_changes.json", Type: "file"})
		}
		return entries, nil
	case "/versions":
		entries := []Entry{}
		if p.state.Structure.RawText != "" {
			entries = append(entries, Entry{Name: "current.md", Type: "file"})
		}
		if p.state.Changes.PreApplyText != "" {
			entries = append(entries, Entry{Name: "previous.md", Type: "file"})
		}
		return entries, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Stat reports whether a path is a directory or a file, with its rendered size.
func (p *Projector) Stat(path string) (Info, error) {
	path = normalize(strings.TrimRight(path, "/"))

	switch path {
	case "/", "/original", "/phase1", "/phase2", "/phase2/sections", "/phase2/reviews", "/changes", "/versions":
		return Info{Path: path, Type: "directory", Size: 0}, nil
	}

	content, err := p.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return Info{Path: path, Type: "file", Size: len(content)}, nil
}

// ReadFile renders the file content at a path.
func (p *Projector) ReadFile(path string) (string, error) {
	path = normalize(path)

	switch path {
	case "/original/document.md", "/versions/current.md":
		return p.state.Structure.RawText, nil
	case "/phase1/doc_summary.json":
		return renderJSON(p.state.Phase1.DocSummary, p.state.Phase1.DocSummary == nil), nil
	case "/phase1/toc_review.json":
		return renderJSON(p.state.Phase1.TocReview, p.state.Phase1.TocReview == nil), nil
	case "/phase1/template_fitness.json":
		return renderJSON(p.state.Phase1.TemplateFitnessReport, p.state.Phase1.TemplateFitnessReport == nil), nil
	case "/phase1/section_strategy.json":
		return renderJSON(p.state.Phase1.SectionStrategy, p.state.Phase1.SectionStrategy == nil), nil
	case "/phase2/summary_report.json":
		return renderJSON(p.state.Phase2.SummaryReport, p.state.Phase2.SummaryReport == nil), nil
	case "/changes/suggested_changes.json":
		return renderJSON(p.state.Changes.SuggestedChanges, p.state.Changes.SuggestedChanges == nil), nil
	case "/changes/applied_changes.json":
		return renderJSON(map[string]any{
			"applied_change_ids": p.state.Changes.AppliedChangeIDs,
			"failed_changes":     p.state.Changes.FailedChanges,
		}, false), nil
	case "/versions/previous.md":
		if p.state.Changes.PreApplyText == "" {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return p.state.Changes.PreApplyText, nil
	}

	if strings.HasPrefix(path, "/phase2/reviews/") {
		title, err := p.resolveSection(path, ".json")
		if err != nil {
			return "", err
		}
		review, ok := p.state.Phase2.Reviews[title]
		return renderJSON(review, !ok), nil
	}
	if strings.HasPrefix(path, "/phase2/sections/") {
		title, err := p.resolveSection(path, ".md")
		if err != nil {
			return "", err
		}
		return p.state.Phase2.Chunks[title].Text, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

// WriteFile writes data to one of the two writable paths. The suggested
// changes file must parse as a JSON array.
func (p *Projector) WriteFile(path, data string) error {
	path = normalize(path)

	switch path {
	case "/original/document.md":
		p.state.Structure.RawText = data
		return nil
	case "/changes/suggested_changes.json":
		var parsed []runstate.SuggestedChange
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			var probe any
			if json.Unmarshal([]byte(data), &probe) != nil {
				return fmt.Errorf("suggested_changes must be valid JSON: %w", err)
			}
			return fmt.Errorf("suggested_changes must be a list")
		}
		p.state.Changes.SuggestedChanges = parsed
		return nil
	}

	return fmt.Errorf("%w: %s", ErrReadOnly, path)
}

// SlugifySection maps a section title to its filename slug: lowercase,
// non-alphanumeric runs become underscores, empty results fall back to
// "section". Titles that slugify identically collide; the first title in
// sorted order wins.
func SlugifySection(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "section"
	}
	return slug
}

func (p *Projector) rootEntries() []Entry {
	entries := []Entry{}
	if p.state.Structure.RawText != "" {
		entries = append(entries, Entry{Name: "original", Type: "directory"})
	}
	if p.state.Phase1.DocSummary != nil || p.state.Phase1.TocReview != nil ||
		p.state.Phase1.TemplateFitnessReport != nil || p.state.Phase1.SectionStrategy != nil {
		entries = append(entries, Entry{Name: "phase1", Type: "directory"})
	}
	if len(p.state.Phase2.Chunks) > 0 || len(p.state.Phase2.Reviews) > 0 || p.state.Phase2.SummaryReport != nil {
		entries = append(entries, Entry{Name: "phase2", Type: "directory"})
	}
	entries = append(entries,
		Entry{Name: "changes", Type: "directory"},
		Entry{Name: "versions", Type: "directory"},
	)
	return entries
}

// sectionEntries lists section files for both the sections and reviews
// directories. Both listings derive from the chunk titles so the two
// directories stay parallel.
func (p *Projector) sectionEntries(suffix string) []Entry {
	titles := make([]string, 0, len(p.state.Phase2.Chunks))
	for title := range p.state.Phase2.Chunks {
		titles = append(titles, title)
	}
	sort.Strings(titles)

	entries := []Entry{}
	for _, title := range titles {
		entries = append(entries, Entry{Name: SlugifySection(title) + suffix, Type: "file"})
	}
	return entries
}

func (p *Projector) resolveSection(path, suffix string) (string, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 4 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	filename := parts[len(parts)-1]
	if !strings.HasSuffix(filename, suffix) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	slug := strings.TrimSuffix(filename, suffix)

	titles := make([]string, 0, len(p.state.Phase2.Chunks))
	for title := range p.state.Phase2.Chunks {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	for _, title := range titles {
		if SlugifySection(title) == slug {
			return title, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

func normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func renderJSON(v any, empty bool) string {
	if empty || v == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
