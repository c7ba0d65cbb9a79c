package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/algowizzzz/docasst/reviewengine/observability"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/typeutil"
)

// phase2Checks are the holistic review prompts, run in order over the same
// payload. Each stores its markdown report under the paired key.
var phase2Checks = []struct {
	prompt string
	key    string
}{
	{"phase2_check_conceptual_coverage.md", "conceptual_coverage"},
	{"phase2_check_compliance_governance.md", "compliance_governance"},
	{"phase2_check_language_clarity.md", "language_clarity"},
	{"phase2_check_structural_presentation.md", "structural_presentation"},
}

// =============================================================================
// Phase entry points
// =============================================================================

// RunPhase1 ingests a document and runs the full workflow up to the first
// wait state: deterministic extraction, TOC review, and holistic checks all
// happen in one pass driven by the transition table.
func (o *Orchestrator) RunPhase1(
	ctx context.Context,
	documentPath string,
	runID string,
	templateID string,
) (*runstate.RunState, error) {
	template, err := o.loadTemplate(templateID)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(documentPath)
	if err != nil {
		absPath = documentPath
	}
	state := runstate.New(absPath, runID, template)

	if o.logger != nil {
		o.logger.Info("run_phase1", "run_id", state.RunID, "doc_id", state.DocID)
	}

	start := time.Now()
	state.Phase1Status = runstate.PhaseRunning
	state.Control = runstate.ControlIngestion
	o.Orchestrate(ctx, state, WaitStates)

	// Surface the converted markdown as soon as the pipeline settles so the
	// document is readable even when later phases were skipped.
	o.publishRawMarkdown(state)

	status := runstate.PhaseFailed
	if state.Control == runstate.ControlCompleted {
		status = runstate.PhaseSuccess
	}
	state.Phase1Status = status
	observability.RecordPhaseRun("phase1", string(status), int(time.Since(start).Milliseconds()))
	return state, nil
}

// RunPhase2 reruns the holistic checks and synthesis. A non-empty
// sectionScope narrows the run for its duration and is restored afterwards.
func (o *Orchestrator) RunPhase2(
	ctx context.Context,
	state *runstate.RunState,
	sectionScope []string,
) {
	if o.logger != nil {
		o.logger.Info("run_phase2", "run_id", state.RunID)
	}
	start := time.Now()
	state.Phase2Status = runstate.PhaseRunning

	previousScope := state.UserInteract.SelectedSectionScope
	if len(sectionScope) > 0 {
		state.UserInteract.SelectedSectionScope = sectionScope
	}

	state.Control = runstate.ControlHolisticChecks
	o.Orchestrate(ctx, state, WaitStates)

	if sectionScope != nil {
		state.UserInteract.SelectedSectionScope = previousScope
	}

	if state.Phase2Status != runstate.PhaseFailed {
		state.Phase2Status = runstate.PhaseSuccess
	}
	observability.RecordPhaseRun("phase2", string(state.Phase2Status), int(time.Since(start).Milliseconds()))
}

// RunPhase3 selects changes, applies them, and verifies the result. The
// selection precedence is explicit ids, then severity, then the stored plan.
func (o *Orchestrator) RunPhase3(
	ctx context.Context,
	state *runstate.RunState,
	changeIDs []string,
	severityFilter string,
) {
	if o.logger != nil {
		o.logger.Info("run_phase3", "run_id", state.RunID)
	}
	start := time.Now()
	state.Phase3Status = runstate.PhaseRunning

	selected := o.changes.SelectForApplication(
		state, changeIDs, severityFilter, state.Changes.ChangeSelectionPlan)
	if len(selected) == 0 {
		state.Phase3Status = runstate.PhaseFailed
		state.AppendError("Phase 3: no changes selected for application")
		observability.RecordPhaseRun("phase3", string(runstate.PhaseFailed), int(time.Since(start).Milliseconds()))
		return
	}

	originalText := state.Structure.RawText

	state.Control = runstate.ControlApplyChanges
	_ = o.runNode(ctx, runstate.ControlApplyChanges,
		func(ctx context.Context, s *runstate.RunState) error {
			return o.changes.Apply(ctx, s, selected, originalText)
		}, state)
	o.advanceControl(runstate.ControlApplyChanges, state)

	if state.Phase3Status == runstate.PhaseSuccess {
		observability.RecordChangesApplied(len(state.Changes.AppliedChangeIDs))
	}

	_ = o.runNode(ctx, runstate.ControlVerifyChanges,
		func(ctx context.Context, s *runstate.RunState) error {
			return o.changes.Verify(ctx, s)
		}, state)
	o.advanceControl(runstate.ControlVerifyChanges, state)

	observability.RecordPhaseRun("phase3", string(state.Phase3Status), int(time.Since(start).Milliseconds()))
}

// publishRawMarkdown notifies listeners that the converted document is
// readable through the run's virtual filesystem.
func (o *Orchestrator) publishRawMarkdown(state *runstate.RunState) {
	raw := state.Structure.RawText
	if raw == "" {
		return
	}
	o.events.Emit("markdown_ready", map[string]any{
		"path":  "/original/document.md",
		"bytes": len(raw),
	})
}

// =============================================================================
// Phase 0 - deterministic ingestion
// =============================================================================

// runPhase0Ingestion runs the deterministic extraction sub-steps in a fixed
// order. Any sub-step error aborts ingestion; the wrapper records it.
func (o *Orchestrator) runPhase0Ingestion(ctx context.Context, state *runstate.RunState) error {
	steps := []func(context.Context, *runstate.RunState) error{
		o.nodeDetectFileType,
		o.nodeConvertToMarkdown,
		o.nodeExtractImages,
		o.nodeComputeFileStats,
		o.nodeAnalyzeHeadingStructure,
		o.nodeExtractTocLLM,
		o.nodeBuildFileMetadata,
		o.nodeCollectPhase1Stats,
	}
	for _, step := range steps {
		if err := step(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) nodeDetectFileType(ctx context.Context, state *runstate.RunState) error {
	result, err := o.tools.Execute(ctx, "detect_file_type", map[string]any{
		"file_id":     state.DocID,
		"source_path": state.DocMeta.SourcePath,
	})
	if err != nil {
		return err
	}
	state.DocMeta.FileType = typeutil.SafeStringDefault(result["file_type"], "unknown")
	o.events.Emit("node_completed", map[string]any{"node": "detect_file_type", "result": result})
	return nil
}

func (o *Orchestrator) nodeConvertToMarkdown(ctx context.Context, state *runstate.RunState) error {
	result, err := o.tools.Execute(ctx, "convert_to_markdown", map[string]any{
		"file_id":     state.DocID,
		"source_path": state.DocMeta.SourcePath,
		"file_type":   state.DocMeta.FileType,
	})
	if err != nil {
		return err
	}

	state.DocMeta.MdFileID = typeutil.SafeStringDefault(result["md_file_id"], "")
	state.DocMeta.MdPath = typeutil.SafeStringDefault(result["md_path"], "")
	state.Structure.RawText = typeutil.SafeStringDefault(result["raw_markdown"], "")
	if blocks, ok := result["block_metadata"].([]runstate.BlockMeta); ok {
		state.Structure.BlockMetadata = blocks
	}
	if suggestions, ok := result["verification_suggestions"].([]map[string]any); ok {
		state.Structure.VerificationSuggestions = suggestions
	}

	o.syncArtifacts(state, []runstate.VfsArtifact{
		{Path: "/original/" + filepath.Base(state.DocMeta.SourcePath), Label: "Original upload"},
		{Path: "/original/document.md", Label: "Normalised Markdown"},
	})
	o.events.Emit("node_completed", map[string]any{"node": "convert_to_markdown"})
	return nil
}

func (o *Orchestrator) nodeExtractImages(ctx context.Context, state *runstate.RunState) error {
	result, err := o.tools.Execute(ctx, "extract_images", map[string]any{
		"file_id":      state.DocID,
		"source_path":  state.DocMeta.SourcePath,
		"file_type":    state.DocMeta.FileType,
		"raw_markdown": state.Structure.RawText,
	})
	if err != nil {
		return err
	}
	if images, ok := result["images"].([]runstate.ImageMeta); ok {
		state.Structure.Images = images
	}
	o.events.Emit("node_completed", map[string]any{
		"node":        "extract_images",
		"image_count": len(state.Structure.Images),
	})
	return nil
}

func (o *Orchestrator) nodeComputeFileStats(ctx context.Context, state *runstate.RunState) error {
	result, err := o.tools.Execute(ctx, "compute_file_stats", map[string]any{
		"file_id":      state.DocID,
		"md_file_id":   state.DocMeta.MdFileID,
		"raw_markdown": state.Structure.RawText,
	})
	if err != nil {
		return err
	}
	state.DocMeta.WordCount = typeutil.SafeIntDefault(result["word_count"], 0)
	state.DocMeta.PageCount = typeutil.SafeIntDefault(result["page_estimate"], 0)
	o.events.Emit("node_completed", map[string]any{
		"node":       "compute_file_stats",
		"word_count": state.DocMeta.WordCount,
	})
	return nil
}

func (o *Orchestrator) nodeAnalyzeHeadingStructure(ctx context.Context, state *runstate.RunState) error {
	result, err := o.tools.Execute(ctx, "analyze_heading_structure", map[string]any{
		"file_id":      state.DocID,
		"md_file_id":   state.DocMeta.MdFileID,
		"raw_markdown": state.Structure.RawText,
	})
	if err != nil {
		return err
	}
	headings, _ := result["headings"].([]runstate.HeadingEntry)
	state.Structure.Headings = headings
	state.Structure.TocDetected = len(headings) > 0
	state.Structure.TocEntries = []runstate.TocEntry{}
	o.events.Emit("node_completed", map[string]any{
		"node":          "analyze_heading_structure",
		"heading_count": len(headings),
	})
	return nil
}

// nodeExtractTocLLM asks the model for a table of contents from an opening
// excerpt. Skipping (no text, no LLM) leaves the heading-derived TOC alone.
func (o *Orchestrator) nodeExtractTocLLM(ctx context.Context, state *runstate.RunState) error {
	excerpt := o.phase1Excerpt(state, 5)
	if excerpt == "" || o.prompts == nil {
		return nil
	}

	result, err := o.prompts.InvokeJSON(ctx, state, "phase1_toc_extraction.md", map[string]any{
		"doc_title":        state.DocMeta.DocTitle,
		"page_count":       state.DocMeta.PageCount,
		"document_excerpt": excerpt,
	})
	if err != nil || result == nil {
		return err
	}

	var entries []runstate.TocEntry
	if err := decodeInto(result["entries"], &entries); err != nil || len(entries) == 0 {
		return nil
	}
	state.Structure.TocEntries = entries
	state.Structure.TocDetected = true
	o.events.Emit("node_completed", map[string]any{
		"node":        "phase1_toc_extraction",
		"entry_count": len(entries),
	})
	return nil
}

func (o *Orchestrator) nodeBuildFileMetadata(ctx context.Context, state *runstate.RunState) error {
	result, err := o.tools.Execute(ctx, "build_file_metadata", map[string]any{
		"file_id":        state.DocID,
		"source_path":    state.DocMeta.SourcePath,
		"file_type":      state.DocMeta.FileType,
		"md_file_id":     state.DocMeta.MdFileID,
		"md_path":        state.DocMeta.MdPath,
		"page_count":     state.DocMeta.PageCount,
		"word_count":     state.DocMeta.WordCount,
		"heading_count":  len(state.Structure.Headings),
		"image_count":    len(state.Structure.Images),
		"heading_levels": headingLevels(state.Structure.Headings),
	})
	if err != nil {
		return err
	}
	if metadata, ok := typeutil.SafeMapStringAny(result["file_metadata"]); ok {
		state.FileMetadata = metadata
	}
	o.events.Emit("node_completed", map[string]any{"node": "build_file_metadata"})
	return nil
}

func (o *Orchestrator) nodeCollectPhase1Stats(_ context.Context, state *runstate.RunState) error {
	stats := map[string]any{
		"word_count":    state.DocMeta.WordCount,
		"page_count":    state.DocMeta.PageCount,
		"heading_count": len(state.Structure.Headings),
		"image_count":   len(state.Structure.Images),
	}
	state.Phase1.Stats = stats
	o.events.Emit("node_completed", map[string]any{"node": "collect_phase1_stats", "stats": stats})
	return nil
}

// =============================================================================
// Phase 1 - TOC review
// =============================================================================

func (o *Orchestrator) nodePhase1TocReview(ctx context.Context, state *runstate.RunState) error {
	if o.prompts == nil {
		return nil
	}
	result, err := o.prompts.InvokeJSON(ctx, state, "phase1_toc_review.md", map[string]any{
		"doc_title":        docTitleOrID(state),
		"page_count":       state.DocMeta.PageCount,
		"toc_entries":      state.Structure.TocEntries,
		"headings":         state.Structure.Headings,
		"document_excerpt": state.MarkdownExcerpt(8000),
	})
	if err != nil || result == nil {
		return err
	}

	var report runstate.TocReviewReport
	if err := decodeInto(result, &report); err != nil {
		state.AppendError("phase1_toc_review.md returned an unexpected shape: %v", err)
		return nil
	}
	state.Phase1.TocReview = &report

	o.events.Emit("node_completed", map[string]any{
		"node":        "phase1_toc_review",
		"entry_count": len(report.Entries),
	})
	o.syncArtifacts(state, []runstate.VfsArtifact{
		{Path: "/phase1/toc_review.json", Label: "Phase 1 TOC Review"},
	})
	return nil
}

// =============================================================================
// Phase 2 - holistic checks and synthesis
// =============================================================================

// nodePhase2HolisticChecks runs the four review lenses over a shared payload.
// Each check that produces a report is stored independently; a skipped check
// leaves its key absent.
func (o *Orchestrator) nodePhase2HolisticChecks(ctx context.Context, state *runstate.RunState) error {
	if o.prompts == nil {
		return nil
	}

	payload := map[string]any{
		"doc_title":     docTitleOrID(state),
		"page_count":    state.DocMeta.PageCount,
		"word_count":    state.DocMeta.WordCount,
		"document_text": state.MarkdownExcerpt(20000),
		"toc_review":    state.Phase1.TocReview,
		"headings":      state.Structure.Headings,
	}

	if state.Phase2Checks == nil {
		state.Phase2Checks = runstate.HolisticChecks{}
	}

	for _, check := range phase2Checks {
		result, err := o.prompts.InvokeMarkdown(ctx, state, check.prompt, payload)
		if err != nil {
			return err
		}
		if result == "" {
			continue
		}
		state.Phase2Checks[check.key] = result
		o.events.Emit("node_completed", map[string]any{
			"node":  "phase2_" + check.key,
			"check": check.key,
		})
	}

	o.syncArtifacts(state, []runstate.VfsArtifact{
		{Path: "/phase2/holistic_checks.json", Label: "Phase 2 Holistic Checks"},
	})
	return nil
}

func (o *Orchestrator) nodePhase2Synthesis(ctx context.Context, state *runstate.RunState) error {
	if o.prompts == nil {
		return nil
	}

	payload := map[string]any{
		"doc_title":  docTitleOrID(state),
		"toc_review": state.Phase1.TocReview,
	}
	for _, check := range phase2Checks {
		payload[check.key] = state.Phase2Checks[check.key]
	}

	result, err := o.prompts.InvokeMarkdown(ctx, state, "phase2_synthesis_summary.md", payload)
	if err != nil || result == "" {
		return err
	}

	if state.Phase2Checks == nil {
		state.Phase2Checks = runstate.HolisticChecks{}
	}
	state.Phase2Checks["synthesis"] = result

	o.events.Emit("node_completed", map[string]any{
		"node":            "phase2_synthesis",
		"markdown_length": len(result),
	})
	o.syncArtifacts(state, []runstate.VfsArtifact{
		{Path: "/phase2/synthesis.json", Label: "Phase 2 Synthesis"},
	})
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// phase1Excerpt returns the opening slice of the document sized to roughly
// preferredPages pages. Short documents come back whole.
func (o *Orchestrator) phase1Excerpt(state *runstate.RunState, preferredPages int) string {
	raw := state.Structure.RawText
	if raw == "" {
		return ""
	}
	pageCount := state.DocMeta.PageCount
	if pageCount > 0 && pageCount <= 10 {
		return raw
	}
	words := strings.Fields(raw)
	if len(words) == 0 {
		return raw
	}
	denom := pageCount
	if denom < 1 {
		denom = 1
	}
	wordsPerPage := len(words) / denom
	if wordsPerPage < 200 {
		wordsPerPage = 200
	}
	limit := wordsPerPage * preferredPages
	if limit < 800 {
		limit = 800
	}
	if limit > len(words) {
		limit = len(words)
	}
	return strings.Join(words[:limit], " ")
}

func docTitleOrID(state *runstate.RunState) string {
	if state.DocMeta.DocTitle != "" {
		return state.DocMeta.DocTitle
	}
	return state.DocID
}

func headingLevels(headings []runstate.HeadingEntry) []string {
	levels := []string{}
	seen := map[string]struct{}{}
	for _, heading := range headings {
		if heading.Level == "" {
			continue
		}
		if _, ok := seen[heading.Level]; ok {
			continue
		}
		seen[heading.Level] = struct{}{}
		levels = append(levels, heading.Level)
	}
	return levels
}

// decodeInto re-marshals a loosely typed value into a concrete struct or
// slice. Prompt replies arrive as map[string]any; this is the one conversion
// point between wire shape and typed state.
func decodeInto(value any, target any) error {
	if value == nil {
		return fmt.Errorf("no value to decode")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
