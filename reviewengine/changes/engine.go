// Package changes implements the change engine: selecting which suggested
// changes to apply, applying them deterministically through the tool
// capability, and verifying the result. Verification reports problems but
// never rolls an application back.
package changes

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/algowizzzz/docasst/eventbus"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/tools"
	"github.com/algowizzzz/docasst/reviewengine/typeutil"
)

// skipReasonMissingContent explains why a change was excluded before any
// text manipulation. The wording surfaces to users reviewing skipped changes.
const skipReasonMissingContent = "missing_content requires manual insertion (no original_text anchor)"

// PromptInvoker runs a named JSON prompt against the run's LLM. A nil result
// with nil error means the LLM was unavailable and the step should be skipped.
type PromptInvoker interface {
	InvokeJSON(ctx context.Context, state *runstate.RunState, promptName string, payload map[string]any) (map[string]any, error)
}

// Logger is the minimal logging interface the engine needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Engine coordinates change selection, application, and verification.
type Engine struct {
	tools   tools.Runner
	prompts PromptInvoker
	events  eventbus.Emitter
	logger  Logger
}

// NewEngine builds an Engine. events and logger may be nil.
func NewEngine(runner tools.Runner, prompts PromptInvoker, events eventbus.Emitter, logger Logger) *Engine {
	if events == nil {
		events = eventbus.NopEmitter{}
	}
	return &Engine{tools: runner, prompts: prompts, events: events, logger: logger}
}

// SelectForApplication picks the suggested changes to apply.
//
// Precedence: explicit change ids, then a severity filter, then the stored
// selection plan, then every applicable change. missing_content changes
// without an original-text anchor are excluded up front and recorded on
// state as skipped, whichever path selects.
func (e *Engine) SelectForApplication(
	state *runstate.RunState,
	changeIDs []string,
	severityFilter string,
	plan *runstate.ChangeSelectionPlan,
) []runstate.SuggestedChange {
	applicable := []runstate.SuggestedChange{}
	skipped := []runstate.SkippedChange{}

	for _, change := range state.Changes.SuggestedChanges {
		if change.Type == runstate.TypeMissingContent && strings.TrimSpace(change.OriginalText) == "" {
			skipped = append(skipped, runstate.SkippedChange{
				ID:     change.ID,
				Type:   change.Type,
				Reason: skipReasonMissingContent,
			})
			continue
		}
		applicable = append(applicable, change)
	}

	state.Changes.SkippedChanges = skipped

	if len(changeIDs) > 0 {
		return filterByIDs(applicable, changeIDs)
	}
	if severityFilter != "" {
		severity := strings.ToLower(severityFilter)
		selected := []runstate.SuggestedChange{}
		for _, change := range applicable {
			if change.Severity == severity {
				selected = append(selected, change)
			}
		}
		return selected
	}

	if plan != nil {
		switch {
		case plan.ApplyMode == runstate.ApplyModeAll:
			return applicable
		case len(plan.ChangeIDsToApply) > 0:
			selected := filterByIDs(applicable, plan.ChangeIDsToApply)
			if len(selected) < len(plan.ChangeIDsToApply) && e.logger != nil {
				e.logger.Warn("change selection plan referenced unavailable ids",
					"requested", len(plan.ChangeIDsToApply), "selected", len(selected))
			}
			return selected
		default:
			if e.logger != nil {
				e.logger.Warn("change selection plan specified no ids to apply",
					"apply_mode", plan.ApplyMode)
			}
			return nil
		}
	}

	if e.logger != nil {
		e.logger.Info("selected changes for application",
			"selected", len(applicable), "skipped", len(skipped))
	}
	return applicable
}

func filterByIDs(changes []runstate.SuggestedChange, ids []string) []runstate.SuggestedChange {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	selected := []runstate.SuggestedChange{}
	for _, change := range changes {
		if _, ok := wanted[change.ID]; ok {
			selected = append(selected, change)
		}
	}
	return selected
}

// Apply runs the deterministic applier over the selected changes.
//
// When at least one change lands, the document text is replaced, the version
// increments, the pre-apply snapshot is retained for verification, and the
// new version artifacts are registered. When nothing lands, phase 3 is
// marked failed and the document is untouched.
func (e *Engine) Apply(
	ctx context.Context,
	state *runstate.RunState,
	selected []runstate.SuggestedChange,
	originalText string,
) error {
	if len(selected) == 0 {
		state.Phase3Status = runstate.PhaseFailed
		return fmt.Errorf("no changes selected for application")
	}

	snapshot := originalText
	if snapshot == "" {
		snapshot = state.Structure.RawText
	}

	result, err := e.tools.Execute(ctx, "apply_changes_deterministic", map[string]any{
		"raw_markdown": state.Structure.RawText,
		"changes":      selected,
	})
	if err != nil {
		state.Phase3Status = runstate.PhaseFailed
		return fmt.Errorf("apply changes: %w", err)
	}

	applied, _ := result["applied_change_ids"].([]string)
	failed, _ := result["failed_changes"].([]runstate.FailedChange)
	newText := typeutil.SafeStringDefault(result["new_raw_markdown"], "")

	state.Changes.AppliedChangeIDs = applied
	state.Changes.FailedChanges = failed
	state.Changes.NewRawText = newText

	if len(applied) == 0 {
		state.Phase3Status = runstate.PhaseFailed
		return nil
	}

	state.Structure.RawText = newText
	state.DocMeta.Version++
	state.Changes.PreApplyText = snapshot
	state.Phase3Status = runstate.PhaseSuccess

	state.RegisterArtifact(runstate.VfsArtifact{
		Path:  fmt.Sprintf("/versions/v%d_document.md", state.DocMeta.Version),
		Label: "Improved Document",
	})
	state.RegisterArtifact(runstate.VfsArtifact{
		Path:  "/changes/applied_changes.json",
		Label: "Applied Changes",
	})

	e.events.Emit("changes_applied", map[string]any{
		"run_id":        state.RunID,
		"applied_count": len(applied),
		"failed_count":  len(failed),
		"version":       state.DocMeta.Version,
	})
	return nil
}

// Verify checks an application with the verifier prompt. It consumes the
// pre-apply snapshot exactly once; without a snapshot or applied ids it is
// a no-op. Issues the verifier finds are appended to the run's errors,
// tagged with the change id. The applied text is never rolled back: a human
// reviews the flagged issues against the retained previous version.
func (e *Engine) Verify(ctx context.Context, state *runstate.RunState) error {
	snapshot := state.Changes.PreApplyText
	state.Changes.PreApplyText = ""

	appliedIDs := state.Changes.AppliedChangeIDs
	if snapshot == "" || len(appliedIDs) == 0 || e.prompts == nil {
		return nil
	}

	appliedSet := make(map[string]struct{}, len(appliedIDs))
	for _, id := range appliedIDs {
		appliedSet[id] = struct{}{}
	}
	appliedChanges := []map[string]any{}
	for _, change := range state.Changes.SuggestedChanges {
		if _, ok := appliedSet[change.ID]; !ok {
			continue
		}
		appliedChanges = append(appliedChanges, map[string]any{
			"id":             change.ID,
			"section_title":  change.SectionTitle,
			"severity":       change.Severity,
			"original_text":  change.OriginalText,
			"suggested_text": change.SuggestedText,
		})
	}
	if len(appliedChanges) == 0 {
		return nil
	}

	insertions, deletions := diffStats(snapshot, state.Structure.RawText)

	payload := map[string]any{
		"doc_title":       state.DocMeta.DocTitle,
		"applied_changes": appliedChanges,
		"original_excerpt": runstate.ExcerptFromText(snapshot, 6000),
		"updated_excerpt":  runstate.ExcerptFromText(state.Structure.RawText, 6000),
		"diff_summary": map[string]any{
			"chars_inserted": insertions,
			"chars_deleted":  deletions,
		},
	}

	result, err := e.prompts.InvokeJSON(ctx, state, "phase3_apply_verifier.md", payload)
	if err != nil {
		return fmt.Errorf("verify changes: %w", err)
	}
	if result == nil {
		return nil
	}

	issues, _ := typeutil.SafeSlice(result["issues"])
	for _, raw := range issues {
		issue, ok := typeutil.SafeMapStringAny(raw)
		if !ok {
			continue
		}
		message := typeutil.SafeStringDefault(issue["message"], "Change verification issue detected")
		changeID := typeutil.SafeStringDefault(issue["change_id"], "unknown")
		state.AppendError("Phase 3 verification (%s): %s", changeID, message)
	}

	e.events.Emit("node_completed", map[string]any{
		"node":         "apply_changes_verifier",
		"issues_found": len(issues),
	})
	return nil
}

// diffStats measures how much text an application changed.
func diffStats(before, after string) (insertions, deletions int) {
	dmp := diffmatchpatch.New()
	for _, diff := range dmp.DiffMain(before, after, true) {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			insertions += len(diff.Text)
		case diffmatchpatch.DiffDelete:
			deletions += len(diff.Text)
		}
	}
	return insertions, deletions
}

// InterpretInstruction converts a natural-language change instruction into a
// structured selection plan and stores it on the state. Ids the model
// invents are dropped; apply_mode "all" expands to every known change id.
func (e *Engine) InterpretInstruction(
	ctx context.Context,
	state *runstate.RunState,
	instruction string,
) (*runstate.ChangeSelectionPlan, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		if e.logger != nil {
			e.logger.Warn("change instruction missing or empty")
		}
		return nil, nil
	}
	state.UserInteract.UserChangeInstruction = instruction

	suggestions := state.Changes.SuggestedChanges
	if len(suggestions) == 0 || e.prompts == nil {
		if e.logger != nil {
			e.logger.Warn("no suggested changes available for selection intent")
		}
		return nil, nil
	}

	pending := 0
	high := 0
	catalog := make([]map[string]any, 0, len(suggestions))
	validIDs := make(map[string]struct{}, len(suggestions))
	for _, change := range suggestions {
		if change.Status != runstate.ChangeApplied {
			pending++
		}
		if change.Severity == runstate.SeverityHigh {
			high++
		}
		if change.ID != "" {
			validIDs[change.ID] = struct{}{}
		}
		catalog = append(catalog, map[string]any{
			"id":            change.ID,
			"index":         change.Index,
			"section_title": change.SectionTitle,
			"severity":      change.Severity,
			"type":          change.Type,
			"status":        change.Status,
		})
	}

	payload := map[string]any{
		"doc_title":             state.DocMeta.DocTitle,
		"user_instruction":      instruction,
		"total_changes":         len(suggestions),
		"pending_changes":       pending,
		"high_severity_changes": high,
		"change_catalog":        catalog,
	}

	result, err := e.prompts.InvokeJSON(ctx, state, "change_selection_intent.md", payload)
	if err != nil {
		return nil, fmt.Errorf("interpret change instruction: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	applyMode := typeutil.SafeStringDefault(result["apply_mode"], runstate.ApplyModeByIDs)
	requestedIDs := typeutil.SafeStringSliceDefault(result["change_ids_to_apply"], nil)

	var filteredIDs []string
	if applyMode == runstate.ApplyModeAll {
		for _, change := range suggestions {
			if change.ID != "" {
				filteredIDs = append(filteredIDs, change.ID)
			}
		}
	} else {
		for _, id := range requestedIDs {
			if _, ok := validIDs[id]; ok {
				filteredIDs = append(filteredIDs, id)
			}
		}
		if len(requestedIDs) > 0 && len(filteredIDs) == 0 && e.logger != nil {
			e.logger.Warn("selection intent requested unknown change ids", "requested", requestedIDs)
		}
	}

	plan := &runstate.ChangeSelectionPlan{
		ApplyMode:        applyMode,
		ChangeIDsToApply: filteredIDs,
		Rationale:        typeutil.SafeStringDefault(result["rationale"], ""),
	}
	state.Changes.ChangeSelectionPlan = plan

	e.events.Emit("node_completed", map[string]any{
		"node":                  "change_selection_intent",
		"apply_mode":            plan.ApplyMode,
		"selected_change_count": len(plan.ChangeIDsToApply),
	})
	return plan, nil
}
