package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/typeutil"
)

// maxAnchorLen bounds the fuzzy-match pattern; go-diff's bitap matcher
// cannot take patterns longer than its machine-word width.
const maxAnchorLen = 32

// applyChangesDeterministic applies suggested changes to document text by
// anchor replacement. Each change replaces the first occurrence of its
// original_text; a fuzzy anchor match is attempted when the exact text has
// drifted. Changes whose anchor cannot be located are reported as failed,
// never guessed.
func applyChangesDeterministic(_ context.Context, params map[string]any) (map[string]any, error) {
	text := typeutil.SafeStringDefault(params["raw_markdown"], "")
	changes, ok := params["changes"].([]runstate.SuggestedChange)
	if !ok {
		return nil, fmt.Errorf("apply_changes_deterministic: changes must be a suggested-change list")
	}

	applied := []string{}
	failed := []runstate.FailedChange{}

	for _, change := range changes {
		if strings.TrimSpace(change.OriginalText) == "" {
			failed = append(failed, runstate.FailedChange{
				ID:     change.ID,
				Reason: "no original_text anchor",
			})
			continue
		}

		newText, matched := replaceAnchored(text, change.OriginalText, change.SuggestedText)
		if !matched {
			failed = append(failed, runstate.FailedChange{
				ID:     change.ID,
				Reason: "original_text not found in document",
			})
			continue
		}

		text = newText
		applied = append(applied, change.ID)
	}

	return map[string]any{
		"applied_change_ids": applied,
		"failed_changes":     failed,
		"new_raw_markdown":   text,
	}, nil
}

// replaceAnchored replaces the first occurrence of original with suggested.
// Falls back to a fuzzy bitap match on the anchor prefix when the document
// text no longer contains the original verbatim.
func replaceAnchored(text, original, suggested string) (string, bool) {
	if idx := strings.Index(text, original); idx >= 0 {
		return text[:idx] + suggested + text[idx+len(original):], true
	}

	loc, span := fuzzyLocate(text, original)
	if loc < 0 {
		return text, false
	}
	return text[:loc] + suggested + text[loc+span:], true
}

// fuzzyLocate finds a region of text that approximately matches original.
// Returns the byte offset and span to replace, or -1 when no region is
// similar enough.
func fuzzyLocate(text, original string) (int, int) {
	anchor := original
	if len(anchor) > maxAnchorLen {
		cut := maxAnchorLen
		for cut > 0 && !utf8.RuneStart(anchor[cut]) {
			cut--
		}
		anchor = anchor[:cut]
	}

	dmp := diffmatchpatch.New()
	loc := dmp.MatchMain(text, anchor, 0)
	if loc < 0 || loc >= len(text) {
		return -1, 0
	}

	span := len(original)
	if loc+span > len(text) {
		span = len(text) - loc
	}

	candidate := text[loc : loc+span]
	diffs := dmp.DiffMain(candidate, original, false)
	distance := dmp.DiffLevenshtein(diffs)

	// Reject matches that differ from the anchor in more than a quarter
	// of their characters; a wrong region is worse than a failed change.
	if distance*4 > len(original) {
		return -1, 0
	}
	return loc, span
}
