// Package runstate defines the Run State: the single mutable record a review
// run reads and writes as it moves through the workflow. Field names on the
// wire are stable; persisted runs and VFS artifacts depend on them.
package runstate

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PhaseStatus tracks the lifecycle of each review phase.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseRunning PhaseStatus = "running"
	PhaseSuccess PhaseStatus = "success"
	PhaseFailed  PhaseStatus = "failed"
)

// Control is both the orchestrator's state value and its routing key: the
// loop dispatches on the current control, and each node hands back the next.
type Control string

const (
	ControlIngestion      Control = "phase0_ingestion"
	ControlTocReview      Control = "phase1_toc_review"
	ControlHolisticChecks Control = "phase2_holistic_checks"
	ControlSynthesis      Control = "phase2_synthesis"
	ControlApplyChanges   Control = "phase3_apply_changes"
	ControlVerifyChanges  Control = "phase3_verify_changes"
	ControlCompleted      Control = "completed"
	ControlFailed         Control = "failed"
)

// PageEntry is one extracted page of source text.
type PageEntry struct {
	PageNum int    `json:"page_num"`
	Text    string `json:"text"`
}

// HeadingEntry is a heading located in the converted document.
type HeadingEntry struct {
	Level      string `json:"level"`
	Title      string `json:"title"`
	Page       int    `json:"page,omitempty"`
	Numbering  string `json:"numbering,omitempty"`
	CharStart  int    `json:"char_start,omitempty"`
	CharEnd    int    `json:"char_end,omitempty"`
	LineNumber int    `json:"line_number,omitempty"`
}

// TocEntry is one row of the detected or reviewed table of contents.
type TocEntry struct {
	Title      string `json:"title"`
	Level      int    `json:"level"`
	PageNumber int    `json:"page_number,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// ImageMeta describes an image referenced by the document.
type ImageMeta struct {
	ImageID    string `json:"image_id"`
	Path       string `json:"path"`
	PageNumber int    `json:"page_number,omitempty"`
	Caption    string `json:"caption,omitempty"`
}

// BlockMeta is one structural block from document conversion. Content is
// either a plain string or a list of styled segments, depending on the
// converter, so it stays untyped.
type BlockMeta struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Level   int    `json:"level,omitempty"`
	Content any    `json:"content,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// DocMeta holds document identity and versioning.
type DocMeta struct {
	DocTitle   string `json:"doc_title"`
	DocSource  string `json:"doc_source"`
	SourcePath string `json:"source_path"`
	FileType   string `json:"file_type,omitempty"`
	PageCount  int    `json:"page_count"`
	WordCount  int    `json:"word_count,omitempty"`
	MdFileID   string `json:"md_file_id,omitempty"`
	MdPath     string `json:"md_path,omitempty"`
	Version    int    `json:"version"`
}

// StructureData holds everything ingestion extracted from the source file.
type StructureData struct {
	RawText                 string           `json:"raw_text"`
	Pages                   []PageEntry      `json:"pages"`
	Headings                []HeadingEntry   `json:"headings"`
	TocDetected             bool             `json:"toc_detected"`
	TocEntries              []TocEntry       `json:"toc_entries"`
	Images                  []ImageMeta      `json:"images"`
	BlockMetadata           []BlockMeta      `json:"block_metadata,omitempty"`
	VerificationSuggestions []map[string]any `json:"verification_suggestions,omitempty"`
}

// TemplateMeta identifies the review template the run was started against.
type TemplateMeta struct {
	TemplateID         string   `json:"template_id"`
	TemplateLabel      string   `json:"template_label,omitempty"`
	TemplateText       string   `json:"template_text,omitempty"`
	TemplateCategories []string `json:"template_categories"`
	MaxSectionWords    int      `json:"max_section_words"`
}

// DocSummaryReport is the phase 1 document summary.
type DocSummaryReport struct {
	Summary      string   `json:"summary"`
	DocumentType string   `json:"document_type,omitempty"`
	Purpose      string   `json:"purpose,omitempty"`
	Audience     string   `json:"audience,omitempty"`
	Themes       []string `json:"themes"`
	Confidence   string   `json:"confidence"`
}

// TocReviewReport is the phase 1 table-of-contents assessment.
type TocReviewReport struct {
	TocPresent     bool       `json:"toc_present"`
	TocLabel       string     `json:"toc_label,omitempty"`
	StructureScore string     `json:"structure_score"`
	Entries        []TocEntry `json:"entries"`
	Observations   []string   `json:"observations"`
	Gaps           []string   `json:"gaps"`
}

// TemplateCategoryAssessment grades document coverage of one template category.
type TemplateCategoryAssessment struct {
	Name     string   `json:"name"`
	Coverage string   `json:"coverage"`
	Effort   string   `json:"effort"`
	Gaps     []string `json:"gaps"`
	Actions  []string `json:"actions"`
}

// TemplateFitnessSummary is the phase 1 template-alignment report.
type TemplateFitnessSummary struct {
	TemplateID       string                       `json:"template_id"`
	TemplateLabel    string                       `json:"template_label,omitempty"`
	OverallAlignment string                       `json:"overall_alignment"`
	Categories       []TemplateCategoryAssessment `json:"categories"`
	Narrative        string                       `json:"narrative"`
}

// SectionStrategyReport is the phase 1 sectioning recommendation.
type SectionStrategyReport struct {
	Verdict                 string   `json:"verdict"`
	Rationale               string   `json:"rationale"`
	RecommendedSectionLevel string   `json:"recommended_section_level"`
	FallbackLevels          []string `json:"fallback_levels"`
	EstimatedSections       int      `json:"estimated_sections,omitempty"`
	NextSteps               []string `json:"next_steps"`
}

// SectionChunk is one section of text carved out for phase 2 review.
type SectionChunk struct {
	SectionTitle  string   `json:"section_title"`
	Method        string   `json:"method"`
	PageRange     []int    `json:"page_range"`
	CharRange     []int    `json:"char_range,omitempty"`
	BoundaryCheck string   `json:"boundary_check"`
	Issues        []string `json:"issues"`
	Text          string   `json:"text"`
}

// Change severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Change types. TypeMissingContent has no original-text anchor and is never
// auto-applied.
const (
	TypeGrammar             = "grammar"
	TypeClarity             = "clarity"
	TypeStructural          = "structural"
	TypeMissingContent      = "missing_content"
	TypeTerminology         = "terminology"
	TypeTone                = "tone"
	TypeCompliancePrecision = "compliance_precision"
)

// Change statuses.
const (
	ChangePending = "pending"
	ChangeApplied = "applied"
	ChangeIgnored = "ignored"
)

// SuggestedChange is one review-suggested edit to the document.
type SuggestedChange struct {
	ID                  string `json:"id"`
	Index               int    `json:"index"`
	SectionTitle        string `json:"section_title"`
	PageHint            int    `json:"page_hint,omitempty"`
	LocationInstruction string `json:"location_instruction,omitempty"`
	OriginalText        string `json:"original_text"`
	SuggestedText       string `json:"suggested_text"`
	Severity            string `json:"severity"`
	Type                string `json:"type"`
	Reason              string `json:"reason"`
	Status              string `json:"status"`
}

// SectionReview is the phase 2 review of one section chunk.
type SectionReview struct {
	SectionTitle        string            `json:"section_title"`
	Fit                 string            `json:"fit"`
	Severity            string            `json:"severity"`
	Issues              []SuggestedChange `json:"issues"`
	ImprovementGuidance []string          `json:"improvement_guidance"`
}

// Phase2SummaryReport is the synthesized cross-section report.
type Phase2SummaryReport struct {
	OverallPosture    string            `json:"overall_posture"`
	SectionHeatmap    map[string]string `json:"section_heatmap"`
	SystemicGaps      []string          `json:"systemic_gaps"`
	Narrative         string            `json:"narrative"`
	TotalIssues       int               `json:"total_issues"`
	HighSeverityCount int               `json:"high_severity_count"`
}

// Selection modes for ChangeSelectionPlan.
const (
	ApplyModeAll        = "all"
	ApplyModeByIDs      = "by_ids"
	ApplyModeBySeverity = "by_severity"
	ApplyModeBySection  = "by_section"
)

// ChangeSelectionPlan is an interpreted instruction about which suggested
// changes to apply.
type ChangeSelectionPlan struct {
	ApplyMode        string   `json:"apply_mode"`
	ChangeIDsToApply []string `json:"change_ids_to_apply"`
	Rationale        string   `json:"rationale"`
}

// FailedChange records a change the deterministic applier could not place.
type FailedChange struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SkippedChange records a change excluded from application before any
// text manipulation was attempted.
type SkippedChange struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason"`
}

// Phase1Data gathers phase 1 outputs.
type Phase1Data struct {
	Stats                 map[string]any          `json:"stats"`
	DocSummary            *DocSummaryReport       `json:"doc_summary,omitempty"`
	TocReview             *TocReviewReport        `json:"toc_review,omitempty"`
	TemplateFitnessReport *TemplateFitnessSummary `json:"template_fitness_report,omitempty"`
	SectionStrategy       *SectionStrategyReport  `json:"section_strategy,omitempty"`
}

// Phase2Data gathers phase 2 outputs keyed by section title.
type Phase2Data struct {
	Chunks        map[string]SectionChunk  `json:"chunks"`
	Reviews       map[string]SectionReview `json:"reviews"`
	SummaryReport *Phase2SummaryReport     `json:"summary_report,omitempty"`
}

// HolisticChecks holds the phase 2 check reports as markdown, keyed by check
// name, plus the "synthesis" summary.
type HolisticChecks map[string]string

// ChangesData gathers phase 3 state. PreApplyText holds the document text as
// it was before the latest application, consumed exactly once by verification.
type ChangesData struct {
	SuggestedChanges    []SuggestedChange    `json:"suggested_changes"`
	AppliedChangeIDs    []string             `json:"applied_change_ids"`
	FailedChanges       []FailedChange       `json:"failed_changes"`
	ChangeSelectionPlan *ChangeSelectionPlan `json:"change_selection_plan,omitempty"`
	SkippedChanges      []SkippedChange      `json:"skipped_changes"`
	NewRawText          string               `json:"new_raw_text,omitempty"`
	PreApplyText        string               `json:"_pre_apply_text,omitempty"`
}

// UserInteraction carries choices the user made that steer the workflow.
type UserInteraction struct {
	UserSelectedSectionStrategy bool     `json:"user_selected_section_strategy"`
	SelectedSectionScope        []string `json:"selected_section_scope,omitempty"`
	UserChangeInstruction       string   `json:"user_change_instruction,omitempty"`
}

// VfsArtifact is one entry of the run's virtual filesystem listing.
type VfsArtifact struct {
	Path        string `json:"path"`
	Label       string `json:"label"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// RunState is the complete mutable state of a review run.
type RunState struct {
	RunID        string           `json:"run_id"`
	DocID        string           `json:"doc_id"`
	Control      Control          `json:"control,omitempty"`
	LastNode     string           `json:"last_node,omitempty"`
	Errors       []string         `json:"errors"`
	Phase1Status PhaseStatus      `json:"phase1_status"`
	Phase2Status PhaseStatus      `json:"phase2_status"`
	Phase3Status PhaseStatus      `json:"phase3_status"`
	LockedBy     string           `json:"locked_by,omitempty"`
	LockTime     string           `json:"lock_timestamp,omitempty"`
	DocMeta      DocMeta          `json:"doc_meta"`
	Structure    StructureData    `json:"structure"`
	TemplateMeta TemplateMeta     `json:"template_meta"`
	Phase1       Phase1Data       `json:"phase1"`
	Phase2       Phase2Data       `json:"phase2"`
	Phase2Checks HolisticChecks   `json:"phase2_data,omitempty"`
	Changes      ChangesData      `json:"changes"`
	UserInteract UserInteraction  `json:"user_interaction"`
	FileMetadata map[string]any   `json:"file_metadata,omitempty"`
	VfsArtifacts []VfsArtifact    `json:"vfs_artifacts"`
	Logs         []string         `json:"logs"`
	Transcript   []map[string]any `json:"agent_transcript"`
}

// New builds the initial Run State for a source document. The document title
// derives from the file stem; version starts at 1 and every phase is pending.
func New(sourcePath, runID string, template TemplateMeta) *RunState {
	docID := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	if runID == "" {
		runID = "docrev-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	title := strings.TrimSpace(strings.ReplaceAll(docID, "_", " "))
	if title == "" {
		title = docID
	}

	return &RunState{
		RunID:        runID,
		DocID:        docID,
		Control:      ControlIngestion,
		Errors:       []string{},
		Phase1Status: PhasePending,
		Phase2Status: PhasePending,
		Phase3Status: PhasePending,
		DocMeta: DocMeta{
			DocTitle:   title,
			DocSource:  "upload",
			SourcePath: sourcePath,
			Version:    1,
		},
		Structure: StructureData{
			Pages:      []PageEntry{},
			Headings:   []HeadingEntry{},
			TocEntries: []TocEntry{},
			Images:     []ImageMeta{},
		},
		TemplateMeta: template,
		Phase1:       Phase1Data{Stats: map[string]any{}},
		Phase2: Phase2Data{
			Chunks:  map[string]SectionChunk{},
			Reviews: map[string]SectionReview{},
		},
		Changes: ChangesData{
			SuggestedChanges: []SuggestedChange{},
			AppliedChangeIDs: []string{},
			FailedChanges:    []FailedChange{},
			SkippedChanges:   []SkippedChange{},
		},
		VfsArtifacts: []VfsArtifact{},
		Logs:         []string{},
		Transcript:   []map[string]any{},
	}
}

// AppendError appends a formatted error message to the run's error list.
func (s *RunState) AppendError(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// AppendLog appends a formatted line to the run's log list.
func (s *RunState) AppendLog(format string, args ...any) {
	s.Logs = append(s.Logs, fmt.Sprintf(format, args...))
}

// RegisterArtifact adds a VFS artifact to the listing. Registering a path
// that already exists is a no-op; the first registration wins.
func (s *RunState) RegisterArtifact(artifact VfsArtifact) {
	for _, existing := range s.VfsArtifacts {
		if existing.Path == artifact.Path {
			return
		}
	}
	if artifact.LastUpdated == "" {
		artifact.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	}
	s.VfsArtifacts = append(s.VfsArtifacts, artifact)
}

// AppendTranscript records one interaction entry on the run transcript.
func (s *RunState) AppendTranscript(entry map[string]any) {
	if entry == nil {
		return
	}
	if _, ok := entry["timestamp"]; !ok {
		entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	s.Transcript = append(s.Transcript, entry)
}

// SuggestedChangeByID returns the suggested change with the given id.
func (s *RunState) SuggestedChangeByID(id string) (SuggestedChange, bool) {
	for _, change := range s.Changes.SuggestedChanges {
		if change.ID == id {
			return change, true
		}
	}
	return SuggestedChange{}, false
}

// MarkdownExcerpt returns up to maxChars of the current document text,
// preferring to cut on a line boundary when one falls late in the window.
func (s *RunState) MarkdownExcerpt(maxChars int) string {
	return ExcerptFromText(s.Structure.RawText, maxChars)
}

// ExcerptFromText truncates text to maxChars on a best-effort line boundary.
func ExcerptFromText(text string, maxChars int) string {
	if text == "" {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	snippet := text[:maxChars]
	if cutoff := strings.LastIndex(snippet, "\n"); cutoff > (maxChars*7)/10 {
		snippet = snippet[:cutoff]
	}
	return strings.TrimSpace(snippet) + "\n\n..."
}
