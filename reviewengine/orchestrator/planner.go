package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/typeutil"
)

// Agent response statuses.
const (
	AgentStatusSuccess             = "success"
	AgentStatusFailed              = "failed"
	AgentStatusPendingConfirmation = "pending_confirmation"
)

// PlanStep is one tool invocation proposed by the planner.
type PlanStep struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

// AgentPlan is the planner's interpretation of a user command.
type AgentPlan struct {
	PlanSteps            []PlanStep `json:"plan_steps"`
	Summary              string     `json:"summary"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
}

// StepResult records the outcome of one executed plan step.
type StepResult struct {
	Tool      string `json:"tool"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Reasoning string `json:"reasoning"`
}

// ExecutionResults aggregates a full plan execution.
type ExecutionResults struct {
	PlanSummary          string       `json:"plan_summary"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	ExecutedSteps        []StepResult `json:"executed_steps"`
	Errors               []string     `json:"errors"`
}

// AgentResponse is the result of handling one user message.
type AgentResponse struct {
	Status           string            `json:"status"`
	Plan             *AgentPlan        `json:"plan,omitempty"`
	ExecutionResults *ExecutionResults `json:"execution_results,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// HandleUserMessage is the entrypoint for autonomous agent mode: it locks
// the run, asks the planner to turn the message into tool steps, and either
// executes them or hands the plan back for confirmation. The lock is always
// released and the interaction always lands on the transcript.
func (o *Orchestrator) HandleUserMessage(
	ctx context.Context,
	state *runstate.RunState,
	userMessage string,
	autoExecute bool,
	sessionID string,
) (*AgentResponse, error) {
	if o.logger != nil {
		o.logger.Info("handling user message", "run_id", state.RunID, "message", previewText(userMessage))
	}

	session := sessionID
	if session == "" {
		session = "session-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if err := AcquireRunLock(state, session); err != nil {
		return nil, err
	}

	start := time.Now()
	response := &AgentResponse{Status: AgentStatusFailed}
	defer func() {
		planSummary := ""
		if response.Plan != nil {
			planSummary = response.Plan.Summary
		}
		state.AppendTranscript(map[string]any{
			"user_message": userMessage,
			"status":       response.Status,
			"plan_summary": planSummary,
			"auto_execute": autoExecute,
			"duration_ms":  int(time.Since(start).Milliseconds()),
		})
		ReleaseRunLock(state, session)
	}()

	plan := o.nodeAgentPlanner(ctx, state, userMessage)
	if plan == nil {
		response.Error = "Failed to generate plan from user message"
		return response, nil
	}

	o.events.Emit("agent_plan_generated", map[string]any{
		"run_id":                state.RunID,
		"summary":               plan.Summary,
		"requires_confirmation": plan.RequiresConfirmation,
		"step_count":            len(plan.PlanSteps),
	})

	if plan.RequiresConfirmation || !autoExecute {
		response.Status = AgentStatusPendingConfirmation
		response.Plan = plan
		return response, nil
	}

	response.Status = AgentStatusSuccess
	response.Plan = plan
	response.ExecutionResults = o.executeAgentPlan(ctx, state, plan)
	return response, nil
}

// nodeAgentPlanner asks the planner prompt for a plan. A nil return means
// the planner was unavailable or produced an unusable reply.
func (o *Orchestrator) nodeAgentPlanner(
	ctx context.Context,
	state *runstate.RunState,
	userMessage string,
) *AgentPlan {
	if o.prompts == nil {
		return nil
	}

	payload := map[string]any{
		"run_id":          state.RunID,
		"doc_id":          state.DocID,
		"user_message":    userMessage,
		"phase1_status":   state.Phase1Status,
		"phase2_status":   state.Phase2Status,
		"phase3_status":   state.Phase3Status,
		"total_changes":   len(state.Changes.SuggestedChanges),
		"applied_changes": len(state.Changes.AppliedChangeIDs),
		"skipped_changes": len(state.Changes.SkippedChanges),
		"errors":          state.Errors,
	}

	result, err := o.prompts.InvokeJSON(ctx, state, "agent_planner.md", payload)
	if err != nil || result == nil {
		return nil
	}

	rawSteps, ok := typeutil.SafeSlice(result["plan_steps"])
	if !ok {
		if o.logger != nil {
			o.logger.Error("agent planner returned invalid plan_steps")
		}
		return nil
	}

	plan := &AgentPlan{
		Summary:              typeutil.SafeStringDefault(result["summary"], ""),
		RequiresConfirmation: typeutil.SafeBoolDefault(result["requires_confirmation"], false),
	}
	for _, raw := range rawSteps {
		step, ok := typeutil.SafeMapStringAny(raw)
		if !ok {
			continue
		}
		params, _ := typeutil.SafeMapStringAny(step["parameters"])
		if params == nil {
			params = map[string]any{}
		}
		plan.PlanSteps = append(plan.PlanSteps, PlanStep{
			Tool:       typeutil.SafeStringDefault(step["tool"], ""),
			Parameters: params,
			Reasoning:  typeutil.SafeStringDefault(step["reasoning"], ""),
		})
	}

	o.events.Emit("node_completed", map[string]any{
		"node":                  "agent_planner",
		"summary":               plan.Summary,
		"requires_confirmation": plan.RequiresConfirmation,
		"step_count":            len(plan.PlanSteps),
	})
	return plan
}

// executeAgentPlan runs plan steps in order. A failing step is recorded and
// does not stop the rest of the plan.
func (o *Orchestrator) executeAgentPlan(
	ctx context.Context,
	state *runstate.RunState,
	plan *AgentPlan,
) *ExecutionResults {
	results := &ExecutionResults{
		PlanSummary:          plan.Summary,
		RequiresConfirmation: plan.RequiresConfirmation,
		ExecutedSteps:        []StepResult{},
		Errors:               []string{},
	}

	for _, step := range plan.PlanSteps {
		if o.logger != nil {
			o.logger.Info("executing plan step", "tool", step.Tool, "reasoning", step.Reasoning)
		}

		result, err := o.executeTool(ctx, state, step.Tool, step.Parameters)
		if err != nil {
			msg := fmt.Sprintf("Tool %s failed: %v", step.Tool, err)
			if o.logger != nil {
				o.logger.Error(msg)
			}
			results.Errors = append(results.Errors, msg)
			results.ExecutedSteps = append(results.ExecutedSteps, StepResult{
				Tool:      step.Tool,
				Status:    "failed",
				Error:     err.Error(),
				Reasoning: step.Reasoning,
			})
			continue
		}
		results.ExecutedSteps = append(results.ExecutedSteps, StepResult{
			Tool:      step.Tool,
			Status:    "success",
			Result:    result,
			Reasoning: step.Reasoning,
		})
	}
	return results
}

// executeTool dispatches one planner tool by name. The tool surface is
// fixed; anything else is an error back to the plan step.
func (o *Orchestrator) executeTool(
	ctx context.Context,
	state *runstate.RunState,
	toolName string,
	parameters map[string]any,
) (any, error) {
	switch toolName {
	case "run_phase1":
		templateID := typeutil.SafeStringDefault(parameters["template_id"], "")
		return o.RunPhase1(ctx, state.DocMeta.SourcePath, state.RunID, templateID)

	case "run_phase2":
		scope := typeutil.SafeStringSliceDefault(parameters["section_scope"], nil)
		o.RunPhase2(ctx, state, scope)
		return state, nil

	case "run_phase3_all":
		o.RunPhase3(ctx, state, nil, "")
		return state, nil

	case "run_phase3_severity":
		severity := typeutil.SafeStringDefault(parameters["severity_filter"], "")
		o.RunPhase3(ctx, state, nil, severity)
		return state, nil

	case "run_phase3_ids":
		ids := typeutil.SafeStringSliceDefault(parameters["change_ids"], nil)
		o.RunPhase3(ctx, state, ids, "")
		return state, nil

	case "get_summary":
		return o.runSummary(state), nil

	case "get_review":
		title := typeutil.SafeStringDefault(parameters["section_title"], "")
		review, ok := state.Phase2.Reviews[title]
		if !ok {
			return nil, nil
		}
		return review, nil

	case "list_changes":
		severity := typeutil.SafeStringDefault(parameters["severity_filter"], "")
		return listChanges(state, severity), nil

	case "download_artifact":
		artifactType := typeutil.SafeStringDefault(parameters["artifact_type"], "")
		return downloadArtifact(state, artifactType)

	default:
		return nil, fmt.Errorf("unknown tool: %s", toolName)
	}
}

// runSummary condenses the run's progress for the planner and the user.
func (o *Orchestrator) runSummary(state *runstate.RunState) map[string]any {
	return map[string]any{
		"run_id":          state.RunID,
		"doc_id":          state.DocID,
		"phase1_status":   state.Phase1Status,
		"phase2_status":   state.Phase2Status,
		"phase3_status":   state.Phase3Status,
		"total_changes":   len(state.Changes.SuggestedChanges),
		"applied_changes": len(state.Changes.AppliedChangeIDs),
		"skipped_changes": len(state.Changes.SkippedChanges),
		"phase1_summary":  state.Phase1.DocSummary,
		"phase2_summary":  state.Phase2.SummaryReport,
	}
}

func listChanges(state *runstate.RunState, severityFilter string) []runstate.SuggestedChange {
	changes := state.Changes.SuggestedChanges
	if severityFilter == "" {
		return changes
	}
	filtered := []runstate.SuggestedChange{}
	for _, change := range changes {
		if change.Severity == severityFilter {
			filtered = append(filtered, change)
		}
	}
	return filtered
}

// downloadArtifact packages a named artifact of the run for export.
func downloadArtifact(state *runstate.RunState, artifactType string) (map[string]any, error) {
	switch artifactType {
	case "improved_markdown":
		content := state.Changes.NewRawText
		if content == "" {
			content = state.Structure.RawText
		}
		return map[string]any{
			"artifact_type": "improved_markdown",
			"content":       content,
			"filename":      state.DocID + "_improved.md",
		}, nil

	case "phase1_report":
		content, err := json.MarshalIndent(state.Phase1, "", "  ")
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"artifact_type": "phase1_report",
			"content":       string(content),
			"filename":      state.DocID + "_phase1_report.json",
		}, nil

	case "phase2_reviews":
		content, err := json.MarshalIndent(state.Phase2.Reviews, "", "  ")
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"artifact_type": "phase2_reviews",
			"content":       string(content),
			"filename":      state.DocID + "_phase2_reviews.json",
		}, nil

	default:
		return nil, fmt.Errorf("unknown artifact type: %s", artifactType)
	}
}
