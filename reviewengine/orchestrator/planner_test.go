package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/testutil"
)

func TestHandleUserMessage_ExecutesPlan(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("PLANNER",
			`{"plan_steps": [{"tool": "get_summary", "parameters": {}, "reasoning": "status check"}, {"tool": "list_changes", "parameters": {"severity_filter": "high"}, "reasoning": "show pending work"}], "summary": "Report current status", "requires_confirmation": false}`)
	o, emitter, _ := newTestOrchestrator(t, provider)

	state := phase3State("Credit limits are reviewed annually.")
	response, err := o.HandleUserMessage(context.Background(), state, "where are we?", true, "session-a")
	require.NoError(t, err)

	assert.Equal(t, AgentStatusSuccess, response.Status)
	require.NotNil(t, response.Plan)
	assert.Equal(t, "Report current status", response.Plan.Summary)
	require.NotNil(t, response.ExecutionResults)
	require.Len(t, response.ExecutionResults.ExecutedSteps, 2)
	assert.Equal(t, "success", response.ExecutionResults.ExecutedSteps[0].Status)
	assert.Empty(t, response.ExecutionResults.Errors)

	// list_changes honored the severity filter.
	changes, ok := response.ExecutionResults.ExecutedSteps[1].Result.([]runstate.SuggestedChange)
	require.True(t, ok)
	require.Len(t, changes, 1)
	assert.Equal(t, "c1", changes[0].ID)

	assert.Contains(t, emitter.Types(), "agent_plan_generated")

	// Lock released and interaction recorded.
	assert.Empty(t, state.LockedBy)
	require.NotEmpty(t, state.Transcript)
	last := state.Transcript[len(state.Transcript)-1]
	assert.Equal(t, "where are we?", last["user_message"])
	assert.Equal(t, AgentStatusSuccess, last["status"])
}

func TestHandleUserMessage_PendingConfirmation(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("PLANNER",
			`{"plan_steps": [{"tool": "run_phase3_all", "parameters": {}, "reasoning": "apply everything"}], "summary": "Apply all changes", "requires_confirmation": true}`)
	o, _, _ := newTestOrchestrator(t, provider)

	state := phase3State("Credit limits are reviewed annually.")
	response, err := o.HandleUserMessage(context.Background(), state, "apply all changes", true, "")
	require.NoError(t, err)

	assert.Equal(t, AgentStatusPendingConfirmation, response.Status)
	require.NotNil(t, response.Plan)
	assert.Nil(t, response.ExecutionResults)

	// Nothing was applied.
	assert.Equal(t, runstate.PhasePending, state.Phase3Status)
	assert.Empty(t, state.LockedBy)
}

func TestHandleUserMessage_NoAutoExecute(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("PLANNER",
			`{"plan_steps": [{"tool": "get_summary", "parameters": {}}], "summary": "Summary", "requires_confirmation": false}`)
	o, _, _ := newTestOrchestrator(t, provider)

	state := phase3State("text")
	response, err := o.HandleUserMessage(context.Background(), state, "summary please", false, "")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusPendingConfirmation, response.Status)
}

func TestHandleUserMessage_LockConflict(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testutil.NewMockProvider())

	state := phase3State("text")
	state.LockedBy = "session-other"

	_, err := o.HandleUserMessage(context.Background(), state, "hello", true, "session-mine")
	require.Error(t, err)

	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "session-other", conflict.Owner)
	assert.Equal(t, "session-other", state.LockedBy)
}

func TestHandleUserMessage_PlannerUnavailable(t *testing.T) {
	provider := testutil.NewMockProvider().WithError(llm.ErrUnavailable)
	o, _, _ := newTestOrchestrator(t, provider)

	state := phase3State("text")
	response, err := o.HandleUserMessage(context.Background(), state, "do something", true, "")
	require.NoError(t, err)

	assert.Equal(t, AgentStatusFailed, response.Status)
	assert.Equal(t, "Failed to generate plan from user message", response.Error)
	assert.Empty(t, state.LockedBy)
}

func TestExecuteAgentPlan_StepFaultIsolation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testutil.NewMockProvider())

	state := phase3State("text")
	plan := &AgentPlan{
		Summary: "mixed plan",
		PlanSteps: []PlanStep{
			{Tool: "explode", Reasoning: "bad tool"},
			{Tool: "get_summary", Reasoning: "still runs"},
		},
	}

	results := o.executeAgentPlan(context.Background(), state, plan)
	require.Len(t, results.ExecutedSteps, 2)
	assert.Equal(t, "failed", results.ExecutedSteps[0].Status)
	assert.Contains(t, results.ExecutedSteps[0].Error, "unknown tool: explode")
	assert.Equal(t, "success", results.ExecutedSteps[1].Status)
	require.Len(t, results.Errors, 1)
	assert.Contains(t, results.Errors[0], "Tool explode failed")
}

func TestExecuteTool_Phase3ByIDs(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testutil.NewMockProvider())

	state := phase3State("Credit limits are reviewed annually by the committee.")
	result, err := o.executeTool(context.Background(), state, "run_phase3_ids", map[string]any{
		"change_ids": []any{"c1"},
	})
	require.NoError(t, err)
	assert.Same(t, state, result)
	assert.Equal(t, runstate.PhaseSuccess, state.Phase3Status)
	assert.Equal(t, []string{"c1"}, state.Changes.AppliedChangeIDs)
}

func TestExecuteTool_GetReview(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testutil.NewMockProvider())

	state := phase3State("text")
	state.Phase2.Reviews["Scope"] = runstate.SectionReview{
		SectionTitle: "Scope",
		Fit:          "good",
	}

	result, err := o.executeTool(context.Background(), state, "get_review", map[string]any{
		"section_title": "Scope",
	})
	require.NoError(t, err)
	review, ok := result.(runstate.SectionReview)
	require.True(t, ok)
	assert.Equal(t, "good", review.Fit)

	missing, err := o.executeTool(context.Background(), state, "get_review", map[string]any{
		"section_title": "Nope",
	})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDownloadArtifact(t *testing.T) {
	state := phase3State("original text")
	state.Changes.NewRawText = "improved text"

	t.Run("improved markdown prefers applied text", func(t *testing.T) {
		result, err := downloadArtifact(state, "improved_markdown")
		require.NoError(t, err)
		assert.Equal(t, "improved text", result["content"])
		assert.Equal(t, "credit_policy_improved.md", result["filename"])
	})

	t.Run("phase1 report serializes", func(t *testing.T) {
		result, err := downloadArtifact(state, "phase1_report")
		require.NoError(t, err)
		assert.Contains(t, result["content"], "\"stats\"")
	})

	t.Run("unknown type errors", func(t *testing.T) {
		_, err := downloadArtifact(state, "bogus")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown artifact type")
	})
}

func TestRunLock(t *testing.T) {
	state := runstate.New("doc.md", "run-1", runstate.TemplateMeta{})

	require.NoError(t, AcquireRunLock(state, "s1"))
	assert.Equal(t, "s1", state.LockedBy)
	assert.NotEmpty(t, state.LockTime)

	// Re-acquire by the same session is a no-op.
	require.NoError(t, AcquireRunLock(state, "s1"))

	err := AcquireRunLock(state, "s2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run locked by s1")

	// Only the owner can release.
	ReleaseRunLock(state, "s2")
	assert.Equal(t, "s1", state.LockedBy)
	ReleaseRunLock(state, "s1")
	assert.Empty(t, state.LockedBy)
	assert.Empty(t, state.LockTime)
}
