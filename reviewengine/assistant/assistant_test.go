package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/testutil"
)

func testDocument() DocumentContext {
	return DocumentContext{
		RawMarkdown: "# Policy\n\nCredit limits are reviewed annually.",
		BlockMetadata: []runstate.BlockMeta{
			{ID: "b1", Type: "heading", Level: 1, Content: "Policy"},
			{ID: "b2", Type: "paragraph", Content: "Credit limits are reviewed annually."},
		},
		TemplateImprovements: []Improvement{
			{BlockID: "b2", Reasoning: "tighten wording"},
		},
		AcceptedSuggestions: []string{"b2"},
	}
}

func nodesVisited(logs []StepLog) []string {
	nodes := make([]string, 0, len(logs))
	for _, l := range logs {
		nodes = append(nodes, l.Node)
	}
	return nodes
}

func TestRun_BlockImproverPath(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("Classify the intent",
			`{"intent": "improve_blocks", "confidence": 0.9, "reasoning": "edit request", "requires_block_context": true, "requires_doc_search": false}`).
		WithResponse("Generate improvements",
			`{"analysis": "wording is vague", "suggestions": [{"block_id": "b2", "original": "reviewed annually", "suggested": "reviewed at least annually", "reason": "precision", "confidence": "high"}]}`)

	router := NewRouter(provider, nil)
	result := router.Run(context.Background(), Input{
		FileID:           "doc-1",
		UserPrompt:       "make this clearer",
		SelectedBlockIDs: []string{"b2"},
		Document:         testDocument(),
	})

	assert.Equal(t, "improve_blocks", result.Intent)
	assert.Equal(t, 0.9, result.IntentConfidence)
	assert.Equal(t, "wording is vague", result.Analysis)
	require.Len(t, result.Suggestions, 1)
	assert.Equal(t, "b2", result.Suggestions[0].BlockID)
	assert.Equal(t,
		[]string{"context_loader", "intent_classifier", "block_improver", "end"},
		nodesVisited(result.Logs))
	assert.Contains(t, result.Metrics.NodeTimings, "intent_classifier")
}

func TestRun_ChatResponderPath(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("Classify the intent",
			`{"intent": "general_question", "confidence": 0.8, "requires_doc_search": false}`).
		WithResponse("Answer the user's question", "The document is a credit policy.")

	router := NewRouter(provider, nil)
	result := router.Run(context.Background(), Input{
		FileID:     "doc-1",
		UserPrompt: "what is this document about?",
		Document:   testDocument(),
	})

	assert.Equal(t, "The document is a credit policy.", result.Analysis)
	assert.Empty(t, result.Suggestions)
	assert.Equal(t,
		[]string{"context_loader", "intent_classifier", "chat_responder", "end"},
		nodesVisited(result.Logs))
}

func TestRun_DocSearcherViaRequiresDocSearch(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("Classify the intent",
			`{"intent": "general_question", "confidence": 0.6, "requires_doc_search": true}`).
		WithResponse("Find and explain relevant sections", "Risk disclosures appear in section 4.")

	router := NewRouter(provider, nil)
	result := router.Run(context.Background(), Input{
		FileID:     "doc-1",
		UserPrompt: "find risk disclosures",
		Document:   testDocument(),
	})

	assert.Equal(t, "Risk disclosures appear in section 4.", result.Analysis)
	assert.Contains(t, nodesVisited(result.Logs), "doc_searcher")
}

func TestRun_ClassifierFailureFallsBackByBlockPresence(t *testing.T) {
	t.Run("blocks selected routes to improver", func(t *testing.T) {
		provider := testutil.NewMockProvider()
		provider.InvokeFunc = func(_ context.Context, system, user string, _ llm.InvokeOptions) (string, error) {
			if system == intentClassifierSystemPrompt {
				return "", errors.New("classifier down")
			}
			return `{"analysis": "ok", "suggestions": []}`, nil
		}

		router := NewRouter(provider, nil)
		result := router.Run(context.Background(), Input{
			UserPrompt:       "improve",
			SelectedBlockIDs: []string{"b2"},
			Document:         testDocument(),
		})

		assert.Equal(t, "improve_blocks", result.Intent)
		assert.Equal(t, 0.5, result.IntentConfidence)
		assert.Contains(t, nodesVisited(result.Logs), "block_improver")
	})

	t.Run("no blocks routes to chat", func(t *testing.T) {
		provider := testutil.NewMockProvider()
		provider.InvokeFunc = func(_ context.Context, system, user string, _ llm.InvokeOptions) (string, error) {
			if system == intentClassifierSystemPrompt {
				return "not json at all", nil
			}
			return "hello", nil
		}

		router := NewRouter(provider, nil)
		result := router.Run(context.Background(), Input{
			UserPrompt: "hello",
			Document:   testDocument(),
		})

		assert.Equal(t, "general_question", result.Intent)
		assert.Contains(t, nodesVisited(result.Logs), "chat_responder")
	})
}

func TestRun_TerminalNodeErrorStillEnds(t *testing.T) {
	provider := testutil.NewMockProvider()
	provider.InvokeFunc = func(_ context.Context, system, user string, _ llm.InvokeOptions) (string, error) {
		if system == intentClassifierSystemPrompt {
			return `{"intent": "improve_blocks", "confidence": 0.9}`, nil
		}
		return "", llm.ErrUnavailable
	}

	router := NewRouter(provider, nil)
	result := router.Run(context.Background(), Input{
		UserPrompt:       "improve",
		SelectedBlockIDs: []string{"b2"},
		Document:         testDocument(),
	})

	assert.Contains(t, result.Analysis, "Error")
	assert.Empty(t, result.Suggestions)
	last := result.Logs[len(result.Logs)-1]
	assert.Equal(t, "end", last.Node)
}

func TestRun_ContextLoaderFiltersBlocksAndStatuses(t *testing.T) {
	provider := testutil.NewMockProvider().
		WithResponse("Classify the intent",
			`{"intent": "improve_blocks", "confidence": 0.9}`).
		WithResponse("Generate improvements", `{"analysis": "a", "suggestions": []}`)

	router := NewRouter(provider, nil)
	_ = router.Run(context.Background(), Input{
		UserPrompt:       "improve",
		SelectedBlockIDs: []string{"b2", "missing"},
		Document:         testDocument(),
	})

	// The improver prompt should only carry the block that exists.
	var improverCall string
	for _, call := range provider.Calls {
		if call.SystemPrompt == blockImproverSystemPrompt {
			improverCall = call.UserPrompt
		}
	}
	require.NotEmpty(t, improverCall)
	assert.Contains(t, improverCall, `"block_id": "b2"`)
	assert.NotContains(t, improverCall, "missing")
	assert.Contains(t, improverCall, "EXISTING SUGGESTIONS: 1 total (0 pending)")
}
