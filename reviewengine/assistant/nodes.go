package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/typeutil"
)

const intentClassifierSystemPrompt = `You are an intent classifier for a document review assistant.

Classify the user's request into ONE primary intent:

1. improve_blocks - user wants to improve or modify the selected blocks
2. general_question - user is asking about the document, template, or process
3. search_document - user is asking about parts NOT currently selected
4. compliance_check - user wants a compliance or gap assessment

Respond ONLY with valid JSON:
{
  "intent": "improve_blocks|general_question|search_document|compliance_check",
  "confidence": 0.0-1.0,
  "reasoning": "brief explanation",
  "requires_block_context": true/false,
  "requires_doc_search": true/false
}`

const blockImproverSystemPrompt = `You are a document review assistant generating block improvements.

Generate SPECIFIC, ACTIONABLE improvements for the selected blocks based on
the user's request. Do not contradict previously accepted suggestions.

Respond ONLY with valid JSON:
{
  "analysis": "brief explanation of what needs improvement and why",
  "suggestions": [
    {
      "block_id": "block id",
      "original": "original text",
      "suggested": "improved text",
      "reason": "specific reason for this change",
      "confidence": "high|medium|low"
    }
  ]
}`

const chatResponderSystemPrompt = `You are a helpful document review assistant.

Answer questions about the document, the template, and the review process.
Use markdown formatting and cite specific sections when relevant. Only help
with document review; politely decline unrelated requests. Never include
conversation formatting (Q:, A:) in your response.`

const docSearcherSystemPrompt = `You are a document search assistant.

Identify what the user is looking for, search the provided document content,
and answer with relevant excerpts and section references. Say clearly when
nothing matching was found.`

// contextLoader filters the selected blocks out of the document's block
// metadata and summarizes prior suggestion statuses. No LLM involved.
func (r *Router) contextLoader(state *State, doc DocumentContext, templateContent string) Update {
	selectedSet := make(map[string]struct{}, len(state.SelectedBlockIDs))
	for _, id := range state.SelectedBlockIDs {
		selectedSet[id] = struct{}{}
	}
	selected := []runstate.BlockMeta{}
	for _, block := range doc.BlockMetadata {
		if _, ok := selectedSet[block.ID]; ok {
			selected = append(selected, block)
		}
	}

	accepted := make(map[string]struct{}, len(doc.AcceptedSuggestions))
	for _, id := range doc.AcceptedSuggestions {
		accepted[id] = struct{}{}
	}
	rejected := make(map[string]struct{}, len(doc.RejectedSuggestions))
	for _, id := range doc.RejectedSuggestions {
		rejected[id] = struct{}{}
	}
	suggestions := make([]SuggestionStatus, 0, len(doc.TemplateImprovements))
	for _, imp := range doc.TemplateImprovements {
		status := "pending"
		if _, ok := accepted[imp.BlockID]; ok {
			status = "accepted"
		} else if _, ok := rejected[imp.BlockID]; ok {
			status = "rejected"
		}
		suggestions = append(suggestions, SuggestionStatus{
			BlockID:     imp.BlockID,
			Status:      status,
			Reasoning:   imp.Reasoning,
			ChangesMade: imp.ChangesMade,
		})
	}

	return Update{
		Control: controlIntentClassifier,
		Reasoning: fmt.Sprintf("Loaded context: %d blocks, %d selected, %d suggestions",
			len(doc.BlockMetadata), len(selected), len(suggestions)),
		Mutate: func(s *State) {
			s.FullMarkdown = doc.RawMarkdown
			s.BlockMetadata = doc.BlockMetadata
			s.SelectedBlocks = selected
			s.TemplateName = doc.TemplateName
			s.TemplateContent = templateContent
			s.AllSuggestions = suggestions
		},
	}
}

// intentClassifier asks the model which terminal node should answer. When
// classification fails for any reason, routing falls back on the presence
// of selected blocks.
func (r *Router) intentClassifier(ctx context.Context, state *State) Update {
	hasBlocks := len(state.SelectedBlocks) > 0

	recentChat := formatHistory(state.ConversationHistory, 3)
	blockLine := "No"
	if hasBlocks {
		blockLine = fmt.Sprintf("Yes (%d blocks)", len(state.SelectedBlocks))
	}
	if recentChat == "" {
		recentChat = "None"
	}
	userContent := fmt.Sprintf("USER REQUEST: %s\n\nCONTEXT:\n- Blocks selected: %s\n- Recent conversation: %s\n\nClassify the intent.",
		state.UserPrompt, blockLine, recentChat)

	fallback := func(reason string) Update {
		next := controlChatResponder
		intent := "general_question"
		if hasBlocks {
			next = controlBlockImprover
			intent = "improve_blocks"
		}
		if r.logger != nil {
			r.logger.Warn("intent classification failed, using fallback routing",
				"error", reason, "next", next)
		}
		return Update{
			Control:   next,
			Reasoning: "Fallback routing (error: " + reason + ")",
			Mutate: func(s *State) {
				s.Intent = intent
				s.IntentConfidence = 0.5
				s.IntentReasoning = "Fallback due to classification error"
				s.RequiresBlockContext = hasBlocks
				s.RequiresDocSearch = false
			},
		}
	}

	response, err := r.provider.Invoke(ctx, intentClassifierSystemPrompt, userContent, llm.InvokeOptions{
		Format:      llm.FormatJSON,
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return fallback(err.Error())
	}
	result, err := llm.ExtractJSON(response)
	if err != nil {
		return fallback(err.Error())
	}

	intent := typeutil.SafeStringDefault(result["intent"], "general_question")
	confidence := typeutil.SafeFloat64Default(result["confidence"], 0.5)
	requiresDocSearch := typeutil.SafeBoolDefault(result["requires_doc_search"], false)

	var next string
	switch {
	case intent == "improve_blocks" && hasBlocks:
		next = controlBlockImprover
	case intent == "search_document" || requiresDocSearch:
		next = controlDocSearcher
	default:
		next = controlChatResponder
	}

	return Update{
		Control:   next,
		Reasoning: fmt.Sprintf("Intent: %s (confidence: %.2f)", intent, confidence),
		Mutate: func(s *State) {
			s.Intent = intent
			s.IntentConfidence = confidence
			s.IntentReasoning = typeutil.SafeStringDefault(result["reasoning"], "")
			s.RequiresBlockContext = typeutil.SafeBoolDefault(result["requires_block_context"], hasBlocks)
			s.RequiresDocSearch = requiresDocSearch
		},
	}
}

// blockImprover generates structured suggestions for the selected blocks.
// Always terminal, even on failure.
func (r *Router) blockImprover(ctx context.Context, state *State) Update {
	type promptBlock struct {
		BlockID string `json:"block_id"`
		Content any    `json:"content"`
		Type    string `json:"type"`
	}
	blocks := make([]promptBlock, 0, len(state.SelectedBlocks))
	for _, b := range state.SelectedBlocks {
		blockType := b.Type
		if blockType == "" {
			blockType = "paragraph"
		}
		blocks = append(blocks, promptBlock{BlockID: b.ID, Content: b.Content, Type: blockType})
	}
	blocksJSON, _ := json.MarshalIndent(blocks, "", "  ")

	var sb strings.Builder
	fmt.Fprintf(&sb, "USER REQUEST: %s\n\nSELECTED BLOCKS:\n%s", state.UserPrompt, blocksJSON)
	if state.TemplateContent != "" {
		fmt.Fprintf(&sb, "\n\nTEMPLATE REQUIREMENTS:\n%s", truncate(state.TemplateContent, 2000))
	}
	if len(state.AllSuggestions) > 0 {
		pending := 0
		for _, s := range state.AllSuggestions {
			if s.Status == "pending" {
				pending++
			}
		}
		fmt.Fprintf(&sb, "\n\nEXISTING SUGGESTIONS: %d total (%d pending)", len(state.AllSuggestions), pending)
	}
	sb.WriteString("\n\nGenerate improvements.")

	fail := func(err error) Update {
		return Update{
			Control:   controlEnd,
			Reasoning: "Error generating improvements: " + err.Error(),
			Mutate: func(s *State) {
				s.BlockAnalysis = "Error: " + err.Error()
				s.BlockSuggestions = []BlockSuggestion{}
			},
		}
	}

	response, err := r.provider.Invoke(ctx, blockImproverSystemPrompt, sb.String(), llm.InvokeOptions{
		Format:      llm.FormatJSON,
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return fail(err)
	}
	result, err := llm.ExtractJSON(response)
	if err != nil {
		return fail(err)
	}

	analysis := typeutil.SafeStringDefault(result["analysis"], "")
	rawSuggestions, _ := typeutil.SafeSlice(result["suggestions"])
	suggestions := make([]BlockSuggestion, 0, len(rawSuggestions))
	for _, raw := range rawSuggestions {
		m, ok := typeutil.SafeMapStringAny(raw)
		if !ok {
			continue
		}
		suggestions = append(suggestions, BlockSuggestion{
			BlockID:    typeutil.SafeStringDefault(m["block_id"], ""),
			Original:   typeutil.SafeStringDefault(m["original"], ""),
			Suggested:  typeutil.SafeStringDefault(m["suggested"], ""),
			Reason:     typeutil.SafeStringDefault(m["reason"], ""),
			Confidence: typeutil.SafeStringDefault(m["confidence"], "medium"),
		})
	}

	return Update{
		Control:   controlEnd,
		Reasoning: fmt.Sprintf("Generated %d block improvements", len(suggestions)),
		Mutate: func(s *State) {
			s.BlockAnalysis = analysis
			s.BlockSuggestions = suggestions
		},
	}
}

// chatResponder answers a general question about the document. Always terminal.
func (r *Router) chatResponder(ctx context.Context, state *State) Update {
	var sb strings.Builder
	if history := formatHistory(state.ConversationHistory, 5); history != "" {
		fmt.Fprintf(&sb, "[PREVIOUS CONVERSATION CONTEXT]\n%s\n[END CONTEXT]\n\n", history)
	}
	fmt.Fprintf(&sb, "USER QUESTION: %s\n\nDOCUMENT CONTENT:\n%s", state.UserPrompt, truncate(state.FullMarkdown, 15000))
	if state.TemplateContent != "" {
		fmt.Fprintf(&sb, "\n\nTEMPLATE:\n%s", truncate(state.TemplateContent, 3000))
	}
	if len(state.AllSuggestions) > 0 {
		pending, accepted := 0, 0
		for _, s := range state.AllSuggestions {
			switch s.Status {
			case "pending":
				pending++
			case "accepted":
				accepted++
			}
		}
		fmt.Fprintf(&sb, "\n\nSUGGESTIONS SUMMARY:\n- Total: %d\n- Pending: %d\n- Accepted: %d",
			len(state.AllSuggestions), pending, accepted)
	}
	sb.WriteString("\n\nAnswer the user's question.")

	response, err := r.provider.Invoke(ctx, chatResponderSystemPrompt, sb.String(), llm.InvokeOptions{
		Format:      llm.FormatText,
		Temperature: 0.5,
		MaxTokens:   1500,
	})
	if err != nil {
		return Update{
			Control:   controlEnd,
			Reasoning: "Error generating response: " + err.Error(),
			Mutate: func(s *State) {
				s.ChatResponse = "Sorry, I encountered an error: " + err.Error()
			},
		}
	}

	return Update{
		Control:   controlEnd,
		Reasoning: "Generated conversational response",
		Mutate: func(s *State) {
			s.ChatResponse = response
		},
	}
}

// docSearcher answers questions about parts of the document the user has
// not selected. Always terminal.
func (r *Router) docSearcher(ctx context.Context, state *State) Update {
	userContent := fmt.Sprintf("USER REQUEST: %s\n\nDOCUMENT CONTENT:\n%s\n\nFind and explain relevant sections.",
		state.UserPrompt, truncate(state.FullMarkdown, 20000))

	response, err := r.provider.Invoke(ctx, docSearcherSystemPrompt, userContent, llm.InvokeOptions{
		Format:      llm.FormatText,
		Temperature: 0.4,
		MaxTokens:   1500,
	})
	if err != nil {
		return Update{
			Control:   controlEnd,
			Reasoning: "Error searching document: " + err.Error(),
			Mutate: func(s *State) {
				s.SearchResponse = "Sorry, I encountered an error while searching: " + err.Error()
			},
		}
	}

	return Update{
		Control:   controlEnd,
		Reasoning: "Searched document and generated response",
		Mutate: func(s *State) {
			s.SearchResponse = response
		},
	}
}

// endNode shapes the final output according to which terminal node ran.
func (r *Router) endNode(state *State) Update {
	analysis := "No response generated"
	suggestions := []BlockSuggestion{}

	switch state.LastNode {
	case controlBlockImprover:
		analysis = state.BlockAnalysis
		suggestions = state.BlockSuggestions
	case controlChatResponder:
		analysis = state.ChatResponse
	case controlDocSearcher:
		analysis = state.SearchResponse
	}

	return Update{
		Control:   controlEnd,
		Reasoning: "Assistant workflow completed",
		Mutate: func(s *State) {
			s.FinalAnalysis = analysis
			s.FinalSuggestions = suggestions
		},
	}
}

// formatHistory renders the most recent turns as Q:/A: lines.
func formatHistory(history []Message, last int) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > last {
		history = history[len(history)-last:]
	}
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		prefix := "A"
		if msg.Role == "user" {
			prefix = "Q"
		}
		lines = append(lines, prefix+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
