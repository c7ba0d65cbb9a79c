// Package assistant implements the document-assistant state machine: a
// second, smaller control-signal loop that answers a single user prompt by
// routing through context loading, intent classification, and one terminal
// responder node.
package assistant

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

var tracer = otel.Tracer("docasst/assistant")

// Control signals for the assistant loop.
const (
	controlContextLoader    = "context_loader"
	controlIntentClassifier = "intent_classifier"
	controlBlockImprover    = "block_improver"
	controlChatResponder    = "chat_responder"
	controlDocSearcher      = "doc_searcher"
	controlEnd              = "end"
)

// maxSteps bounds the loop; the happy path takes three steps plus end.
const maxSteps = 10

// Message is one turn of prior conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DocumentContext is the slice of stored document state the assistant reads.
type DocumentContext struct {
	RawMarkdown          string
	BlockMetadata        []runstate.BlockMeta
	TemplateName         string
	TemplateImprovements []Improvement
	AcceptedSuggestions  []string
	RejectedSuggestions  []string
}

// Improvement is a previously generated block improvement.
type Improvement struct {
	BlockID     string   `json:"block_id"`
	Reasoning   string   `json:"reasoning"`
	ChangesMade []string `json:"changes_made"`
}

// SuggestionStatus is an improvement annotated with its review status.
type SuggestionStatus struct {
	BlockID     string   `json:"block_id"`
	Status      string   `json:"status"`
	Reasoning   string   `json:"reasoning"`
	ChangesMade []string `json:"changes_made"`
}

// BlockSuggestion is one structured improvement for a selected block.
type BlockSuggestion struct {
	BlockID    string `json:"block_id"`
	Original   string `json:"original"`
	Suggested  string `json:"suggested"`
	Reason     string `json:"reason"`
	Confidence string `json:"confidence"`
}

// StepLog records one node execution.
type StepLog struct {
	Node      string `json:"node"`
	Timestamp string `json:"timestamp"`
	Msg       string `json:"msg"`
	Control   string `json:"control"`
}

// Metrics captures loop timing.
type Metrics struct {
	StartTime   string             `json:"start_time"`
	NodeTimings map[string]float64 `json:"node_timings"`
	TotalMs     float64            `json:"total_ms"`
	Steps       int                `json:"steps"`
}

// State is the assistant loop's working state. Nodes never mutate it
// directly; they return an Update the router merges.
type State struct {
	FileID              string
	UserPrompt          string
	SelectedBlockIDs    []string
	ConversationHistory []Message

	Control  string
	LastNode string
	Logs     []StepLog
	Metrics  Metrics

	FullMarkdown    string
	BlockMetadata   []runstate.BlockMeta
	SelectedBlocks  []runstate.BlockMeta
	TemplateName    string
	TemplateContent string
	AllSuggestions  []SuggestionStatus

	Intent               string
	IntentConfidence     float64
	IntentReasoning      string
	RequiresBlockContext bool
	RequiresDocSearch    bool

	BlockAnalysis    string
	BlockSuggestions []BlockSuggestion
	ChatResponse     string
	SearchResponse   string

	FinalAnalysis    string
	FinalSuggestions []BlockSuggestion
}

// Update is a node's partial state update: the next control, a reasoning
// line for the step log, and an optional mutation of node-owned fields.
type Update struct {
	Control   string
	Reasoning string
	Mutate    func(*State)
}

// Input is a single assistant request.
type Input struct {
	FileID              string
	UserPrompt          string
	SelectedBlockIDs    []string
	ConversationHistory []Message
	Document            DocumentContext
	TemplateContent     string
}

// Result is the shaped output of one assistant run.
type Result struct {
	Analysis         string            `json:"analysis"`
	Suggestions      []BlockSuggestion `json:"suggestions"`
	Logs             []StepLog         `json:"logs"`
	Metrics          Metrics           `json:"metrics"`
	Intent           string            `json:"intent,omitempty"`
	IntentConfidence float64           `json:"intent_confidence,omitempty"`
}

// Logger is the minimal logging interface the router needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Router drives the assistant state machine.
type Router struct {
	provider llm.Provider
	logger   Logger
}

// NewRouter builds a Router. logger may be nil.
func NewRouter(provider llm.Provider, logger Logger) *Router {
	return &Router{provider: provider, logger: logger}
}

// Run executes the assistant loop for one user prompt. The loop is bounded
// at maxSteps; when the bound is hit the end node still runs, formatting
// whatever partial output exists.
func (r *Router) Run(ctx context.Context, input Input) *Result {
	ctx, span := tracer.Start(ctx, "assistant.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("file_id", input.FileID),
		attribute.Int("selected_blocks", len(input.SelectedBlockIDs)),
	)

	started := time.Now()
	state := &State{
		FileID:              input.FileID,
		UserPrompt:          input.UserPrompt,
		SelectedBlockIDs:    input.SelectedBlockIDs,
		ConversationHistory: input.ConversationHistory,
		Control:             controlContextLoader,
		Metrics: Metrics{
			StartTime:   started.UTC().Format(time.RFC3339),
			NodeTimings: map[string]float64{},
		},
	}

	step := 0
loop:
	for step < maxSteps {
		step++
		control := state.Control
		if control == controlEnd {
			break
		}

		nodeStart := time.Now()
		var update Update
		switch control {
		case controlContextLoader:
			update = r.contextLoader(state, input.Document, input.TemplateContent)
		case controlIntentClassifier:
			update = r.intentClassifier(ctx, state)
		case controlBlockImprover:
			update = r.blockImprover(ctx, state)
		case controlChatResponder:
			update = r.chatResponder(ctx, state)
		case controlDocSearcher:
			update = r.docSearcher(ctx, state)
		default:
			if r.logger != nil {
				r.logger.Warn("unknown assistant control signal", "control", control)
			}
			break loop
		}

		r.merge(state, control, update)
		state.Metrics.NodeTimings[control] = float64(time.Since(nodeStart).Microseconds()) / 1000.0

		if r.logger != nil {
			r.logger.Info("assistant step", "step", step, "node", control, "next", state.Control)
		}
	}

	if state.Control != controlEnd && r.logger != nil {
		r.logger.Warn("assistant reached step bound", "max_steps", maxSteps)
	}

	r.merge(state, controlEnd, r.endNode(state))

	state.Metrics.TotalMs = float64(time.Since(started).Microseconds()) / 1000.0
	state.Metrics.Steps = step

	return &Result{
		Analysis:         state.FinalAnalysis,
		Suggestions:      state.FinalSuggestions,
		Logs:             state.Logs,
		Metrics:          state.Metrics,
		Intent:           state.Intent,
		IntentConfidence: state.IntentConfidence,
	}
}

// merge applies a node's update: step log entry, last_node, next control,
// then the node-owned field mutation.
func (r *Router) merge(state *State, node string, update Update) {
	state.Logs = append(state.Logs, StepLog{
		Node:      node,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Msg:       update.Reasoning,
		Control:   update.Control,
	})
	state.LastNode = node
	state.Control = update.Control
	if update.Mutate != nil {
		update.Mutate(state)
	}
}
