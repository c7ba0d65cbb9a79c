// Package orchestrator drives the document review workflow.
//
// The Orchestrator:
//   - Owns the control-signal loop: the run state's control string is both
//     the current position in the workflow and the routing key into the
//     node registry
//   - Runs each node through a wrapper that emits lifecycle events, records
//     timing, and captures errors onto the run state
//   - Advances the control through a fixed transition table, unless the node
//     itself already moved it (failure or wait states)
//
// Nodes never decide what runs after them on the happy path; the transition
// table does.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/algowizzzz/docasst/eventbus"
	"github.com/algowizzzz/docasst/reviewengine/changes"
	"github.com/algowizzzz/docasst/reviewengine/observability"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/tools"
)

var tracer = otel.Tracer("docasst/orchestrator")

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NodeFunc executes one workflow node against the run state.
type NodeFunc func(ctx context.Context, state *runstate.RunState) error

// WaitStates are the controls the loop never dispatches on.
var WaitStates = map[runstate.Control]struct{}{
	runstate.ControlCompleted: {},
	runstate.ControlFailed:    {},
}

// nodeTransitions is the fixed happy-path routing table. A control with no
// entry advances to completed.
var nodeTransitions = map[runstate.Control]runstate.Control{
	runstate.ControlIngestion:      runstate.ControlTocReview,
	runstate.ControlTocReview:      runstate.ControlHolisticChecks,
	runstate.ControlHolisticChecks: runstate.ControlSynthesis,
	runstate.ControlSynthesis:      runstate.ControlCompleted,
}

var nodeLabels = map[runstate.Control]string{
	runstate.ControlIngestion:      "Phase 0 - Ingestion",
	runstate.ControlTocReview:      "Phase 1 - TOC Review",
	runstate.ControlHolisticChecks: "Phase 2 - Holistic Checks",
	runstate.ControlSynthesis:      "Phase 2 - Synthesis Summary",
	runstate.ControlApplyChanges:   "Phase 3 - Apply Changes",
	runstate.ControlVerifyChanges:  "Phase 3 - Verify Changes",
}

var nodeKinds = map[runstate.Control]string{
	runstate.ControlIngestion:      "tool",
	runstate.ControlTocReview:      "llm",
	runstate.ControlHolisticChecks: "llm",
	runstate.ControlSynthesis:      "llm",
	runstate.ControlApplyChanges:   "tool",
	runstate.ControlVerifyChanges:  "llm",
}

// Orchestrator manages review workflow execution for one run at a time.
type Orchestrator struct {
	tools    tools.Runner
	prompts  *PromptEngine
	changes  *changes.Engine
	events   eventbus.Emitter
	logger   Logger
	registry map[runstate.Control]NodeFunc

	// TemplateDir is where review template definitions live.
	TemplateDir string
	// DefaultTemplateID is used when a run starts without an explicit template.
	DefaultTemplateID string
	// MaxSectionWords caps section size recorded on template metadata.
	MaxSectionWords int
}

// New creates an Orchestrator. events and logger may be nil.
func New(
	runner tools.Runner,
	prompts *PromptEngine,
	engine *changes.Engine,
	events eventbus.Emitter,
	logger Logger,
) *Orchestrator {
	if events == nil {
		events = eventbus.NopEmitter{}
	}
	o := &Orchestrator{
		tools:             runner,
		prompts:           prompts,
		changes:           engine,
		events:            events,
		logger:            logger,
		DefaultTemplateID: "policy_template",
		MaxSectionWords:   500,
	}
	o.registry = map[runstate.Control]NodeFunc{
		runstate.ControlIngestion:      o.runPhase0Ingestion,
		runstate.ControlTocReview:      o.nodePhase1TocReview,
		runstate.ControlHolisticChecks: o.nodePhase2HolisticChecks,
		runstate.ControlSynthesis:      o.nodePhase2Synthesis,
	}
	return o
}

// Orchestrate runs nodes until the control reaches a stop state or no node
// is registered for it. An unregistered control is logged and the loop stops
// rather than failing the run.
func (o *Orchestrator) Orchestrate(
	ctx context.Context,
	state *runstate.RunState,
	stopControls map[runstate.Control]struct{},
) {
	if stopControls == nil {
		stopControls = WaitStates
	}

	for {
		control := state.Control
		if control == "" {
			break
		}
		if _, stop := stopControls[control]; stop {
			break
		}

		node, ok := o.registry[control]
		if !ok {
			if o.logger != nil {
				o.logger.Warn("no node registered for control", "control", string(control))
			}
			break
		}

		// Node errors are already recorded on the state; the loop keeps
		// honoring whatever control the node or the table set.
		_ = o.runNode(ctx, control, node, state)
		o.advanceControl(control, state)
	}
}

// runNode executes one node with lifecycle events, tracing, timing, and
// error capture. Failures append to the run's errors and are returned.
func (o *Orchestrator) runNode(
	ctx context.Context,
	nodeID runstate.Control,
	node NodeFunc,
	state *runstate.RunState,
) error {
	kind := nodeKinds[nodeID]
	if kind == "" {
		kind = "orchestrator"
	}
	label := nodeLabels[nodeID]
	if label == "" {
		label = string(nodeID)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.node", trace.WithAttributes(
		attribute.String("docreview.node", string(nodeID)),
		attribute.String("docreview.run_id", state.RunID),
	))
	defer span.End()

	start := time.Now()
	o.events.Emit("node_started", map[string]any{
		"node":      string(nodeID),
		"node_kind": kind,
		"label":     label,
		"timestamp": start.UTC().Format(time.RFC3339),
	})

	err := node(ctx, state)

	durationMS := int(time.Since(start).Milliseconds())
	span.SetAttributes(attribute.Int("duration_ms", durationMS))

	status := "success"
	var errMsg any
	if err != nil {
		status = "failed"
		errMsg = err.Error()
		state.AppendError("%s failed: %v", nodeID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.logger != nil {
			o.logger.Error("node failed", "node", string(nodeID), "error", err.Error(), "duration_ms", durationMS)
		}
	} else {
		span.SetStatus(codes.Ok, "success")
		if o.logger != nil {
			o.logger.Info("node completed", "node", string(nodeID), "duration_ms", durationMS)
		}
	}

	observability.RecordNodeExecution(string(nodeID), status, durationMS)
	o.events.Emit("node_completed", map[string]any{
		"node":        string(nodeID),
		"node_kind":   kind,
		"label":       label,
		"status":      status,
		"duration_ms": durationMS,
		"summary":     o.summarizeNode(nodeID, state),
		"error":       errMsg,
	})

	state.LastNode = string(nodeID)
	return err
}

// advanceControl moves the control along the transition table, unless the
// node already changed it (failure or wait states take precedence).
func (o *Orchestrator) advanceControl(current runstate.Control, state *runstate.RunState) {
	if state.Control != current {
		return
	}
	if next, ok := nodeTransitions[current]; ok {
		state.Control = next
		return
	}
	state.Control = runstate.ControlCompleted
}

// summarizeNode produces a short human-readable result line for the
// node_completed event.
func (o *Orchestrator) summarizeNode(nodeID runstate.Control, state *runstate.RunState) string {
	switch nodeID {
	case runstate.ControlIngestion:
		return fmt.Sprintf("%d words, %d headings",
			state.DocMeta.WordCount, len(state.Structure.Headings))
	case runstate.ControlTocReview:
		if state.Phase1.TocReview != nil {
			return fmt.Sprintf("%d entries reviewed", len(state.Phase1.TocReview.Entries))
		}
	case runstate.ControlHolisticChecks:
		return fmt.Sprintf("%d checks completed", len(state.Phase2Checks))
	case runstate.ControlSynthesis:
		if _, ok := state.Phase2Checks["synthesis"]; ok {
			return "synthesis generated"
		}
	case runstate.ControlApplyChanges:
		return fmt.Sprintf("Applied %d changes (%d failed)",
			len(state.Changes.AppliedChangeIDs), len(state.Changes.FailedChanges))
	}
	return ""
}

// syncArtifacts registers VFS artifacts and notifies listeners about each.
func (o *Orchestrator) syncArtifacts(state *runstate.RunState, artifacts []runstate.VfsArtifact) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	for _, artifact := range artifacts {
		if artifact.Path == "" {
			continue
		}
		if artifact.LastUpdated == "" {
			artifact.LastUpdated = timestamp
		}
		state.RegisterArtifact(artifact)
		o.events.Emit("vfs_file_updated", map[string]any{
			"path":      artifact.Path,
			"label":     artifact.Label,
			"timestamp": timestamp,
		})
	}
}
