// Document review CLI.
//
// Drives the review workflow end to end against a local data directory:
// ingest a document, rerun the holistic review, apply suggested changes,
// talk to the document assistant, and inspect a run's artifact tree.
//
// Usage:
//
//	docreview ingest policy.md                 # Phase 0-2 in one pass
//	docreview review <doc-id>                  # Rerun holistic checks
//	docreview apply <doc-id> --severity high   # Apply selected changes
//	docreview agent <doc-id> "apply all high severity changes" --auto
//	docreview ls <doc-id> /changes             # Browse run artifacts
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/algowizzzz/docasst/eventbus"
	"github.com/algowizzzz/docasst/reviewengine/assistant"
	"github.com/algowizzzz/docasst/reviewengine/changes"
	"github.com/algowizzzz/docasst/reviewengine/config"
	"github.com/algowizzzz/docasst/reviewengine/llm"
	"github.com/algowizzzz/docasst/reviewengine/observability"
	"github.com/algowizzzz/docasst/reviewengine/orchestrator"
	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/store"
	"github.com/algowizzzz/docasst/reviewengine/tools"
	"github.com/algowizzzz/docasst/reviewengine/vfs"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	provider *llm.Client
	engine   *changes.Engine
	orch     *orchestrator.Orchestrator

	tracerShutdown func(context.Context) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Components are wired lazily in the
// persistent pre-run so flag parsing happens first.
func newRootCmd() *cobra.Command {
	a := &app{}

	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "docreview",
		Short:         "Document review workflow",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(configPath, verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.tracerShutdown != nil {
				_ = a.tracerShutdown(cmd.Context())
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.ingestCmd(),
		a.listCmd(),
		a.reviewCmd(),
		a.applyCmd(),
		a.agentCmd(),
		a.chatCmd(),
		a.lsCmd(),
		a.catCmd(),
		a.deleteCmd(),
	)
	return root
}

// init loads configuration and wires the engine components.
func (a *app) init(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		a.tracerShutdown = shutdown
	}

	a.store, err = store.New(cfg.Paths.DataDir)
	if err != nil {
		return err
	}

	a.provider = llm.NewClient(llm.ClientConfig{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})
	if !a.provider.Available() {
		a.logger.Warn("LLM not configured; review prompts will be skipped")
	}

	bus := eventbus.New(a.logger)
	bus.Subscribe("*", func(eventType string, payload map[string]any) error {
		a.logger.Debug("event", "type", eventType, "payload", payload)
		return nil
	})

	prompts := orchestrator.NewPromptEngine(a.provider, cfg.Paths.PromptDir, a.logger)
	runner := tools.NewDefaultExecutor(nil)
	a.engine = changes.NewEngine(runner, prompts, bus, a.logger)

	a.orch = orchestrator.New(runner, prompts, a.engine, bus, a.logger)
	a.orch.TemplateDir = cfg.Paths.TemplateDir
	a.orch.DefaultTemplateID = cfg.Review.DefaultTemplateID
	a.orch.MaxSectionWords = cfg.Review.MaxSectionWords
	return nil
}

// =============================================================================
// Workflow Commands
// =============================================================================

func (a *app) ingestCmd() *cobra.Command {
	var templateID, runID string

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a document and run the initial review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.orch.RunPhase1(cmd.Context(), args[0], runID, templateID)
			if err != nil {
				return err
			}
			record, err := a.store.Save(state.DocID, state, recordStatus(state))
			if err != nil {
				return err
			}
			a.logger.Info("document ingested",
				"doc_id", record.ID, "run_id", state.RunID, "status", record.Status)
			return writeJSON(runSummary(state))
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "review template id")
	cmd.Flags().StringVar(&runID, "run-id", "", "explicit run id (generated when empty)")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored documents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			entries, err := a.store.List()
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{"documents": entries})
		},
	}
}

func (a *app) reviewCmd() *cobra.Command {
	var sections []string

	cmd := &cobra.Command{
		Use:   "review <doc-id>",
		Short: "Rerun the holistic checks and synthesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			a.orch.RunPhase2(cmd.Context(), record.State, sections)
			if _, err := a.store.Save(record.ID, record.State, recordStatus(record.State)); err != nil {
				return err
			}
			return writeJSON(runSummary(record.State))
		},
	}
	cmd.Flags().StringSliceVar(&sections, "sections", nil, "limit review to these section titles")
	return cmd
}

func (a *app) applyCmd() *cobra.Command {
	var ids []string
	var severity, instruction string

	cmd := &cobra.Command{
		Use:   "apply <doc-id>",
		Short: "Apply suggested changes and verify the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			state := record.State

			if instruction != "" {
				plan, err := a.engine.InterpretInstruction(cmd.Context(), state, instruction)
				if err != nil {
					return err
				}
				if plan == nil {
					return fmt.Errorf("could not interpret instruction %q", instruction)
				}
				a.logger.Info("instruction interpreted",
					"apply_mode", plan.ApplyMode, "change_ids", plan.ChangeIDsToApply)
			}

			a.orch.RunPhase3(cmd.Context(), state, ids, severity)
			if _, err := a.store.Save(record.ID, state, recordStatus(state)); err != nil {
				return err
			}
			return writeJSON(runSummary(state))
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "apply only these change ids")
	cmd.Flags().StringVar(&severity, "severity", "", "apply only changes of this severity")
	cmd.Flags().StringVar(&instruction, "instruction", "", "natural-language selection instruction")
	return cmd
}

// =============================================================================
// Conversational Commands
// =============================================================================

func (a *app) agentCmd() *cobra.Command {
	var autoExecute bool
	var sessionID string

	cmd := &cobra.Command{
		Use:   "agent <doc-id> <message>",
		Short: "Send a message to the workflow agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			message := strings.Join(args[1:], " ")

			response, err := a.orch.HandleUserMessage(
				cmd.Context(), record.State, message, autoExecute, sessionID)
			if err != nil {
				return err
			}
			if _, err := a.store.Save(record.ID, record.State, recordStatus(record.State)); err != nil {
				return err
			}
			return writeJSON(response)
		},
	}
	cmd.Flags().BoolVar(&autoExecute, "auto", false, "execute the generated plan without confirmation")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for run locking")
	return cmd
}

func (a *app) chatCmd() *cobra.Command {
	var blockIDs []string

	cmd := &cobra.Command{
		Use:   "chat <doc-id> <prompt>",
		Short: "Ask the document assistant about a stored document",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			state := record.State

			markdown := state.Changes.NewRawText
			if markdown == "" {
				markdown = state.Structure.RawText
			}

			router := assistant.NewRouter(a.provider, a.logger)
			result := router.Run(cmd.Context(), assistant.Input{
				FileID:           record.ID,
				UserPrompt:       strings.Join(args[1:], " "),
				SelectedBlockIDs: blockIDs,
				Document: assistant.DocumentContext{
					RawMarkdown:   markdown,
					BlockMetadata: state.Structure.BlockMetadata,
					TemplateName:  state.TemplateMeta.TemplateID,
				},
				TemplateContent: state.TemplateMeta.TemplateText,
			})
			return writeJSON(result)
		},
	}
	cmd.Flags().StringSliceVar(&blockIDs, "blocks", nil, "block ids to focus the assistant on")
	return cmd
}

// =============================================================================
// Artifact Commands
// =============================================================================

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <doc-id> [path]",
		Short: "List a run's artifact directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			record, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			path := "/"
			if len(args) == 2 {
				path = args[1]
			}
			entries, err := vfs.New(record.State).ListDir(path)
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{"path": path, "entries": entries})
		},
	}
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <doc-id> <path>",
		Short: "Print a run artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			record, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			content, err := vfs.New(record.State).ReadFile(args[1])
			if err != nil {
				return err
			}
			fmt.Println(content)
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <doc-id>",
		Short: "Delete a stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			deleted, err := a.store.Delete(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				a.logger.Warn("no such document", "doc_id", args[0])
			}
			return writeJSON(map[string]any{"deleted": deleted})
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// recordStatus derives the store lifecycle status from phase progress.
func recordStatus(state *runstate.RunState) string {
	switch {
	case state.Phase3Status == runstate.PhaseSuccess:
		return "improved"
	case state.Phase1Status == runstate.PhaseFailed:
		return "failed"
	case state.Phase2Status == runstate.PhaseSuccess || state.Phase1Status == runstate.PhaseSuccess:
		return "reviewed"
	default:
		return "uploaded"
	}
}

// runSummary shapes the progress snapshot subcommands print.
func runSummary(state *runstate.RunState) map[string]any {
	return map[string]any{
		"run_id":            state.RunID,
		"doc_id":            state.DocID,
		"doc_title":         state.DocMeta.DocTitle,
		"control":           state.Control,
		"phase1_status":     state.Phase1Status,
		"phase2_status":     state.Phase2Status,
		"phase3_status":     state.Phase3Status,
		"suggested_changes": len(state.Changes.SuggestedChanges),
		"applied_changes":   len(state.Changes.AppliedChangeIDs),
		"errors":            state.Errors,
	}
}

func writeJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
