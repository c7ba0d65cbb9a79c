package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
	"github.com/algowizzzz/docasst/reviewengine/store"
)

const testDocument = `# Credit Policy

## Scope

This policy applies to all lending desks.

## Governance

The policy is reviewed annually by the risk committee.
`

// writeEnvironment creates a config file, data dir, prompt dir, and a source
// document, returning the config path, data dir, and document path.
func writeEnvironment(t *testing.T) (string, string, string) {
	t.Helper()
	root := t.TempDir()

	dataDir := filepath.Join(root, "data")
	promptDir := filepath.Join(root, "prompts")
	require.NoError(t, os.MkdirAll(promptDir, 0o755))

	docPath := filepath.Join(root, "credit_policy.md")
	require.NoError(t, os.WriteFile(docPath, []byte(testDocument), 0o644))

	configPath := filepath.Join(root, "config.toml")
	content := "[paths]\ndata_dir = \"" + dataDir + "\"\nprompt_dir = \"" + promptDir +
		"\"\ntemplate_dir = \"\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath, dataDir, docPath
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestIngestPersistsRun(t *testing.T) {
	configPath, dataDir, docPath := writeEnvironment(t)

	require.NoError(t, runCLI(t, "--config", configPath, "ingest", docPath))

	s, err := store.New(dataDir)
	require.NoError(t, err)

	record, err := s.Load("credit_policy")
	require.NoError(t, err)
	assert.Equal(t, "reviewed", record.Status)
	require.NotNil(t, record.State)

	// The deterministic pipeline completes even without an LLM configured.
	assert.Equal(t, runstate.PhaseSuccess, record.State.Phase1Status)
	assert.Contains(t, record.State.Structure.RawText, "# Credit Policy")
	assert.Len(t, record.State.Structure.Headings, 3)
}

func TestIngestMissingTemplateDefinitionFails(t *testing.T) {
	configPath, _, docPath := writeEnvironment(t)

	// Point template_dir at a directory with no template definitions.
	templateDir := filepath.Join(filepath.Dir(configPath), "templates")
	require.NoError(t, os.MkdirAll(templateDir, 0o755))
	content := "[paths]\ndata_dir = \"" + filepath.Join(filepath.Dir(configPath), "data") +
		"\"\nprompt_dir = \"" + filepath.Join(filepath.Dir(configPath), "prompts") +
		"\"\ntemplate_dir = \"" + templateDir + "\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	err := runCLI(t, "--config", configPath, "ingest", docPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template definition not found")
}

func TestDeleteRemovesDocument(t *testing.T) {
	configPath, dataDir, docPath := writeEnvironment(t)

	require.NoError(t, runCLI(t, "--config", configPath, "ingest", docPath))
	require.NoError(t, runCLI(t, "--config", configPath, "delete", "credit_policy"))

	s, err := store.New(dataDir)
	require.NoError(t, err)
	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLsUnknownDocumentFails(t *testing.T) {
	configPath, _, _ := writeEnvironment(t)
	assert.Error(t, runCLI(t, "--config", configPath, "ls", "missing-doc"))
}

func TestRecordStatus(t *testing.T) {
	state := runstate.New("/tmp/doc.md", "", runstate.TemplateMeta{})
	assert.Equal(t, "uploaded", recordStatus(state))

	state.Phase1Status = runstate.PhaseSuccess
	assert.Equal(t, "reviewed", recordStatus(state))

	state.Phase3Status = runstate.PhaseSuccess
	assert.Equal(t, "improved", recordStatus(state))

	state.Phase1Status = runstate.PhaseFailed
	state.Phase3Status = runstate.PhasePending
	assert.Equal(t, "failed", recordStatus(state))
}
