package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
workflow:
  entry_phase: "Writing Code"
  phases:
    - name: "Writing Code"
      status: "Writing Code"
      skill: "write-code"
    - name: "PR Status Check"
      status: "PR Created"
      resolver: "pr-status"
  defaults:
    WORKFLOW_MAX_PARALLEL: "5"
    WORKFLOW_REMOTE_MODE: "true"
    WORKFLOW_LEARNINGS_THRESHOLD: "20"
cron:
  mr_comment_poll:
    enabled: true
    interval_seconds: 60
  insights_threshold:
    enabled: false
    interval_seconds: 0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	root, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Writing Code", root.Workflow.EntryPhase)
	assert.True(t, root.Cron.MRCommentPoll.Enabled)
	assert.False(t, root.Cron.InsightsThreshold.Enabled)
}

func TestLoad_RejectsInvalidPipelineConfig(t *testing.T) {
	path := writeConfig(t, "workflow:\n  entry_phase: \"\"\n  phases: []\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsOutOfRangeCronInterval(t *testing.T) {
	content := `
workflow:
  entry_phase: "Writing Code"
  phases:
    - name: "Writing Code"
      status: "Writing Code"
      skill: "write-code"
cron:
  mr_comment_poll:
    enabled: true
    interval_seconds: 5
`
	path := writeConfig(t, content)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_DisabledCronJobSkipsIntervalValidation(t *testing.T) {
	content := `
workflow:
  entry_phase: "Writing Code"
  phases:
    - name: "Writing Code"
      status: "Writing Code"
      skill: "write-code"
cron:
  mr_comment_poll:
    enabled: false
    interval_seconds: 5
`
	path := writeConfig(t, content)
	_, err := Load(path)
	assert.NoError(t, err)
}

func TestParseDefaults_ReadsConfiguredValues(t *testing.T) {
	path := writeConfig(t, validYAML)
	root, err := Load(path)
	require.NoError(t, err)

	d := root.ParseDefaults()
	assert.Equal(t, 5, d.MaxParallel)
	assert.True(t, d.RemoteMode)
	assert.Equal(t, 20, d.LearningsThreshold)
}

func TestParseDefaults_FallsBackWhenAbsent(t *testing.T) {
	content := `
workflow:
  entry_phase: "Writing Code"
  phases:
    - name: "Writing Code"
      status: "Writing Code"
      skill: "write-code"
`
	path := writeConfig(t, content)
	root, err := Load(path)
	require.NoError(t, err)

	d := root.ParseDefaults()
	assert.Equal(t, 3, d.MaxParallel)
	assert.False(t, d.RemoteMode)
	assert.Equal(t, 10, d.LearningsThreshold)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
}
