package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentAndClear(t *testing.T) {
	l := New(t.TempDir())

	l.Info("first", nil)
	l.Warn("second", map[string]any{"detail": "x"})

	entries := l.Recent(false)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Event)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, LevelWarn, entries[1].Level)

	entries = l.Recent(true)
	require.Len(t, entries, 2)
	assert.Empty(t, l.Recent(false), "clear drains the ring")
}

func TestRingBounded(t *testing.T) {
	l := New("")
	for i := 0; i < ringMax+25; i++ {
		l.Info("tick", nil)
	}
	assert.Len(t, l.Recent(false), ringMax)
}

func TestRunFileWritten(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	l.Info("lesson_started", map[string]any{"flow_run_id": "run-42"})
	l.Warn("tab_slow", map[string]any{"flow_run_id": "run-42"})

	path := filepath.Join(dir, "run-42.json")
	// Non-logN run ids get a timestamp suffix.
	matches, err := filepath.Glob(filepath.Join(dir, "run-42-*.json"))
	require.NoError(t, err)
	if _, statErr := os.Stat(path); statErr != nil {
		require.Len(t, matches, 1)
		path = matches[0]
	}

	blob, err := os.ReadFile(path)
	require.NoError(t, err)

	var out struct {
		RunID   string `json:"run_id"`
		Summary struct {
			Status string         `json:"status"`
			Counts map[string]int `json:"counts"`
		} `json:"summary"`
		Events []Entry `json:"events"`
	}
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, "run-42", out.RunID)
	assert.Equal(t, "warning", out.Summary.Status)
	assert.Equal(t, 1, out.Summary.Counts["info"])
	assert.Equal(t, 1, out.Summary.Counts["warn"])
	require.Len(t, out.Events, 2)
	assert.Equal(t, "lesson_started", out.Events[0].Event)
}

func TestRunStatusFailed(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	l.Info("lesson_flow_failed", map[string]any{"flow_run_id": "bad-run"})

	matches, err := filepath.Glob(filepath.Join(dir, "bad-run*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	blob, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var out struct {
		Summary struct {
			Status string `json:"status"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, "failed", out.Summary.Status, "events named *_failed mark the run failed")
}

func TestNestedRunIDExtraction(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	// Tabs post events with the run id buried inside the entry payload.
	l.Info("tab_event", map[string]any{
		"entry": map[string]any{"flowRunId": "nested-run", "event": "speak_done"},
	})

	matches, err := filepath.Glob(filepath.Join(dir, "nested-run*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSafeRunIDAllocatesForPlaceholders(t *testing.T) {
	l := New(t.TempDir())

	auto := l.SafeRunID("")
	assert.Regexp(t, `^log\d+$`, auto)

	legacy := l.SafeRunID("kickstart-lesson")
	assert.Regexp(t, `^log\d+$`, legacy)
	assert.Equal(t, legacy, l.SafeRunID("kickstart-lesson"), "same placeholder maps to the same allocation")
	assert.NotEqual(t, auto, legacy)

	assert.Equal(t, "run-9", l.SafeRunID("run-9"), "real ids pass through")
}

func TestAutoRunIDSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log7.json"), []byte("{}"), 0o644))

	l := New(dir)
	assert.Equal(t, "log8", l.SafeRunID(""), "restart continues past files already on disk")
}
