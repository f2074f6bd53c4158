package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRule(t *testing.T, dir, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
}

func TestSafeBookKey(t *testing.T) {
	assert.Equal(t, "new_concept", SafeBookKey("  New_Concept  "))
	assert.Equal(t, "reader2", SafeBookKey("Reader-2!"))
	assert.Equal(t, "", SafeBookKey("###"))
}

func TestRuleTextLookup(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "new_concept.txt", "Teach from New Concept.\n")

	s := NewStore(dir, nil)
	assert.Equal(t, "Teach from New Concept.", s.RuleText("New_Concept"))
	assert.Equal(t, "", s.RuleText("atlas"))
}

func TestRuleTextUnderscoreStrippedFallback(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "newconcept.txt", "fallback rules")

	s := NewStore(dir, nil)
	assert.Equal(t, "fallback rules", s.RuleText("new_concept"))
}

func TestExplicitSpecFileWinsOverConvention(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "reader.txt", "by convention")
	writeRule(t, dir, "custom-reader-rules.txt", "from spec")

	s := NewStore(dir, []BookSpec{{Type: "reader", RuleFile: "custom-reader-rules.txt"}})
	assert.Equal(t, "from spec", s.RuleText("reader"))
}

func TestKickoffLookupOrder(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "reader_start.txt", "start variant")

	s := NewStore(dir, nil)
	assert.Equal(t, "start variant", s.KickoffText("reader"))

	// _kickoff wins over _start when both exist.
	writeRule(t, dir, "reader_kickoff.txt", "kickoff variant")
	s2 := NewStore(dir, nil)
	assert.Equal(t, "kickoff variant", s2.KickoffText("reader"))
}

func TestDefaults(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	assert.Contains(t, s.RuleTextOrDefault("reader"), "reader")
	assert.Contains(t, s.KickoffTextOrDefault("reader"), "greet the student")
}

func TestCacheRefreshesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reader.txt")
	writeRule(t, dir, "reader.txt", "old text")

	s := NewStore(dir, nil)
	require.Equal(t, "old text", s.RuleText("reader"))

	require.NoError(t, os.WriteFile(path, []byte("new text"), 0o644))
	// Force a distinct mtime even on coarse filesystems.
	bumped := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, bumped, bumped))

	assert.Equal(t, "new text", s.RuleText("reader"))
}

func TestLoadBookSpecs(t *testing.T) {
	dir := t.TempDir()
	yamlBody := `books:
  - type: new_concept
    description: New Concept English
    rule_file: nc_rules.txt
  - type: reader
`
	path := filepath.Join(dir, "books.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	specs, err := LoadBookSpecs(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "new_concept", specs[0].Type)
	assert.Equal(t, "nc_rules.txt", specs[0].RuleFile)

	missing, err := LoadBookSpecs(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err, "missing books.yaml is not an error")
	assert.Nil(t, missing)

	require.NoError(t, os.WriteFile(path, []byte("books: {bad"), 0o644))
	_, err = LoadBookSpecs(path)
	assert.Error(t, err)
}

func TestSpecsCopy(t *testing.T) {
	s := NewStore(t.TempDir(), []BookSpec{{Type: "Reader"}})
	specs := s.Specs()
	require.Contains(t, specs, "reader")
	delete(specs, "reader")
	assert.Contains(t, s.Specs(), "reader", "Specs returns a copy")
}
