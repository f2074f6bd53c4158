package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	got, err := EnsureDir(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Second call on an existing dir is fine.
	_, err = EnsureDir(path)
	assert.NoError(t, err)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10, ""))
	assert.Equal(t, "hello w...", TruncateString("hello world", 10, ""))
	assert.Equal(t, "hello w…", TruncateString("hello world", 10, "…"))
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "run_1_notes", SafeFilename(`run/1\notes`))
	assert.Equal(t, "plain.json", SafeFilename("plain.json"))
}
