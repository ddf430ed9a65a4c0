package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationID(t *testing.T) {
	assert.Equal(t, "20250101000001_create_security_log_entries",
		migrationID("migrations/20250101000001_create_security_log_entries.sql"))
	assert.Equal(t, "noext", migrationID("noext"))
}

func TestMigrationFilesAreWellFormed(t *testing.T) {
	dir := filepath.Join("..", "..", "migrations")
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	// Lexicographic order must equal application order, so every file
	// carries a sortable timestamp prefix.
	assert.True(t, sort.StringsAreSorted(files))
	for _, f := range files {
		base := filepath.Base(f)
		require.GreaterOrEqual(t, len(base), 15, "missing timestamp prefix: %s", base)
		for _, r := range base[:14] {
			assert.True(t, r >= '0' && r <= '9', "non-numeric timestamp prefix: %s", base)
		}

		content, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.NotEmpty(t, content)
	}
}
