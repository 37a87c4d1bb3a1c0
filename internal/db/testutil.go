// ABOUTME: Test helpers for opening a migrated store in a temp directory.
package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore opens a migrated store under t.TempDir, closed on cleanup.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "envfleet-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
