// Package testutil provides shared fixtures for store-backed tests.
package testutil

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/paths"
	"github.com/zjrosen/adw/internal/store"
)

func init() {
	log.InitWithWriter(io.Discard)
}

// NewTestStore opens a migrated database-only store under a temp directory.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "adw.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewTestStoreAt opens a migrated store rooted at root, in dual-write mode,
// returning the resolver for the same root.
func NewTestStoreAt(t *testing.T, root string) (*store.Store, paths.Resolver) {
	t.Helper()
	resolver := paths.NewResolver(root)
	s, err := store.Open(filepath.Join(root, "agents", "adw.db"), store.NewMirror(resolver))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, resolver
}
