package capability

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capabilities.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutDedupesByContentAddress(t *testing.T) {
	store := newTestStore(t)

	c1, err := store.Put(Capability{CodeTemplate: "return a.filter(f)", ToolsUsed: []string{"fs:readFile"}})
	require.NoError(t, err)

	c2, err := store.Put(Capability{CodeTemplate: "return a.filter(f)", ToolsUsed: []string{"fs:writeFile"}})
	require.NoError(t, err)

	require.Equal(t, c1.ID, c2.ID, "identical code templates hash to the same id")
	require.Equal(t, 2, c2.UsageCount)
	require.ElementsMatch(t, []string{"fs:readFile", "fs:writeFile"}, c2.ToolsUsed)
}

func TestGetByIDAndName(t *testing.T) {
	store := newTestStore(t)
	saved, err := store.Put(Capability{CodeTemplate: "x", Name: "nlp:summarize"})
	require.NoError(t, err)

	byID, found, err := store.GetByID(saved.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, saved.Name, byID.Name)

	byName, found, err := store.GetByName("nlp:summarize")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, saved.ID, byName.ID)
}

func TestRenamePreservesID(t *testing.T) {
	store := newTestStore(t)
	saved, err := store.Put(Capability{CodeTemplate: "y", Name: "exec_abc12345"})
	require.NoError(t, err)

	require.NoError(t, store.Rename(saved.ID, "nlp:summarize_v2"))

	_, found, err := store.GetByName("exec_abc12345")
	require.NoError(t, err)
	require.False(t, found, "old name index entry removed")

	byName, found, err := store.GetByName("nlp:summarize_v2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, saved.ID, byName.ID)
}

func TestRecordDependencyAccumulates(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordDependency("a", "b", EdgeSequence, 0.8)
	require.NoError(t, err)
	d2, err := store.RecordDependency("a", "b", EdgeSequence, 1.0)
	require.NoError(t, err)

	require.Equal(t, 2, d2.ObservedCount)
	require.InDelta(t, 0.9, d2.ConfidenceScore, 1e-9)

	edges, err := store.DependenciesFrom("a")
	require.NoError(t, err)
	require.Len(t, edges, 1)
}
