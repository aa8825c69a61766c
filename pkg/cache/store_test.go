package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remorafs/remora/pkg/meta"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fileRecord(id, parent, name string) *meta.Record {
	return &meta.Record{
		RemoteID: id,
		ParentID: parent,
		Name:     name,
		Kind:     meta.KindFile,
		Size:     meta.Int64(128),
		Updated:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := fileRecord("N:package:1", "N:dataset:d", "a.csv")
	require.NoError(t, s.Put("ds/a.csv", rec))

	got, err := s.Get("ds/a.csv")
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))
}

func TestGetMissingReturnsSentinel(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("nowhere")
	assert.ErrorIs(t, err, ErrNoCachedMetadata)
}

func TestPutSupersedes(t *testing.T) {
	s := openTestStore(t)

	first := fileRecord("N:package:1", "N:dataset:d", "a.csv")
	require.NoError(t, s.Put("ds/a.csv", first))

	second := first.Clone()
	second.Size = meta.Int64(999)
	require.NoError(t, s.Put("ds/a.csv", second))

	got, err := s.Get("ds/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(999), *got.Size)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("x", fileRecord("N:package:1", "", "x")))
	require.NoError(t, s.Delete("x"))
	require.NoError(t, s.Delete("x"))

	_, err := s.Get("x")
	assert.ErrorIs(t, err, ErrNoCachedMetadata)
}

func TestMoveRelocatesSubtree(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("ds/old", &meta.Record{RemoteID: "N:folder:f", Kind: meta.KindFolder, Name: "old"}))
	require.NoError(t, s.Put("ds/old/a.csv", fileRecord("N:package:1", "N:folder:f", "a.csv")))
	require.NoError(t, s.Put("ds/old/deep/b.csv", fileRecord("N:package:2", "N:folder:g", "b.csv")))
	require.NoError(t, s.Put("ds/other.csv", fileRecord("N:package:3", "N:dataset:d", "other.csv")))

	require.NoError(t, s.Move("ds/old", "ds/new"))

	for _, rel := range []string{"ds/new", "ds/new/a.csv", "ds/new/deep/b.csv"} {
		_, err := s.Get(rel)
		assert.NoError(t, err, "expected %s after move", rel)
	}
	for _, rel := range []string{"ds/old", "ds/old/a.csv", "ds/old/deep/b.csv"} {
		_, err := s.Get(rel)
		assert.ErrorIs(t, err, ErrNoCachedMetadata, "expected %s gone after move", rel)
	}

	// Unrelated sibling untouched.
	_, err := s.Get("ds/other.csv")
	assert.NoError(t, err)
}

func TestMoveMissingSource(t *testing.T) {
	s := openTestStore(t)

	err := s.Move("ds/ghost", "ds/new")
	assert.ErrorIs(t, err, ErrNoCachedMetadata)
}

func TestAll(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("a", fileRecord("N:package:1", "", "a")))
	require.NoError(t, s.Put("b/c", fileRecord("N:package:2", "", "c")))

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "b/c")
}

func TestDuplicateGroups(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("a", fileRecord("N:package:dup", "", "a")))
	require.NoError(t, s.Put("b", fileRecord("N:package:dup", "", "b")))
	require.NoError(t, s.Put("c", fileRecord("N:package:unique", "", "c")))

	groups, err := s.DuplicateGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, groups["N:package:dup"])
}
