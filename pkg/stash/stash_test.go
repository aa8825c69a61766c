package stash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/tree"
)

// newAnchor builds an anchor with one fetched file, one placeholder and
// their records.
func newAnchor(t *testing.T) (cache.Layout, *cache.Store, *Manager) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "mirror")
	layout := cache.Layout{Root: root}
	require.NoError(t, layout.Establish(&cache.Marker{ProjectID: "org1", Name: "org"}))

	store, err := cache.Open(layout.CacheDBDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, os.MkdirAll(filepath.Join(root, "ds1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "data.csv"), []byte("a,b\n1,2\n"), 0644))
	require.NoError(t, tree.CreatePlaceholder(
		filepath.Join(root, "ds1", "pending.tiff"),
		layout.ObjectPath("N:package:2"),
	))

	require.NoError(t, store.Put("ds1", &meta.Record{RemoteID: "N:dataset:1", Name: "ds1", Kind: meta.KindDataset}))
	require.NoError(t, store.Put("ds1/data.csv", &meta.Record{RemoteID: "N:package:1", ParentID: "N:dataset:1", Name: "data.csv", Kind: meta.KindFile}))
	require.NoError(t, store.Put("ds1/pending.tiff", &meta.Record{RemoteID: "N:package:2", ParentID: "N:dataset:1", Name: "pending.tiff", Kind: meta.KindFile}))

	return layout, store, New(layout, store)
}

func TestStashSnapshotsContentAndRecords(t *testing.T) {
	layout, _, mgr := newAnchor(t)

	dir, err := mgr.Stash([]string{"ds1/data.csv", "ds1/pending.tiff"}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dir, layout.StashBase()), "stashes live outside the anchor root")

	content, err := os.ReadFile(filepath.Join(dir, "ds1", "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))

	// Placeholders are stashed as links, not resolved.
	kind, err := tree.KindOf(filepath.Join(dir, "ds1", "pending.tiff"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind)

	manifest, err := readManifest(filepath.Join(dir, manifestName))
	require.NoError(t, err)
	assert.Contains(t, manifest, "ds1", "ancestors ride along")
	require.Contains(t, manifest, "ds1/data.csv")
	require.NotNil(t, manifest["ds1/data.csv"].Checksum, "manifest carries measured checksum")
	assert.Equal(t, int64(8), *manifest["ds1/data.csv"].Size)
}

func TestStashTransformRewritesManifestOnly(t *testing.T) {
	_, store, mgr := newAnchor(t)

	dir, err := mgr.Stash([]string{"ds1/data.csv"}, func(rec *meta.Record) *meta.Record {
		rec.OldID = rec.RemoteID
		return rec
	})
	require.NoError(t, err)

	manifest, err := readManifest(filepath.Join(dir, manifestName))
	require.NoError(t, err)
	assert.Equal(t, "N:package:1", manifest["ds1/data.csv"].OldID)

	live, err := store.Get("ds1/data.csv")
	require.NoError(t, err)
	assert.Empty(t, live.OldID, "the live cache is untouched")
}

func TestRestoreRoundTrip(t *testing.T) {
	layout, store, mgr := newAnchor(t)

	_, err := mgr.Stash([]string{"ds1/data.csv"}, nil)
	require.NoError(t, err)

	// Lose both the file and its record.
	abs := filepath.Join(layout.Root, "ds1", "data.csv")
	require.NoError(t, os.Remove(abs))
	require.NoError(t, store.Delete("ds1/data.csv"))

	require.NoError(t, mgr.Restore([]string{"ds1/data.csv"}))

	content, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))

	rec, err := store.Get("ds1/data.csv")
	require.NoError(t, err)
	assert.Equal(t, "N:package:1", rec.RemoteID)
}

func TestRestorePrefersNewestStash(t *testing.T) {
	layout, _, mgr := newAnchor(t)
	abs := filepath.Join(layout.Root, "ds1", "data.csv")

	_, err := mgr.Stash([]string{"ds1/data.csv"}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(abs, []byte("second version"), 0644))
	_, err = mgr.Stash([]string{"ds1/data.csv"}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(abs, []byte("scratch"), 0644))
	require.NoError(t, mgr.Restore([]string{"ds1/data.csv"}))

	content, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "second version", string(content))
}

func TestRestoreMatchesTrailingFragment(t *testing.T) {
	layout, _, mgr := newAnchor(t)

	_, err := mgr.Stash([]string{"ds1/data.csv"}, nil)
	require.NoError(t, err)

	abs := filepath.Join(layout.Root, "ds1", "data.csv")
	require.NoError(t, os.WriteFile(abs, []byte("scratch"), 0644))

	require.NoError(t, mgr.Restore([]string{"data.csv"}))

	content, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))
}

func TestRestoreUnknownPathFails(t *testing.T) {
	_, _, mgr := newAnchor(t)

	_, err := mgr.Stash([]string{"ds1/data.csv"}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.Restore([]string{"ds1/never-stashed.bin"}), ErrNotStashed)
}
