package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/engine"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
	"github.com/remorafs/remora/pkg/remote/memory"
	"github.com/remorafs/remora/pkg/tree"
)

const (
	orgID     = "org1"
	dsID      = "N:dataset:1"
	folderID  = "N:folder:1"
	scanID    = "N:package:1"
	notesID   = "N:package:2"
	scanBytes = "tiff bytes for the scan"
)

// newRemote builds the standard fixture hierarchy:
//
//	org/
//	  ds1/
//	    notes.txt       (content)
//	    sub/
//	      scan.tiff     (content)
func newRemote(t *testing.T) *memory.MemoryClient {
	t.Helper()
	client := memory.NewMemoryClient()
	client.AddCredential(orgID)

	client.PutObject(&meta.Record{RemoteID: orgID, Name: "org", Kind: meta.KindOrganization})
	client.PutObject(&meta.Record{RemoteID: dsID, ParentID: orgID, Name: "ds1", Kind: meta.KindDataset})
	client.PutObject(&meta.Record{RemoteID: folderID, ParentID: dsID, Name: "sub", Kind: meta.KindFolder})
	client.PutObject(&meta.Record{RemoteID: scanID, ParentID: folderID, Name: "scan.tiff", Kind: meta.KindFile})
	client.PutObject(&meta.Record{RemoteID: notesID, ParentID: dsID, Name: "notes.txt", Kind: meta.KindFile})

	require.NoError(t, client.PutContent(scanID, []byte(scanBytes)))
	require.NoError(t, client.PutContent(notesID, []byte("meeting notes")))
	return client
}

func cloneFixture(t *testing.T) (*engine.Engine, *memory.MemoryClient, string) {
	t.Helper()
	client := newRemote(t)
	target := filepath.Join(t.TempDir(), "mirror")

	eng, report, err := engine.Clone(context.Background(), client, orgID, target, 0, 0, engine.PullOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Anomalies)
	t.Cleanup(func() { eng.Store().Close() })
	return eng, client, target
}

func TestCloneCreatesAnchor(t *testing.T) {
	eng, _, target := cloneFixture(t)

	marker, err := cache.ReadMarker(cache.Layout{Root: target}.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, orgID, marker.ProjectID)

	for rel, wantKind := range map[string]tree.Kind{
		"ds1":               tree.KindDirectory,
		"ds1/sub":           tree.KindDirectory,
		"ds1/notes.txt":     tree.KindFilePlaceholder,
		"ds1/sub/scan.tiff": tree.KindFilePlaceholder,
	} {
		kind, err := tree.KindOf(filepath.Join(target, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, wantKind, kind, rel)

		_, err = eng.Store().Get(rel)
		assert.NoError(t, err, "record for %s", rel)
	}
}

func TestCloneMissingCredentialMutatesNothing(t *testing.T) {
	client := newRemote(t)
	target := filepath.Join(t.TempDir(), "mirror")

	_, _, err := engine.Clone(context.Background(), client, "unauthorized-project", target, 0, 0, engine.PullOptions{})
	require.ErrorIs(t, err, remote.ErrMissingCredential)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "target must not be created on credential failure")
}

func TestCloneRefusesNonEmptyTarget(t *testing.T) {
	client := newRemote(t)
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "occupied"), []byte("x"), 0644))

	_, _, err := engine.Clone(context.Background(), client, orgID, target, 0, 0, engine.PullOptions{})
	assert.ErrorIs(t, err, engine.ErrDirectoryNotEmpty)
}

func TestCloneRefusesNestedAnchor(t *testing.T) {
	_, client, target := cloneFixture(t)

	_, _, err := engine.Clone(context.Background(), client, orgID, filepath.Join(target, "nested"), 0, 0, engine.PullOptions{})
	assert.ErrorIs(t, err, engine.ErrAlreadyInAnchor)
}

func TestPullIsIdempotent(t *testing.T) {
	eng, _, target := cloneFixture(t)

	report, err := eng.Pull(context.Background(), engine.PullOptions{})
	require.NoError(t, err)

	assert.Empty(t, report.Anomalies)
	assert.Empty(t, report.Moved)
	assert.Zero(t, report.Pruned)

	entries, err := cache.ReadRenames(cache.Layout{Root: target}.RenameLogPath())
	require.NoError(t, err)
	assert.Empty(t, entries, "an unchanged remote must produce no rename entries")
}

func TestPullSkipAndOnlyFilters(t *testing.T) {
	client := newRemote(t)
	target := filepath.Join(t.TempDir(), "mirror")

	eng, report, err := engine.Clone(context.Background(), client, orgID, target, 0, 0, engine.PullOptions{
		Skip: map[string]bool{dsID: true},
	})
	require.NoError(t, err)
	defer eng.Store().Close()

	assert.Contains(t, report.Skipped, "ds1")
	_, statErr := os.Stat(filepath.Join(target, "ds1"))
	assert.True(t, os.IsNotExist(statErr), "skipped dataset must not be materialized")
}

func TestFetchVerifiesAndRecords(t *testing.T) {
	eng, _, target := cloneFixture(t)
	ctx := context.Background()

	report, err := eng.Fetch(ctx, []string{"ds1/sub/scan.tiff"}, engine.FetchOptions{SizeLimitMB: -1})
	require.NoError(t, err)
	require.Empty(t, report.Anomalies)
	assert.Equal(t, 1, report.Fetched)

	abs := filepath.Join(target, "ds1", "sub", "scan.tiff")
	kind, err := tree.KindOf(abs)
	require.NoError(t, err)
	assert.Equal(t, tree.KindFetchedFile, kind)

	content, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, scanBytes, string(content))

	rec, err := eng.Store().Get("ds1/sub/scan.tiff")
	require.NoError(t, err)
	require.NotNil(t, rec.Checksum)
	assert.Equal(t, int64(len(scanBytes)), *rec.Size)

	// A second fetch is a no-op.
	report, err = eng.Fetch(ctx, []string{"ds1/sub/scan.tiff"}, engine.FetchOptions{SizeLimitMB: -1})
	require.NoError(t, err)
	assert.Zero(t, report.Fetched)
	assert.Contains(t, report.Skipped["ds1/sub/scan.tiff"], "already fetched")
}

func TestFetchHonorsSizeLimit(t *testing.T) {
	eng, _, target := cloneFixture(t)

	report, err := eng.Fetch(context.Background(), []string{"ds1/notes.txt"}, engine.FetchOptions{SizeLimitMB: 0})
	require.NoError(t, err)

	assert.Zero(t, report.Fetched)
	assert.Contains(t, report.Skipped["ds1/notes.txt"], "exceeds limit")

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind, "a skipped fetch leaves the placeholder")
}

func TestFetchFlagsTruncatedTransfer(t *testing.T) {
	eng, client, target := cloneFixture(t)
	require.NoError(t, client.TruncateContent(scanID, 5))

	report, err := eng.Fetch(context.Background(), []string{"ds1/sub/scan.tiff"}, engine.FetchOptions{SizeLimitMB: -1})
	require.NoError(t, err)

	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, engine.AnomalyTruncatedTransfer, report.Anomalies[0].Kind)
	assert.Zero(t, report.Fetched)

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "sub", "scan.tiff"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind, "truncated content must not materialize")
}

func TestFetchContinuesPastVanishedRemote(t *testing.T) {
	eng, client, target := cloneFixture(t)
	client.RemoveObject(notesID)

	report, err := eng.Fetch(context.Background(), []string{"ds1/notes.txt", "ds1/sub/scan.tiff"}, engine.FetchOptions{SizeLimitMB: -1})
	require.NoError(t, err, "one vanished object must not fail the batch")

	assert.Equal(t, 1, report.Fetched, "the surviving path still fetches")
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, engine.AnomalyStaleCache, report.Anomalies[0].Kind)
	assert.Equal(t, "ds1/notes.txt", report.Anomalies[0].Path)

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "sub", "scan.tiff"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFetchedFile, kind)
}

func TestRefreshDetectsFileMove(t *testing.T) {
	eng, client, target := cloneFixture(t)
	require.NoError(t, client.MoveObject(notesID, folderID, ""))

	report, err := eng.RefreshAll(context.Background(), "", engine.RefreshOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Anomalies)

	require.Len(t, report.Moved, 1)
	assert.Equal(t, "ds1/notes.txt", report.Moved[0].OldPath)
	assert.Equal(t, "ds1/sub/notes.txt", report.Moved[0].NewPath)

	entries, err := cache.ReadRenames(cache.Layout{Root: target}.RenameLogPath())
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one rename log line per move")
	assert.Equal(t, notesID, entries[0].RemoteID)

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "sub", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind)

	_, err = eng.Store().Get("ds1/notes.txt")
	assert.ErrorIs(t, err, cache.ErrNoCachedMetadata)
	_, err = eng.Store().Get("ds1/sub/notes.txt")
	assert.NoError(t, err)
}

func TestRefreshMovesDirectoryWithSubtree(t *testing.T) {
	eng, client, target := cloneFixture(t)
	require.NoError(t, client.MoveObject(folderID, "", "renamed"))

	report, err := eng.RefreshAll(context.Background(), "", engine.RefreshOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Anomalies)
	require.Len(t, report.Moved, 1)

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "renamed", "scan.tiff"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind)

	_, err = eng.Store().Get("ds1/renamed/scan.tiff")
	assert.NoError(t, err, "descendant records follow a directory move")
	_, err = eng.Store().Get("ds1/sub/scan.tiff")
	assert.ErrorIs(t, err, cache.ErrNoCachedMetadata)
}

func TestRefreshPrunesRemovedToTrash(t *testing.T) {
	eng, client, target := cloneFixture(t)
	client.RemoveObject(notesID)

	report, err := eng.RefreshAll(context.Background(), "", engine.RefreshOptions{Prune: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)

	_, statErr := os.Lstat(filepath.Join(target, "ds1", "notes.txt"))
	assert.True(t, os.IsNotExist(statErr))

	trash, err := os.ReadDir(cache.Layout{Root: target}.TrashDir())
	require.NoError(t, err)
	assert.Len(t, trash, 1, "removal goes through trash, never unlink")

	_, err = eng.Store().Get("ds1/notes.txt")
	assert.ErrorIs(t, err, cache.ErrNoCachedMetadata)
}

func TestRefreshDiscoversNewChildren(t *testing.T) {
	eng, client, target := cloneFixture(t)

	newID := "N:package:7"
	client.PutObject(&meta.Record{RemoteID: newID, ParentID: folderID, Name: "extra.csv", Kind: meta.KindFile})
	require.NoError(t, client.PutContent(newID, []byte("1,2,3\n")))

	report, err := eng.RefreshAll(context.Background(), "", engine.RefreshOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Anomalies)
	assert.Equal(t, 1, report.Pulled, "container refresh discovers the added child")

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "sub", "extra.csv"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind)

	rec, err := eng.Store().Get("ds1/sub/extra.csv")
	require.NoError(t, err)
	assert.Equal(t, newID, rec.RemoteID)
}

func TestRefreshIdempotent(t *testing.T) {
	eng, client, _ := cloneFixture(t)
	require.NoError(t, client.MoveObject(notesID, folderID, ""))

	_, err := eng.RefreshAll(context.Background(), "", engine.RefreshOptions{})
	require.NoError(t, err)

	report, err := eng.RefreshAll(context.Background(), "", engine.RefreshOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Moved, "second refresh after a move must be quiet")
	assert.Empty(t, report.Anomalies)
}

func TestPullSupersedesByStem(t *testing.T) {
	eng, client, target := cloneFixture(t)

	// The remote replaced notes.txt with notes.md under a new id.
	client.RemoveObject(notesID)
	newID := "N:package:9"
	client.PutObject(&meta.Record{RemoteID: newID, ParentID: dsID, Name: "notes.md", Kind: meta.KindFile})
	require.NoError(t, client.PutContent(newID, []byte("reformatted notes")))

	report, err := eng.Pull(context.Background(), engine.PullOptions{})
	require.NoError(t, err)

	require.Len(t, report.Moved, 1)
	assert.Equal(t, "ds1/notes.txt", report.Moved[0].OldPath)
	assert.Equal(t, "ds1/notes.md", report.Moved[0].NewPath)

	_, err = eng.Store().Get("ds1/notes.txt")
	assert.ErrorIs(t, err, cache.ErrNoCachedMetadata)

	kind, err := tree.KindOf(filepath.Join(target, "ds1", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, tree.KindFilePlaceholder, kind)

	_, statErr := os.Lstat(filepath.Join(target, "ds1", "notes.txt"))
	assert.True(t, os.IsNotExist(statErr), "superseded entry retires to trash")
}

func TestFindStatusMissing(t *testing.T) {
	eng, client, target := cloneFixture(t)
	ctx := context.Background()

	// A file object with no uploaded content.
	client.PutObject(&meta.Record{RemoteID: "N:package:3", ParentID: dsID, Name: "empty.bin", Kind: meta.KindFile})
	_, err := eng.Pull(ctx, engine.PullOptions{})
	require.NoError(t, err)

	nodes, err := eng.Find("", "*.txt", engine.FindOptions{SizeLimitMB: -1})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "ds1/notes.txt", nodes[0].Rel)
	require.NotNil(t, nodes[0].Record)

	missing, err := eng.Missing("")
	require.NoError(t, err)
	assert.Equal(t, []string{"ds1/empty.bin"}, missing)

	// Fetch then edit locally; status must notice.
	_, err = eng.Fetch(ctx, []string{"ds1/notes.txt"}, engine.FetchOptions{SizeLimitMB: -1})
	require.NoError(t, err)

	abs := filepath.Join(target, "ds1", "notes.txt")
	require.NoError(t, os.Remove(abs))
	require.NoError(t, os.WriteFile(abs, []byte("locally edited notes, longer than before"), 0644))

	status, err := eng.Status("")
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, "ds1/notes.txt", status[0].Rel)
	assert.NotEqual(t, *status[0].Local.Size, *status[0].Cached.Size)
}

func TestFixMismatchStashesAndRefetches(t *testing.T) {
	eng, _, target := cloneFixture(t)
	ctx := context.Background()

	_, err := eng.Fetch(ctx, []string{"ds1/notes.txt"}, engine.FetchOptions{SizeLimitMB: -1})
	require.NoError(t, err)

	abs := filepath.Join(target, "ds1", "notes.txt")
	require.NoError(t, os.Remove(abs))
	require.NoError(t, os.WriteFile(abs, []byte("corrupted"), 0644))

	report, err := eng.FixMismatch(ctx, "", -1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fetched)

	content, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "meeting notes", string(content), "content restored from remote")

	// The divergent bytes survive in the newest stash.
	stashBase := cache.Layout{Root: target}.StashBase()
	stashes, err := os.ReadDir(stashBase)
	require.NoError(t, err)
	require.Len(t, stashes, 1)

	stashed, err := os.ReadFile(filepath.Join(stashBase, stashes[0].Name(), "ds1", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "corrupted", string(stashed))
}

func TestDuplicateResolution(t *testing.T) {
	eng, _, _ := cloneFixture(t)
	store := eng.Store()

	// Manufacture the anomaly: two paths claim the notes id.
	rec, err := store.Get("ds1/notes.txt")
	require.NoError(t, err)

	older := rec.Clone()
	older.Updated = rec.Updated.Add(-time.Hour)
	require.NoError(t, store.Put("ds1/notes-old.txt", older))

	groups, err := eng.Duplicates()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	group := groups[0]
	assert.Equal(t, notesID, group.RemoteID)
	assert.Equal(t, "ds1/notes.txt", group.Canonical(), "most recently updated claim wins")
	assert.Equal(t, []string{"ds1/notes-old.txt"}, group.Removable())

	report, err := eng.ResolveDuplicates(group, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)

	_, err = store.Get("ds1/notes-old.txt")
	assert.ErrorIs(t, err, cache.ErrNoCachedMetadata)
	_, err = store.Get("ds1/notes.txt")
	assert.NoError(t, err, "canonical claim survives")
}

func TestDuplicateResolutionRefusesUnknownSize(t *testing.T) {
	eng, _, _ := cloneFixture(t)
	store := eng.Store()

	rec, err := store.Get("ds1/notes.txt")
	require.NoError(t, err)

	shadow := rec.Clone()
	shadow.Updated = rec.Updated.Add(-time.Hour)
	shadow.Size = nil
	require.NoError(t, store.Put("ds1/shadow.txt", shadow))

	groups, err := eng.Duplicates()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	report, err := eng.ResolveDuplicates(groups[0], false)
	require.NoError(t, err)
	assert.Zero(t, report.Pruned)
	assert.Contains(t, report.Skipped["ds1/shadow.txt"], "refusing")

	// Force overrides.
	report, err = eng.ResolveDuplicates(groups[0], true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)
}
