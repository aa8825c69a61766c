package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstablishAndReadMarker(t *testing.T) {
	root := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(root, 0755))

	l := Layout{Root: root}
	m := &Marker{
		ProjectID: "N:organization:org",
		RemoteID:  "N:organization:org",
		Name:      "project",
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, l.Establish(m))

	for _, dir := range []string{l.ControlDir(), l.DataDir(), l.ObjectsDir(), l.TrashDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	got, err := ReadMarker(l.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, m.ProjectID, got.ProjectID)
	assert.Equal(t, m.RemoteID, got.RemoteID)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestFindAnchorRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "project")
	deep := filepath.Join(root, "ds", "sub")
	require.NoError(t, os.MkdirAll(deep, 0755))

	l := Layout{Root: root}
	require.NoError(t, l.Establish(&Marker{ProjectID: "p", RemoteID: "p", Name: "project", CreatedAt: time.Now()}))

	found, err := FindAnchorRoot(deep)
	require.NoError(t, err)
	assert.Equal(t, root, found)

	found, err = FindAnchorRoot(root)
	require.NoError(t, err)
	assert.Equal(t, root, found)

	_, err = FindAnchorRoot(base)
	assert.ErrorIs(t, err, ErrNotInAnchor)
}

func TestObjectPathIsFlat(t *testing.T) {
	l := Layout{Root: "/tmp/project"}
	p := l.ObjectPath("N:package:ab/cd")

	assert.Equal(t, filepath.Join(l.ObjectsDir(), "N:package:ab_cd"), p)
}

func TestStashBaseOutsideAnchor(t *testing.T) {
	l := Layout{Root: "/data/mirrors/project"}
	assert.Equal(t, "/data/mirrors/stash", l.StashBase())
}

func TestRenameLogRoundTrip(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "renames.log")

	e1 := RenameEntry{OldPath: "ds/a", NewPath: "ds/b", RemoteID: "N:folder:1"}
	e2 := RenameEntry{OldPath: "ds/b/x.csv", NewPath: "ds2/x.csv", RemoteID: "N:package:2"}
	require.NoError(t, AppendRename(logPath, e1))
	require.NoError(t, AppendRename(logPath, e2))

	entries, err := ReadRenames(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, e1, entries[0])
	assert.Equal(t, e2, entries[1])
}

func TestReadRenamesMissingLog(t *testing.T) {
	entries, err := ReadRenames(filepath.Join(t.TempDir(), "absent.log"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
