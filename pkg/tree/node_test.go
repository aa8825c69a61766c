package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	dir := t.TempDir()

	kind, err := KindOf(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Equal(t, KindMissing, kind)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	kind, err = KindOf(sub)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, kind)

	file := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(file, []byte("a,b\n"), 0644))
	kind, err = KindOf(file)
	require.NoError(t, err)
	assert.Equal(t, KindFetchedFile, kind)

	dangling := filepath.Join(dir, "pending.csv")
	require.NoError(t, os.Symlink(filepath.Join(dir, "no-such-object"), dangling))
	kind, err = KindOf(dangling)
	require.NoError(t, err)
	assert.Equal(t, KindFilePlaceholder, kind)

	resolved := filepath.Join(dir, "fetched.csv")
	require.NoError(t, os.Symlink(file, resolved))
	kind, err = KindOf(resolved)
	require.NoError(t, err)
	assert.Equal(t, KindFetchedFile, kind, "a symlink with an existing target is fetched content")
}

func TestCreatePlaceholder(t *testing.T) {
	root := t.TempDir()
	objectPath := filepath.Join(root, ".remora", "objects", "N:package:1")
	link := filepath.Join(root, "ds", "scan.tiff")

	require.NoError(t, CreatePlaceholder(link, objectPath))

	kind, err := KindOf(link)
	require.NoError(t, err)
	assert.Equal(t, KindFilePlaceholder, kind)

	// Target is relative, so the anchor can be moved wholesale.
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(target))

	// Once content lands at the object path the same link resolves.
	require.NoError(t, os.MkdirAll(filepath.Dir(objectPath), 0755))
	require.NoError(t, os.WriteFile(objectPath, []byte("bytes"), 0644))
	kind, err = KindOf(link)
	require.NoError(t, err)
	assert.Equal(t, KindFetchedFile, kind)
}

func TestCreatePlaceholderReplacesExisting(t *testing.T) {
	root := t.TempDir()
	link := filepath.Join(root, "scan.tiff")

	require.NoError(t, CreatePlaceholder(link, filepath.Join(root, "objects", "old")))
	require.NoError(t, CreatePlaceholder(link, filepath.Join(root, "objects", "new")))

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("objects", "new"), target)
}

func TestChecksumFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	content := []byte("mirrored bytes")
	file := filepath.Join(dir, "object")
	require.NoError(t, os.WriteFile(file, content, 0644))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(file, link))

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	got, err := Checksum(link)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	size, err := FileSize(link)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
}

func TestIsEmptyDir(t *testing.T) {
	dir := t.TempDir()

	empty, err := IsEmptyDir(dir)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))
	empty, err = IsEmptyDir(dir)
	require.NoError(t, err)
	assert.False(t, empty)
}
