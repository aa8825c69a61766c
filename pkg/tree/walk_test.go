package tree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remorafs/remora/pkg/cache"
)

// buildTree creates:
//
//	root/
//	  .remora/...         (control dir, must be skipped)
//	  ds1/
//	    a.csv             (file)
//	    sub/
//	      b.csv           (placeholder)
//	  ds2/
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, cache.ControlDirName, "objects"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ds1", "sub"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ds2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "a.csv"), []byte("x"), 0644))
	require.NoError(t, CreatePlaceholder(
		filepath.Join(root, "ds1", "sub", "b.csv"),
		filepath.Join(root, cache.ControlDirName, "objects", "N:package:b"),
	))
	return root
}

func collect(t *testing.T, root string, opts WalkOptions) []string {
	t.Helper()
	var rels []string
	require.NoError(t, Walk(root, root, opts, func(n *Node) error {
		rels = append(rels, n.Rel)
		return nil
	}))
	return rels
}

func TestWalkDepthFirstNameOrder(t *testing.T) {
	root := buildTree(t)

	rels := collect(t, root, WalkOptions{})
	assert.Equal(t, []string{"", "ds1", "ds1/a.csv", "ds1/sub", "ds1/sub/b.csv", "ds2"}, rels)
}

func TestWalkSkipsControlDir(t *testing.T) {
	root := buildTree(t)

	for _, rel := range collect(t, root, WalkOptions{}) {
		assert.NotContains(t, rel, cache.ControlDirName)
	}
}

func TestWalkLevelBound(t *testing.T) {
	root := buildTree(t)

	level := 1
	rels := collect(t, root, WalkOptions{Level: &level})
	assert.Equal(t, []string{"", "ds1", "ds2"}, rels)

	level = 0
	rels = collect(t, root, WalkOptions{Level: &level})
	assert.Equal(t, []string{""}, rels)
}

func TestWalkFilters(t *testing.T) {
	root := buildTree(t)

	dirs := collect(t, root, WalkOptions{DirsOnly: true})
	assert.Equal(t, []string{"", "ds1", "ds1/sub", "ds2"}, dirs)

	files := collect(t, root, WalkOptions{FilesOnly: true})
	assert.Equal(t, []string{"ds1/a.csv", "ds1/sub/b.csv"}, files)
}

func TestWalkFromSubdirectory(t *testing.T) {
	root := buildTree(t)

	var rels []string
	require.NoError(t, Walk(root, filepath.Join(root, "ds1"), WalkOptions{}, func(n *Node) error {
		rels = append(rels, n.Rel)
		return nil
	}))
	assert.Equal(t, []string{"ds1", "ds1/a.csv", "ds1/sub", "ds1/sub/b.csv"}, rels)
}

func TestRelTo(t *testing.T) {
	rel, err := RelTo("/a/b", "/a/b/c/d")
	require.NoError(t, err)
	assert.Equal(t, "c/d", rel)

	rel, err = RelTo("/a/b", "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "", rel)

	_, err = RelTo("/a/b", "/a/elsewhere")
	assert.Error(t, err)
}
