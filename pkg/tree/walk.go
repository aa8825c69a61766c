package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/remorafs/remora/pkg/cache"
)

// WalkOptions bound a tree walk.
type WalkOptions struct {
	// Level limits recursion depth from the starting path. nil walks the
	// whole subtree; 0 yields only the start, 1 adds its children, and
	// so on.
	Level *int

	// DirsOnly yields only directories.
	DirsOnly bool

	// FilesOnly yields only placeholders and fetched files.
	FilesOnly bool
}

// Walk traverses the local tree under start (which must be inside
// anchorRoot), depth first in name order, yielding a Node per entry.
// The anchor control directory is never entered. Records are not
// attached; callers that need them join against the cache.
//
// The walk is deterministic so that batch operations built on it apply
// results in a stable order: parents always precede their descendants.
func Walk(anchorRoot, start string, opts WalkOptions, fn func(*Node) error) error {
	return walk(anchorRoot, start, 0, opts, fn)
}

func walk(anchorRoot, path string, depth int, opts WalkOptions, fn func(*Node) error) error {
	kind, err := KindOf(path)
	if err != nil {
		return err
	}
	if kind == KindMissing {
		return fmt.Errorf("walk: %s does not exist", path)
	}

	node := &Node{Path: path, Kind: kind}
	if node.Rel, err = RelTo(anchorRoot, path); err != nil {
		return err
	}

	yield := true
	if opts.DirsOnly && !node.IsDir() {
		yield = false
	}
	if opts.FilesOnly && node.IsDir() {
		yield = false
	}
	if yield {
		if err := fn(node); err != nil {
			return err
		}
	}

	if kind != KindDirectory {
		return nil
	}
	if opts.Level != nil && depth >= *opts.Level {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.Name() == cache.ControlDirName {
			continue
		}
		if err := walk(anchorRoot, filepath.Join(path, entry.Name()), depth+1, opts, fn); err != nil {
			return err
		}
	}
	return nil
}

// RelTo returns path relative to anchorRoot with forward slashes, the
// form used as a cache key. The anchor root itself maps to "".
func RelTo(anchorRoot, path string) (string, error) {
	rel, err := filepath.Rel(anchorRoot, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s against %s: %w", path, anchorRoot, err)
	}
	if rel == "." {
		return "", nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside anchor %s", path, anchorRoot)
	}
	return filepath.ToSlash(rel), nil
}
