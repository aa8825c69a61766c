// Package stash snapshots anchor paths outside the mirrored tree.
//
// A stash is a point-in-time copy of selected paths together with their
// cached metadata records, stored under a timestamped directory next to
// the anchor. Repair operations stash before they mutate, so any repair
// that goes wrong can be undone by restoring. Stashes are append-only:
// nothing in remora ever deletes one.
package stash

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/tree"
)

const manifestName = "manifest.json"

// stampFormat names stash directories so lexicographic order is
// chronological order.
const stampFormat = "20060102T150405.000000000Z"

// ErrNotStashed indicates no stash holds the requested path.
var ErrNotStashed = errors.New("path not found in any stash")

// Manager stashes and restores paths for one anchor.
type Manager struct {
	layout cache.Layout
	store  *cache.Store
}

// New creates a Manager over an anchor's layout and cache.
func New(layout cache.Layout, store *cache.Store) *Manager {
	return &Manager{layout: layout, store: store}
}

// Stash snapshots the given anchor-relative paths into a new timestamped
// stash directory and returns its location.
//
// Ancestor directories of every requested path are included so the stash
// reproduces the paths' placement, not just their content. If transform
// is non-nil it rewrites each record before it enters the manifest; the
// live cache is never touched. Fetched file content is copied and the
// copy verified against the source; a mismatch fails the whole stash
// because a snapshot that silently diverges from its manifest is worse
// than none. The manifest record of a copied file carries the measured
// size and checksum of the stashed bytes, which is what restore verifies
// against, so even content that already diverged from the cache is
// stashed faithfully.
func (m *Manager) Stash(rels []string, transform func(*meta.Record) *meta.Record) (string, error) {
	stashDir := filepath.Join(m.layout.StashBase(), time.Now().UTC().Format(stampFormat))
	if err := os.MkdirAll(stashDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create stash directory: %w", err)
	}

	manifest := make(map[string]*meta.Record)
	for _, rel := range withAncestors(rels) {
		rec, err := m.store.Get(rel)
		if err != nil && !errors.Is(err, cache.ErrNoCachedMetadata) {
			return "", err
		}
		if rec != nil && transform != nil {
			rec = transform(rec.Clone())
		}
		rec, err = m.stashOne(stashDir, rel, rec)
		if err != nil {
			return "", err
		}
		if rec != nil {
			manifest[rel] = rec
		}
	}

	if err := writeManifest(filepath.Join(stashDir, manifestName), manifest); err != nil {
		return "", err
	}
	logger.Info("Stashed %d paths to %s", len(rels), stashDir)
	return stashDir, nil
}

func (m *Manager) stashOne(stashDir, rel string, rec *meta.Record) (*meta.Record, error) {
	src := filepath.Join(m.layout.Root, filepath.FromSlash(rel))
	dst := filepath.Join(stashDir, filepath.FromSlash(rel))

	kind, err := tree.KindOf(src)
	if err != nil {
		return nil, err
	}
	switch kind {
	case tree.KindMissing:
		// Record-only entry: the manifest remembers it, nothing to copy.
		return rec, nil
	case tree.KindDirectory:
		return rec, os.MkdirAll(dst, 0755)
	case tree.KindFilePlaceholder:
		target, err := os.Readlink(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read placeholder %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, err
		}
		return rec, os.Symlink(target, dst)
	default:
		srcSum, err := tree.Checksum(src)
		if err != nil {
			return nil, err
		}
		sum, err := copyFile(src, dst)
		if err != nil {
			return nil, err
		}
		if sum != srcSum {
			return nil, fmt.Errorf("stash of %s: copy does not match source", rel)
		}
		size, err := tree.FileSize(dst)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			rec = rec.Clone()
			rec.Checksum = meta.String(sum)
			rec.Size = meta.Int64(size)
		}
		return rec, nil
	}
}

// Restore copies paths back from the most recent stash holding them and
// reinstates their manifest records into the live cache.
//
// A request may be a full anchor-relative path or a trailing fragment of
// one ("sub/scan.tiff"); stashes are searched newest first and within a
// stash the lexicographically first match wins.
func (m *Manager) Restore(rels []string) error {
	stashes, err := m.listStashes()
	if err != nil {
		return err
	}

	for _, req := range rels {
		restored := false
		for _, dir := range stashes {
			manifest, err := readManifest(filepath.Join(dir, manifestName))
			if err != nil {
				return err
			}
			rel, ok := matchRequest(req, manifest, dir)
			if !ok {
				continue
			}
			if err := m.restoreOne(dir, rel, manifest[rel]); err != nil {
				return err
			}
			restored = true
			break
		}
		if !restored {
			return fmt.Errorf("%s: %w", req, ErrNotStashed)
		}
	}
	return nil
}

func (m *Manager) restoreOne(stashDir, rel string, rec *meta.Record) error {
	src := filepath.Join(stashDir, filepath.FromSlash(rel))
	dst := filepath.Join(m.layout.Root, filepath.FromSlash(rel))

	kind, err := tree.KindOf(src)
	if err != nil {
		return err
	}
	switch kind {
	case tree.KindMissing:
		// Record-only entry.
	case tree.KindDirectory:
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
	case tree.KindFilePlaceholder:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Symlink(target, dst); err != nil {
			return err
		}
	default:
		sum, err := copyFile(src, dst)
		if err != nil {
			return err
		}
		if rec != nil && rec.Checksum != nil && sum != *rec.Checksum {
			return fmt.Errorf("restore of %s: stashed content does not match recorded checksum", rel)
		}
	}

	if rec != nil {
		if err := m.store.Put(rel, rec); err != nil {
			return err
		}
	}
	logger.Info("Restored %s from %s", rel, stashDir)
	return nil
}

// listStashes returns stash directories newest first.
func (m *Manager) listStashes() ([]string, error) {
	entries, err := os.ReadDir(m.layout.StashBase())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list stashes: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(m.layout.StashBase(), entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return dirs, nil
}

// matchRequest resolves a restore request against one stash: exact
// manifest match first, then suffix match against manifest entries, then
// suffix match against files actually present (for stashes whose
// manifest predates the entry).
func matchRequest(req string, manifest map[string]*meta.Record, stashDir string) (string, bool) {
	if _, ok := manifest[req]; ok {
		return req, true
	}

	var matches []string
	for rel := range manifest {
		if strings.HasSuffix(rel, "/"+req) {
			matches = append(matches, rel)
		}
	}
	if len(matches) == 0 {
		reqAbs := filepath.Join(stashDir, filepath.FromSlash(req))
		if kind, err := tree.KindOf(reqAbs); err == nil && kind != tree.KindMissing {
			return req, true
		}
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

// withAncestors expands rels with every ancestor directory, parents
// first, deduplicated.
func withAncestors(rels []string) []string {
	set := make(map[string]bool)
	for _, rel := range rels {
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			set[dir] = true
		}
		set[rel] = true
	}

	out := make([]string, 0, len(set))
	for rel := range set {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// copyFile copies src to dst (following symlinks) and returns the hex
// SHA-256 of the copied bytes.
func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return tree.Checksum(dst)
}

func writeManifest(path string, manifest map[string]*meta.Record) error {
	bytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode stash manifest: %w", err)
	}
	if err := os.WriteFile(path, bytes, 0644); err != nil {
		return fmt.Errorf("failed to write stash manifest: %w", err)
	}
	return nil
}

func readManifest(path string) (map[string]*meta.Record, error) {
	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*meta.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stash manifest: %w", err)
	}
	manifest := make(map[string]*meta.Record)
	if err := json.Unmarshal(bytes, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode stash manifest: %w", err)
	}
	return manifest, nil
}
