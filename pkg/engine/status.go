package engine

import (
	"path"
	"path/filepath"

	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/tree"
)

// FindOptions bound a local tree query.
type FindOptions struct {
	// Existing includes fetched files; by default only placeholders
	// (fetch candidates) are returned.
	Existing bool

	// SizeLimitMB excludes files whose recorded size exceeds the limit,
	// mirroring what a fetch with the same limit would transfer.
	// Negative means unlimited.
	SizeLimitMB float64

	// Level limits walk depth below start.
	Level *int
}

// Find walks the local tree under start (anchor-relative) returning file
// nodes whose base name matches pattern, with cached records attached.
// An empty pattern matches everything. The result order is the walk
// order: depth first by name, so output is stable run to run.
func (e *Engine) Find(start, pattern string, opts FindOptions) ([]*tree.Node, error) {
	startAbs := filepath.Join(e.layout.Root, filepath.FromSlash(start))

	var nodes []*tree.Node
	walkOpts := tree.WalkOptions{FilesOnly: true, Level: opts.Level}
	err := tree.Walk(e.layout.Root, startAbs, walkOpts, func(n *tree.Node) error {
		if pattern != "" {
			ok, err := path.Match(pattern, path.Base(n.Rel))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if !opts.Existing && !n.IsPlaceholder() {
			return nil
		}

		n.Record, _ = e.storeGet(n.Rel)
		if opts.SizeLimitMB >= 0 && n.Record != nil && n.Record.Size != nil &&
			n.Record.SizeMB() > opts.SizeLimitMB {
			return nil
		}
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// StatusEntry is one path whose local content disagrees with its cached
// record.
type StatusEntry struct {
	// Rel is the anchor-relative path.
	Rel string

	// Local is the measured local state (size, checksum).
	Local *meta.Record

	// Cached is the record the cache holds.
	Cached *meta.Record
}

// Status reports fetched files under start whose measured size or
// checksum disagrees with the cached record. A non-empty status means
// either local edits or a stale cache; refresh decides which.
func (e *Engine) Status(start string) ([]StatusEntry, error) {
	startAbs := filepath.Join(e.layout.Root, filepath.FromSlash(start))

	var entries []StatusEntry
	err := tree.Walk(e.layout.Root, startAbs, tree.WalkOptions{FilesOnly: true}, func(n *tree.Node) error {
		if n.Kind != tree.KindFetchedFile {
			return nil
		}
		cached, ok := e.storeGet(n.Rel)
		if !ok {
			return nil
		}

		size, err := tree.FileSize(n.Path)
		if err != nil {
			return err
		}
		local := &meta.Record{
			RemoteID: cached.RemoteID,
			Name:     path.Base(n.Rel),
			Kind:     cached.Kind,
			Size:     meta.Int64(size),
		}
		// Checksums are only computed when the cheap size probe agrees,
		// so a clean status over a large tree stays fast.
		if cached.Size == nil || *cached.Size == size {
			sum, err := tree.Checksum(n.Path)
			if err != nil {
				return err
			}
			local.Checksum = meta.String(sum)
		}

		if cached.ContentDiffers(local) {
			entries = append(entries, StatusEntry{Rel: n.Rel, Local: local, Cached: cached})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Missing returns placeholder paths that can never be fetched: their
// record reports no uploaded content, or the cache has no record at all.
func (e *Engine) Missing(start string) ([]string, error) {
	startAbs := filepath.Join(e.layout.Root, filepath.FromSlash(start))

	var rels []string
	err := tree.Walk(e.layout.Root, startAbs, tree.WalkOptions{FilesOnly: true}, func(n *tree.Node) error {
		if !n.IsPlaceholder() {
			return nil
		}
		rec, ok := e.storeGet(n.Rel)
		if !ok || !rec.HasContent() {
			rels = append(rels, n.Rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}
