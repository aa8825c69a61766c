package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
	"github.com/remorafs/remora/pkg/tree"
)

// PullOptions bound a bootstrap pull.
type PullOptions struct {
	// Dirs lists anchor-relative container paths to pull under. Empty
	// means the anchor root.
	Dirs []string

	// Level limits recursion depth below each start dir. nil pulls the
	// whole subtree.
	Level *int

	// Skip lists remote container ids excluded from the pull. Checked at
	// every container boundary.
	Skip map[string]bool

	// Only, when non-empty, restricts the pull to these remote container
	// ids. Checked at every container boundary; file objects are never
	// filtered by id.
	Only map[string]bool

	// EmptyOnly skips recursion into containers that already have local
	// entries. Used to resume an interrupted bootstrap without touching
	// populated subtrees.
	EmptyOnly bool
}

// Clone establishes a new anchor for a remote project and performs the
// initial pull.
//
// Order of checks matters: the credential is verified and the root
// resolved before anything local is created, and the target directory
// must be empty and outside any existing anchor. On success the returned
// engine owns an open cache store; the caller closes it via
// Store().Close().
func Clone(ctx context.Context, client remote.Client, projectID, targetDir string, ratePerSecond, burst uint, opts PullOptions) (*Engine, *Report, error) {
	target, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve clone target: %w", err)
	}

	if root, err := cache.FindAnchorRoot(target); err == nil {
		return nil, nil, fmt.Errorf("%s is inside anchor %s: %w", target, root, ErrAlreadyInAnchor)
	}

	// Resolve the remote root first: a missing credential must be
	// reported before any local mutation.
	root, err := client.CreateRoot(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve project %s: %w", projectID, err)
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create clone target: %w", err)
	}
	empty, err := tree.IsEmptyDir(target)
	if err != nil {
		return nil, nil, err
	}
	if !empty {
		return nil, nil, fmt.Errorf("%s: %w", target, ErrDirectoryNotEmpty)
	}

	layout := cache.Layout{Root: target}
	marker := &cache.Marker{
		ProjectID: projectID,
		RemoteID:  root.RemoteID,
		Name:      root.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := layout.Establish(marker); err != nil {
		return nil, nil, err
	}

	store, err := cache.Open(layout.CacheDBDir())
	if err != nil {
		return nil, nil, err
	}
	if err := store.Put("", root); err != nil {
		store.Close()
		return nil, nil, err
	}

	eng, err := New(Config{
		Remote:        client,
		Store:         store,
		AnchorRoot:    target,
		RatePerSecond: ratePerSecond,
		Burst:         burst,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	logger.Info("Established anchor for project %s at %s", projectID, target)

	report, err := eng.Pull(ctx, opts)
	if err != nil {
		return eng, report, err
	}
	return eng, report, nil
}

// Pull materializes remote structure under the requested start dirs:
// containers become local directories, files become placeholders, and
// every materialized path gets a cache record. After the walk, cached
// entries whose remote id was not seen are reconciled individually, so
// a pull doubles as a structural refresh of its subtree.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) (*Report, error) {
	report := newReport()

	before, err := e.store.All()
	if err != nil {
		return report, err
	}
	index := make(map[string]string, len(before))
	for rel, rec := range before {
		index[rec.RemoteID] = rel
	}

	starts := opts.Dirs
	if len(starts) == 0 {
		starts = []string{""}
	}
	sort.Strings(starts)

	seen := make(map[string]string)
	for _, rel := range starts {
		rec, err := e.store.Get(rel)
		if err != nil {
			return report, fmt.Errorf("pull start %q: %w", rel, err)
		}
		seen[rec.RemoteID] = rel
		if err := e.bootstrap(ctx, rec, rel, 0, opts, seen, report); err != nil {
			return report, err
		}
	}

	if err := e.reconcileUnseen(ctx, before, index, seen, starts, report); err != nil {
		return report, err
	}
	return report, nil
}

// bootstrap recursively materializes the subtree below one container.
// Child metadata is fetched concurrently, but filesystem and cache
// mutations are applied serially in listing order so the local tree
// grows parent before child.
func (e *Engine) bootstrap(ctx context.Context, rec *meta.Record, rel string, depth int, opts PullOptions, seen map[string]string, report *Report) error {
	if opts.Level != nil && depth >= *opts.Level {
		return nil
	}

	var children []remote.ObjectSummary
	err := e.limiter.Do(ctx, func() error {
		var listErr error
		children, listErr = e.remote.ListChildren(ctx, rec.RemoteID)
		return listErr
	})
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", rel, err)
	}

	kept := children[:0]
	for _, child := range children {
		if child.Kind.IsContainer() {
			if opts.Skip[child.RemoteID] {
				report.skip(path.Join(rel, child.Name), "skipped by id")
				continue
			}
			if len(opts.Only) > 0 && !opts.Only[child.RemoteID] {
				report.skip(path.Join(rel, child.Name), "not in only set")
				continue
			}
		}
		kept = append(kept, child)
	}
	children = kept

	records := make([]*meta.Record, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range children {
		g.Go(func() error {
			return e.limiter.Do(gctx, func() error {
				fresh, err := e.remote.GetMetadata(gctx, child.RemoteID)
				if err != nil {
					return fmt.Errorf("failed to get metadata for %s: %w", child.RemoteID, err)
				}
				records[i] = fresh
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, child := range children {
		fresh := records[i]
		childRel := path.Join(rel, child.Name)
		childAbs := filepath.Join(e.layout.Root, filepath.FromSlash(childRel))

		if old, ok := e.storeGet(childRel); ok {
			fresh = mergeContent(old, fresh)
		}

		if child.Kind.IsContainer() {
			existed, nonEmpty := dirState(childAbs)
			if err := os.MkdirAll(childAbs, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", childRel, err)
			}
			if err := e.store.Put(childRel, fresh); err != nil {
				return err
			}
			seen[fresh.RemoteID] = childRel
			report.Pulled++

			if opts.EmptyOnly && existed && nonEmpty {
				report.skip(childRel, "not empty")
				continue
			}
			if err := e.bootstrap(ctx, fresh, childRel, depth+1, opts, seen, report); err != nil {
				return err
			}
			continue
		}

		if kind, _ := tree.KindOf(childAbs); kind != tree.KindFetchedFile {
			if err := tree.CreatePlaceholder(childAbs, e.layout.ObjectPath(fresh.RemoteID)); err != nil {
				return err
			}
		}
		if err := e.store.Put(childRel, fresh); err != nil {
			return err
		}
		seen[fresh.RemoteID] = childRel
		report.Pulled++
	}
	return nil
}

// reconcileUnseen handles cached entries whose remote id did not appear
// in the pull. A stem match against newly seen paths resolves the common
// replace-under-new-id case; everything else is refreshed individually
// against the remote, and entries the remote no longer knows are pruned
// to trash.
func (e *Engine) reconcileUnseen(ctx context.Context, before map[string]*meta.Record, index, seen map[string]string, starts []string, report *Report) error {
	var candidates []string
	for id, oldRel := range index {
		if oldRel == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if !underAny(oldRel, starts) {
			continue
		}
		candidates = append(candidates, oldRel)
	}
	sort.Strings(candidates)

	// Newly seen ids, for the stem heuristic.
	newRels := make([]string, 0)
	for id, newRel := range seen {
		if _, known := index[id]; !known {
			newRels = append(newRels, newRel)
		}
	}
	sort.Strings(newRels)

	candidates = e.resolveStemMatches(candidates, newRels, before, report)

	// The survivors are genuinely in doubt: ask the remote about each.
	for _, rel := range candidates {
		res, err := e.refreshOne(ctx, rel, index, RefreshOptions{}, report)
		if err != nil {
			report.anomaly(Anomaly{Path: rel, Kind: AnomalyStaleCache, Detail: err.Error()})
			continue
		}
		if res.Outcome == RefreshRemoved {
			if err := e.prune(rel, report); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveStemMatches pairs unseen cached paths with newly appeared ones
// sharing the same stem (path without extension). A match means the
// remote replaced an object under a new id: the old local entry and
// record are retired in favor of the new one, and the rename is logged.
// Ties prefer a candidate in the same parent directory, then the
// lexicographically first.
func (e *Engine) resolveStemMatches(candidates, newRels []string, before map[string]*meta.Record, report *Report) []string {
	byStem := make(map[string][]string)
	for _, rel := range candidates {
		byStem[stem(rel)] = append(byStem[stem(rel)], rel)
	}

	matched := make(map[string]bool)
	for _, newRel := range newRels {
		group := byStem[stem(newRel)]
		var pick string
		for _, oldRel := range group {
			if matched[oldRel] {
				continue
			}
			if pick == "" {
				pick = oldRel
				continue
			}
			if path.Dir(oldRel) == path.Dir(newRel) && path.Dir(pick) != path.Dir(newRel) {
				pick = oldRel
			}
		}
		if pick == "" {
			continue
		}
		matched[pick] = true

		oldRec := before[pick]
		if err := e.retire(pick); err != nil {
			logger.Warn("Failed to retire superseded path %s: %v", pick, err)
			continue
		}
		entry := cache.RenameEntry{OldPath: pick, NewPath: newRel, RemoteID: oldRec.RemoteID}
		if err := cache.AppendRename(e.layout.RenameLogPath(), entry); err != nil {
			logger.Warn("Failed to log rename %s -> %s: %v", pick, newRel, err)
		}
		report.Moved = append(report.Moved, entry)
		logger.Info("Superseded %s by %s", pick, newRel)
	}

	remaining := candidates[:0]
	for _, rel := range candidates {
		if !matched[rel] {
			remaining = append(remaining, rel)
		}
	}
	return remaining
}

// retire drops a cached record and moves its local entry to trash.
func (e *Engine) retire(rel string) error {
	abs := filepath.Join(e.layout.Root, filepath.FromSlash(rel))
	if kind, _ := tree.KindOf(abs); kind != tree.KindMissing {
		dest := filepath.Join(e.layout.TrashDir(), fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(abs)))
		if err := os.Rename(abs, dest); err != nil {
			return fmt.Errorf("failed to move %s to trash: %w", rel, err)
		}
	}
	return e.store.Delete(rel)
}

// prune retires a removed subtree: local entries go to trash, cached
// records for the path and its descendants are dropped.
func (e *Engine) prune(rel string, report *Report) error {
	if err := e.retire(rel); err != nil {
		return err
	}

	all, err := e.store.All()
	if err != nil {
		return err
	}
	for r := range all {
		if strings.HasPrefix(r, rel+"/") {
			if err := e.store.Delete(r); err != nil {
				return err
			}
		}
	}
	report.Pruned++
	logger.Info("Pruned %s (removed on remote)", rel)
	return nil
}

// storeGet is Get with the not-found case folded into the bool.
func (e *Engine) storeGet(rel string) (*meta.Record, bool) {
	rec, err := e.store.Get(rel)
	if err != nil {
		return nil, false
	}
	return rec, true
}

// mergeContent carries forward locally verified content fields when the
// fresh record does not contradict them: a checksum survives as long as
// the content revision is unchanged and the remote did not report its own.
func mergeContent(old, fresh *meta.Record) *meta.Record {
	if old == nil || fresh == nil {
		return fresh
	}
	merged := fresh.Clone()
	if merged.Checksum == nil && old.Checksum != nil && eqRevision(old.FileID, fresh.FileID) {
		merged.Checksum = old.Checksum
	}
	return merged
}

func eqRevision(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// stem strips the extension; a stem match across different ids is how a
// remote-side replace (delete + re-upload) is told apart from a removal.
func stem(rel string) string {
	return strings.TrimSuffix(rel, path.Ext(rel))
}

// underAny reports whether rel is one of the roots or below one.
func underAny(rel string, roots []string) bool {
	for _, root := range roots {
		if root == "" || rel == root || strings.HasPrefix(rel, root+"/") {
			return true
		}
	}
	return false
}

// dirState probes a path before MkdirAll: did it exist, and did it have
// entries. Both answers are pre-mutation, which EmptyOnly relies on.
func dirState(abs string) (existed, nonEmpty bool) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return false, false
	}
	for _, entry := range entries {
		if entry.Name() != cache.ControlDirName {
			return true, true
		}
	}
	return true, false
}
