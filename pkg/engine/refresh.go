package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
	"github.com/remorafs/remora/pkg/tree"
)

// RefreshOutcome classifies what one path's refresh did.
type RefreshOutcome int

const (
	// RefreshOK: metadata reconciled in place.
	RefreshOK RefreshOutcome = iota

	// RefreshMoved: the remote relocated or renamed the object; the local
	// entry and its cache subtree followed.
	RefreshMoved

	// RefreshRemoved: the remote no longer knows the object. The record
	// is left in place; the caller decides whether to prune.
	RefreshRemoved

	// RefreshParentMoved: the object's new parent has no local path yet.
	// Deferred until an ancestor refresh lands the parent.
	RefreshParentMoved

	// RefreshBlocked: the move could not be applied because the
	// destination is occupied (non-empty directory or colliding entry).
	// Logged and skipped; the next run retries.
	RefreshBlocked
)

func (o RefreshOutcome) String() string {
	switch o {
	case RefreshOK:
		return "ok"
	case RefreshMoved:
		return "moved"
	case RefreshRemoved:
		return "removed"
	case RefreshParentMoved:
		return "parent-moved"
	case RefreshBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// RefreshResult reports one path's refresh.
type RefreshResult struct {
	Outcome RefreshOutcome

	// OldRel is the path refreshed; NewRel differs only for RefreshMoved.
	OldRel, NewRel string

	// Record is the reconciled record, nil for RefreshRemoved.
	Record *meta.Record

	// NeedsFetch is set when UpdateData found fetched local content whose
	// remote revision changed.
	NeedsFetch bool
}

// RefreshOptions bound a refresh batch.
type RefreshOptions struct {
	// UpdateData re-downloads content for fetched files whose revision
	// changed, subject to SizeLimitMB.
	UpdateData bool

	// SizeLimitMB bounds UpdateData downloads. Negative means unlimited.
	SizeLimitMB float64

	// Prune retires paths the remote removed instead of leaving their
	// records for the caller.
	Prune bool
}

// Refresh reconciles cached metadata with current remote state for the
// given anchor-relative paths.
//
// Containers are refreshed first, shallowest first and serially, because
// a directory move rewrites the paths of everything below it. Files then
// fan out: their remote lookups run concurrently through the rate
// limiter, while filesystem and cache mutations are applied serially in
// path order. The result is that re-running a refresh with no remote
// changes is a no-op.
func (e *Engine) Refresh(ctx context.Context, rels []string, opts RefreshOptions) (*Report, error) {
	report := newReport()

	all, err := e.store.All()
	if err != nil {
		return report, err
	}
	index := make(map[string]string, len(all))
	for rel, rec := range all {
		index[rec.RemoteID] = rel
	}

	var dirs, files []string
	for _, rel := range rels {
		rec, ok := all[rel]
		if !ok {
			report.anomaly(Anomaly{Path: rel, Kind: AnomalyStaleCache, Detail: "no cached metadata"})
			continue
		}
		if rec.Kind.IsContainer() {
			dirs = append(dirs, rel)
		} else {
			files = append(files, rel)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
	sort.Strings(files)

	var needFetch []string

	for _, rel := range dirs {
		res, err := e.refreshOne(ctx, rel, index, opts, report)
		if err != nil {
			report.anomaly(Anomaly{Path: rel, Kind: AnomalyStaleCache, Detail: err.Error()})
			continue
		}
		if res.Outcome == RefreshRemoved && opts.Prune {
			if err := e.prune(rel, report); err != nil {
				return report, err
			}
			continue
		}
		// A live container is also re-listed one level deep so children
		// the remote added since the last pull are discovered.
		if res.Outcome == RefreshOK || res.Outcome == RefreshMoved {
			if err := e.refreshChildren(ctx, res.NewRel, res.Record, index, report); err != nil {
				report.anomaly(Anomaly{Path: res.NewRel, Kind: AnomalyStaleCache, Detail: err.Error()})
			}
		}
	}

	// A directory refresh may have moved files out from under their
	// requested paths; chase each file through the index before looking
	// it up remotely.
	fresh := make([]*meta.Record, len(files))
	fetchErrs := make([]error, len(files))
	var mu sync.Mutex
	current := make([]string, len(files))
	for i, rel := range files {
		current[i] = rel
		if rec, ok := all[rel]; ok {
			if moved, ok := index[rec.RemoteID]; ok {
				current[i] = moved
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, rel := range current {
		g.Go(func() error {
			rec, ok := e.storeGet(rel)
			if !ok {
				mu.Lock()
				fetchErrs[i] = fmt.Errorf("%s: %w", rel, cache.ErrNoCachedMetadata)
				mu.Unlock()
				return nil
			}
			return e.limiter.Do(gctx, func() error {
				r, err := e.remote.GetMetadata(gctx, rec.RemoteID)
				mu.Lock()
				fresh[i], fetchErrs[i] = r, err
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for i, rel := range current {
		res, err := e.applyRefresh(rel, fresh[i], fetchErrs[i], index, opts, report)
		if err != nil {
			// A record can vanish mid-batch when a pruned ancestor took
			// it along; that is expected, not an anomaly.
			if errors.Is(err, cache.ErrNoCachedMetadata) {
				report.skip(rel, "record pruned during batch")
				continue
			}
			report.anomaly(Anomaly{Path: rel, Kind: AnomalyStaleCache, Detail: err.Error()})
			continue
		}
		if res.Outcome == RefreshRemoved && opts.Prune {
			if err := e.prune(rel, report); err != nil {
				return report, err
			}
		}
		if res.NeedsFetch {
			needFetch = append(needFetch, res.NewRel)
		}
	}

	if opts.UpdateData && len(needFetch) > 0 {
		fetchReport, err := e.Fetch(ctx, needFetch, FetchOptions{
			SizeLimitMB: opts.SizeLimitMB,
			Overwrite:   true,
		})
		if err != nil {
			return report, err
		}
		report.Fetched += fetchReport.Fetched
		report.Anomalies = append(report.Anomalies, fetchReport.Anomalies...)
	}
	return report, nil
}

// refreshChildren re-lists a container's direct children and materializes
// any id the cache has never seen, one level deep. Removals are handled
// by the per-path refresh of the cached children themselves.
func (e *Engine) refreshChildren(ctx context.Context, rel string, rec *meta.Record, index map[string]string, report *Report) error {
	var children []remote.ObjectSummary
	err := e.limiter.Do(ctx, func() error {
		var listErr error
		children, listErr = e.remote.ListChildren(ctx, rec.RemoteID)
		return listErr
	})
	if err != nil {
		// The container vanished between its own refresh and the listing;
		// the next run observes the removal.
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to list %q: %w", rel, err)
	}

	for _, child := range children {
		if _, known := index[child.RemoteID]; known {
			continue
		}

		var fresh *meta.Record
		err := e.limiter.Do(ctx, func() error {
			var mdErr error
			fresh, mdErr = e.remote.GetMetadata(ctx, child.RemoteID)
			return mdErr
		})
		childRel := path.Join(rel, child.Name)
		if err != nil {
			report.anomaly(Anomaly{Path: childRel, Kind: AnomalyStaleCache, Detail: err.Error()})
			continue
		}

		childAbs := filepath.Join(e.layout.Root, filepath.FromSlash(childRel))
		if child.Kind.IsContainer() {
			if err := os.MkdirAll(childAbs, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", childRel, err)
			}
		} else if kind, _ := tree.KindOf(childAbs); kind != tree.KindFetchedFile {
			if err := tree.CreatePlaceholder(childAbs, e.layout.ObjectPath(fresh.RemoteID)); err != nil {
				return err
			}
		}
		if err := e.store.Put(childRel, fresh); err != nil {
			return err
		}
		index[fresh.RemoteID] = childRel
		report.Pulled++
		logger.Info("Discovered %s during refresh", childRel)
	}
	return nil
}

// refreshOne fetches fresh metadata for one path and applies it. Used on
// the serial paths (directories, pull reconciliation).
func (e *Engine) refreshOne(ctx context.Context, rel string, index map[string]string, opts RefreshOptions, report *Report) (*RefreshResult, error) {
	rec, err := e.store.Get(rel)
	if err != nil {
		return nil, err
	}

	var fresh *meta.Record
	fetchErr := e.limiter.Do(ctx, func() error {
		var err error
		fresh, err = e.remote.GetMetadata(ctx, rec.RemoteID)
		return err
	})
	return e.applyRefresh(rel, fresh, fetchErr, index, opts, report)
}

// applyRefresh reconciles one path against already-fetched remote state.
// All filesystem and cache mutation for refresh funnels through here,
// serially per batch.
func (e *Engine) applyRefresh(rel string, fresh *meta.Record, fetchErr error, index map[string]string, opts RefreshOptions, report *Report) (*RefreshResult, error) {
	old, err := e.store.Get(rel)
	if err != nil {
		return nil, err
	}

	if fetchErr != nil {
		if errors.Is(fetchErr, remote.ErrNotFound) {
			logger.Info("Remote removed %s", rel)
			return &RefreshResult{Outcome: RefreshRemoved, OldRel: rel, NewRel: rel}, nil
		}
		return nil, fetchErr
	}

	merged := mergeContent(old, fresh)
	res := &RefreshResult{Outcome: RefreshOK, OldRel: rel, NewRel: rel, Record: merged}

	// The anchor root never moves locally; its record just tracks remote
	// state.
	if rel == "" {
		if err := e.store.Put(rel, merged); err != nil {
			return nil, err
		}
		report.Refreshed++
		return res, nil
	}

	parentRel, ok := index[fresh.ParentID]
	if !ok {
		report.Deferred = append(report.Deferred, rel)
		logger.Info("Deferring %s: new parent %s has no local path yet", rel, fresh.ParentID)
		res.Outcome = RefreshParentMoved
		return res, nil
	}
	newRel := path.Join(parentRel, fresh.Name)

	if newRel != rel {
		outcome, err := e.applyMove(rel, newRel, merged, report)
		if err != nil {
			return nil, err
		}
		res.Outcome = outcome
		if outcome != RefreshMoved {
			return res, nil
		}
		res.NewRel = newRel

		// Keep the id index current: the moved subtree's ids now live
		// under the new prefix.
		index[merged.RemoteID] = newRel
		for id, r := range index {
			if strings.HasPrefix(r, rel+"/") {
				index[id] = newRel + strings.TrimPrefix(r, rel)
			}
		}
		rel = newRel
	} else {
		if err := e.store.Put(rel, merged); err != nil {
			return nil, err
		}
	}
	report.Refreshed++

	// Files missing locally get their placeholder back; refresh always
	// converges the tree toward the cache.
	if !merged.Kind.IsContainer() {
		abs := filepath.Join(e.layout.Root, filepath.FromSlash(rel))
		kind, _ := tree.KindOf(abs)
		if kind == tree.KindMissing {
			if err := tree.CreatePlaceholder(abs, e.layout.ObjectPath(merged.RemoteID)); err != nil {
				return nil, err
			}
		}
		if opts.UpdateData && kind == tree.KindFetchedFile && !eqRevision(old.FileID, merged.FileID) {
			res.NeedsFetch = true
		}
	}
	return res, nil
}

// applyMove relocates a local entry and its cache subtree. The
// filesystem move happens first; only when it lands is the cache
// rewritten and the rename logged, so a crash leaves the cache
// describing where things actually are not where they were headed.
func (e *Engine) applyMove(oldRel, newRel string, rec *meta.Record, report *Report) (RefreshOutcome, error) {
	oldAbs := filepath.Join(e.layout.Root, filepath.FromSlash(oldRel))
	newAbs := filepath.Join(e.layout.Root, filepath.FromSlash(newRel))

	if kind, _ := tree.KindOf(newAbs); kind != tree.KindMissing {
		occupant, _ := e.storeGet(newRel)
		if occupant != nil && occupant.RemoteID == rec.RemoteID {
			// Already moved by an earlier run; just clean up the stale
			// source record.
			if err := e.store.Delete(oldRel); err != nil {
				return RefreshBlocked, err
			}
			return RefreshMoved, e.store.Put(newRel, rec)
		}
		report.anomaly(Anomaly{
			Path:   newRel,
			Kind:   AnomalyMoveCollision,
			Have:   occupant,
			Want:   rec,
			Detail: fmt.Sprintf("move of %s blocked by existing entry", oldRel),
		})
		return RefreshBlocked, nil
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return RefreshBlocked, fmt.Errorf("failed to create parent for %s: %w", newRel, err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
			logger.Warn("Move %s -> %s blocked: destination not empty", oldRel, newRel)
			report.skip(oldRel, "destination not empty")
			return RefreshBlocked, nil
		}
		if os.IsNotExist(err) {
			report.Deferred = append(report.Deferred, oldRel)
			return RefreshParentMoved, nil
		}
		return RefreshBlocked, fmt.Errorf("failed to move %s to %s: %w", oldRel, newRel, err)
	}

	if err := e.store.Move(oldRel, newRel); err != nil {
		return RefreshBlocked, err
	}
	if err := e.store.Put(newRel, rec); err != nil {
		return RefreshBlocked, err
	}

	entry := cache.RenameEntry{OldPath: oldRel, NewPath: newRel, RemoteID: rec.RemoteID}
	if err := cache.AppendRename(e.layout.RenameLogPath(), entry); err != nil {
		logger.Warn("Failed to log rename %s -> %s: %v", oldRel, newRel, err)
	}
	report.Moved = append(report.Moved, entry)
	logger.Info("Moved %s -> %s", oldRel, newRel)
	return RefreshMoved, nil
}

// RefreshAll refreshes every cached path under start (anchor-relative;
// "" for the whole anchor).
func (e *Engine) RefreshAll(ctx context.Context, start string, opts RefreshOptions) (*Report, error) {
	all, err := e.store.All()
	if err != nil {
		return nil, err
	}

	var rels []string
	for rel := range all {
		if underAny(rel, []string{start}) {
			rels = append(rels, rel)
		}
	}
	sort.Strings(rels)
	return e.Refresh(ctx, rels, opts)
}
