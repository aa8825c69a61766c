package engine

import (
	"context"
	"path/filepath"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/stash"
	"github.com/remorafs/remora/pkg/tree"
)

// FixMismatch repairs fetched files whose local content disagrees with
// their cached record.
//
// The divergent content is never destroyed: every mismatched path is
// stashed first, with its record stamped with the id it belonged to, and
// only then is the local entry reverted to a placeholder, its metadata
// refreshed and its content refetched. If the refetch itself fails
// verification the path stays a placeholder and the stash still holds
// the old bytes.
func (e *Engine) FixMismatch(ctx context.Context, start string, sizeLimitMB float64) (*Report, error) {
	report := newReport()

	entries, err := e.Status(start)
	if err != nil {
		return report, err
	}
	if len(entries) == 0 {
		return report, nil
	}

	rels := make([]string, 0, len(entries))
	for _, entry := range entries {
		rels = append(rels, entry.Rel)
	}

	mgr := stash.New(e.layout, e.store)
	stashDir, err := mgr.Stash(rels, func(rec *meta.Record) *meta.Record {
		rec.OldID = rec.RemoteID
		return rec
	})
	if err != nil {
		return report, err
	}
	logger.Info("Stashed %d mismatched paths to %s", len(rels), stashDir)

	for _, rel := range rels {
		abs := filepath.Join(e.layout.Root, filepath.FromSlash(rel))
		rec, ok := e.storeGet(rel)
		if !ok {
			report.skip(rel, "no cached metadata")
			continue
		}
		if err := tree.CreatePlaceholder(abs, e.layout.ObjectPath(rec.RemoteID)); err != nil {
			return report, err
		}
	}

	refreshReport, err := e.Refresh(ctx, rels, RefreshOptions{})
	if err != nil {
		return report, err
	}
	report.Refreshed = refreshReport.Refreshed
	report.Moved = append(report.Moved, refreshReport.Moved...)
	report.Anomalies = append(report.Anomalies, refreshReport.Anomalies...)

	// Refresh may have moved paths; fetch whatever they are called now.
	fetchRels := make([]string, 0, len(rels))
	for _, rel := range rels {
		fetchRels = append(fetchRels, rel)
	}
	for _, moved := range refreshReport.Moved {
		for i, rel := range fetchRels {
			if rel == moved.OldPath {
				fetchRels[i] = moved.NewPath
			}
		}
	}

	fetchReport, err := e.Fetch(ctx, fetchRels, FetchOptions{SizeLimitMB: sizeLimitMB, Overwrite: true})
	if err != nil {
		return report, err
	}
	report.Fetched = fetchReport.Fetched
	for rel, reason := range fetchReport.Skipped {
		report.skip(rel, reason)
	}
	report.Anomalies = append(report.Anomalies, fetchReport.Anomalies...)
	return report, nil
}
