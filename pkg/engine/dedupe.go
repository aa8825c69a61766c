package engine

import (
	"fmt"
	"sort"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/meta"
)

// DuplicateGroup is one remote id claimed by several local paths. The
// steady-state invariant is one path per id; a group is the residue of
// an interrupted move or a past sync bug, and resolving it keeps exactly
// one path.
type DuplicateGroup struct {
	// RemoteID is the contested id.
	RemoteID string

	// Ranked lists the claiming paths, best claim first. The head is the
	// canonical path; the tail is removable.
	Ranked []string

	// Records holds each path's cached record, nil where the cache has
	// none.
	Records map[string]*meta.Record
}

// Canonical returns the path that keeps the id.
func (g DuplicateGroup) Canonical() string { return g.Ranked[0] }

// Removable returns the paths to retire.
func (g DuplicateGroup) Removable() []string { return g.Ranked[1:] }

// Duplicates scans the cache for remote ids mapped by more than one path
// and ranks each group. Groups come back sorted by id so repeated scans
// present identically.
func (e *Engine) Duplicates() ([]DuplicateGroup, error) {
	groups, err := e.store.DuplicateGroups()
	if err != nil {
		return nil, err
	}

	result := make([]DuplicateGroup, 0, len(groups))
	for id, paths := range groups {
		records := make(map[string]*meta.Record, len(paths))
		for _, rel := range paths {
			rec, _ := e.storeGet(rel)
			records[rel] = rec
		}
		result = append(result, DuplicateGroup{
			RemoteID: id,
			Ranked:   rankDuplicates(paths, records),
			Records:  records,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RemoteID < result[j].RemoteID })
	return result, nil
}

// rankDuplicates orders claiming paths best claim first:
//
//  1. paths with a cached record before paths without one
//  2. records with a known update time before records without
//  3. newer update time before older
//  4. lexicographic path, so ranking is total and stable
//
// The intuition: the path the remote told us about most recently is the
// one the remote currently means.
func rankDuplicates(paths []string, records map[string]*meta.Record) []string {
	ranked := append([]string(nil), paths...)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := records[ranked[i]], records[ranked[j]]

		aHas, bHas := a != nil, b != nil
		if aHas != bHas {
			return aHas
		}
		if aHas {
			aTimed, bTimed := !a.Updated.IsZero(), !b.Updated.IsZero()
			if aTimed != bTimed {
				return aTimed
			}
			if aTimed && !a.Updated.Equal(b.Updated) {
				return a.Updated.After(b.Updated)
			}
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

// ResolveDuplicates retires a group's removable paths to trash, leaving
// the canonical path as the id's only claimant.
//
// A removable path whose record has no known size is refused without
// force: an unknown size means we cannot rule out that the path holds
// the only copy of real content.
func (e *Engine) ResolveDuplicates(group DuplicateGroup, force bool) (*Report, error) {
	report := newReport()

	for _, rel := range group.Removable() {
		rec := group.Records[rel]
		if rec != nil && !rec.Kind.IsContainer() && rec.Size == nil && !force {
			report.skip(rel, "size unknown; refusing to remove without force")
			report.anomaly(Anomaly{
				Path:   rel,
				Kind:   AnomalyDuplicateID,
				Have:   rec,
				Detail: fmt.Sprintf("duplicate of %s left in place", group.Canonical()),
			})
			continue
		}
		if err := e.retire(rel); err != nil {
			return report, err
		}
		report.Pruned++
		logger.Info("Removed duplicate %s (canonical: %s)", rel, group.Canonical())
	}
	return report, nil
}
