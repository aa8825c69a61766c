// Package engine implements the synchronization core of remora.
//
// The engine mirrors a hierarchical remote object store onto a local
// anchor directory: bootstrap/pull materializes remote structure as
// placeholders, refresh reconciles cached metadata with current remote
// state (detecting moves and removals), fetch downloads content under a
// size limit, and the dedupe resolver repairs the one-id-many-paths
// anomaly. Remote calls fan out concurrently but always through a shared
// rate limiter; local filesystem mutations for one subtree are applied
// serially in request order, so children are never moved before the move
// of their parent has been applied.
//
// The engine treats every run as at-least-once per path: a unit of work
// either completes or reports its own error, and re-running converges.
// Only configuration errors (missing credential, non-empty clone target)
// abort a run outright.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/remorafs/remora/internal/ratelimiter"
	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
)

var (
	// ErrDirectoryNotEmpty indicates a clone target already contains
	// entries. No mutation has been performed when this is returned.
	ErrDirectoryNotEmpty = errors.New("destination directory is not empty")

	// ErrAlreadyInAnchor indicates a clone target is already inside a
	// mirrored project. Anchors must not overlap.
	ErrAlreadyInAnchor = errors.New("destination is already inside a mirrored project")
)

// Config assembles an Engine. All collaborators are explicit: the engine
// has no process-wide state, so two engines over different anchors can
// run in one process.
type Config struct {
	// Remote is the remote store client.
	Remote remote.Client

	// Store is the anchor's metadata cache.
	Store *cache.Store

	// AnchorRoot is the local root of the mirrored tree.
	AnchorRoot string

	// RatePerSecond bounds outbound remote calls. 0 means unlimited,
	// which is only sensible against the in-memory remote.
	RatePerSecond uint

	// Burst is the rate limiter burst capacity. 0 defaults to the rate.
	Burst uint
}

// Engine orchestrates synchronization between the remote store and one
// local anchor.
type Engine struct {
	remote  remote.Client
	store   *cache.Store
	layout  cache.Layout
	limiter *ratelimiter.RateLimiter
}

// New creates an Engine for an existing anchor.
func New(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.AnchorRoot == "" {
		return nil, fmt.Errorf("anchor root is required")
	}

	root, err := filepath.Abs(cfg.AnchorRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve anchor root: %w", err)
	}

	return &Engine{
		remote:  cfg.Remote,
		store:   cfg.Store,
		layout:  cache.Layout{Root: root},
		limiter: ratelimiter.New(cfg.RatePerSecond, cfg.Burst),
	}, nil
}

// Layout exposes the anchor's on-disk layout to collaborating packages
// (stash, CLI output).
func (e *Engine) Layout() cache.Layout { return e.layout }

// Store exposes the metadata cache.
func (e *Engine) Store() *cache.Store { return e.store }

// AnomalyKind classifies a recoverable consistency anomaly.
type AnomalyKind string

const (
	// AnomalyDuplicateID: one remote id resolved to several local paths.
	AnomalyDuplicateID AnomalyKind = "duplicate-id"

	// AnomalyMoveCollision: a detected move targets a path that already
	// exists locally with different content.
	AnomalyMoveCollision AnomalyKind = "move-collision"

	// AnomalyTruncatedTransfer: fetched content does not match the
	// cached checksum or size.
	AnomalyTruncatedTransfer AnomalyKind = "truncated-transfer"

	// AnomalySkippedExisting: fetch found differing local content and
	// overwrite was not requested.
	AnomalySkippedExisting AnomalyKind = "skipped-existing"

	// AnomalyStaleCache: the local entry disagrees with its cached
	// record outside of a fetch (status surface).
	AnomalyStaleCache AnomalyKind = "stale-cache"
)

// Anomaly is one structured report entry for a recoverable problem. The
// run continues past anomalies; only configuration errors abort it.
type Anomaly struct {
	// Path is the affected anchor-relative path.
	Path string

	// Kind classifies the anomaly.
	Kind AnomalyKind

	// Have is the cached record at the time of detection, when relevant.
	Have *meta.Record

	// Want is the conflicting record (fresh remote state, or the record
	// of the colliding path), when relevant.
	Want *meta.Record

	// Detail is a human-readable elaboration.
	Detail string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s: %s (%s)", a.Kind, a.Path, a.Detail)
}

// Report accumulates the outcome of one engine run: what was touched,
// what was skipped, and every anomaly found. It is the structured
// alternative to crashing on the first inconsistency.
type Report struct {
	// Refreshed counts paths whose metadata was reconciled.
	Refreshed int

	// Fetched counts paths whose content was downloaded and verified.
	Fetched int

	// Pulled counts paths materialized by bootstrap.
	Pulled int

	// Pruned counts paths moved to trash after remote removal.
	Pruned int

	// Moved lists applied relocations, in application order.
	Moved []cache.RenameEntry

	// Skipped maps anchor-relative path to the reason it was skipped.
	Skipped map[string]string

	// Anomalies lists every recoverable problem encountered.
	Anomalies []Anomaly

	// Deferred lists paths whose refresh must wait for an ancestor
	// (parent moved) and should be retried on the next run.
	Deferred []string
}

func newReport() *Report {
	return &Report{Skipped: make(map[string]string)}
}

func (r *Report) skip(rel, reason string) {
	r.Skipped[rel] = reason
}

func (r *Report) anomaly(a Anomaly) {
	r.Anomalies = append(r.Anomalies, a)
}

// HasAnomalies reports whether the run found consistency problems.
func (r *Report) HasAnomalies() bool { return len(r.Anomalies) > 0 }
