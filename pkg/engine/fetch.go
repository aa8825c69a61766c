package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
	"github.com/remorafs/remora/pkg/tree"
)

// maxConcurrentFetches bounds in-flight downloads. The rate limiter
// already bounds call rate; this bounds memory and open descriptors.
const maxConcurrentFetches = 8

// FetchOptions bound a content fetch.
type FetchOptions struct {
	// SizeLimitMB skips files whose recorded size exceeds the limit.
	// Negative means unlimited.
	SizeLimitMB float64

	// Overwrite re-downloads even when differing local content exists.
	// Without it, differing content is reported and left alone.
	Overwrite bool
}

// Fetch downloads content for the given anchor-relative paths, turning
// placeholders into resolving links into the object cache.
//
// Every transfer is verified against the cached record: a size or
// checksum mismatch discards the downloaded bytes and flags the path as
// a truncated transfer rather than silently accepting it. Paths are
// independent, so downloads run concurrently; the report is the only
// shared state. A remote failure on one path lands in the report and the
// rest of the batch keeps going; only local store and filesystem
// failures abort the run.
func (e *Engine) Fetch(ctx context.Context, rels []string, opts FetchOptions) (*Report, error) {
	report := newReport()
	var mu sync.Mutex

	sorted := append([]string(nil), rels...)
	sort.Strings(sorted)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, rel := range sorted {
		g.Go(func() error {
			outcome := e.fetchPath(gctx, rel, opts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.err != nil:
				return outcome.err
			case outcome.anomaly != nil:
				report.anomaly(*outcome.anomaly)
			case outcome.skipReason != "":
				report.skip(rel, outcome.skipReason)
			default:
				report.Fetched++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// fetchOutcome is the per-path result folded into the report under lock.
type fetchOutcome struct {
	skipReason string
	anomaly    *Anomaly
	err        error
}

func (e *Engine) fetchPath(ctx context.Context, rel string, opts FetchOptions) fetchOutcome {
	rec, err := e.store.Get(rel)
	if err != nil {
		if errors.Is(err, cache.ErrNoCachedMetadata) {
			return fetchOutcome{anomaly: &Anomaly{
				Path:   rel,
				Kind:   AnomalyStaleCache,
				Detail: "no cached metadata",
			}}
		}
		return fetchOutcome{err: err}
	}
	if rec.Kind.IsContainer() {
		return fetchOutcome{skipReason: "not a file"}
	}
	if !rec.HasContent() {
		return fetchOutcome{skipReason: "no remote content"}
	}
	if opts.SizeLimitMB >= 0 && rec.Size != nil && rec.SizeMB() > opts.SizeLimitMB {
		return fetchOutcome{skipReason: fmt.Sprintf("size %.1fMB exceeds limit %.1fMB", rec.SizeMB(), opts.SizeLimitMB)}
	}

	abs := filepath.Join(e.layout.Root, filepath.FromSlash(rel))
	kind, err := tree.KindOf(abs)
	if err != nil {
		return fetchOutcome{err: err}
	}
	if kind == tree.KindFetchedFile && !opts.Overwrite {
		same, err := localMatchesRecord(abs, rec)
		if err != nil {
			return fetchOutcome{err: err}
		}
		if same {
			return fetchOutcome{skipReason: "already fetched"}
		}
		return fetchOutcome{anomaly: &Anomaly{
			Path:   rel,
			Kind:   AnomalySkippedExisting,
			Have:   rec,
			Detail: "local content differs; pass overwrite to replace",
		}}
	}

	var body io.ReadCloser
	var advertised int64
	err = e.limiter.Do(ctx, func() error {
		var dlErr error
		body, advertised, dlErr = e.remote.Download(ctx, rec.RemoteID)
		return dlErr
	})
	if err != nil {
		// The object can vanish between refresh and fetch; that is the
		// cache going stale, not a batch failure.
		if errors.Is(err, remote.ErrNotFound) {
			return fetchOutcome{anomaly: &Anomaly{
				Path:   rel,
				Kind:   AnomalyStaleCache,
				Have:   rec,
				Detail: "content removed on remote; refresh to reconcile",
			}}
		}
		return fetchOutcome{skipReason: fmt.Sprintf("download failed: %v", err)}
	}
	defer body.Close()

	if opts.SizeLimitMB >= 0 && advertised >= 0 && float64(advertised)/(1024*1024) > opts.SizeLimitMB {
		return fetchOutcome{skipReason: fmt.Sprintf("advertised size exceeds limit %.1fMB", opts.SizeLimitMB)}
	}

	objectPath := e.layout.ObjectPath(rec.RemoteID)
	written, sum, err := writeObject(objectPath, body)
	if err != nil {
		return fetchOutcome{err: err}
	}

	// Verification is against the cached record, not the transfer
	// headers: the record is what the user was promised.
	if rec.Size != nil && written != *rec.Size {
		os.Remove(objectPath)
		return fetchOutcome{anomaly: &Anomaly{
			Path:   rel,
			Kind:   AnomalyTruncatedTransfer,
			Have:   rec,
			Detail: fmt.Sprintf("transferred %d bytes, expected %d", written, *rec.Size),
		}}
	}
	if rec.Checksum != nil && sum != *rec.Checksum {
		os.Remove(objectPath)
		return fetchOutcome{anomaly: &Anomaly{
			Path:   rel,
			Kind:   AnomalyTruncatedTransfer,
			Have:   rec,
			Detail: "checksum mismatch after transfer",
		}}
	}

	if err := tree.CreatePlaceholder(abs, objectPath); err != nil {
		return fetchOutcome{err: err}
	}

	verified := rec.Clone()
	verified.Size = meta.Int64(written)
	verified.Checksum = meta.String(sum)
	if err := e.store.Put(rel, verified); err != nil {
		return fetchOutcome{err: err}
	}

	logger.Debug("Fetched %s (%d bytes)", rel, written)
	return fetchOutcome{}
}

// writeObject streams body into the object cache through a temp file, so
// a crashed transfer never leaves a half-written object behind the
// resolving placeholder links.
func writeObject(objectPath string, body io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(objectPath), 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp := objectPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create object file: %w", err)
	}

	h := sha256.New()
	written, err := io.Copy(f, io.TeeReader(body, h))
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("failed to write object: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("failed to close object file: %w", closeErr)
	}

	if err := os.Rename(tmp, objectPath); err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("failed to finalize object: %w", err)
	}
	return written, hex.EncodeToString(h.Sum(nil)), nil
}

// localMatchesRecord compares a local file's size and checksum against
// the cached record. Unknown record fields do not count as mismatches.
func localMatchesRecord(abs string, rec *meta.Record) (bool, error) {
	if rec.Size != nil {
		size, err := tree.FileSize(abs)
		if err != nil {
			return false, err
		}
		if size != *rec.Size {
			return false, nil
		}
	}
	if rec.Checksum != nil {
		sum, err := tree.Checksum(abs)
		if err != nil {
			return false, err
		}
		if sum != *rec.Checksum {
			return false, nil
		}
	}
	return true, nil
}
