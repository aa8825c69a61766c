// Package tree models the local filesystem side of a mirror.
//
// A Node pairs one filesystem entry with its optional cached metadata
// record. The entry is one of three kinds: a directory, a fetched file,
// or a placeholder - a deliberately broken symlink standing in for a
// remote file whose content has not been fetched yet. The placeholder's
// target points into the anchor's object cache, so fetching content at
// the recorded location turns the placeholder into a working link without
// touching the mirrored tree's structure.
package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/remorafs/remora/pkg/meta"
)

// Kind classifies a local filesystem entry.
type Kind int

const (
	// KindMissing means nothing exists at the path.
	KindMissing Kind = iota

	// KindDirectory is a local directory mirroring a remote container.
	KindDirectory

	// KindFilePlaceholder is a broken symlink standing in for remote
	// content that has not been fetched.
	KindFilePlaceholder

	// KindFetchedFile is a file whose content is present locally, either
	// a regular file or a symlink resolving into the object cache.
	KindFetchedFile
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindDirectory:
		return "directory"
	case KindFilePlaceholder:
		return "placeholder"
	case KindFetchedFile:
		return "file"
	default:
		return "unknown"
	}
}

// Node is one local path together with its cached remote state. Record is
// nil when the cache holds nothing for the path.
type Node struct {
	// Path is the absolute filesystem path.
	Path string

	// Rel is the anchor-relative path, the cache key.
	Rel string

	// Kind is the filesystem state observed when the node was built.
	Kind Kind

	// Record is the cached metadata, nil if none.
	Record *meta.Record
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Kind == KindDirectory }

// IsPlaceholder reports whether the node awaits content.
func (n *Node) IsPlaceholder() bool { return n.Kind == KindFilePlaceholder }

// KindOf inspects the filesystem and classifies path.
//
// The probe uses Lstat so placeholder symlinks are seen as links rather
// than followed: a symlink whose target exists is fetched content served
// from the object cache, a dangling one is a placeholder.
func KindOf(path string) (Kind, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return KindMissing, nil
	}
	if err != nil {
		return KindMissing, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.IsDir() {
		return KindDirectory, nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return KindFilePlaceholder, nil
			}
			return KindMissing, fmt.Errorf("failed to resolve symlink %s: %w", path, err)
		}
		return KindFetchedFile, nil
	}

	return KindFetchedFile, nil
}

// CreatePlaceholder materializes a broken symlink at path pointing at the
// object cache slot for remoteID. objectPath is where the content will
// land once fetched; the link target is stored relative to the
// placeholder's directory so the whole anchor can be relocated.
func CreatePlaceholder(path, objectPath string) error {
	target, err := filepath.Rel(filepath.Dir(path), objectPath)
	if err != nil {
		return fmt.Errorf("failed to compute placeholder target for %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}

	// Replacing an existing placeholder is a no-op refresh; anything
	// else at the path is the caller's problem to resolve first.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace placeholder %s: %w", path, err)
	}

	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("failed to create placeholder %s: %w", path, err)
	}
	return nil
}

// Checksum computes the hex SHA-256 of a local file's content, following
// symlinks into the object cache.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSize returns the content size of a local file, following symlinks.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// IsEmptyDir reports whether path is a directory with no entries.
func IsEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, fmt.Errorf("failed to read directory %s: %w", path, err)
	}
	return len(entries) == 0, nil
}
