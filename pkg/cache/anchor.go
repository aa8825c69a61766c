package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ControlDirName is the per-anchor control directory holding the
	// marker, cache database, logs and local object cache. It lives
	// inside the anchor root but is never part of the mirrored tree.
	ControlDirName = ".remora"

	markerFileName = "marker.yaml"
)

// ErrNotInAnchor indicates a path is not inside any mirrored project.
var ErrNotInAnchor = errors.New("path is not inside a mirrored project")

// Marker identifies a directory as the root of one mirrored project.
//
// The marker is deliberately a small standalone YAML file rather than a
// database entry: locating the enclosing anchor must work by walking up
// the directory tree without opening any database, and a human must be
// able to see what a mirror points at with cat.
type Marker struct {
	// ProjectID is the remote project this anchor mirrors.
	ProjectID string `yaml:"project_id"`

	// RemoteID is the remote id of the root container.
	RemoteID string `yaml:"remote_id"`

	// Name is the remote-side name of the root container.
	Name string `yaml:"name"`

	// CreatedAt is when the anchor was established.
	CreatedAt time.Time `yaml:"created_at"`
}

// Layout resolves the on-disk locations owned by one anchor.
type Layout struct {
	// Root is the anchor directory: the local root of the mirrored tree.
	Root string
}

// ControlDir returns the anchor's control directory.
func (l Layout) ControlDir() string { return filepath.Join(l.Root, ControlDirName) }

// MarkerPath returns the anchor marker file location.
func (l Layout) MarkerPath() string { return filepath.Join(l.ControlDir(), markerFileName) }

// DataDir returns the side-channel data directory (logs, cache database,
// rename log).
func (l Layout) DataDir() string { return filepath.Join(l.ControlDir(), "data") }

// CacheDBDir returns the BadgerDB directory.
func (l Layout) CacheDBDir() string { return filepath.Join(l.DataDir(), "cache") }

// RenameLogPath returns the append-only rename log location.
func (l Layout) RenameLogPath() string { return filepath.Join(l.DataDir(), "renames.log") }

// ObjectsDir returns the content-addressed local object cache directory.
func (l Layout) ObjectsDir() string { return filepath.Join(l.ControlDir(), "objects") }

// TrashDir returns the directory removal operations move paths into
// instead of unlinking them outright.
func (l Layout) TrashDir() string { return filepath.Join(l.ControlDir(), "trash") }

// StashBase returns the stash area for this anchor. Stashes live outside
// the anchor root so no stash is ever mistaken for mirrored content.
func (l Layout) StashBase() string {
	return filepath.Join(filepath.Dir(l.Root), "stash")
}

// ObjectPath returns the object cache location for a remote id. Remote
// ids may contain separators (e.g. "N:package:uuid"), so the id is used
// as a single path component after replacing path separators.
func (l Layout) ObjectPath(remoteID string) string {
	safe := make([]rune, 0, len(remoteID))
	for _, r := range remoteID {
		if r == '/' || r == os.PathSeparator {
			r = '_'
		}
		safe = append(safe, r)
	}
	return filepath.Join(l.ObjectsDir(), string(safe))
}

// Establish creates the anchor's control structure: control dir, data,
// objects and trash directories, and the marker file. The mirrored tree
// itself is populated afterwards by the engine's pull.
func (l Layout) Establish(m *Marker) error {
	for _, dir := range []string{l.ControlDir(), l.DataDir(), l.ObjectsDir(), l.TrashDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create anchor directory %s: %w", dir, err)
		}
	}
	return WriteMarker(l.MarkerPath(), m)
}

// WriteMarker writes the anchor marker file.
func WriteMarker(path string, m *Marker) error {
	bytes, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode anchor marker: %w", err)
	}
	if err := os.WriteFile(path, bytes, 0644); err != nil {
		return fmt.Errorf("failed to write anchor marker: %w", err)
	}
	return nil
}

// ReadMarker reads an anchor marker file.
func ReadMarker(path string) (*Marker, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read anchor marker: %w", err)
	}
	var m Marker
	if err := yaml.Unmarshal(bytes, &m); err != nil {
		return nil, fmt.Errorf("failed to decode anchor marker: %w", err)
	}
	return &m, nil
}

// FindAnchorRoot walks up from path looking for a directory carrying an
// anchor marker. Returns ErrNotInAnchor when the walk reaches the
// filesystem root without finding one.
func FindAnchorRoot(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	for {
		marker := filepath.Join(dir, ControlDirName, markerFileName)
		if _, err := os.Stat(marker); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: %w", path, ErrNotInAnchor)
		}
		dir = parent
	}
}
