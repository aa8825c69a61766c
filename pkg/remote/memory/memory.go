// Package memory implements an in-memory remote object store.
//
// This is the memory twin of the S3-backed client: the same Client
// interface over a mutable map of objects. It backs the "memory" remote
// type in configuration and is the fixture every engine test builds on,
// since tests can reshape the remote (move objects, change revisions,
// delete subtrees) between engine runs.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
)

// object is one stored remote object: its metadata plus optional content.
type object struct {
	record  *meta.Record
	content []byte
}

// MemoryClient implements remote.Client over an in-process object table.
//
// Thread safety: all methods take the store mutex; the client may be used
// from concurrent engine batches exactly like a real remote.
type MemoryClient struct {
	mu sync.RWMutex

	// objects maps remote id to the object's current state.
	objects map[string]*object

	// credentials holds the project ids this client may access.
	credentials map[string]bool

	// nextFileID issues content revision identifiers.
	nextFileID int64
}

// NewMemoryClient creates an empty in-memory remote store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects:     make(map[string]*object),
		credentials: make(map[string]bool),
		nextFileID:  1,
	}
}

// AddCredential authorizes access to a project id.
func (c *MemoryClient) AddCredential(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials[projectID] = true
}

// PutObject inserts or replaces an object. The record is cloned so later
// test mutations of the argument do not leak into the store.
func (c *MemoryClient) PutObject(r *meta.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	clone := r.Clone()
	if clone.Created.IsZero() {
		clone.Created = now
	}
	if clone.Updated.IsZero() {
		clone.Updated = now
	}
	c.objects[clone.RemoteID] = &object{record: clone}
}

// PutContent stores content bytes for a file object, assigning a fresh
// revision id and recording size and checksum the way a real store does.
func (c *MemoryClient) PutContent(remoteID string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[remoteID]
	if !ok {
		return fmt.Errorf("put content %s: %w", remoteID, remote.ErrNotFound)
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	rec := obj.record.Clone()
	rec.FileID = meta.Int64(c.nextFileID)
	c.nextFileID++
	rec.Size = meta.Int64(int64(len(content)))
	rec.Checksum = meta.String(checksum)
	rec.Updated = time.Now().UTC()

	obj.record = rec
	obj.content = append([]byte(nil), content...)
	return nil
}

// MoveObject reparents and/or renames an object, bumping its Updated
// timestamp. Tests use this to simulate remote-side moves.
func (c *MemoryClient) MoveObject(remoteID, newParentID, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[remoteID]
	if !ok {
		return fmt.Errorf("move %s: %w", remoteID, remote.ErrNotFound)
	}

	rec := obj.record.Clone()
	if newParentID != "" {
		rec.ParentID = newParentID
	}
	if newName != "" {
		rec.Name = newName
	}
	rec.Updated = time.Now().UTC()
	obj.record = rec
	return nil
}

// RemoveObject deletes an object and, recursively, its descendants.
func (c *MemoryClient) RemoveObject(remoteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(remoteID)
}

func (c *MemoryClient) removeLocked(remoteID string) {
	delete(c.objects, remoteID)
	for id, obj := range c.objects {
		if obj.record.ParentID == remoteID {
			c.removeLocked(id)
		}
	}
}

// TruncateContent corrupts stored content without updating the recorded
// checksum. Only tests use this, to provoke truncated-transfer detection.
func (c *MemoryClient) TruncateContent(remoteID string, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[remoteID]
	if !ok || obj.content == nil {
		return fmt.Errorf("truncate %s: %w", remoteID, remote.ErrNotFound)
	}
	if n > len(obj.content) {
		n = len(obj.content)
	}
	obj.content = obj.content[:n]
	return nil
}

// ListChildren implements remote.Client. Children are returned in a
// stable name order so repeated listings diff cleanly.
func (c *MemoryClient) ListChildren(ctx context.Context, remoteID string) ([]remote.ObjectSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.objects[remoteID]; !ok {
		return nil, fmt.Errorf("list children %s: %w", remoteID, remote.ErrNotFound)
	}

	var children []remote.ObjectSummary
	for _, obj := range c.objects {
		if obj.record.ParentID == remoteID {
			children = append(children, remote.ObjectSummary{
				RemoteID: obj.record.RemoteID,
				ParentID: obj.record.ParentID,
				Name:     obj.record.Name,
				Kind:     obj.record.Kind,
			})
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

// GetMetadata implements remote.Client.
func (c *MemoryClient) GetMetadata(ctx context.Context, remoteID string) (*meta.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, ok := c.objects[remoteID]
	if !ok {
		return nil, fmt.Errorf("get metadata %s: %w", remoteID, remote.ErrNotFound)
	}
	return obj.record.Clone(), nil
}

// Download implements remote.Client.
func (c *MemoryClient) Download(ctx context.Context, remoteID string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, ok := c.objects[remoteID]
	if !ok {
		return nil, 0, fmt.Errorf("download %s: %w", remoteID, remote.ErrNotFound)
	}
	if obj.content == nil {
		return nil, 0, fmt.Errorf("download %s: object has no content", remoteID)
	}

	buf := append([]byte(nil), obj.content...)
	return io.NopCloser(bytes.NewReader(buf)), int64(len(buf)), nil
}

// CreateRoot implements remote.Client.
func (c *MemoryClient) CreateRoot(ctx context.Context, projectID string) (*meta.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.credentials[projectID] {
		return nil, fmt.Errorf("project %s: %w", projectID, remote.ErrMissingCredential)
	}

	obj, ok := c.objects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, remote.ErrNotFound)
	}
	return obj.record.Clone(), nil
}
