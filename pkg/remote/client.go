// Package remote defines the client interface to the remote object store.
//
// The sync engine consumes the remote store exclusively through the Client
// interface, so the engine's correctness is independent of the transport.
// Two implementations ship with remora: an S3-backed client (remote/s3)
// that treats a bucket prefix tree as the store hierarchy, and an
// in-memory client (remote/memory) used by tests and dry runs.
package remote

import (
	"context"
	"errors"
	"io"

	"github.com/remorafs/remora/pkg/meta"
)

var (
	// ErrMissingCredential indicates no access credential is configured
	// for the requested project. Fatal: reported before any mutation.
	ErrMissingCredential = errors.New("no credential configured for remote project")

	// ErrNotFound indicates the remote object no longer exists.
	ErrNotFound = errors.New("remote object not found")
)

// ObjectSummary is one entry of a container listing.
type ObjectSummary struct {
	RemoteID string
	ParentID string
	Name     string
	Kind     meta.Kind
}

// Client is the remote object store interface consumed by the sync engine.
//
// All methods take a context because every call is a suspension point;
// the engine issues them through a shared rate limiter.
type Client interface {
	// ListChildren returns the direct children of a container object.
	ListChildren(ctx context.Context, remoteID string) ([]ObjectSummary, error)

	// GetMetadata returns the current metadata record for a remote object,
	// or ErrNotFound if it no longer exists.
	GetMetadata(ctx context.Context, remoteID string) (*meta.Record, error)

	// Download opens the content stream for a file object. The advisory
	// size is returned up front so callers can enforce limits before
	// reading; -1 means unknown. The caller owns closing the reader.
	Download(ctx context.Context, remoteID string) (io.ReadCloser, int64, error)

	// CreateRoot resolves a project id to its root container record.
	// Returns ErrMissingCredential when the project has no configured
	// credential.
	CreateRoot(ctx context.Context, projectID string) (*meta.Record, error)
}
