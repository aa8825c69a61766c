// Package meta defines the metadata record cached for every mirrored path.
//
// A Record is the last known remote state of one local path: the remote
// identifier, the content revision, size, checksum and timestamps reported
// by the remote store. Records are immutable by convention - reconciliation
// produces a new Record rather than mutating one in place - so a reader
// racing a refresh observes either the old or the new record, never a mix.
package meta

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a remote object within the store hierarchy.
type Kind string

const (
	KindOrganization Kind = "organization"
	KindDataset      Kind = "dataset"
	KindFolder       Kind = "folder"
	KindFile         Kind = "file"
	KindPackage      Kind = "package"
)

// IsContainer reports whether objects of this kind have children.
func (k Kind) IsContainer() bool {
	switch k {
	case KindOrganization, KindDataset, KindFolder:
		return true
	default:
		return false
	}
}

// Record is the cached remote state for one local path.
//
// Field semantics:
//   - RemoteID is the opaque stable identifier issued by the remote store.
//   - FileID is the content revision identifier. nil means the remote
//     object has no uploaded content yet.
//   - Size is the remote-reported content size in bytes, nil until known.
//   - Checksum is the hex SHA-256 of the content. It is non-nil only after
//     content has been transferred and verified, or explicitly recomputed.
//     Size and Checksum are independent: a local file whose size disagrees
//     with Size while Checksum is set signals a truncated transfer.
//   - OldID is the previous RemoteID, set only during an id-migration
//     repair (see the fix-mismatch operation).
type Record struct {
	RemoteID string    `json:"remote_id"`
	ParentID string    `json:"parent_id,omitempty"`
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	FileID   *int64    `json:"file_id,omitempty"`
	Size     *int64    `json:"size,omitempty"`
	Checksum *string   `json:"checksum,omitempty"`
	Created  time.Time `json:"created,omitempty"`
	Updated  time.Time `json:"updated,omitempty"`
	OldID    string    `json:"old_id,omitempty"`
}

// Clone returns a deep copy of the record. Pointer fields are copied so
// the clone can be stored or rewritten without aliasing the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.FileID != nil {
		v := *r.FileID
		c.FileID = &v
	}
	if r.Size != nil {
		v := *r.Size
		c.Size = &v
	}
	if r.Checksum != nil {
		v := *r.Checksum
		c.Checksum = &v
	}
	return &c
}

// Equal reports whether two records describe identical remote state.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.RemoteID == o.RemoteID &&
		r.ParentID == o.ParentID &&
		r.Name == o.Name &&
		r.Kind == o.Kind &&
		eqInt64Ptr(r.FileID, o.FileID) &&
		eqInt64Ptr(r.Size, o.Size) &&
		eqStrPtr(r.Checksum, o.Checksum) &&
		r.Created.Equal(o.Created) &&
		r.Updated.Equal(o.Updated) &&
		r.OldID == o.OldID
}

// ContentDiffers reports whether the content-bearing fields (revision,
// size, checksum) of two records disagree. Identity fields are ignored so
// a local measurement can be compared against a cached record.
func (r *Record) ContentDiffers(o *Record) bool {
	if r == nil || o == nil {
		return (r == nil) != (o == nil)
	}
	if !eqInt64Ptr(r.Size, o.Size) {
		return true
	}
	if r.Checksum != nil && o.Checksum != nil && *r.Checksum != *o.Checksum {
		return true
	}
	return false
}

// HasContent reports whether the remote object has uploaded content.
func (r *Record) HasContent() bool {
	return r != nil && r.FileID != nil
}

// SizeMB returns the recorded size in megabytes, or -1 when unknown.
func (r *Record) SizeMB() float64 {
	if r == nil || r.Size == nil {
		return -1
	}
	return float64(*r.Size) / (1024 * 1024)
}

// Pretty renders the record for terminal display, one field per line.
// Unknown optional fields render as "??" so gaps are visible at a glance.
func (r *Record) Pretty() string {
	if r == nil {
		return "<no cached metadata>\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id:        %s\n", r.RemoteID)
	fmt.Fprintf(&b, "kind:      %s\n", r.Kind)
	fmt.Fprintf(&b, "name:      %s\n", r.Name)
	if r.ParentID != "" {
		fmt.Fprintf(&b, "parent:    %s\n", r.ParentID)
	}
	fmt.Fprintf(&b, "file_id:   %s\n", fmtInt64Ptr(r.FileID))
	fmt.Fprintf(&b, "size:      %s\n", fmtInt64Ptr(r.Size))
	fmt.Fprintf(&b, "checksum:  %s\n", fmtStrPtr(r.Checksum))
	if !r.Updated.IsZero() {
		fmt.Fprintf(&b, "updated:   %s\n", r.Updated.UTC().Format(time.RFC3339))
	}
	if r.OldID != "" {
		fmt.Fprintf(&b, "old_id:    %s\n", r.OldID)
	}
	return b.String()
}

// PrettyDiff renders a field-by-field comparison of two records, marking
// disagreeing fields with "!". Used by the meta --diff and status surfaces.
func (r *Record) PrettyDiff(o *Record) string {
	var b strings.Builder
	row := func(label, a, bb string) {
		marker := " "
		if a != bb {
			marker = "!"
		}
		fmt.Fprintf(&b, "%s %-10s %-40s %s\n", marker, label, a, bb)
	}

	row("file_id", fmtInt64Ptr(r.FileID), fmtInt64Ptr(o.FileID))
	row("size", fmtInt64Ptr(r.Size), fmtInt64Ptr(o.Size))
	row("checksum", fmtStrPtr(r.Checksum), fmtStrPtr(o.Checksum))
	return b.String()
}

// Encode serializes the record to JSON for storage as a cache value.
// JSON keeps cache values inspectable with standard tooling.
func Encode(r *Record) ([]byte, error) {
	bytes, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata record: %w", err)
	}
	return bytes, nil
}

// Decode deserializes a record previously produced by Encode.
func Decode(bytes []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(bytes, &r); err != nil {
		return nil, fmt.Errorf("failed to decode metadata record: %w", err)
	}
	return &r, nil
}

// Int64 returns a pointer to v. Convenience for building records.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to s. Convenience for building records.
func String(s string) *string { return &s }

func eqInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtInt64Ptr(v *int64) string {
	if v == nil {
		return "??"
	}
	return fmt.Sprintf("%d", *v)
}

func fmtStrPtr(v *string) string {
	if v == nil {
		return "??"
	}
	return *v
}
