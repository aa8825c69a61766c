// Package cache persists the per-anchor metadata cache.
//
// Every anchor (the local root of one mirrored remote project) owns a
// BadgerDB database inside its control directory mapping anchor-relative
// paths to their last known remote metadata records. The database is the
// single source of truth for "last known remote state": the sync engine
// reads it to plan refreshes and fetches, and rewrites it as the remote
// reports changes. Alongside the database the control directory holds the
// anchor marker, the append-only rename log and the local object cache.
package cache

import (
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/remorafs/remora/pkg/meta"
)

// ErrNoCachedMetadata indicates a path has no record in the cache. This is
// distinct from a record with empty fields: "never seen" versus "seen,
// nothing known yet".
var ErrNoCachedMetadata = errors.New("no cached metadata for path")

// Store is the BadgerDB-backed metadata cache for one anchor.
//
// Thread safety: Badger transactions make individual record reads and
// writes atomic, so a reader racing a refresh of the same path observes
// either the old or the new record, never a torn one. Distinct paths
// never contend for the same record.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the cache database under dir.
//
// Options follow the metadata workload: small values, frequent point
// lookups, occasional prefix scans. Compression is disabled because
// records are tiny, and Badger's own logging is reduced to warnings.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database at %s: %w", dir, err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the database. The store must not be used after.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	return nil
}

// Get returns the cached record for an anchor-relative path, or
// ErrNoCachedMetadata when the path has never received one.
func (s *Store) Get(relPath string) (*meta.Record, error) {
	var rec *meta.Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(relPath))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%s: %w", relPath, ErrNoCachedMetadata)
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			rec, err = meta.Decode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put writes the record for an anchor-relative path, superseding any
// previous record at that path.
func (s *Store) Put(relPath string, rec *meta.Record) error {
	bytes, err := meta.Encode(rec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(relPath), bytes)
	})
	if err != nil {
		return fmt.Errorf("failed to store record for %s: %w", relPath, err)
	}
	return nil
}

// Delete invalidates the record for a path. Deleting an absent record is
// not an error: the outcome is the same.
func (s *Store) Delete(relPath string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(relPath))
	})
	if err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", relPath, err)
	}
	return nil
}

// Move relocates the record at oldRel to newRel together with every
// descendant record, in one transaction. Either the whole subtree's keys
// are rewritten or the error leaves the cache untouched, which is what
// makes a directory move atomic from the caller's perspective.
func (s *Store) Move(oldRel, newRel string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		moveOne := func(oldKey []byte, newPath string) error {
			item, err := txn.Get(oldKey)
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set(recordKey(newPath), val); err != nil {
				return err
			}
			return txn.Delete(oldKey)
		}

		// The path's own record first.
		if err := moveOne(recordKey(oldRel), newRel); err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%s: %w", oldRel, ErrNoCachedMetadata)
			}
			return err
		}

		// Then every descendant, collected before rewriting so the
		// iterator never observes its own writes.
		type pending struct {
			oldKey  []byte
			newPath string
		}
		var moves []pending

		it := txn.NewIterator(badger.IteratorOptions{Prefix: recordPrefix(oldRel)})
		for it.Rewind(); it.Valid(); it.Next() {
			oldKey := it.Item().KeyCopy(nil)
			rel := pathFromKey(oldKey)
			moves = append(moves, pending{
				oldKey:  oldKey,
				newPath: newRel + strings.TrimPrefix(rel, oldRel),
			})
		}
		it.Close()

		for _, m := range moves {
			if err := moveOne(m.oldKey, m.newPath); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move cache subtree %s -> %s: %w", oldRel, newRel, err)
	}
	return nil
}

// All returns every cached record keyed by anchor-relative path.
func (s *Store) All() (map[string]*meta.Record, error) {
	records := make(map[string]*meta.Record)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixRecord), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rel := pathFromKey(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				rec, err := meta.Decode(val)
				if err != nil {
					return err
				}
				records[rel] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache: %w", err)
	}
	return records, nil
}

// DuplicateGroups scans the cache for remote ids mapped by more than one
// path. A non-empty result is a consistency anomaly: one remote id per
// local path is the steady-state invariant, violated only transiently by
// in-progress renames or past sync bugs.
func (s *Store) DuplicateGroups() (map[string][]string, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}

	byID := make(map[string][]string)
	for rel, rec := range all {
		byID[rec.RemoteID] = append(byID[rec.RemoteID], rel)
	}

	groups := make(map[string][]string)
	for id, paths := range byID {
		if len(paths) > 1 {
			groups[id] = paths
		}
	}
	return groups, nil
}
