package cache

// Database Key Namespace Design
// ==============================
//
// The anchor cache is a BadgerDB key-value store, so prefixed keys organize
// the data types into namespaces:
//
// Data Type          Prefix   Key Format        Value Type
// =================================================================
// Path Records       "r:"     r:<relPath>       meta.Record (JSON)
//
// Path Records (r:)
//   - One entry per mirrored path, keyed by the slash-separated path
//     relative to the anchor root ("" for the anchor itself).
//   - Keying by relative path makes subtree operations range scans:
//     all descendants of dir "x/y" share the prefix "r:x/y/". A
//     directory move is a transactional prefix rewrite, which is what
//     gives the "no torn record, whole subtree or error" guarantee.
//   - Point lookup by path: O(1). Duplicate-id detection is a full scan,
//     acceptable because it is a repair operation, not a hot path.
//
// The anchor's own identity (project id, root remote id) deliberately
// lives outside the database, in the plain-text marker.yaml, so that
// find-anchor-root probing and humans never need to open BadgerDB.

const prefixRecord = "r:"

// recordKey returns the database key for a path's metadata record.
func recordKey(relPath string) []byte {
	return []byte(prefixRecord + relPath)
}

// recordPrefix returns the scan prefix covering a directory's descendants.
func recordPrefix(relPath string) []byte {
	if relPath == "" {
		return []byte(prefixRecord)
	}
	return []byte(prefixRecord + relPath + "/")
}

// pathFromKey recovers the relative path from a record key.
func pathFromKey(key []byte) string {
	return string(key[len(prefixRecord):])
}
