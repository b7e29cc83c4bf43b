package types

import "time"

// MasterIndex is the synthetic index id under which per-index metadata
// blobs are addressed, both on the wire and in the archive table.
const MasterIndex = 255

// CacheEntry is one snapshot row: a complete point-in-time mirror,
// identified by the set of archive rows linked to it.
type CacheEntry struct {
	ID       int64
	Revision int
	Date     time.Time
}

// ArchiveEntry is one interned archive descriptor. The tuple
// (IndexID, ArchiveID, CRC, Revision, NameHash) is globally unique;
// DataID references the immutable blob holding the compressed bytes.
// IndexID == MasterIndex marks the metadata blob of index ArchiveID.
type ArchiveEntry struct {
	ID        int64
	IndexID   int
	ArchiveID int
	CRC       int32
	NameHash  int32
	Revision  int
	DataID    int64
}

// IndexInfo is one record of the remote master index: the advertised
// checksum and revision of index ID.
type IndexInfo struct {
	ID       int
	CRC      int32
	Revision int
}
