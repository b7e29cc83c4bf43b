package sqlite

import (
	"fmt"

	"github.com/cachemirror/cachemirror/internal/container"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

// CacheStorage bridges the in-memory cache tree to the DAO. It loads the
// tree from the snapshot it is bound to, stages downloaded archive bytes
// as they arrive, and on save interns descriptors and links them to the
// (possibly rebound) snapshot.
type CacheStorage struct {
	entry *types.CacheEntry
	dao   *DAO

	// dataIDs maps index<<32|archive to the blob id staged by Write,
	// consumed when Save meets a descriptor with no interned row.
	dataIDs map[uint64]int64
}

var _ store.Storage = (*CacheStorage)(nil)

// NewCacheStorage binds the adapter to a snapshot and the run's DAO.
func NewCacheStorage(entry *types.CacheEntry, dao *DAO) *CacheStorage {
	return &CacheStorage{
		entry:   entry,
		dao:     dao,
		dataIDs: make(map[uint64]int64),
	}
}

// CacheEntry returns the snapshot the adapter is bound to.
func (s *CacheStorage) CacheEntry() *types.CacheEntry {
	return s.entry
}

// SetCacheEntry rebinds the adapter. The driver swaps the snapshot
// between loading the previous mirror and saving into a fresh one.
func (s *CacheStorage) SetCacheEntry(entry *types.CacheEntry) {
	s.entry = entry
}

// Load rehydrates the tree from the bound snapshot: one index per master
// entry, with settings and archive lists parsed from the stored metadata
// blob. Archive payloads are not read.
func (s *CacheStorage) Load(st *store.Store) error {
	entries, err := s.dao.FindIndexesForCache(s.entry)
	if err != nil {
		return err
	}

	for _, indexEntry := range entries {
		idx := st.AddIndex(indexEntry.ArchiveID)
		idx.CRC = indexEntry.CRC
		idx.Revision = indexEntry.Revision

		// The metadata blob carries the archive and file lists, which are
		// not stored anywhere else; it must be parsed, not just linked.
		blob, err := s.dao.ReadData(indexEntry.DataID)
		if err != nil {
			return fmt.Errorf("index %d: %w", idx.ID, err)
		}

		res, err := container.Decompress(blob)
		if err != nil {
			return fmt.Errorf("index %d: %w", idx.ID, err)
		}

		var id store.IndexData
		if err := id.Load(res.Data); err != nil {
			return fmt.Errorf("index %d: %w", idx.ID, err)
		}

		idx.Protocol = id.Protocol
		idx.Revision = id.Revision
		idx.Named = id.Named
		idx.Sized = id.Sized
		idx.CRC = res.CRC
		idx.Compression = res.Compression

		for _, ad := range id.Archives {
			a := idx.AddArchive(ad.ID)
			a.NameHash = ad.NameHash
			a.CRC = ad.CRC
			a.Revision = ad.Revision
			a.CompressedSize = ad.CompressedSize
			a.DecompressedSize = ad.DecompressedSize
			a.Files = ad.Files
		}
	}

	return nil
}

// Save persists the tree into the bound snapshot: the metadata blob of
// every index plus a descriptor per archive, reusing interned rows where
// the tuple already exists.
func (s *CacheStorage) Save(st *store.Store) error {
	for _, idx := range st.Indexes() {
		if err := s.saveIndex(idx); err != nil {
			return err
		}

		for _, a := range idx.Archives() {
			id, err := s.dao.FindArchive(idx.ID, a.ID, a.CRC, a.NameHash, a.Revision)
			if err != nil {
				return err
			}
			if id == -1 {
				dataID, ok := s.dataIDs[stagingKey(idx.ID, a.ID)]
				if !ok {
					return fmt.Errorf("archive %d/%d: %w", idx.ID, a.ID, types.ErrMissingStagedData)
				}
				id, err = s.dao.InsertArchive(idx.ID, a.ID, a.CRC, a.NameHash, a.Revision, dataID)
				if err != nil {
					return err
				}
			}
			if err := s.dao.LinkArchive(s.entry.ID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveIndex re-serializes and re-compresses one index's metadata, then
// interns it under the master index namespace. Metadata containers never
// carry a revision trailer; the revision lives inside the record.
func (s *CacheStorage) saveIndex(idx *store.Index) error {
	data := idx.ToIndexData().Marshal()

	blob, crc, err := container.Compress(idx.Compression, -1, data)
	if err != nil {
		return fmt.Errorf("index %d: %w", idx.ID, err)
	}

	id, err := s.dao.FindArchive(types.MasterIndex, idx.ID, crc, 0, idx.Revision)
	if err != nil {
		return err
	}
	if id == -1 {
		dataID, err := s.dao.InsertData(blob)
		if err != nil {
			return err
		}
		id, err = s.dao.InsertArchive(types.MasterIndex, idx.ID, crc, 0, idx.Revision, dataID)
		if err != nil {
			return err
		}
	}

	if err := s.dao.LinkArchive(s.entry.ID, id); err != nil {
		return err
	}

	idx.CRC = crc
	return nil
}

// Write stages the compressed bytes of one downloaded archive: the blob
// row is inserted immediately, the id is resolved on save.
func (s *CacheStorage) Write(index, archive int, data []byte) error {
	id, err := s.dao.InsertData(data)
	if err != nil {
		return err
	}
	s.dataIDs[stagingKey(index, archive)] = id
	return nil
}

// Read is not supported: archives staged during a run cannot be read
// back within the same run.
func (s *CacheStorage) Read(index, archive int) ([]byte, error) {
	return nil, types.ErrUnsupported
}

func stagingKey(index, archive int) uint64 {
	return uint64(index)<<32 | uint64(uint32(archive))
}
