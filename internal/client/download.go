package client

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/cachemirror/cachemirror/internal/container"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

// RequestIndexes fetches and parses the master index: one (crc, revision)
// record per index id, the record position being the id.
func (c *Client) RequestIndexes() ([]types.IndexInfo, error) {
	c.log.Info("requesting indexes")

	result, err := c.requestFileSync(types.MasterIndex, types.MasterIndex)
	if err != nil {
		return nil, err
	}

	res, err := container.Decompress(result.CompressedData)
	if err != nil {
		return nil, fmt.Errorf("master index: %w: %v", types.ErrProtocol, err)
	}

	contents := res.Data
	infos := make([]types.IndexInfo, 0, len(contents)/8)
	for i := 0; i+8 <= len(contents); i += 8 {
		infos = append(infos, types.IndexInfo{
			ID:       i / 8,
			CRC:      int32(uint32(contents[i])<<24 | uint32(contents[i+1])<<16 | uint32(contents[i+2])<<8 | uint32(contents[i+3])),
			Revision: int(int32(uint32(contents[i+4])<<24 | uint32(contents[i+5])<<16 | uint32(contents[i+6])<<8 | uint32(contents[i+7]))),
		})
	}
	return infos, nil
}

// Download reconciles the local tree against the remote master index:
// re-fetches the metadata of every index it uses, pipelines requests for new or
// changed archives, verifies and stages each download, and prunes
// archives and unused indexes the remote no longer carries. It returns
// once every outstanding request has drained.
func (c *Client) Download() error {
	started := time.Now()

	indexes, err := c.RequestIndexes()
	if err != nil {
		return err
	}

	for _, info := range indexes {
		if err := c.downloadIndex(info); err != nil {
			return err
		}
	}

	if err := c.flushRequests(); err != nil {
		return err
	}
	if err := c.drain(); err != nil {
		return err
	}

	c.log.Info("download completed", "elapsed", time.Since(started))
	return nil
}

func (c *Client) downloadIndex(info types.IndexInfo) error {
	idx := c.store.FindIndex(info.ID)

	// The real client never requests these and the server silently drops
	// requests for them.
	if UnusedIndexes[info.ID] {
		if idx != nil {
			c.log.Info("removing index", "index", info.ID)
			c.store.RemoveIndex(idx)
		}
		return nil
	}

	switch {
	case idx == nil:
		c.log.Info("index does not exist, creating", "index", info.ID)
	case idx.Revision != info.Revision:
		if info.Revision < idx.Revision {
			c.log.Warn("index revision is going backwards",
				"index", info.ID, "ours", idx.Revision, "theirs", info.Revision)
		} else {
			c.log.Info("index has the wrong revision",
				"index", info.ID, "ours", idx.Revision, "theirs", info.Revision)
		}
	case idx.CRC != info.CRC:
		c.log.Warn("index crc has changed",
			"index", info.ID, "ours", idx.CRC, "theirs", info.CRC)
	default:
		// Up to date, but the archive list may still reference content
		// that was never fetched, so the index is walked regardless.
		c.log.Info("index is up to date", "index", info.ID)
	}

	c.log.Info("downloading index", "index", info.ID)

	result, err := c.requestFileSync(types.MasterIndex, info.ID)
	if err != nil {
		return err
	}

	res, err := container.Decompress(result.CompressedData)
	if err != nil {
		return fmt.Errorf("index %d: %w: %v", info.ID, types.ErrProtocol, err)
	}

	if res.CRC != info.CRC {
		c.log.Error("corrupted download for index", "index", info.ID,
			"crc", res.CRC, "expected", info.CRC)
		return nil
	}

	var indexData store.IndexData
	if err := indexData.Load(res.Data); err != nil {
		return fmt.Errorf("index %d: %w: %v", info.ID, types.ErrProtocol, err)
	}

	if idx == nil {
		idx = c.store.AddIndex(info.ID)
	}

	idx.Protocol = indexData.Protocol
	idx.Named = indexData.Named
	idx.Sized = indexData.Sized
	idx.CRC = info.CRC
	idx.Revision = info.Revision
	idx.Compression = res.Compression

	c.log.Info("index downloaded", "index", info.ID, "archives", len(indexData.Archives))

	prev := append([]*store.Archive(nil), idx.Archives()...)
	for _, ad := range indexData.Archives {
		existing := idx.Archive(ad.ID)
		if existing != nil {
			for i, p := range prev {
				if p == existing {
					prev = append(prev[:i], prev[i+1:]...)
					break
				}
			}
		}

		if existing != nil && existing.Revision == ad.Revision &&
			existing.CRC == ad.CRC &&
			existing.NameHash == ad.NameHash &&
			existing.CompressedSize == ad.CompressedSize &&
			existing.DecompressedSize == ad.DecompressedSize {
			c.log.Debug("archive is up to date", "index", idx.ID, "archive", ad.ID)
			continue
		}

		switch {
		case existing == nil:
			c.log.Info("archive is new, downloading", "index", idx.ID, "archive", ad.ID)
		case ad.Revision < existing.Revision:
			c.log.Warn("archive revision is going backwards",
				"index", idx.ID, "archive", ad.ID,
				"ours", existing.Revision, "theirs", ad.Revision)
		default:
			c.log.Info("archive is out of date, downloading",
				"index", idx.ID, "archive", ad.ID,
				"our_revision", existing.Revision, "their_revision", ad.Revision,
				"our_crc", existing.CRC, "their_crc", ad.CRC)
		}

		archive := existing
		if archive == nil {
			archive = idx.AddArchive(ad.ID)
		}
		archive.Revision = ad.Revision
		archive.CRC = ad.CRC
		archive.NameHash = ad.NameHash
		archive.CompressedSize = ad.CompressedSize
		archive.DecompressedSize = ad.DecompressedSize
		archive.Files = ad.Files

		indexID := idx.ID
		if _, err := c.requestFile(indexID, archive.ID, false, func(fr *FileResult) error {
			sum := int32(crc32.ChecksumIEEE(fr.CompressedData))
			if sum != archive.CRC {
				c.log.Error("crc mismatch on downloaded archive",
					"index", indexID, "archive", archive.ID,
					"crc", sum, "expected", archive.CRC)
				return fmt.Errorf("archive %d/%d: %w", indexID, archive.ID, types.ErrIntegrity)
			}
			return c.store.Storage().Write(indexID, archive.ID, fr.CompressedData)
		}); err != nil {
			return err
		}
	}

	for _, removed := range prev {
		c.log.Info("archive was removed", "index", idx.ID, "archive", removed.ID)
		idx.RemoveArchive(removed)
	}

	return nil
}
