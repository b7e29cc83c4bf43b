package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemirror/cachemirror/internal/container"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

// buildTree populates st with one index holding one archive whose bytes
// are staged, mirroring the state right after a successful download.
func buildTree(t *testing.T, st *store.Store, storage *CacheStorage) *store.Archive {
	t.Helper()

	idx := st.AddIndex(0)
	idx.Protocol = 6
	idx.Revision = 1
	idx.Compression = container.CompressionGzip

	blob, crc, err := container.Compress(container.CompressionNone, -1, []byte("archive payload"))
	require.NoError(t, err)

	a := idx.AddArchive(0)
	a.CRC = crc
	a.Revision = 1
	a.Files = []store.FileData{{ID: 0}}

	require.NoError(t, storage.Write(0, 0, blob))
	return a
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	storage := NewCacheStorage(cache, dao)
	st := store.NewStore(storage)
	buildTree(t, st, storage)
	require.NoError(t, st.Save())

	// A fresh tree loaded from the snapshot mirrors what was saved.
	reloaded := store.NewStore(NewCacheStorage(cache, dao))
	require.NoError(t, reloaded.Load())

	idx := reloaded.FindIndex(0)
	require.NotNil(t, idx)
	assert.Equal(t, 6, idx.Protocol)
	assert.Equal(t, 1, idx.Revision)
	assert.Equal(t, container.CompressionGzip, idx.Compression)
	require.Len(t, idx.Archives(), 1)
	assert.Equal(t, []store.FileData{{ID: 0}}, idx.Archives()[0].Files)
}

func TestSaveDeduplicatesAcrossSnapshots(t *testing.T) {
	db, tx := openTestTx(t)
	dao := NewDAO(tx)

	first, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	storage := NewCacheStorage(first, dao)
	st := store.NewStore(storage)
	buildTree(t, st, storage)
	require.NoError(t, st.Save())

	// Reload into a fresh tree and save into a second snapshot with no
	// downloads: only membership edges are added.
	second, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	reloadStorage := NewCacheStorage(first, dao)
	reloaded := store.NewStore(reloadStorage)
	require.NoError(t, reloaded.Load())
	reloadStorage.SetCacheEntry(second)
	require.NoError(t, reloaded.Save())

	require.NoError(t, tx.Commit())

	var archives, blobs, edges int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM archive").Scan(&archives))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM data").Scan(&blobs))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cache_archive").Scan(&edges))
	assert.Equal(t, 2, archives, "master entry + leaf archive, interned once")
	assert.Equal(t, 2, blobs)
	assert.Equal(t, 4, edges, "both snapshots link both descriptors")

	// Both snapshots reference the identical archive set.
	rows, err := db.Query(
		`SELECT archive_id FROM cache_archive WHERE cache_id = ? ORDER BY archive_id`, first.ID)
	require.NoError(t, err)
	var firstSet []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		firstSet = append(firstSet, id)
	}
	require.NoError(t, rows.Close())

	rows, err = db.Query(
		`SELECT archive_id FROM cache_archive WHERE cache_id = ? ORDER BY archive_id`, second.ID)
	require.NoError(t, err)
	var secondSet []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		secondSet = append(secondSet, id)
	}
	require.NoError(t, rows.Close())

	assert.Equal(t, firstSet, secondSet)
}

func TestSaveMissingStagedData(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	storage := NewCacheStorage(cache, dao)
	st := store.NewStore(storage)

	idx := st.AddIndex(0)
	idx.Compression = container.CompressionNone
	a := idx.AddArchive(0)
	a.CRC = 123
	a.Revision = 1

	err = st.Save()
	assert.ErrorIs(t, err, types.ErrMissingStagedData)
}

func TestReadUnsupported(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	storage := NewCacheStorage(cache, dao)
	_, err = storage.Read(0, 0)
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

func TestSaveReusesStagedBytesVerbatim(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	storage := NewCacheStorage(cache, dao)
	st := store.NewStore(storage)
	a := buildTree(t, st, storage)
	require.NoError(t, st.Save())

	id, err := dao.FindArchive(0, 0, a.CRC, a.NameHash, a.Revision)
	require.NoError(t, err)
	require.NotEqual(t, int64(-1), id)

	var dataID int64
	require.NoError(t, tx.QueryRow("SELECT data_id FROM archive WHERE id = ?", id).Scan(&dataID))
	blob, err := dao.ReadData(dataID)
	require.NoError(t, err)

	res, err := container.Decompress(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("archive payload"), res.Data)
}
