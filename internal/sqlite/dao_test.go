package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestTx opens a fresh database in a temp dir and begins the run
// transaction. The transaction is rolled back on cleanup unless the test
// committed it.
func openTestTx(t *testing.T) (*sql.DB, *sql.Tx) {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tx, err := db.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })

	return db, tx
}

func TestCreateCacheAndFindMostRecent(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	missing, err := dao.FindMostRecent()
	require.NoError(t, err)
	assert.Nil(t, missing)

	older, err := dao.CreateCache(100, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	newer, err := dao.CreateCache(101, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	found, err := dao.FindMostRecent()
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newer.ID, found.ID)
	assert.Equal(t, 101, found.Revision)
	assert.NotEqual(t, older.ID, found.ID)
}

func TestFindMostRecentBreaksTiesByDate(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	_, err := dao.CreateCache(100, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	later, err := dao.CreateCache(100, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	found, err := dao.FindMostRecent()
	require.NoError(t, err)
	assert.Equal(t, later.ID, found.ID)
}

func TestFindArchiveInternsTuples(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	missing, err := dao.FindArchive(0, 0, 222, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), missing)

	dataID, err := dao.InsertData([]byte{1, 2, 3})
	require.NoError(t, err)

	id, err := dao.InsertArchive(0, 0, 222, 0, 1, dataID)
	require.NoError(t, err)

	found, err := dao.FindArchive(0, 0, 222, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, id, found)

	// Any differing tuple component misses.
	miss, err := dao.FindArchive(0, 0, 223, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), miss)
	miss, err = dao.FindArchive(0, 0, 222, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), miss)
}

func TestInsertArchiveDuplicateTupleConflicts(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	dataID, err := dao.InsertData([]byte{1})
	require.NoError(t, err)

	_, err = dao.InsertArchive(2, 7, 5, 9, 3, dataID)
	require.NoError(t, err)
	_, err = dao.InsertArchive(2, 7, 5, 9, 3, dataID)
	assert.Error(t, err)
}

func TestLinkArchiveIdempotent(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)
	dataID, err := dao.InsertData([]byte{1})
	require.NoError(t, err)
	archiveID, err := dao.InsertArchive(0, 0, 1, 0, 1, dataID)
	require.NoError(t, err)

	require.NoError(t, dao.LinkArchive(cache.ID, archiveID))
	require.NoError(t, dao.LinkArchive(cache.ID, archiveID))

	var count int
	require.NoError(t, tx.QueryRow(
		"SELECT COUNT(*) FROM cache_archive WHERE cache_id = ?", cache.ID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInsertAndReadData(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	blob := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	id, err := dao.InsertData(blob)
	require.NoError(t, err)

	read, err := dao.ReadData(id)
	require.NoError(t, err)
	assert.Equal(t, blob, read)
}

func TestFindIndexesForCacheOrdersAndFilters(t *testing.T) {
	_, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)

	insert := func(index, archive int) int64 {
		dataID, err := dao.InsertData([]byte{byte(archive)})
		require.NoError(t, err)
		id, err := dao.InsertArchive(index, archive, int32(archive)+100, 0, 1, dataID)
		require.NoError(t, err)
		require.NoError(t, dao.LinkArchive(cache.ID, id))
		return id
	}

	insert(255, 2)
	insert(255, 0)
	insert(0, 5) // leaf archive, must not appear

	entries, err := dao.FindIndexesForCache(cache)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].ArchiveID)
	assert.Equal(t, 2, entries[1].ArchiveID)
	for _, e := range entries {
		assert.Equal(t, 255, e.IndexID)
	}
}

func TestRollbackLeavesNoRows(t *testing.T) {
	db, tx := openTestTx(t)
	dao := NewDAO(tx)

	cache, err := dao.CreateCache(1, time.Now())
	require.NoError(t, err)
	dataID, err := dao.InsertData([]byte{1})
	require.NoError(t, err)
	archiveID, err := dao.InsertArchive(0, 0, 1, 0, 1, dataID)
	require.NoError(t, err)
	require.NoError(t, dao.LinkArchive(cache.ID, archiveID))

	require.NoError(t, tx.Rollback())

	for _, table := range []string{"cache", "data", "archive", "cache_archive"} {
		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
		assert.Zero(t, count, "table %s", table)
	}
}
