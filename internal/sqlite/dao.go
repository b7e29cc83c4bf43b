package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cachemirror/cachemirror/pkg/types"
)

// timeFormat is how cache dates are stored: UTC with fixed-width
// fractional seconds, so lexical order matches chronological order for
// the snapshot-selection query.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DAO exposes the persistence operations of one update run. All calls
// share the run's transaction. The four high-volume statements are
// prepared on first use and reused.
type DAO struct {
	tx *sql.Tx

	findArchive   *sql.Stmt
	linkArchive   *sql.Stmt
	insertArchive *sql.Stmt
	insertData    *sql.Stmt
}

// NewDAO wraps the run's transaction.
func NewDAO(tx *sql.Tx) *DAO {
	return &DAO{tx: tx}
}

// CreateCache inserts a new snapshot row and returns it.
func (d *DAO) CreateCache(revision int, date time.Time) (*types.CacheEntry, error) {
	res, err := d.tx.Exec(
		"INSERT INTO cache (revision, date) VALUES (?, ?)",
		revision, date.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("insert cache: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert cache: %w", err)
	}
	return &types.CacheEntry{ID: id, Revision: revision, Date: date.UTC()}, nil
}

// FindMostRecent returns the newest snapshot by (revision, date), or nil
// when the database holds none.
func (d *DAO) FindMostRecent() (*types.CacheEntry, error) {
	row := d.tx.QueryRow(
		"SELECT id, revision, date FROM cache ORDER BY revision DESC, date DESC LIMIT 1",
	)

	var entry types.CacheEntry
	var date string
	if err := row.Scan(&entry.ID, &entry.Revision, &date); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find most recent cache: %w", err)
	}

	parsed, err := time.Parse(timeFormat, date)
	if err != nil {
		return nil, fmt.Errorf("parse cache date %q: %w", date, err)
	}
	entry.Date = parsed
	return &entry, nil
}

// FindIndexesForCache returns the master-entry descriptors (index = 255)
// linked to the given snapshot, ordered by the index they describe.
func (d *DAO) FindIndexesForCache(cache *types.CacheEntry) ([]types.ArchiveEntry, error) {
	rows, err := d.tx.Query(
		`SELECT a.id, a."index", a.archive, a.crc, a.name, a.revision, a.data_id
         FROM cache_archive ca
         JOIN archive a ON ca.archive_id = a.id
         WHERE ca.cache_id = ? AND a."index" = ?
         ORDER BY a.archive`,
		cache.ID, types.MasterIndex,
	)
	if err != nil {
		return nil, fmt.Errorf("find indexes for cache %d: %w", cache.ID, err)
	}
	defer rows.Close()

	var entries []types.ArchiveEntry
	for rows.Next() {
		var e types.ArchiveEntry
		if err := rows.Scan(&e.ID, &e.IndexID, &e.ArchiveID, &e.CRC, &e.NameHash, &e.Revision, &e.DataID); err != nil {
			return nil, fmt.Errorf("scan archive entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find indexes for cache %d: %w", cache.ID, err)
	}
	return entries, nil
}

// FindArchive looks up a descriptor by its full tuple. It returns -1 when
// no descriptor matches.
func (d *DAO) FindArchive(index, archive int, crc, name int32, revision int) (int64, error) {
	if d.findArchive == nil {
		stmt, err := d.tx.Prepare(
			`SELECT id FROM archive
             WHERE "index" = ? AND archive = ? AND crc = ? AND revision = ? AND name = ?`,
		)
		if err != nil {
			return -1, fmt.Errorf("prepare find archive: %w", err)
		}
		d.findArchive = stmt
	}

	var id int64
	err := d.findArchive.QueryRow(index, archive, crc, revision, name).Scan(&id)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("find archive %d/%d: %w", index, archive, err)
	}
	return id, nil
}

// LinkArchive adds a membership edge between a snapshot and a descriptor.
// Linking the same pair twice is a no-op.
func (d *DAO) LinkArchive(cacheID, archiveID int64) error {
	if d.linkArchive == nil {
		stmt, err := d.tx.Prepare(
			"INSERT OR IGNORE INTO cache_archive (cache_id, archive_id) VALUES (?, ?)",
		)
		if err != nil {
			return fmt.Errorf("prepare link archive: %w", err)
		}
		d.linkArchive = stmt
	}

	if _, err := d.linkArchive.Exec(cacheID, archiveID); err != nil {
		return fmt.Errorf("link archive %d to cache %d: %w", archiveID, cacheID, err)
	}
	return nil
}

// InsertArchive inserts a new descriptor and returns its id.
func (d *DAO) InsertArchive(index, archive int, crc, name int32, revision int, dataID int64) (int64, error) {
	if d.insertArchive == nil {
		stmt, err := d.tx.Prepare(
			`INSERT INTO archive ("index", archive, crc, revision, name, data_id)
             VALUES (?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return 0, fmt.Errorf("prepare insert archive: %w", err)
		}
		d.insertArchive = stmt
	}

	res, err := d.insertArchive.Exec(index, archive, crc, revision, name, dataID)
	if err != nil {
		return 0, fmt.Errorf("insert archive %d/%d: %w", index, archive, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert archive %d/%d: %w", index, archive, err)
	}
	return id, nil
}

// InsertData appends a new immutable blob and returns its id.
func (d *DAO) InsertData(data []byte) (int64, error) {
	if d.insertData == nil {
		stmt, err := d.tx.Prepare("INSERT INTO data (data) VALUES (?)")
		if err != nil {
			return 0, fmt.Errorf("prepare insert data: %w", err)
		}
		d.insertData = stmt
	}

	res, err := d.insertData.Exec(data)
	if err != nil {
		return 0, fmt.Errorf("insert data: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert data: %w", err)
	}
	return id, nil
}

// ReadData returns the blob with the given id.
func (d *DAO) ReadData(id int64) ([]byte, error) {
	var data []byte
	err := d.tx.QueryRow("SELECT data FROM data WHERE id = ?", id).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("read data %d: %w", id, err)
	}
	return data, nil
}
