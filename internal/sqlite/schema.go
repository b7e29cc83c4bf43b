// Package sqlite implements the persistence layer for the mirror: the
// snapshot, blob, and archive-descriptor tables, the DAO over one
// transaction per run, and the storage adapter bridging the in-memory
// cache tree to those tables.
package sqlite

// Schema DDL. Archive descriptors are interned on the
// (index, archive, crc, revision, name) tuple; snapshots are sets of
// membership edges over them. Blob rows are append-only.
const (
	createCache = `CREATE TABLE IF NOT EXISTS cache (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    revision INTEGER NOT NULL,
    date TEXT NOT NULL
);`

	createData = `CREATE TABLE IF NOT EXISTS data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    data BLOB NOT NULL
);`

	createArchive = `CREATE TABLE IF NOT EXISTS archive (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    "index" INTEGER NOT NULL,
    archive INTEGER NOT NULL,
    crc INTEGER NOT NULL,
    revision INTEGER NOT NULL,
    name INTEGER NOT NULL,
    data_id INTEGER NOT NULL,
    FOREIGN KEY (data_id) REFERENCES data(id)
);`

	createArchiveTuple = `CREATE UNIQUE INDEX IF NOT EXISTS archive_tuple
    ON archive ("index", archive, crc, revision, name);`

	createCacheArchive = `CREATE TABLE IF NOT EXISTS cache_archive (
    cache_id INTEGER NOT NULL,
    archive_id INTEGER NOT NULL,
    PRIMARY KEY (cache_id, archive_id),
    FOREIGN KEY (cache_id) REFERENCES cache(id),
    FOREIGN KEY (archive_id) REFERENCES archive(id)
);`
)

// schemaDDL lists the statements Open executes, in dependency order.
var schemaDDL = []string{
	createCache,
	createData,
	createArchive,
	createArchiveTuple,
	createCacheArchive,
}
