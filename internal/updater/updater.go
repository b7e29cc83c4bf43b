// Package updater drives one update run: it owns the run's database
// transaction, decides whether the mirror is out of date, and commits a
// new snapshot only when a complete download succeeded.
package updater

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cachemirror/cachemirror/internal/client"
	"github.com/cachemirror/cachemirror/internal/protocol"
	"github.com/cachemirror/cachemirror/internal/sqlite"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

// Updater runs reconciliation against one database.
type Updater struct {
	cfg types.Config
	db  *sql.DB
	log *slog.Logger
}

// New creates an updater for the given configuration and open database.
func New(cfg types.Config, db *sql.DB, log *slog.Logger) *Updater {
	return &Updater{cfg: cfg, db: db, log: log}
}

// Run performs one update run. A handshake rejection and an up-to-date
// mirror both return nil without committing; every fatal error rolls the
// transaction back and leaves the previous snapshot untouched.
func (u *Updater) Run(ctx context.Context) error {
	log := u.log.With("run", runID())

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	dao := sqlite.NewDAO(tx)

	cache, err := dao.FindMostRecent()
	if err != nil {
		return err
	}
	created := false
	if cache == nil {
		created = true
		cache, err = dao.CreateCache(u.cfg.Version, time.Now())
		if err != nil {
			return err
		}
		log.Info("seeding empty mirror", "revision", u.cfg.Version)
	}

	storage := sqlite.NewCacheStorage(cache, dao)
	st := store.NewStore(storage)
	if err := st.Load(); err != nil {
		return err
	}

	cl := client.New(st, u.cfg.Host, u.cfg.Port, u.cfg.Version, log)
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Close()

	status, err := cl.Handshake()
	if err != nil {
		return err
	}
	if status != protocol.ResponseOK {
		log.Warn("out of date", "status", status)
		return nil
	}

	indexes, err := cl.RequestIndexes()
	if err != nil {
		return err
	}
	entries, err := dao.FindIndexesForCache(cache)
	if err != nil {
		return err
	}

	if !checkOutOfDate(indexes, entries) {
		log.Info("all up to date")
		return nil
	}

	if err := cl.Download(); err != nil {
		return err
	}

	// The snapshot revision is always the configured client version; the
	// remote master-index revisions stay inside the index metadata.
	newCache := cache
	if !created {
		newCache, err = dao.CreateCache(u.cfg.Version, time.Now())
		if err != nil {
			return err
		}
	}
	storage.SetCacheEntry(newCache)

	log.Info("saving new cache", "cache", newCache.ID)

	if err := st.Save(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true

	log.Info("done")
	return nil
}

// checkOutOfDate reports whether the remote master index differs from the
// snapshot's master entries: a different count, or any mismatched
// (id, crc, revision) triple.
func checkOutOfDate(indexes []types.IndexInfo, dbIndexes []types.ArchiveEntry) bool {
	if len(indexes) != len(dbIndexes) {
		return true
	}

	for i, info := range indexes {
		entry := dbIndexes[i]
		if info.ID != entry.ArchiveID ||
			info.Revision != entry.Revision ||
			info.CRC != entry.CRC {
			return true
		}
	}

	return false
}

// runID tags one run's log records.
func runID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
