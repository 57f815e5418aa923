// Package corecontext assembles the core's shared collaborators — config,
// index database, content store, retention engine — into one explicit
// value threaded through constructors, replacing the original's global
// mutable factories and IServer singleton (spec §9 REDESIGN FLAGS).
// Background tasks receive a borrowed *Core, never a process-wide pointer
// of their own.
package corecontext

import (
	"time"

	"github.com/urbackup-go/backupcore/internal/config"
	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/logging"
	"github.com/urbackup-go/backupcore/internal/retention"
	"github.com/urbackup-go/backupcore/internal/store"
)

// Core owns the process-wide collaborators. Everything here is safe for
// concurrent use by the per-client coordinator tasks.
type Core struct {
	Cfg       config.Config
	DB        *db.DB
	Store     *store.Store
	Retention *retention.Engine
}

// Open wires up a Core from cfg: the index database, the content store
// (its ENOSPC callback routed into the retention engine's urgent cleanup,
// closing the §4.C → §4.E loop), and the retention engine itself.
func Open(cfg config.Config) (*Core, error) {
	logging.SetLevel(cfg.LogLevel)

	d, err := db.Open(cfg.DBPath, 5*time.Second)
	if err != nil {
		return nil, err
	}

	c := &Core{Cfg: cfg, DB: d}
	s, err := store.New(store.Options{
		Root: cfg.BackupFolder + "/.content",
		DB:   d,
		OnNoSpace: func() error {
			// Late-bound: Retention is set right below, before any
			// backup traffic can trigger this callback.
			return c.Retention.UrgentCleanup(cfg.MinFreeSpaceBytes)
		},
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	c.Store = s
	c.Retention = retention.New(cfg, d, s)
	return c, nil
}

// Close flushes the store's staging table and releases the database.
func (c *Core) Close() error {
	c.Retention.Interrupt()
	if err := c.Store.Close(); err != nil {
		c.DB.Close()
		return err
	}
	return c.DB.Close()
}
