package retention

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/urbackup-go/backupcore/internal/db"
)

// RecomputeStats rebuilds every client's bytes_used_files and
// bytes_used_images from the index, under the coarse pass mutex so only
// one stats recompute executes at a time (spec §4.E "Statistics").
func (e *Engine) RecomputeStats() error {
	e.aMu.Lock()
	defer e.aMu.Unlock()
	clients, err := e.db.ListClients()
	if err != nil {
		return err
	}
	return e.recomputeStatsLocked(clients)
}

// recomputeStatsLocked walks the index once per client, fanning clients
// out over an errgroup the way backend/raid3 fans its per-remote work out.
// The interrupt flag is checked per client so an urgent cleanup (or a
// shutdown) can preempt a long recompute between units of work.
func (e *Engine) recomputeStatsLocked(clients []db.Client) error {
	var g errgroup.Group
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if e.interrupted() {
				return errors.New("retention: stats recompute interrupted")
			}
			backups, err := e.db.ListBackupsForClient(c.ID)
			if err != nil {
				return err
			}
			var files, images int64
			for _, b := range backups {
				if !b.Complete || b.BeingDeleted {
					continue
				}
				if isImage(b.Kind) {
					images += b.SizeBytes
				} else {
					// Logical usage: every file counts at full size for
					// its owner, independent of dedup (spec §8 S4).
					entries, err := e.db.ListFilesForBackup(b.ID)
					if err != nil {
						return err
					}
					for _, f := range entries {
						files += f.Size
					}
				}
			}
			c.BytesUsedFiles = files
			c.BytesUsedImages = images
			return e.db.PutClient(c)
		})
	}
	return g.Wait()
}
