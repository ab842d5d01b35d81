package flowdb

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// MaintenanceConfig controls the background maintenance worker's
// schedule.
type MaintenanceConfig struct {
	CheckpointInterval time.Duration // how often to run a passive WAL checkpoint
	CleanupInterval    time.Duration // how often to age out old flows
	VacuumInterval     time.Duration // how often to VACUUM, 0 disables
	RetentionPeriod    time.Duration // flows older than this are deleted by cleanup
}

// DefaultMaintenanceConfig returns the default schedule: a passive
// checkpoint every 30 seconds, a retention cleanup every 5 minutes that
// deletes flows older than 30 days, and a VACUUM every 24 hours.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		CheckpointInterval: 30 * time.Second,
		CleanupInterval:    5 * time.Minute,
		VacuumInterval:     24 * time.Hour,
		RetentionPeriod:    30 * 24 * time.Hour,
	}
}

// RunMaintenance runs the background maintenance loop until ctx is
// cancelled. The passive checkpoint takes no lock. Cleanup and vacuum
// each run under cleanupMu, so only one of them runs at a time, and they
// also take writeMu (cleanup only around its DELETE, vacuum for its
// whole run), so ordinary flow writes wait while either holds it.
func (d *DB) RunMaintenance(ctx context.Context, cfg MaintenanceConfig) {
	checkpointTicker := time.NewTicker(cfg.CheckpointInterval)
	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer checkpointTicker.Stop()
	defer cleanupTicker.Stop()

	var vacuumTicker *time.Ticker
	var vacuumC <-chan time.Time
	if cfg.VacuumInterval > 0 {
		vacuumTicker = time.NewTicker(cfg.VacuumInterval)
		defer vacuumTicker.Stop()
		vacuumC = vacuumTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkpointTicker.C:
			if err := d.checkpointPassive(); err != nil {
				slog.Warn("flowdb: passive checkpoint failed", "error", err)
			}
		case <-cleanupTicker.C:
			n, err := d.Cleanup(cfg.RetentionPeriod)
			if err != nil {
				slog.Warn("flowdb: cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("flowdb: cleanup removed old flows", "count", n)
			}
		case <-vacuumC:
			if err := d.vacuum(); err != nil {
				slog.Warn("flowdb: vacuum failed", "error", err)
			}
		}
	}
}

// checkpointPassive runs PASSIVE wal checkpointing: it never blocks
// writers and simply checkpoints whatever pages it safely can. This is
// the routine, frequent path; TRUNCATE mode (which reclaims WAL file
// space) only runs from vacuum, below, because it briefly requires
// exclusive access.
func (d *DB) checkpointPassive() error {
	_, err := d.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Cleanup deletes flow_indices rows (and, via ON DELETE CASCADE,
// flow_details/flow_bodies rows) older than retention, removing any
// external body files those rows referenced first so nothing is
// orphaned on disk.
func (d *DB) Cleanup(retention time.Duration) (int64, error) {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()

	cutoff := time.Now().Add(-retention)

	rows, err := d.db.Query(`SELECT file_path FROM flow_bodies WHERE file_path IS NOT NULL AND flow_id IN (SELECT id FROM flow_indices WHERE started_at < ?)`, cutoff)
	if err != nil {
		return 0, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err == nil {
			paths = append(paths, p)
		}
	}
	rows.Close()

	d.writeMu.Lock()
	res, err := d.db.Exec(`DELETE FROM flow_indices WHERE started_at < ?`, cutoff)
	d.writeMu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("flowdb: failed to remove external body file", "path", p, "error", err)
		}
	}

	return res.RowsAffected()
}

// vacuum holds the write lock for the duration of VACUUM, since SQLite
// requires VACUUM to have no other connection holding a write
// transaction open; a TRUNCATE checkpoint runs first, under the same
// lock, so the WAL file is actually reclaimed rather than just the main
// database file being rewritten around stale WAL content.
func (d *DB) vacuum() error {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	_, err := d.db.Exec("VACUUM")
	return err
}
