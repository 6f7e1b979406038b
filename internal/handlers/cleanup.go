package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"vodum/internal/tasks"
)

const (
	defaultBackupRetentionDays = 30
	defaultLogRetentionDays    = 30
)

// backupPatterns match every backup file name written by current and earlier releases.
var backupPatterns = []string{"vodum-*.db", "backup_*.sqlite", "pre_restore_*.sqlite"}

// BackupRetention clamps the configured retention; anything below one day means the default.
func BackupRetention(days int) int {
	if days < 1 {
		return defaultBackupRetentionDays
	}
	return days
}

// pruneBackups deletes backups of dir modified before now minus retention days. A missing
// directory holds nothing to delete.
func pruneBackups(fs afero.Fs, dir string, retentionDays int, now time.Time) (scanned, deleted int, err error) {
	if _, err := fs.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var errs []error
	for _, pattern := range backupPatterns {
		matches, err := afero.Glob(fs, filepath.Join(dir, pattern))
		if err != nil {
			return scanned, deleted, err
		}
		for _, path := range matches {
			info, err := fs.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			scanned++
			if !info.ModTime().Before(cutoff) {
				continue
			}
			if err := fs.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted++
		}
	}
	return scanned, deleted, errors.Join(errs...)
}

func (d Deps) cleanupBackups(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	retention := BackupRetention(settings.BackupRetentionDays)

	scanned, deleted, err := pruneBackups(d.FS, d.Backup.Dir, retention, tc.Clock.Now())
	if err != nil {
		return err
	}
	tc.Log.Success("%d backup(s) scanned in %s, %d older than %d day(s) deleted", scanned, d.Backup.Dir, deleted, retention)
	return nil
}

// retentionTargets are the historical tables purged by data retention, with their timestamp
// column. Jobs still queued or running are kept.
var retentionTargets = []struct {
	table string
	query string
}{
	{"sent_emails", `DELETE FROM sent_emails WHERE sent_at < ?`},
	{"sent_discord", `DELETE FROM sent_discord WHERE sent_at < ?`},
	{"media_session_history", `DELETE FROM media_session_history WHERE stopped_at < ?`},
	{"media_events", `DELETE FROM media_events WHERE ts < ?`},
	{"media_jobs", `DELETE FROM media_jobs WHERE created_at < ? AND status IN ('success', 'error')`},
	{"import_jobs", `DELETE FROM import_jobs WHERE created_at < ?`},
	{"stream_enforcements", `DELETE FROM stream_enforcements WHERE created_at < ?`},
}

func cleanupDataRetention(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	years := settings.DataRetentionYears
	if years <= 0 {
		tc.Log.Info("data retention is unlimited, nothing to delete")
		return nil
	}
	cutoff := tc.Clock.Now().Add(-time.Duration(years*365) * 24 * time.Hour)
	tc.Log.Info("retention %d year(s), cutoff %s", years, cutoff.Format(time.DateTime))

	var total int64
	for _, target := range retentionTargets {
		res, err := tc.Store.Exec(ctx, target.query, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n
		tc.Log.Info("%s: %d row(s) deleted", target.table, n)
	}
	tc.Log.Success("%d historical row(s) deleted", total)
	return nil
}

func cleanupLogs(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	days := settings.CleanupLogDays
	if days < 1 {
		days = defaultLogRetentionDays
	}
	cutoff := tc.Clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	res, err := tc.Store.Exec(ctx, `DELETE FROM logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	tc.Log.Success("%d log row(s) older than %d day(s) deleted", n, days)
	return nil
}
