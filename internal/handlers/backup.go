package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"vodum/internal/tasks"
)

const backupTimeFormat = "20060102-150405"

// BackupName is the file name of a backup taken at the given UTC timestamp.
func BackupName(ts string, legacy bool) string {
	if legacy {
		return "vodum-" + ts + ".db"
	}
	return "backup_" + ts + ".sqlite"
}

func (d Deps) autoBackup(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	retention := BackupRetention(settings.BackupRetentionDays)

	src := tc.Store.Path()
	if src == "" {
		return errors.New("database has no file to back up")
	}
	if err := d.FS.MkdirAll(d.Backup.Dir, 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	now := tc.Clock.Now().UTC()
	dst := filepath.Join(d.Backup.Dir, BackupName(now.Format(backupTimeFormat), d.Backup.LegacyNames))

	// no write may land between the checkpoint and the copy
	var size int64
	var checkpointErr error
	err = tc.Store.WithWriteLock(func() error {
		checkpointErr = tc.Store.Checkpoint(ctx)
		size, err = copyFile(d.FS, src, dst)
		return err
	})
	if checkpointErr != nil {
		tc.Log.Warn("WAL checkpoint failed: %v", checkpointErr)
	}
	if err != nil {
		_ = d.FS.Remove(dst)
		return fmt.Errorf("copying database: %w", err)
	}
	tc.Log.Info("backup %s written (%d bytes)", filepath.Base(dst), size)

	scanned, deleted, err := pruneBackups(d.FS, d.Backup.Dir, retention, tc.Clock.Now())
	if err != nil {
		tc.Log.Warn("backup retention: %v", err)
	}
	tc.Log.Success("backup done, %d/%d old backup(s) deleted (retention %d day(s))", deleted, scanned, retention)
	return nil
}

func copyFile(fs afero.Fs, src, dst string) (int64, error) {
	in, err := fs.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	out, err := fs.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return n, err
	}
	return n, out.Close()
}
