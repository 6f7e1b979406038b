// Package handlers holds the built-in task handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"vodum/internal/database"
	"vodum/internal/logging"
	"vodum/internal/models"
	"vodum/internal/monitoring"
	"vodum/internal/notify"
	"vodum/internal/providers"
	"vodum/internal/queue"
	"vodum/internal/tasks"
	"vodum/internal/worker"
)

type BackupOptions struct {
	Dir string
	// LegacyNames writes vodum-<ts>.db instead of backup_<ts>.sqlite.
	LegacyNames bool
}

type UpdateOptions struct {
	InfoURL       string
	LocalInfoPath string
	StatusPath    string
}

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Queue     *queue.Queue
	Worker    *worker.Worker
	Collector *monitoring.Collector
	Providers *providers.Registry
	Router    *notify.Router
	HTTP      *http.Client
	// FS holds the backup directory and the update files.
	FS        afero.Fs
	Backup    BackupOptions
	Update    UpdateOptions
}

// Register adds every built-in handler to reg.
func Register(reg *tasks.Registry, d Deps) {
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if d.FS == nil {
		d.FS = afero.NewOsFs()
	}

	reg.Register(tasks.MonitorEnqueueRefresh, tasks.HandlerFunc(d.monitorEnqueueRefresh))
	reg.Register(tasks.MediaJobsWorker, tasks.HandlerFunc(d.mediaJobsWorker))
	reg.Register(tasks.MonitorCollectSessions, tasks.HandlerFunc(d.monitorCollectSessions))
	reg.Register(tasks.CheckServers, tasks.HandlerFunc(d.checkServers))
	reg.Register(tasks.UpdateUserStatus, tasks.HandlerFunc(updateUserStatus))
	reg.Register(tasks.DisableExpiredUsers, tasks.HandlerFunc(d.disableExpiredUsers))
	reg.Register(tasks.CleanupUnfriended, tasks.HandlerFunc(cleanupUnfriended))
	reg.Register(tasks.SendExpirationEmails, tasks.HandlerFunc(d.sendExpirationEmails))
	reg.Register(tasks.SendExpirationDiscord, tasks.HandlerFunc(d.sendExpirationDiscord))
	reg.Register(tasks.SendMailCampaigns, tasks.HandlerFunc(d.sendMailCampaigns))
	reg.Register(tasks.SendCampaignDiscord, tasks.HandlerFunc(d.sendCampaignDiscord))
	reg.Register(tasks.CheckMailingStatus, tasks.HandlerFunc(checkMailingStatus))
	reg.Register(tasks.CleanupBackups, tasks.HandlerFunc(d.cleanupBackups))
	reg.Register(tasks.CleanupDataRetention, tasks.HandlerFunc(cleanupDataRetention))
	reg.Register(tasks.CleanupLogs, tasks.HandlerFunc(cleanupLogs))
	reg.Register(tasks.AutoBackup, tasks.HandlerFunc(d.autoBackup))
	reg.Register(tasks.CheckUpdate, tasks.HandlerFunc(d.checkUpdate))
	reg.Register(tasks.StreamEnforcer, tasks.HandlerFunc(d.streamEnforcer))
	reg.Register(tasks.SyncPlex, d.syncServers("plex"))
	reg.Register(tasks.SyncJellyfin, d.syncServers("jellyfin"))
}

// loadSettings reads the settings row. Each read also refreshes the debug_mode flag of the
// log redactor.
func loadSettings(ctx context.Context, store *database.Store) (models.Settings, error) {
	var s models.Settings
	found, err := store.Get(ctx, &s, `SELECT * FROM settings WHERE id = 1`)
	if err == nil && found {
		logging.SetDebugMode(s.DebugMode)
	}
	return s, err
}

// ApplyDebugMode loads settings.debug_mode into the log redactor.
func ApplyDebugMode(ctx context.Context, store *database.Store) error {
	_, err := loadSettings(ctx, store)
	return err
}

// today is the current calendar day in the configured timezone, as a UTC midnight.
func today(tc *tasks.TaskContext, s models.Settings) time.Time {
	now := tc.Clock.Now().In(s.Location())
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
