package tasks

// Definition is the seed of a tasks row.
type Definition struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
}

const (
	MonitorEnqueueRefresh  = "monitor_enqueue_refresh"
	MediaJobsWorker        = "media_jobs_worker"
	MonitorCollectSessions = "monitor_collect_sessions"
	CheckServers           = "check_servers"
	UpdateUserStatus       = "update_user_status"
	DisableExpiredUsers    = "disable_expired_users"
	SendExpirationEmails   = "send_expiration_emails"
	SendExpirationDiscord  = "send_expiration_discord"
	SendMailCampaigns      = "send_mail_campaigns"
	SendCampaignDiscord    = "send_campaign_discord"
	CleanupBackups         = "cleanup_backups"
	CleanupDataRetention   = "cleanup_data_retention"
	CleanupLogs            = "cleanup_logs"
	CleanupUnfriended      = "cleanup_unfriended"
	CheckMailingStatus     = "check_mailing_status"
	AutoBackup             = "auto_backup"
	CheckUpdate            = "check_update"
	StreamEnforcer         = "stream_enforcer"
	SyncPlex               = "sync_plex"
	SyncJellyfin           = "sync_jellyfin"
)

// MailingTasks follow settings.mailing_enabled.
var MailingTasks = []string{SendExpirationEmails, SendMailCampaigns}

// Definitions returns the default task rows.
func Definitions() []Definition {
	return []Definition{
		{MonitorEnqueueRefresh, "Queue a monitoring refresh for every server that is due", "* * * * *", true},
		{MediaJobsWorker, "Drain the media job queue", "* * * * *", true},
		{MonitorCollectSessions, "Collect active sessions from every server synchronously", "*/5 * * * *", false},
		{CheckServers, "Check that every media server answers", "*/30 * * * *", true},
		{UpdateUserStatus, "Recompute subscription status from expiration dates", "0 * * * *", true},
		{DisableExpiredUsers, "Revoke library access of expired users", "15 * * * *", true},
		{SendExpirationEmails, "Send expiration reminders to users reached by e-mail first", "0 * * * *", false},
		{SendExpirationDiscord, "Send expiration reminders to users reached by Discord first", "0 * * * *", true},
		{SendMailCampaigns, "Send pending e-mail campaigns", "*/10 * * * *", false},
		{SendCampaignDiscord, "Send pending Discord campaigns", "*/10 * * * *", true},
		{CleanupBackups, "Delete old backup files", "0 3 * * *", true},
		{CleanupDataRetention, "Purge historical rows past the retention window", "30 3 * * *", true},
		{CleanupLogs, "Delete old log rows", "0 2 * * *", true},
		{CleanupUnfriended, "Flag Plex friends without libraries as unfriended", "0 4 * * *", true},
		{CheckMailingStatus, "Enable or disable mailing tasks from settings", "*/5 * * * *", true},
		{AutoBackup, "Back up the database", "0 1 * * *", true},
		{CheckUpdate, "Check for a newer release", "0 */12 * * *", true},
		{StreamEnforcer, "Warn and stop sessions that break a stream policy", "* * * * *", true},
		{SyncPlex, "Import libraries and friends of the Plex servers", "0 */6 * * *", true},
		{SyncJellyfin, "Import libraries and users of the Jellyfin servers", "10 */6 * * *", true},
	}
}
