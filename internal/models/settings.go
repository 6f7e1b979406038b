package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// Settings is the singleton row of the `settings` table
type Settings struct {
	ID                           int64       `db:"id"`
	MailingEnabled               bool        `db:"mailing_enabled"`
	DiscordEnabled               bool        `db:"discord_enabled"`
	DisableOnExpiry              bool        `db:"disable_on_expiry"`
	BackupRetentionDays          int         `db:"backup_retention_days"`
	DataRetentionYears           int         `db:"data_retention_years"`
	CleanupLogDays               int         `db:"cleanup_log_days"`
	Timezone                     string      `db:"timezone"`
	DefaultLanguage              string      `db:"default_language"`
	NotificationsOrder           string      `db:"notifications_order"`
	UserNotificationsCanOverride bool        `db:"user_notifications_can_override"`
	SMTPHost                     null.String `db:"smtp_host"`
	SMTPPort                     null.Int    `db:"smtp_port"`
	SMTPTLS                      bool        `db:"smtp_tls"`
	SMTPUser                     null.String `db:"smtp_user"`
	SMTPPass                     null.String `db:"smtp_pass"`
	MailFrom                     null.String `db:"mail_from"`
	DiscordBotToken              null.String `db:"discord_bot_token"`
	DebugMode                    bool        `db:"debug_mode"`
}

// Location resolves the configured timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EmailTemplate is a row of the `email_templates` table
type EmailTemplate struct {
	ID         int64    `db:"id"`
	Type       string   `db:"type"`
	Subject    string   `db:"subject"`
	Body       string   `db:"body"`
	DaysBefore null.Int `db:"days_before"`
}

type CampaignStatus string

const (
	CampaignPending CampaignStatus = "pending"
	CampaignSent    CampaignStatus = "sent"
	CampaignFailed  CampaignStatus = "failed"
)

// Campaign is a row of `discord_campaigns` or `mail_campaigns`. The subject column of mail
// campaigns is selected as title.
type Campaign struct {
	ID        int64          `db:"id" json:"id"`
	Title     string         `db:"title" json:"title"`
	Body      string         `db:"body" json:"body"`
	ServerID  null.Int       `db:"server_id" json:"server_id"`
	Status    CampaignStatus `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	SentAt    null.Time      `db:"sent_at" json:"sent_at"`
	Error     null.String    `db:"error" json:"error"`
}
