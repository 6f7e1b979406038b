package models

import (
	"time"

	"github.com/guregu/null/v6"
)

const (
	ProviderPlex     = "plex"
	ProviderJellyfin = "jellyfin"
)

// Server is a row of the `servers` table
type Server struct {
	ID               int64       `db:"id" json:"id"`
	Name             string      `db:"name" json:"name"`
	Type             string      `db:"type" json:"type"`
	URL              null.String `db:"url" json:"url"`
	LocalURL         null.String `db:"local_url" json:"local_url"`
	PublicURL        null.String `db:"public_url" json:"public_url"`
	Token            null.String `db:"token" json:"-"`
	ServerIdentifier null.String `db:"server_identifier" json:"server_identifier"`
	SettingsJSON     null.String `db:"settings_json" json:"settings_json"`
	Status           string      `db:"status" json:"status"`
	LastChecked      null.Time   `db:"last_checked" json:"last_checked"`
}

type UserStatus string

const (
	UserActive     UserStatus = "active"
	UserPreExpired UserStatus = "pre_expired"
	UserReminder   UserStatus = "reminder"
	UserExpired    UserStatus = "expired"
)

// VodumUser is a row of the `vodum_users` table: one subscriber, possibly linked to accounts on
// several servers.
type VodumUser struct {
	ID                         int64       `db:"id" json:"id"`
	Username                   string      `db:"username" json:"username"`
	Email                      null.String `db:"email" json:"email"`
	DiscordUserID              null.String `db:"discord_user_id" json:"discord_user_id"`
	ExpirationDate             null.String `db:"expiration_date" json:"expiration_date"`
	Status                     UserStatus  `db:"status" json:"status"`
	LastStatus                 null.String `db:"last_status" json:"last_status"`
	StatusChangedAt            null.Time   `db:"status_changed_at" json:"status_changed_at"`
	NotificationsOrderOverride null.String `db:"notifications_order_override" json:"notifications_order_override"`
	// MaxStreamsOverride replaces the limit of max_streams_per_user policies. A positive value
	// also exempts the user from the per-IP policies.
	MaxStreamsOverride         null.Int    `db:"max_streams_override" json:"max_streams_override"`
}

// MediaUser is a row of the `media_users` table
type MediaUser struct {
	ID             int64       `db:"id" json:"id"`
	ServerID       int64       `db:"server_id" json:"server_id"`
	VodumUserID    null.Int    `db:"vodum_user_id" json:"vodum_user_id"`
	Type           string      `db:"type" json:"type"`
	ExternalUserID null.String `db:"external_user_id" json:"external_user_id"`
	Username       null.String `db:"username" json:"username"`
	Email          null.String `db:"email" json:"email"`
	Role           null.String `db:"role" json:"role"`
}

// MediaSession is a row of the `media_sessions` table
type MediaSession struct {
	ID             int64       `db:"id" json:"id"`
	ServerID       int64       `db:"server_id" json:"server_id"`
	Provider       string      `db:"provider" json:"provider"`
	SessionKey     string      `db:"session_key" json:"session_key"`
	MediaUserID    null.Int    `db:"media_user_id" json:"media_user_id"`
	ExternalUserID null.String `db:"external_user_id" json:"external_user_id"`
	Username       null.String `db:"username" json:"username"`
	MediaKey       null.String `db:"media_key" json:"media_key"`
	MediaType      null.String `db:"media_type" json:"media_type"`
	Title          null.String `db:"title" json:"title"`
	State          null.String `db:"state" json:"state"`
	ProgressMs     null.Int    `db:"progress_ms" json:"progress_ms"`
	DurationMs     null.Int    `db:"duration_ms" json:"duration_ms"`
	IsTranscode    bool        `db:"is_transcode" json:"is_transcode"`
	Bitrate        null.Int    `db:"bitrate" json:"bitrate"`
	VideoCodec     null.String `db:"video_codec" json:"video_codec"`
	AudioCodec     null.String `db:"audio_codec" json:"audio_codec"`
	Client         null.String `db:"client" json:"client"`
	Device         null.String `db:"device" json:"device"`
	IP             null.String `db:"ip" json:"ip"`
	RawJSON        null.String `db:"raw_json" json:"-"`
	StartedAt      time.Time   `db:"started_at" json:"started_at"`
	LastSeenAt     time.Time   `db:"last_seen_at" json:"last_seen_at"`
}

type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventPause       EventType = "pause"
	EventResume      EventType = "resume"
	EventStateChange EventType = "state_change"
)

// MediaEvent is a row of the `media_events` table
type MediaEvent struct {
	ID             int64       `db:"id" json:"id"`
	ServerID       int64       `db:"server_id" json:"server_id"`
	Provider       string      `db:"provider" json:"provider"`
	EventType      EventType   `db:"event_type" json:"event_type"`
	SessionKey     string      `db:"session_key" json:"session_key"`
	MediaUserID    null.Int    `db:"media_user_id" json:"media_user_id"`
	ExternalUserID null.String `db:"external_user_id" json:"external_user_id"`
	MediaKey       null.String `db:"media_key" json:"media_key"`
	MediaType      null.String `db:"media_type" json:"media_type"`
	Title          null.String `db:"title" json:"title"`
	PayloadJSON    null.String `db:"payload_json" json:"payload_json"`
	Ts             time.Time   `db:"ts" json:"ts"`
}
