package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/providers"
	"vodum/internal/queue"
	"vodum/internal/telemetry"
)

var ErrServerNotFound = errors.New("server not found or not a media server")

const (
	ServerUp      = "up"
	ServerDown    = "down"
	ServerUnknown = "unknown"

	maxDetailLength = 2000
)

// Collector reconciles the sessions reported by media servers into media_sessions, media_events
// and media_session_history.
type Collector struct {
	store     *database.Store
	providers *providers.Registry
	clock     clock.Clock
}

func NewCollector(store *database.Store, registry *providers.Registry, clk clock.Clock) *Collector {
	return &Collector{store: store, providers: registry, clock: clk}
}

type Report struct {
	ServerID     int64  `json:"server_id"`
	Provider     string `json:"provider"`
	SessionsSeen int    `json:"sessions_seen"`
	Events       int    `json:"events"`
}

type ServerError struct {
	ServerID int64  `json:"server_id"`
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

type Summary struct {
	Servers      int           `json:"servers"`
	SessionsSeen int           `json:"sessions_seen"`
	Events       int           `json:"events"`
	Errors       []ServerError `json:"errors"`
}

func (c *Collector) server(ctx context.Context, id int64) (*models.Server, error) {
	var srv models.Server
	found, err := c.store.Get(ctx, &srv, `
SELECT *
FROM servers
WHERE id = ?
  AND type IN ('plex', 'jellyfin')`, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrServerNotFound, id)
	}
	return &srv, nil
}

// CollectServer fetches the active sessions of one server and reconciles them. The HTTP call
// happens before the write transaction is opened.
func (c *Collector) CollectServer(ctx context.Context, serverID int64) (Report, error) {
	report := Report{ServerID: serverID}

	srv, err := c.server(ctx, serverID)
	if err != nil {
		return report, err
	}
	report.Provider = srv.Type

	var sessions []providers.Session
	p, err := c.providers.For(*srv)
	if err == nil {
		sessions, err = p.ActiveSessions(ctx)
	}
	if err != nil {
		c.fetchFailed(ctx, srv, err)
		return report, err
	}

	current := make(map[string]providers.Session, len(sessions))
	states := make(map[string]string, len(sessions))
	for _, s := range sessions {
		if s.SessionKey == "" {
			continue
		}
		if _, dup := current[s.SessionKey]; dup {
			continue
		}
		current[s.SessionKey] = s
		states[s.SessionKey] = s.State
	}
	report.SessionsSeen = len(current)

	err = c.store.Tx(ctx, func(tx *sqlx.Tx) error {
		var old []models.MediaSession
		if err := tx.SelectContext(ctx, &old, `SELECT * FROM media_sessions WHERE server_id = ?`, serverID); err != nil {
			return err
		}
		previous := make(map[string]models.MediaSession, len(old))
		oldStates := make(map[string]string, len(old))
		for _, o := range old {
			previous[o.SessionKey] = o
			oldStates[o.SessionKey] = o.State.ValueOrZero()
		}

		events := make(map[string][]models.EventType)
		for _, ch := range Diff(oldStates, states) {
			events[ch.SessionKey] = append(events[ch.SessionKey], ch.Event)
		}

		now := c.clock.Now().UTC()
		for _, key := range sortedKeys(states) {
			s := current[key]
			userID, err := resolveMediaUser(ctx, tx, serverID, srv.Type, s.ExternalUserID, s.Username)
			if err != nil {
				return err
			}
			if err := upsertSession(ctx, tx, serverID, srv.Type, userID, s, now); err != nil {
				return err
			}
			for _, ev := range events[key] {
				if err := insertEvent(ctx, tx, serverID, srv.Type, ev, key, userID, s, now); err != nil {
					return err
				}
				report.Events++
			}
		}

		for _, key := range sortedKeys(oldStates) {
			if _, still := current[key]; still {
				continue
			}
			if err := stopSession(ctx, tx, previous[key], now); err != nil {
				return err
			}
			report.Events++
		}

		_, err := tx.ExecContext(ctx, `UPDATE servers SET status = ?, last_checked = ? WHERE id = ?`, ServerUp, now, serverID)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("reconcile sessions of server %d: %w", serverID, err)
	}

	telemetry.SessionsActive.WithLabelValues(srv.Name).Set(float64(report.SessionsSeen))
	log.Debug().
		Int64("server_id", serverID).
		Str("provider", srv.Type).
		Int("sessions", report.SessionsSeen).
		Int("events", report.Events).
		Msg("Collected sessions")
	return report, nil
}

// CollectAll collects every plex and jellyfin server. Failures are accumulated per server.
func (c *Collector) CollectAll(ctx context.Context) (Summary, error) {
	var summary Summary
	var servers []models.Server
	if err := c.store.Select(ctx, &servers, `
SELECT *
FROM servers
WHERE type IN ('plex', 'jellyfin')
ORDER BY id`); err != nil {
		return summary, err
	}
	summary.Servers = len(servers)

	for _, srv := range servers {
		r, err := c.CollectServer(ctx, srv.ID)
		if err != nil {
			summary.Errors = append(summary.Errors, ServerError{ServerID: srv.ID, Provider: srv.Type, Error: err.Error()})
			continue
		}
		summary.SessionsSeen += r.SessionsSeen
		summary.Events += r.Events
	}
	return summary, nil
}

// Execute runs a queued refresh job. Errors that a retry cannot fix are marked permanent.
func (c *Collector) Execute(ctx context.Context, job *models.Job) error {
	_, err := c.CollectServer(ctx, job.ServerID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrServerNotFound) || providers.IsConfigError(err) {
		return queue.Permanent(err)
	}
	return err
}

// Classify maps a fetch failure to a server status: unreachable servers and 5xx are down,
// configuration and other HTTP errors leave the status unknown.
func Classify(err error) string {
	if providers.IsConfigError(err) {
		return ServerUnknown
	}
	var se *providers.StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= http.StatusInternalServerError {
			return ServerDown
		}
		return ServerUnknown
	}
	return ServerDown
}

func (c *Collector) fetchFailed(ctx context.Context, srv *models.Server, cause error) {
	status := Classify(cause)
	now := c.clock.Now().UTC()
	ctx = context.WithoutCancel(ctx)

	log.Warn().Err(cause).Int64("server_id", srv.ID).Str("status", status).Msg("Could not fetch sessions")
	telemetry.SessionsActive.DeleteLabelValues(srv.Name)

	details := cause.Error()
	if len(details) > maxDetailLength {
		details = details[:maxDetailLength]
	}
	if _, err := c.store.Exec(ctx, `
INSERT INTO logs (level, category, message, details, created_at)
VALUES (?, 'monitoring', ?, ?, ?)`,
		models.LevelError, fmt.Sprintf("session collection failed (server_id=%d)", srv.ID), details, now); err != nil {
		log.Error().Err(err).Msg("Could not write monitoring log")
	}
	if _, err := c.store.Exec(ctx, `UPDATE servers SET status = ?, last_checked = ? WHERE id = ?`, status, now, srv.ID); err != nil {
		log.Error().Err(err).Int64("server_id", srv.ID).Msg("Could not update server status")
	}
}

// resolveMediaUser matches a session to a media_users row by external id, then by username.
func resolveMediaUser(ctx context.Context, tx *sqlx.Tx, serverID int64, provider, externalID, username string) (null.Int, error) {
	lookups := []struct{ column, value string }{
		{"external_user_id", externalID},
		{"username", username},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var id int64
		err := tx.GetContext(ctx, &id, `
SELECT id
FROM media_users
WHERE server_id = ?
  AND type = ?
  AND `+l.column+` = ?
ORDER BY id
LIMIT 1`, serverID, provider, l.value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return null.Int{}, err
		}
		return null.IntFrom(id), nil
	}
	return null.Int{}, nil
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

func upsertSession(ctx context.Context, tx *sqlx.Tx, serverID int64, provider string, userID null.Int, s providers.Session, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO media_sessions (server_id, provider, session_key, media_user_id, external_user_id, username,
                            media_key, media_type, title, state, progress_ms, duration_ms, is_transcode,
                            bitrate, video_codec, audio_codec, client, device, ip, raw_json,
                            started_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (server_id, session_key) DO UPDATE
    SET media_user_id    = excluded.media_user_id,
        external_user_id = excluded.external_user_id,
        username         = excluded.username,
        media_key        = excluded.media_key,
        media_type       = excluded.media_type,
        title            = excluded.title,
        state            = excluded.state,
        progress_ms      = excluded.progress_ms,
        duration_ms      = excluded.duration_ms,
        is_transcode     = excluded.is_transcode,
        bitrate          = excluded.bitrate,
        video_codec      = excluded.video_codec,
        audio_codec      = excluded.audio_codec,
        client           = excluded.client,
        device           = excluded.device,
        ip               = excluded.ip,
        raw_json         = excluded.raw_json,
        last_seen_at     = excluded.last_seen_at`,
		serverID, provider, s.SessionKey, userID, nullString(s.ExternalUserID), nullString(s.Username),
		nullString(s.MediaKey), nullString(s.MediaType), nullString(s.Title), nullString(s.State),
		s.ProgressMs, s.DurationMs, s.IsTranscode,
		s.Bitrate, nullString(s.VideoCodec), nullString(s.AudioCodec), nullString(s.Client), nullString(s.Device),
		nullString(s.IP), nullString(s.RawJSON),
		now, now)
	return err
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, serverID int64, provider string, ev models.EventType,
	key string, userID null.Int, s providers.Session, now time.Time) error {
	s.RawJSON = ""
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO media_events (server_id, provider, event_type, session_key, media_user_id, external_user_id,
                          media_key, media_type, title, payload_json, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		serverID, provider, ev, key, userID, nullString(s.ExternalUserID),
		nullString(s.MediaKey), nullString(s.MediaType), nullString(s.Title), string(payload), now)
	return err
}

// stopSession records the stop event, archives the session and removes it from the live table.
func stopSession(ctx context.Context, tx *sqlx.Tx, live models.MediaSession, now time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"session_key":      live.SessionKey,
		"state":            live.State,
		"progress_ms":      live.ProgressMs,
		"media_key":        live.MediaKey,
		"external_user_id": live.ExternalUserID,
	})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO media_events (server_id, provider, event_type, session_key, media_user_id, external_user_id,
                          media_key, media_type, title, payload_json, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		live.ServerID, live.Provider, models.EventStop, live.SessionKey, live.MediaUserID, live.ExternalUserID,
		live.MediaKey, live.MediaType, live.Title, string(payload), now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO media_session_history (server_id, provider, session_key, media_user_id, external_user_id, username,
                                   media_key, media_type, title, started_at, stopped_at, duration_ms, watch_ms,
                                   peak_bitrate, was_transcode, client, device, raw_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		live.ServerID, live.Provider, live.SessionKey, live.MediaUserID, live.ExternalUserID, live.Username,
		live.MediaKey, live.MediaType, live.Title, live.StartedAt.UTC(), now, live.DurationMs.ValueOrZero(),
		live.ProgressMs.ValueOrZero(), live.Bitrate, live.IsTranscode, live.Client, live.Device, live.RawJSON); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM media_sessions WHERE id = ?`, live.ID)
	return err
}
