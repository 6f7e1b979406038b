package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"vodum/internal/models"
	"vodum/internal/notify"
	"vodum/internal/queue"
	"vodum/internal/tasks"
)

const (
	defaultPreavisDays  = 30
	defaultReminderDays = 7
)

// daysBefore reads days_before of a template, with a fallback when missing.
func daysBefore(ctx context.Context, tc *tasks.TaskContext, templateType string, fallback int) int {
	var v null.Int
	found, err := tc.Store.Get(ctx, &v, `SELECT days_before FROM email_templates WHERE type = ?`, templateType)
	if err != nil || !found || !v.Valid {
		return fallback
	}
	return int(v.Int64)
}

// ComputeStatus derives the subscription status of an expiration date. ok is false when the date
// is missing and the status must stay as it is.
func ComputeStatus(expiration string, today time.Time, preavisDays, reminderDays int) (status models.UserStatus, ok, valid bool) {
	if strings.TrimSpace(expiration) == "" {
		return "", false, true
	}
	exp, parsed := notify.ParseDate(expiration)
	if !parsed {
		return models.UserActive, true, false
	}

	left := notify.DaysBetween(today, exp)
	switch {
	case left <= 0:
		return models.UserExpired, true, true
	case left <= reminderDays:
		return models.UserReminder, true, true
	case left <= preavisDays:
		return models.UserPreExpired, true, true
	default:
		return models.UserActive, true, true
	}
}

func updateUserStatus(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	preavis := daysBefore(ctx, tc, "preavis", defaultPreavisDays)
	reminder := daysBefore(ctx, tc, "relance", defaultReminderDays)
	day := today(tc, settings)

	var users []models.VodumUser
	if err := tc.Store.Select(ctx, &users, `SELECT * FROM vodum_users ORDER BY id`); err != nil {
		return err
	}

	now := tc.Clock.Now()
	var updates [][]any
	for _, u := range users {
		status, ok, valid := ComputeStatus(u.ExpirationDate.ValueOrZero(), day, preavis, reminder)
		if !valid {
			tc.Log.Warn("user %d has an invalid expiration date %q, treated as active", u.ID, u.ExpirationDate.ValueOrZero())
		}
		if !ok || status == u.Status {
			continue
		}
		updates = append(updates, []any{status, u.Status, now, u.ID})
	}

	n, err := tc.Store.ExecMany(ctx, `
UPDATE vodum_users
SET status            = ?,
    last_status       = ?,
    status_changed_at = ?
WHERE id = ?`, updates)
	if err != nil {
		return err
	}
	tc.Log.Success("%d user(s) updated (preavis=%dd, reminder=%dd)", n, preavis, reminder)
	return nil
}

// SyncDedupeKey identifies the active access sync job of a user on a server.
func SyncDedupeKey(provider string, serverID, vodumUserID int64) string {
	return fmt.Sprintf("%s:sync:server=%d:user=%d", provider, serverID, vodumUserID)
}

type expiredAccess struct {
	VodumUserID int64  `db:"vodum_user_id"`
	Username    string `db:"username"`
	MediaUserID int64  `db:"media_user_id"`
	ServerID    int64  `db:"server_id"`
	Provider    string `db:"provider"`
}

// disableExpiredUsers removes the library shares of expired users and queues a sync job per
// server so the change reaches the media server.
func (d Deps) disableExpiredUsers(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	if !settings.DisableOnExpiry {
		tc.Log.Info("disable_on_expiry is off, nothing to do")
		return nil
	}
	day := today(tc, settings).Format(time.DateOnly)

	var rows []expiredAccess
	if err := tc.Store.Select(ctx, &rows, `
SELECT DISTINCT vu.id     AS vodum_user_id,
                vu.username,
                mu.id     AS media_user_id,
                mu.server_id,
                mu.type   AS provider
FROM vodum_users vu
         JOIN media_users mu ON mu.vodum_user_id = vu.id
         JOIN servers s ON s.id = mu.server_id AND s.type = mu.type
         JOIN shared_libraries sl ON sl.media_user_id = mu.id
         JOIN libraries l ON l.id = sl.library_id AND l.server_id = mu.server_id
WHERE vu.expiration_date IS NOT NULL
  AND date(vu.expiration_date) < date(?)
  AND mu.type IN ('plex', 'jellyfin')
ORDER BY vu.id, mu.id`, day); err != nil {
		return err
	}
	if len(rows) == 0 {
		tc.Log.Info("no expired user with library access")
		return nil
	}

	var revoked int
	err = tc.Store.Tx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rows {
			res, err := tx.ExecContext(ctx, `
DELETE
FROM shared_libraries
WHERE media_user_id = ?
  AND library_id IN (SELECT id FROM libraries WHERE server_id = ?)`, r.MediaUserID, r.ServerID)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			revoked += int(n)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var enqueued int
	for _, r := range rows {
		_, created, err := d.Queue.Enqueue(ctx, queue.EnqueueParams{
			Provider:    r.Provider,
			Action:      models.ActionSync,
			ServerID:    r.ServerID,
			VodumUserID: null.IntFrom(r.VodumUserID),
			Payload:     map[string]any{"reason": "expired", "media_user_id": r.MediaUserID},
			DedupeKey:   SyncDedupeKey(r.Provider, r.ServerID, r.VodumUserID),
		})
		if err != nil {
			return err
		}
		if created {
			enqueued++
			tc.Log.Info("access of %s removed on server %d", r.Username, r.ServerID)
		}
	}

	tc.Log.Success("%d share(s) removed, %d sync job(s) queued", revoked, enqueued)
	return nil
}

// cleanupUnfriended flags Plex friends that no longer share any Plex library.
func cleanupUnfriended(ctx context.Context, tc *tasks.TaskContext) error {
	res, err := tc.Store.Exec(ctx, `
UPDATE media_users
SET role = 'unfriended'
WHERE type = 'plex'
  AND role = 'friend'
  AND server_id IN (SELECT id FROM servers WHERE type = 'plex')
  AND NOT EXISTS (SELECT 1
                  FROM shared_libraries sl
                           JOIN libraries l ON l.id = sl.library_id
                           JOIN servers s ON s.id = l.server_id
                  WHERE sl.media_user_id = media_users.id
                    AND s.type = 'plex')`)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	tc.Log.Success("%d friend(s) without Plex library marked unfriended", n)
	return nil
}
