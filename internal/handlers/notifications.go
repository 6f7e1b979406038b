package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"vodum/internal/models"
	"vodum/internal/notify"
	"vodum/internal/scheduler"
	"vodum/internal/tasks"
)

const campaignBatch = 20

// reminderTemplates maps a subscription status to the template announcing it.
var reminderTemplates = map[models.UserStatus]string{
	models.UserPreExpired: "preavis",
	models.UserReminder:   "relance",
	models.UserExpired:    "fin",
}

func recipientOf(u models.VodumUser) notify.Recipient {
	return notify.Recipient{
		UserID:        u.ID,
		Username:      u.Username,
		Email:         u.Email.ValueOrZero(),
		DiscordUserID: u.DiscordUserID.ValueOrZero(),
	}
}

// alreadyNotified reports whether a reminder of that type was sent for this expiration date,
// whatever the channel.
func alreadyNotified(ctx context.Context, tc *tasks.TaskContext, userID int64, typ, expiration string) (bool, error) {
	var one int
	return tc.Store.Get(ctx, &one, `
SELECT 1
FROM sent_emails
WHERE user_id = ? AND type = ? AND expiration_date = ?
UNION ALL
SELECT 1
FROM sent_discord
WHERE user_id = ? AND type = ? AND expiration_date = ?
LIMIT 1`, userID, typ, expiration, userID, typ, expiration)
}

func (d Deps) sendExpirationEmails(ctx context.Context, tc *tasks.TaskContext) error {
	return d.sendReminders(ctx, tc, notify.ChannelEmail)
}

func (d Deps) sendExpirationDiscord(ctx context.Context, tc *tasks.TaskContext) error {
	return d.sendReminders(ctx, tc, notify.ChannelDiscord)
}

// sendReminders sends the expiration reminders of the users whose effective order starts with
// lead. The other channels of the order are tried when lead fails.
func (d Deps) sendReminders(ctx context.Context, tc *tasks.TaskContext, lead string) error {
	if d.Router == nil {
		return errors.New("no notification router configured")
	}
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	switch {
	case lead == notify.ChannelDiscord && !notify.DiscordReady(settings):
		tc.Log.Info("discord is disabled or not configured, nothing to send")
		return nil
	case !notify.EmailReady(settings) && !notify.DiscordReady(settings):
		tc.Log.Info("no notification channel is enabled, nothing to send")
		return nil
	}

	var templates []models.EmailTemplate
	if err := tc.Store.Select(ctx, &templates, `SELECT * FROM email_templates`); err != nil {
		return err
	}
	byType := make(map[string]models.EmailTemplate, len(templates))
	for _, t := range templates {
		byType[t.Type] = t
	}

	var users []models.VodumUser
	if err := tc.Store.Select(ctx, &users, `
SELECT *
FROM vodum_users
WHERE status IN ('pre_expired', 'reminder', 'expired')
  AND expiration_date IS NOT NULL
ORDER BY id`); err != nil {
		return err
	}

	day := today(tc, settings)
	var sent, failed int
	for _, u := range users {
		override := ""
		if settings.UserNotificationsCanOverride {
			override = u.NotificationsOrderOverride.ValueOrZero()
		}
		order := notify.EffectiveOrder(settings, override)
		if len(order) == 0 || order[0] != lead {
			continue
		}

		typ := reminderTemplates[u.Status]
		tpl, ok := byType[typ]
		if !ok {
			continue
		}
		expiration := u.ExpirationDate.ValueOrZero()
		done, err := alreadyNotified(ctx, tc, u.ID, typ, expiration)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		vars := notify.BuildUserContext(u, day)
		msg := notify.Message{Subject: notify.Render(tpl.Subject, vars), Body: notify.Render(tpl.Body, vars)}

		channel, err := d.Router.Dispatch(ctx, settings, order, recipientOf(u), msg, true)
		if err != nil {
			failed++
			tc.Log.Warn("%s reminder for %s not sent: %v", typ, u.Username, err)
			continue
		}

		table := "sent_emails"
		if channel == notify.ChannelDiscord {
			table = "sent_discord"
		}
		if _, err := tc.Store.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, type, expiration_date, sent_at)
VALUES (?, ?, ?, ?)`, table), u.ID, typ, expiration, tc.Clock.Now()); err != nil {
			return err
		}
		sent++
	}

	tc.Log.Success("%d reminder(s) sent, %d failed", sent, failed)
	return nil
}

// campaignKind describes one of the two campaign tables.
type campaignKind struct {
	table        string
	titleColumn  string
	channel      string
	contactQuery string
	ready        func(models.Settings) bool
}

var (
	mailCampaigns = campaignKind{
		table:        "mail_campaigns",
		titleColumn:  "subject",
		channel:      notify.ChannelEmail,
		contactQuery: `COALESCE(TRIM(u.email), '') <> ''`,
		ready:        notify.EmailReady,
	}
	discordCampaigns = campaignKind{
		table:        "discord_campaigns",
		titleColumn:  "title",
		channel:      notify.ChannelDiscord,
		contactQuery: `COALESCE(TRIM(u.discord_user_id), '') <> ''`,
		ready:        notify.DiscordReady,
	}
)

func (d Deps) sendMailCampaigns(ctx context.Context, tc *tasks.TaskContext) error {
	return d.sendCampaigns(ctx, tc, mailCampaigns)
}

func (d Deps) sendCampaignDiscord(ctx context.Context, tc *tasks.TaskContext) error {
	return d.sendCampaigns(ctx, tc, discordCampaigns)
}

func (d Deps) sendCampaigns(ctx context.Context, tc *tasks.TaskContext, kind campaignKind) error {
	if d.Router == nil {
		return errors.New("no notification router configured")
	}
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	if !kind.ready(settings) {
		tc.Log.Info("%s is disabled or not configured, nothing to send", kind.channel)
		return nil
	}

	var campaigns []models.Campaign
	if err := tc.Store.Select(ctx, &campaigns, fmt.Sprintf(`
SELECT id, %s AS title, body, server_id, status, created_at, sent_at, error
FROM %s
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT ?`, kind.titleColumn, kind.table), campaignBatch); err != nil {
		return err
	}
	if len(campaigns) == 0 {
		tc.Log.Info("no pending campaign")
		return nil
	}

	day := today(tc, settings)
	var total int
	for _, c := range campaigns {
		sent, err := d.sendCampaign(ctx, tc, kind, settings, c, day)
		total += sent
		if err != nil {
			tc.Log.Error("campaign %d failed: %v", c.ID, err)
			if _, err := tc.Store.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = ?, error = ? WHERE id = ?`, kind.table),
				models.CampaignFailed, err.Error(), c.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := tc.Store.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = ?, sent_at = ?, error = NULL WHERE id = ?`, kind.table),
			models.CampaignSent, tc.Clock.Now(), c.ID); err != nil {
			return err
		}
	}

	tc.Log.Success("%d campaign(s) processed, %d message(s) sent", len(campaigns), total)
	return nil
}

// sendCampaign delivers one campaign to its audience. Failed recipients are logged and skipped;
// only an error building the audience fails the campaign.
func (d Deps) sendCampaign(ctx context.Context, tc *tasks.TaskContext, kind campaignKind, settings models.Settings,
	c models.Campaign, day time.Time) (int, error) {
	users, err := campaignAudience(ctx, tc, kind, c.ServerID)
	if err != nil {
		return 0, err
	}

	var sent int
	for _, u := range users {
		vars := notify.BuildUserContext(u, day)
		msg := notify.Message{Subject: notify.Render(c.Title, vars), Body: notify.Render(c.Body, vars)}
		if _, err := d.Router.Dispatch(ctx, settings, []string{kind.channel}, recipientOf(u), msg, false); err != nil {
			tc.Log.Warn("campaign %d: %s not reached: %v", c.ID, u.Username, err)
			continue
		}
		sent++
	}
	tc.Log.Info("campaign %d sent to %d/%d user(s)", c.ID, sent, len(users))
	return sent, nil
}

func campaignAudience(ctx context.Context, tc *tasks.TaskContext, kind campaignKind, serverID null.Int) ([]models.VodumUser, error) {
	var users []models.VodumUser
	if serverID.Valid {
		err := tc.Store.Select(ctx, &users, `
SELECT DISTINCT u.*
FROM vodum_users u
         JOIN media_users mu ON mu.vodum_user_id = u.id
WHERE mu.server_id = ?
  AND `+kind.contactQuery+`
ORDER BY u.id`, serverID.Int64)
		return users, err
	}
	err := tc.Store.Select(ctx, &users, `
SELECT u.*
FROM vodum_users u
WHERE `+kind.contactQuery+`
ORDER BY u.id`)
	return users, err
}

// checkMailingStatus enables or disables the mailing tasks so they follow settings.mailing_enabled.
func checkMailingStatus(ctx context.Context, tc *tasks.TaskContext) error {
	settings, err := loadSettings(ctx, tc.Store)
	if err != nil {
		return err
	}
	now := tc.Clock.Now()

	var changed int
	for _, name := range tasks.MailingTasks {
		var task models.Task
		found, err := tc.Store.Get(ctx, &task, `SELECT * FROM tasks WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if !found {
			tc.Log.Warn("task %s is not seeded", name)
			continue
		}
		if task.Enabled == settings.MailingEnabled {
			continue
		}

		nextRun := task.NextRun
		if settings.MailingEnabled && !nextRun.Valid {
			next, err := scheduler.NextFire(task.Schedule, now)
			if err != nil {
				tc.Log.Error("task %s has an invalid schedule %q: %v", name, task.Schedule, err)
				continue
			}
			nextRun = null.TimeFrom(next)
		}
		if _, err := tc.Store.Exec(ctx, `
UPDATE tasks
SET enabled    = ?,
    next_run   = ?,
    updated_at = ?
WHERE id = ?`, settings.MailingEnabled, nextRun, now, task.ID); err != nil {
			return err
		}
		changed++
		tc.Log.Info("task %s enabled=%t", name, settings.MailingEnabled)
	}

	tc.Log.Success("mailing_enabled=%t, %d task(s) updated", settings.MailingEnabled, changed)
	return nil
}
