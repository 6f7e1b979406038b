package handlers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/tasks"
	"vodum/internal/testutil"
)

const smtpSettings = `mailing_enabled = 1, smtp_host = 'smtp.local', smtp_port = 587, smtp_user = 'bot',
smtp_pass = 'secret', mail_from = 'vodum@example.com'`

const discordSettings = `discord_enabled = 1, discord_bot_token = 'bot-token'`

func TestCheckMailingStatus(t *testing.T) {
	e := newEnv(t)
	for _, name := range tasks.MailingTasks {
		testutil.InsertTask(t, e.store, name, "0 9 * * *", true)
	}

	e.mustRun(t, tasks.CheckMailingStatus)
	for _, name := range tasks.MailingTasks {
		task := testutil.GetTask(t, e.store, name)
		assert.False(t, task.Enabled, name)
		require.True(t, task.UpdatedAt.Valid, name)
		testutil.AssertTime(t, testutil.Epoch, task.UpdatedAt.Time)
	}

	e.clk.Advance(time.Hour)
	testutil.Settings(t, e.store, `mailing_enabled = 1`)
	e.mustRun(t, tasks.CheckMailingStatus)
	for _, name := range tasks.MailingTasks {
		task := testutil.GetTask(t, e.store, name)
		assert.True(t, task.Enabled, name)
		testutil.AssertTime(t, testutil.Epoch.Add(time.Hour), task.UpdatedAt.Time)
		require.True(t, task.NextRun.Valid, name)
		testutil.AssertTime(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), task.NextRun.Time)
	}

	t.Run("unchanged setting keeps updated_at", func(t *testing.T) {
		e.clk.Advance(time.Hour)
		e.mustRun(t, tasks.CheckMailingStatus)
		for _, name := range tasks.MailingTasks {
			testutil.AssertTime(t, testutil.Epoch.Add(time.Hour), testutil.GetTask(t, e.store, name).UpdatedAt.Time)
		}
	})
}

func TestSendExpirationEmails(t *testing.T) {
	e := newEnv(t)
	testutil.Settings(t, e.store, smtpSettings+`, `+discordSettings+`, notifications_order = '["email","discord"]'`)

	preavis := testutil.InsertUser(t, e.store, "alice", "alice@example.com", day(20))
	expired := testutil.InsertUser(t, e.store, "bob", "bob@example.com", day(-1))
	fallback := testutil.InsertUser(t, e.store, "carol", "carol@example.com", day(5))
	active := testutil.InsertUser(t, e.store, "dave", "dave@example.com", day(200))
	testutil.Exec(t, e.store, `UPDATE vodum_users SET discord_user_id = '42' WHERE id = ?`, fallback)
	e.mustRun(t, tasks.UpdateUserStatus)

	e.email.failFor = map[int64]bool{fallback: true}
	e.mustRun(t, tasks.SendExpirationEmails)

	emails := e.email.messages()
	require.Len(t, emails, 2)
	assert.Equal(t, preavis, emails[0].to.UserID)
	assert.Equal(t, "Your subscription expires soon", emails[0].msg.Subject)
	assert.Contains(t, emails[0].msg.Body, "Hello alice")
	assert.Contains(t, emails[0].msg.Body, "(20 days left)")
	assert.Equal(t, expired, emails[1].to.UserID)
	assert.Equal(t, "Your subscription has expired", emails[1].msg.Subject)

	dms := e.discord.messages()
	require.Len(t, dms, 1, "failed e-mail falls through to discord")
	assert.Equal(t, fallback, dms[0].to.UserID)
	assert.Contains(t, dms[0].msg.Body, "only 5 days left")

	assert.Equal(t, 2, testutil.Count(t, e.store, `SELECT COUNT(*) FROM sent_emails`))
	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM sent_discord WHERE user_id = ? AND type = 'relance'`, fallback))
	assert.Zero(t, testutil.Count(t, e.store, `SELECT COUNT(*) FROM sent_emails WHERE user_id = ?`, active))

	t.Run("each reminder is sent once", func(t *testing.T) {
		e.email.failFor = nil
		e.mustRun(t, tasks.SendExpirationEmails)
		assert.Len(t, e.email.messages(), 2)
		assert.Len(t, e.discord.messages(), 1)
	})

	t.Run("a new expiration date gets a new reminder", func(t *testing.T) {
		testutil.Exec(t, e.store, `UPDATE vodum_users SET expiration_date = ? WHERE id = ?`, day(25), preavis)
		e.mustRun(t, tasks.SendExpirationEmails)
		assert.Len(t, e.email.messages(), 3)
	})
}

func TestSendExpirationEmails_NoChannel(t *testing.T) {
	e := newEnv(t)
	testutil.InsertUser(t, e.store, "alice", "alice@example.com", day(3))
	e.mustRun(t, tasks.UpdateUserStatus)

	e.mustRun(t, tasks.SendExpirationEmails)

	assert.Empty(t, e.email.messages())
	assert.Zero(t, testutil.Count(t, e.store, `SELECT COUNT(*) FROM sent_emails`))
}

func TestSendExpirationDiscord(t *testing.T) {
	e := newEnv(t)
	testutil.Settings(t, e.store, smtpSettings+`, `+discordSettings+`, notifications_order = '["discord","email"]',
user_notifications_can_override = 1`)

	alice := testutil.InsertUser(t, e.store, "alice", "alice@example.com", day(-1))
	bob := testutil.InsertUser(t, e.store, "bob", "bob@example.com", day(5))
	carol := testutil.InsertUser(t, e.store, "carol", "carol@example.com", day(5))
	testutil.Exec(t, e.store, `UPDATE vodum_users SET notifications_order_override = '["email"]' WHERE id = ?`, carol)
	e.mustRun(t, tasks.UpdateUserStatus)

	e.discord.failFor = map[int64]bool{bob: true}
	e.mustRun(t, tasks.SendExpirationDiscord)

	dms := e.discord.messages()
	require.Len(t, dms, 1)
	assert.Equal(t, alice, dms[0].to.UserID)
	assert.Equal(t, "Your subscription has expired", dms[0].msg.Subject)

	emails := e.email.messages()
	require.Len(t, emails, 1, "failed discord falls through to e-mail")
	assert.Equal(t, bob, emails[0].to.UserID)
	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM sent_discord WHERE user_id = ? AND type = 'fin'`, alice))
	assert.Equal(t, 1, testutil.Count(t, e.store, `SELECT COUNT(*) FROM sent_emails WHERE user_id = ? AND type = 'relance'`, bob))

	t.Run("e-mail first users belong to the e-mail task", func(t *testing.T) {
		e.mustRun(t, tasks.SendExpirationEmails)
		emails := e.email.messages()
		require.Len(t, emails, 2)
		assert.Equal(t, carol, emails[1].to.UserID)
		assert.Len(t, e.discord.messages(), 1)
	})

	t.Run("discord not configured", func(t *testing.T) {
		testutil.Settings(t, e.store, `discord_enabled = 0`)
		testutil.Exec(t, e.store, `DELETE FROM sent_discord`)
		e.mustRun(t, tasks.SendExpirationDiscord)
		assert.Len(t, e.discord.messages(), 1)
	})
}

func insertCampaign(t *testing.T, e *env, table, title, body string, serverID int64) int64 {
	t.Helper()
	column := "title"
	if table == "mail_campaigns" {
		column = "subject"
	}
	server := any(nil)
	if serverID > 0 {
		server = serverID
	}
	return testutil.Exec(t, e.store, `INSERT INTO `+table+` (`+column+`, body, server_id, status, created_at)
VALUES (?, ?, ?, 'pending', ?)`, title, body, server, e.clk.Now())
}

func campaignStatus(t *testing.T, e *env, table string, id int64) string {
	t.Helper()
	var status string
	_, err := e.store.Get(t.Context(), &status, `SELECT status FROM `+table+` WHERE id = ?`, id)
	require.NoError(t, err)
	return status
}

func TestSendCampaignDiscord(t *testing.T) {
	e := newEnv(t)
	testutil.Settings(t, e.store, discordSettings)
	serverID := testutil.InsertServer(t, e.store, "plex", "plex", "http://plex.local", "token")

	alice := testutil.InsertUser(t, e.store, "alice", "", day(10))
	bob := testutil.InsertUser(t, e.store, "bob", "", "")
	carol := testutil.InsertUser(t, e.store, "carol", "", "")
	testutil.InsertUser(t, e.store, "nodiscord", "", "")
	testutil.Exec(t, e.store, `UPDATE vodum_users SET discord_user_id = 'd' || id WHERE id IN (?, ?, ?)`, alice, bob, carol)
	testutil.InsertMediaUser(t, e.store, serverID, alice, "plex", "1", "alice", "friend")
	testutil.InsertMediaUser(t, e.store, serverID, bob, "plex", "2", "bob", "friend")

	everyone := insertCampaign(t, e, "discord_campaigns", "News for {username}", "Hi {username}", 0)
	e.clk.Advance(time.Second)
	scoped := insertCampaign(t, e, "discord_campaigns", "Maintenance", "{days_left} days left", serverID)

	e.discord.failFor = map[int64]bool{bob: true}
	e.mustRun(t, tasks.SendCampaignDiscord)

	assert.Equal(t, "sent", campaignStatus(t, e, "discord_campaigns", everyone))
	assert.Equal(t, "sent", campaignStatus(t, e, "discord_campaigns", scoped), "a failed recipient does not fail the campaign")

	dms := e.discord.messages()
	require.Len(t, dms, 3)
	assert.Equal(t, "News for alice", dms[0].msg.Subject)
	assert.Equal(t, "Hi alice", dms[0].msg.Body)
	assert.Equal(t, carol, dms[1].to.UserID)
	assert.Equal(t, alice, dms[2].to.UserID)
	assert.Equal(t, "10 days left", dms[2].msg.Body)
	assert.Empty(t, e.email.messages())

	t.Run("sent campaigns are not resent", func(t *testing.T) {
		e.mustRun(t, tasks.SendCampaignDiscord)
		assert.Len(t, e.discord.messages(), 3)
	})
}

func TestSendCampaignDiscord_NotReady(t *testing.T) {
	e := newEnv(t)
	id := insertCampaign(t, e, "discord_campaigns", "News", "Body", 0)

	e.mustRun(t, tasks.SendCampaignDiscord)

	assert.Equal(t, "pending", campaignStatus(t, e, "discord_campaigns", id))
}

func TestSendMailCampaigns(t *testing.T) {
	e := newEnv(t)
	testutil.Settings(t, e.store, smtpSettings)
	testutil.InsertUser(t, e.store, "alice", "alice@example.com", "")
	testutil.InsertUser(t, e.store, "nomail", "", "")
	id := insertCampaign(t, e, "mail_campaigns", "Hello {username}", "Body", 0)

	e.mustRun(t, tasks.SendMailCampaigns)

	assert.Equal(t, "sent", campaignStatus(t, e, "mail_campaigns", id))
	msgs := e.email.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello alice", msgs[0].msg.Subject)
	assert.Equal(t, "alice@example.com", msgs[0].to.Email)
}
