package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"vodum/internal/clock"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/providers"
	"vodum/internal/telemetry"
)

const (
	// LiveWindow is how recently a session must have been seen to count.
	LiveWindow = 120 * time.Second
	// Grace is the delay between the warning and the stop.
	Grace = 30 * time.Second
	// WarnWindow is how long a warning stays valid. An actor is warned at most once per window.
	WarnWindow = 5 * time.Minute
)

const (
	ActionWarn = "warn"
	ActionKill = "kill"
)

// Enforcer evaluates the enabled policies against the live sessions. A violation walks through
// three states across runs: warned, then pending until the grace has elapsed, then stopped.
type Enforcer struct {
	store     *database.Store
	providers *providers.Registry
	clock     clock.Clock
}

func New(store *database.Store, registry *providers.Registry, clk clock.Clock) *Enforcer {
	return &Enforcer{store: store, providers: registry, clock: clk}
}

type Report struct {
	Policies   int `json:"policies"`
	Sessions   int `json:"sessions"`
	Violations int `json:"violations"`
	Warned     int `json:"warned"`
	Pending    int `json:"pending"`
	Killed     int `json:"killed"`
	Failed     int `json:"failed"`
	Invalid    int `json:"invalid"`
}

type state struct {
	ID       int64     `db:"id"`
	WarnedAt null.Time `db:"warned_at"`
	KilledAt null.Time `db:"killed_at"`
}

// Run applies every enabled policy once.
func (e *Enforcer) Run(ctx context.Context) (Report, error) {
	var report Report

	var policies []Policy
	if err := e.store.Select(ctx, &policies, `
SELECT *
FROM stream_policies
WHERE is_enabled = 1
ORDER BY priority, id`); err != nil {
		return report, err
	}
	report.Policies = len(policies)
	if len(policies) == 0 {
		return report, nil
	}

	now := e.clock.Now()
	var sessions []Session
	if err := e.store.Select(ctx, &sessions, `
SELECT ms.server_id,
       s.type AS provider,
       ms.session_key,
       ms.media_user_id,
       ms.external_user_id,
       mu.vodum_user_id,
       ms.is_transcode,
       ms.bitrate,
       ms.client,
       ms.device,
       ms.ip,
       ms.raw_json,
       ms.started_at
FROM media_sessions ms
         JOIN servers s ON s.id = ms.server_id
         LEFT JOIN media_users mu ON mu.id = ms.media_user_id
WHERE s.type IN ('plex', 'jellyfin')
  AND ms.last_seen_at >= ?
ORDER BY ms.server_id, ms.id`, now.Add(-LiveWindow)); err != nil {
		return report, err
	}
	report.Sessions = len(sessions)
	if len(sessions) == 0 {
		return report, nil
	}

	overrides, err := e.overrides(ctx)
	if err != nil {
		return report, err
	}

	for _, p := range policies {
		violations, err := Evaluate(p, sessions, overrides)
		if err != nil {
			log.Warn().Err(err).Int64("policy_id", p.ID).Msg("Policy skipped")
			report.Invalid++
			continue
		}
		for _, v := range violations {
			report.Violations++
			if err := e.apply(ctx, v, now, &report); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func (e *Enforcer) overrides(ctx context.Context) (Overrides, error) {
	var rows []struct {
		ID       int64 `db:"id"`
		Override int   `db:"max_streams_override"`
	}
	if err := e.store.Select(ctx, &rows, `
SELECT id, max_streams_override
FROM vodum_users
WHERE max_streams_override IS NOT NULL`); err != nil {
		return nil, err
	}
	out := make(Overrides, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Override
	}
	return out, nil
}

// apply moves the violation one step. Provider failures are counted and logged; only database
// errors abort the run.
func (e *Enforcer) apply(ctx context.Context, v Violation, now time.Time, report *Report) error {
	var st state
	found, err := e.store.Get(ctx, &st, `
SELECT id, warned_at, killed_at
FROM stream_enforcement_state
WHERE policy_id = ?
  AND server_id = ?
  AND actor_key = ?`, v.Policy.ID, v.ServerID, v.Actor.Key())
	if err != nil {
		return err
	}

	logger := log.With().
		Int64("policy_id", v.Policy.ID).
		Str("rule", v.Policy.RuleType).
		Int64("server_id", v.ServerID).
		Str("actor", v.Actor.Key()).
		Str("session_key", v.Target.SessionKey).
		Str("reason", v.Reason).
		Logger()

	// the stopped session stays in media_sessions until the next collection
	if found && st.KilledAt.Valid && now.Sub(st.KilledAt.Time) < LiveWindow {
		report.Pending++
		return e.touch(ctx, v, now, false, false)
	}

	warned := found && st.WarnedAt.Valid && now.Sub(st.WarnedAt.Time) < WarnWindow
	if warned && now.Sub(st.WarnedAt.Time) < Grace {
		report.Pending++
		return e.touch(ctx, v, now, false, false)
	}

	var srv models.Server
	ok, err := e.store.Get(ctx, &srv, `SELECT * FROM servers WHERE id = ?`, v.ServerID)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn().Msg("Server of the violation is gone")
		report.Failed++
		return nil
	}
	p, err := e.providers.For(srv)
	if err != nil {
		logger.Warn().Err(err).Msg("No provider for the server")
		report.Failed++
		return nil
	}

	if !warned {
		shown, err := p.SendSessionMessage(ctx, v.Target.SessionKey, v.warnTitle, v.warnText)
		if err != nil {
			logger.Warn().Err(err).Msg("Warning could not be shown")
		}
		logger.Warn().Bool("shown", shown).Msg("Stream policy violated, session warned")
		report.Warned++
		telemetry.Enforcements.WithLabelValues(v.Policy.RuleType, ActionWarn).Inc()
		if err := e.record(ctx, v, ActionWarn, now); err != nil {
			return err
		}
		return e.touch(ctx, v, now, true, false)
	}

	// last notice before the stop; Plex shows the reason instead
	if _, err := p.SendSessionMessage(ctx, v.Target.SessionKey, v.warnTitle, v.warnText); err != nil {
		logger.Debug().Err(err).Msg("Final notice could not be shown")
	}
	if err := p.TerminateSession(ctx, v.Target.SessionKey, v.warnText); err != nil {
		logger.Error().Err(err).Msg("Session could not be stopped")
		report.Failed++
		return e.touch(ctx, v, now, false, false)
	}
	logger.Warn().Msg("Stream policy still violated, session stopped")
	report.Killed++
	telemetry.Enforcements.WithLabelValues(v.Policy.RuleType, ActionKill).Inc()
	if err := e.record(ctx, v, ActionKill, now); err != nil {
		return err
	}
	return e.touch(ctx, v, now, false, true)
}

func (e *Enforcer) record(ctx context.Context, v Violation, action string, now time.Time) error {
	_, err := e.store.Exec(ctx, `
INSERT INTO stream_enforcements (policy_id, server_id, provider, session_key, vodum_user_id, external_user_id,
                                 action, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Policy.ID, v.ServerID, v.Provider, v.Target.SessionKey, v.Actor.VodumUserID,
		null.NewString(v.Actor.External, v.Actor.External != ""), action, v.Reason, now)
	if err != nil {
		return fmt.Errorf("record %s: %w", action, err)
	}
	return nil
}

// touch upserts the state of the actor, setting warned_at or killed_at when asked.
func (e *Enforcer) touch(ctx context.Context, v Violation, now time.Time, warned, killed bool) error {
	_, err := e.store.Exec(ctx, `
INSERT INTO stream_enforcement_state (policy_id, server_id, actor_key, vodum_user_id, external_user_id,
                                      warned_at, killed_at, last_seen_at, last_reason)
VALUES (?, ?, ?, ?, ?, CASE WHEN ? THEN ? END, CASE WHEN ? THEN ? END, ?, ?)
ON CONFLICT (policy_id, server_id, actor_key) DO UPDATE SET
    warned_at    = COALESCE(excluded.warned_at, warned_at),
    killed_at    = COALESCE(excluded.killed_at, killed_at),
    last_seen_at = excluded.last_seen_at,
    last_reason  = excluded.last_reason`,
		v.Policy.ID, v.ServerID, v.Actor.Key(), v.Actor.VodumUserID,
		null.NewString(v.Actor.External, v.Actor.External != ""),
		warned, now, killed, now, now, v.Reason)
	if err != nil {
		return fmt.Errorf("update enforcement state: %w", err)
	}
	return nil
}
