package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/providers"
)

// Importer reads the libraries and accounts of a server into the database. The server is the
// source of truth: shared_libraries of its accounts are replaced by what it reports.
type Importer struct {
	store     *database.Store
	providers *providers.Registry
}

func NewImporter(store *database.Store, registry *providers.Registry) *Importer {
	return &Importer{store: store, providers: registry}
}

type ImportReport struct {
	Libraries int `json:"libraries"`
	Accounts  int `json:"accounts"`
	Linked    int `json:"linked"`
	Shares    int `json:"shares"`
	Revoked   int `json:"revoked"`
}

// ImportServer refreshes one server. Nothing is written when the server cannot be read.
func (im *Importer) ImportServer(ctx context.Context, srv models.Server) (ImportReport, error) {
	var report ImportReport

	p, err := im.providers.For(srv)
	if err != nil {
		return report, err
	}
	inv, ok := p.(providers.Inventory)
	if !ok {
		return report, fmt.Errorf("%s servers cannot list their libraries", srv.Type)
	}
	libs, err := inv.Libraries(ctx)
	if err != nil {
		return report, fmt.Errorf("libraries of %s: %w", srv.Name, err)
	}
	accounts, err := inv.Accounts(ctx)
	if err != nil {
		return report, fmt.Errorf("accounts of %s: %w", srv.Name, err)
	}

	err = im.store.Tx(ctx, func(tx *sqlx.Tx) error {
		libraryIDs, err := upsertLibraries(ctx, tx, srv.ID, libs)
		if err != nil {
			return err
		}
		report.Libraries = len(libs)

		seen := make(map[int64]bool, len(accounts))
		for _, a := range accounts {
			id, linked, err := upsertAccount(ctx, tx, srv, a)
			if err != nil {
				return err
			}
			seen[id] = true
			report.Accounts++
			if linked {
				report.Linked++
			}

			sections := a.Sections
			if a.AllLibraries {
				sections = make([]string, 0, len(libraryIDs))
				for section := range libraryIDs {
					sections = append(sections, section)
				}
			}
			n, err := replaceShares(ctx, tx, srv.ID, id, libraryIDs, sections)
			if err != nil {
				return err
			}
			report.Shares += n
		}

		// accounts the server no longer lists keep their row but lose their libraries
		var known []int64
		if err := tx.SelectContext(ctx, &known, `SELECT id FROM media_users WHERE server_id = ? AND type = ?`, srv.ID, srv.Type); err != nil {
			return err
		}
		for _, id := range known {
			if seen[id] {
				continue
			}
			res, err := tx.ExecContext(ctx, `
DELETE FROM shared_libraries
WHERE media_user_id = ?
  AND library_id IN (SELECT id FROM libraries WHERE server_id = ?)`, id, srv.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				report.Revoked++
			}
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("import server %d: %w", srv.ID, err)
	}

	log.Info().
		Int64("server_id", srv.ID).
		Int("libraries", report.Libraries).
		Int("accounts", report.Accounts).
		Int("linked", report.Linked).
		Int("revoked", report.Revoked).
		Msg("Server imported")
	return report, nil
}

// upsertLibraries returns the library ids of the server keyed by section id. Sections the server
// no longer reports are removed along with their shares.
func upsertLibraries(ctx context.Context, tx *sqlx.Tx, serverID int64, libs []providers.Library) (map[string]int64, error) {
	reported := make(map[string]bool, len(libs))
	for _, l := range libs {
		reported[l.SectionID] = true
		if _, err := tx.ExecContext(ctx, `
INSERT INTO libraries (server_id, section_id, name, type)
VALUES (?, ?, ?, ?)
ON CONFLICT (server_id, section_id) DO UPDATE SET
    name = excluded.name,
    type = excluded.type`, serverID, l.SectionID, l.Name, null.NewString(l.Type, l.Type != "")); err != nil {
			return nil, fmt.Errorf("library %s: %w", l.SectionID, err)
		}
	}

	var rows []struct {
		ID        int64  `db:"id"`
		SectionID string `db:"section_id"`
	}
	if err := tx.SelectContext(ctx, &rows, `SELECT id, section_id FROM libraries WHERE server_id = ?`, serverID); err != nil {
		return nil, err
	}
	ids := make(map[string]int64, len(rows))
	for _, r := range rows {
		if reported[r.SectionID] {
			ids[r.SectionID] = r.ID
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM libraries WHERE id = ?`, r.ID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// upsertAccount finds the media user by external id, then by username. New accounts are linked to
// the vodum user holding the same e-mail when exactly one does.
func upsertAccount(ctx context.Context, tx *sqlx.Tx, srv models.Server, a providers.AccountShares) (int64, bool, error) {
	var existing struct {
		ID          int64    `db:"id"`
		VodumUserID null.Int `db:"vodum_user_id"`
	}
	found := false
	for _, l := range []struct{ column, value string }{{"external_user_id", a.ExternalUserID}, {"username", a.Username}} {
		if l.value == "" {
			continue
		}
		err := tx.GetContext(ctx, &existing, `
SELECT id, vodum_user_id
FROM media_users
WHERE server_id = ?
  AND type = ?
  AND `+l.column+` = ?
ORDER BY id
LIMIT 1`, srv.ID, srv.Type, l.value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, false, err
		}
		found = true
		break
	}

	externalID := null.NewString(a.ExternalUserID, a.ExternalUserID != "")
	username := null.NewString(a.Username, a.Username != "")
	email := null.NewString(a.Email, a.Email != "")

	id := existing.ID
	if found {
		if _, err := tx.ExecContext(ctx, `
UPDATE media_users
SET external_user_id = COALESCE(?, external_user_id),
    username         = COALESCE(?, username),
    email            = COALESCE(?, email),
    role             = ?
WHERE id = ?`, externalID, username, email, a.Role, id); err != nil {
			return 0, false, err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
INSERT INTO media_users (server_id, type, external_user_id, username, email, role)
VALUES (?, ?, ?, ?, ?, ?)`, srv.ID, srv.Type, externalID, username, email, a.Role)
		if err != nil {
			return 0, false, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, false, err
		}
	}

	if existing.VodumUserID.Valid || a.Email == "" {
		return id, false, nil
	}
	var owners []int64
	if err := tx.SelectContext(ctx, &owners, `SELECT id FROM vodum_users WHERE lower(email) = ? LIMIT 2`,
		strings.ToLower(a.Email)); err != nil {
		return 0, false, err
	}
	if len(owners) != 1 {
		return id, false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE media_users SET vodum_user_id = ? WHERE id = ?`, owners[0], id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func replaceShares(ctx context.Context, tx *sqlx.Tx, serverID, mediaUserID int64, libraryIDs map[string]int64, sections []string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
DELETE FROM shared_libraries
WHERE media_user_id = ?
  AND library_id IN (SELECT id FROM libraries WHERE server_id = ?)`, mediaUserID, serverID); err != nil {
		return 0, err
	}
	n := 0
	for _, section := range sections {
		libraryID, ok := libraryIDs[section]
		if !ok {
			log.Debug().Int64("server_id", serverID).Str("section", section).Msg("Share of an unknown library ignored")
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO shared_libraries (media_user_id, library_id)
VALUES (?, ?)`, mediaUserID, libraryID); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
