// Package access pushes the library shares recorded in the database to the media servers.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"vodum/internal/database"
	"vodum/internal/models"
	"vodum/internal/providers"
	"vodum/internal/queue"
)

var ErrServerNotFound = errors.New("server not found")

// Syncer executes sync jobs: every account of the job's user on the job's server gets exactly the
// libraries listed in shared_libraries.
type Syncer struct {
	store     *database.Store
	providers *providers.Registry
}

func NewSyncer(store *database.Store, registry *providers.Registry) *Syncer {
	return &Syncer{store: store, providers: registry}
}

type account struct {
	ID             int64       `db:"id"`
	ExternalUserID null.String `db:"external_user_id"`
	Username       null.String `db:"username"`
}

// Execute implements worker.Executor. Errors a retry cannot fix are marked permanent.
func (s *Syncer) Execute(ctx context.Context, job *models.Job) error {
	if !job.VodumUserID.Valid {
		return queue.Permanent(fmt.Errorf("sync job %d has no vodum user", job.ID))
	}

	var srv models.Server
	found, err := s.store.Get(ctx, &srv, `SELECT * FROM servers WHERE id = ?`, job.ServerID)
	if err != nil {
		return err
	}
	if !found {
		return queue.Permanent(fmt.Errorf("%w: %d", ErrServerNotFound, job.ServerID))
	}

	p, err := s.providers.For(srv)
	if err != nil {
		return queue.Permanent(err)
	}
	la, ok := p.(providers.LibraryAccess)
	if !ok {
		return queue.Permanent(fmt.Errorf("%s servers do not support library access updates", srv.Type))
	}

	var accounts []account
	if err := s.store.Select(ctx, &accounts, `
SELECT id, external_user_id, username
FROM media_users
WHERE vodum_user_id = ?
  AND server_id = ?
  AND type = ?
ORDER BY id`, job.VodumUserID, srv.ID, srv.Type); err != nil {
		return err
	}
	if len(accounts) == 0 {
		log.Info().Int64("server_id", srv.ID).Int64("vodum_user_id", job.VodumUserID.Int64).
			Msg("No account to sync")
		return nil
	}

	for _, a := range accounts {
		var sections []string
		if err := s.store.Select(ctx, &sections, `
SELECT l.section_id
FROM shared_libraries sl
         JOIN libraries l ON l.id = sl.library_id
WHERE sl.media_user_id = ?
  AND l.server_id = ?
ORDER BY l.section_id`, a.ID, srv.ID); err != nil {
			return err
		}

		acc := providers.Account{ExternalUserID: a.ExternalUserID.ValueOrZero(), Username: a.Username.ValueOrZero()}
		if err := la.SetLibraryAccess(ctx, acc, sections); err != nil {
			if providers.IsConfigError(err) || errors.Is(err, providers.ErrAccountNotShared) {
				return queue.Permanent(err)
			}
			return fmt.Errorf("account %s: %w", acc, err)
		}
		log.Info().
			Int64("server_id", srv.ID).
			Str("account", acc.String()).
			Strs("libraries", sections).
			Msg("Library access applied")
	}
	return nil
}
