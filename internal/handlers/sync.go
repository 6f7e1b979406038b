package handlers

import (
	"context"
	"fmt"

	"vodum/internal/access"
	"vodum/internal/models"
	"vodum/internal/tasks"
)

// syncServers imports the libraries and accounts of every server of one type. A server that cannot
// be read is skipped; the task fails only when none could.
func (d Deps) syncServers(typ string) tasks.Handler {
	return tasks.HandlerFunc(func(ctx context.Context, tc *tasks.TaskContext) error {
		var servers []models.Server
		if err := tc.Store.Select(ctx, &servers, `SELECT * FROM servers WHERE type = ? ORDER BY id`, typ); err != nil {
			return err
		}
		if len(servers) == 0 {
			tc.Log.Info("no %s server configured", typ)
			return nil
		}

		importer := access.NewImporter(tc.Store, d.Providers)
		var total access.ImportReport
		failed := 0
		for _, srv := range servers {
			report, err := importer.ImportServer(ctx, srv)
			if err != nil {
				failed++
				tc.Log.Warn("server %d (%s) not imported: %v", srv.ID, srv.Name, err)
				continue
			}
			total.Libraries += report.Libraries
			total.Accounts += report.Accounts
			total.Linked += report.Linked
			total.Revoked += report.Revoked
		}
		if failed == len(servers) {
			return fmt.Errorf("none of the %d %s server(s) could be imported", failed, typ)
		}

		tc.Log.Success("%d %s server(s) imported: %d libraries, %d accounts, %d newly linked, %d revoked",
			len(servers)-failed, typ, total.Libraries, total.Accounts, total.Linked, total.Revoked)
		return nil
	})
}
