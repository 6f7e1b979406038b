package handlers

import (
	"context"
	"fmt"

	"vodum/internal/enforcement"
	"vodum/internal/tasks"
)

func (d Deps) streamEnforcer(ctx context.Context, tc *tasks.TaskContext) error {
	report, err := enforcement.New(tc.Store, d.Providers, tc.Clock).Run(ctx)
	if err != nil {
		return err
	}
	if report.Policies == 0 || report.Sessions == 0 {
		return nil
	}
	if report.Invalid > 0 {
		tc.Log.Warn("%d policy(ies) skipped, see the application log", report.Invalid)
	}
	if report.Violations == 0 {
		return nil
	}
	tc.Log.Info("%d violation(s): %d warned, %d pending, %d stopped", report.Violations,
		report.Warned, report.Pending, report.Killed)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d violation(s) could not be enforced", report.Failed, report.Violations)
	}
	return nil
}
