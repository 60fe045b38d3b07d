package upgrade

import (
	"context"
	"database/sql"
)

// Step transforms the schema from version From to From+1. Apply runs
// inside the engine's transaction with foreign key enforcement off; it
// must not commit, roll back, or touch the version setting itself.
type Step struct {
	From  int
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// registeredSteps returns the upgrade sequence in ascending order. The
// engine relies on the ordering and on the versions being contiguous.
func registeredSteps() []Step {
	return []Step{
		{From: 2, Apply: upgradeV2ToV3},
		{From: 3, Apply: upgradeV3ToV4},
		{From: 4, Apply: upgradeV4ToV5},
		{From: 5, Apply: upgradeV5ToV6},
	}
}

func execAll(ctx context.Context, tx *sql.Tx, statements []string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
