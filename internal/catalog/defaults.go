package catalog

import (
	"context"
	"database/sql"

	log "github.com/sirupsen/logrus"
)

// defaultModels make a fresh deployment usable before an admin touches
// the catalog. They are written only when the table is empty, so later
// deletions stick across restarts.
var defaultModels = []Model{
	{ID: "gemini-2.5-pro", Category: CategoryPro},
	{ID: "gemini-2.5-flash", Category: CategoryFlash},
	{ID: "gemini-2.5-flash-lite", Category: CategoryFlash},
	{ID: "gemini-2.5-flash-preview-05-20", Category: CategoryFlash},
	{ID: "gemini-2.0-flash", Category: CategoryFlash},
}

// EnsureDefaults seeds the catalog on first boot.
func (c *Catalog) EnsureDefaults(ctx context.Context) error {
	var n int
	if err := c.st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM models_config`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	err := c.st.Update(ctx, func(tx *sql.Tx) error {
		for _, m := range defaultModels {
			if _, errExec := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO models_config (model_id, category, daily_quota, individual_quota) VALUES (?, ?, NULL, NULL)`,
				m.ID, string(m.Category)); errExec != nil {
				return errExec
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("catalog: seeded %d default models", len(defaultModels))
	return nil
}
