package migration

import (
	"fmt"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*Migration) error
}

var steps = []step{
	{name: "normalize_task_status_aliases", run: normalizeTaskStatusAliases},
	{name: "backfill_task_versions", run: backfillTaskVersions},
}

// Migration is passed to each migration step. DB is set by RunAll.
type Migration struct {
	DB   *gorm.DB
	logs []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

// Logs returns what the last step reported.
func (m *Migration) Logs() []string {
	return append([]string(nil), m.logs...)
}

// RunAll runs all registered migrations in order. Used for data one-shots; schema is synced via db.SyncSchema.
// Every step must be idempotent since RunAll executes on each open.
func RunAll(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	ctx := &Migration{DB: db}
	for _, s := range steps {
		ctx.logs = nil
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
	}
	return nil
}

// Older consoles stored "approved" and "error" on tasks; both map onto the current vocabulary.
func normalizeTaskStatusAliases(m *Migration) error {
	for from, to := range map[string]string{
		"approved": "applied",
		"error":    "failed",
	} {
		tx := m.DB.Exec(`UPDATE tasks SET status = ? WHERE status = ?`, to, from)
		if tx.Error != nil {
			return tx.Error
		}
		if tx.RowsAffected > 0 {
			m.Log("status ", from, " -> ", to, ": ", tx.RowsAffected)
		}
	}
	return nil
}

func backfillTaskVersions(m *Migration) error {
	tx := m.DB.Exec(`UPDATE tasks SET version = 1 WHERE version IS NULL OR version < 1`)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		m.Log("versions backfilled: ", tx.RowsAffected)
	}
	return nil
}
