package db

import (
	"errors"

	"changedesk/internal/db/migration"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models. Table structure changes do not use versioned migrations.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&Task{},
		&Proposal{},
		&TaskStatusHistory{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_proposals_task_created_at ON proposals(task_id, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status_created_at ON proposals(status, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_task_status_history_task_created_at ON task_status_history(task_id, created_at ASC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp syncs schema then runs data migrations.
func MigrateUp(db *gorm.DB) error {
	if err := SyncSchema(db); err != nil {
		return err
	}
	return migration.RunAll(db)
}
