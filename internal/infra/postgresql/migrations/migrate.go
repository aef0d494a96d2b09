package migrations

import (
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate owns only the message_ledger table. The appointments table
// belongs to the upstream scheduling system and is queried as-is.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_message_ledger",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.LedgerEntryModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_provider_message_id ON message_ledger (provider_message_id) WHERE provider_message_id IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_ledger_phone_key_created ON message_ledger (phone_key, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_ledger_kind_status_created ON message_ledger (kind, status, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_ledger_retry ON message_ledger (next_retry_at) WHERE status IN ('failed', 'error')`,
					`CREATE INDEX IF NOT EXISTS idx_ledger_appointment_id ON message_ledger (appointment_id) WHERE appointment_id IS NOT NULL`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.LedgerEntryModel{})
			},
		},
	})

	return m.Migrate()
}
