package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"gorm.io/gorm"
)

func createEmailBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_email_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailBatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE email_batches DROP CONSTRAINT IF EXISTS fk_email_batches_email`,
				`ALTER TABLE email_batches ADD CONSTRAINT fk_email_batches_email FOREIGN KEY (email_id) REFERENCES emails (id) ON DELETE CASCADE`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_batches_email_sequence ON email_batches (email_id, sequence)`,
				`CREATE INDEX IF NOT EXISTS idx_email_batches_status_heartbeat ON email_batches (status, heartbeat_at)`,
				`CREATE INDEX IF NOT EXISTS idx_email_batches_retry ON email_batches (next_retry_at) WHERE status = 'failed' AND permanent = false`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailBatchModel{})
		},
	}
}
