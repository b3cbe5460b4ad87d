package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"gorm.io/gorm"
)

func createEmailRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_email_recipients",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailRecipientModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE email_recipients DROP CONSTRAINT IF EXISTS fk_email_recipients_batch`,
				`ALTER TABLE email_recipients ADD CONSTRAINT fk_email_recipients_batch FOREIGN KEY (batch_id) REFERENCES email_batches (id) ON DELETE CASCADE`,
				`CREATE INDEX IF NOT EXISTS idx_email_recipients_batch_member ON email_recipients (batch_id, member_id)`,
				`CREATE INDEX IF NOT EXISTS idx_email_recipients_email_status ON email_recipients (email_id, status)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailRecipientModel{})
		},
	}
}
