package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"gorm.io/gorm"
)

func createEmailRecipientFailuresTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_email_recipient_failures",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailRecipientFailureModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_recipient_failures_email_member ON email_recipient_failures (email_id, member_id)`,
				`CREATE INDEX IF NOT EXISTS idx_email_recipient_failures_suppression ON email_recipient_failures (newsletter_id, member_id) WHERE severity = 'permanent'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailRecipientFailureModel{})
		},
	}
}
