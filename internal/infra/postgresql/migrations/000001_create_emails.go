package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"gorm.io/gorm"
)

func createEmailsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_emails",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_emails_status_created ON emails (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_emails_newsletter_id ON emails (newsletter_id)`,
				`CREATE INDEX IF NOT EXISTS idx_emails_scheduled_due ON emails (scheduled_at) WHERE status = 'pending' AND scheduled_at IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailModel{})
		},
	}
}
