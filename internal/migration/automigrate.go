package migration

import (
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	entitlementdomain "github.com/smallbiznis/playmaker/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"gorm.io/gorm"
)

// AutoMigrate builds the schema from the models for databases the SQL
// migrations do not target (sqlite for local runs and tests).
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&accountdomain.User{},
		&accountdomain.Profile{},
		&invoicedomain.Invoice{},
		&paymentdomain.EventRecord{},
		&entitlementdomain.Entitlement{},
	); err != nil {
		return err
	}
	if db.Dialector.Name() == "mysql" {
		// No partial indexes; the pending-draft rule falls back to the
		// transactional find-or-create.
		return nil
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_pending_draft
		ON invoices (user_id, product, profile_key)
		WHERE status = 'pending'`).Error
}
