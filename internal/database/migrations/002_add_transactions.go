package migrations

import (
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
	"gorm.io/gorm"
)

// AddTransactions creates the committed transition log and idempotency tables
func AddTransactions(db *gorm.DB) error {
	if err := db.AutoMigrate(&vault.TransactionRecord{}, &vault.IdempotencyRecord{}); err != nil {
		return err
	}

	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_transaction_records_sequence 
		 ON transaction_records(notary_sequence)`).Error; err != nil {
		return err
	}

	return nil
}
