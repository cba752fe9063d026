package migrations

import (
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
	"gorm.io/gorm"
)

// AddTradeStates creates the trade version table and required indexes
func AddTradeStates(db *gorm.DB) error {
	if err := db.AutoMigrate(&vault.StateRecord{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Latest-version lookups by reference or linear id
		`CREATE INDEX IF NOT EXISTS idx_state_records_ref_consumed 
		 ON state_records(ref_id, consumed)`,

		`CREATE INDEX IF NOT EXISTS idx_state_records_linear_consumed 
		 ON state_records(linear_id, consumed)`,

		// Settlement processor scan
		`CREATE INDEX IF NOT EXISTS idx_state_records_settlement 
		 ON state_records(status, consumed, settlement_date)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
