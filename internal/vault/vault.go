// Package vault persists the committed trade versions a party participates
// in and answers state lookups for that party.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

type Vault struct {
	db     *gorm.DB
	party  string
	logger zerolog.Logger
}

func New(db *gorm.DB, party string) *Vault {
	return &Vault{
		db:     db,
		party:  party,
		logger: log.With().Str("component", "vault").Str("party", party).Logger(),
	}
}

// Record stores a committed transition: the consumed version is marked
// consumed and the produced version is inserted, atomically. Recording the
// same transition twice is a no-op.
func (v *Vault) Record(ctx context.Context, stx *transaction.SignedTransition, receipt *notary.Receipt) error {
	txID := stx.ID()
	payload, err := json.Marshal(stx)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}

	tx := v.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var n int64
	if err := tx.Model(&TransactionRecord{}).Where("tx_id = ?", txID).Count(&n).Error; err != nil {
		tx.Rollback()
		return err
	}
	if n > 0 {
		tx.Rollback()
		return nil
	}

	if in := stx.Tx.Input; in != nil {
		res := tx.Model(&StateRecord{}).
			Where("linear_id = ? AND iteration_no = ? AND consumed = ?", in.LinearID, in.IterationNo, false).
			Updates(map[string]interface{}{"consumed": true, "consumed_by": txID})
		if res.Error != nil {
			tx.Rollback()
			return res.Error
		}
		if res.RowsAffected == 0 {
			tx.Rollback()
			return fmt.Errorf("input %s is not an unconsumed version in the vault of %s", in, v.party)
		}
	}

	record := recordFromState(stx.Tx.Output)
	record.TxID = txID
	record.NotarySequence = receipt.Sequence
	record.CommittedAt = receipt.CommittedAt
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	txRecord := TransactionRecord{
		TxID:           txID,
		LinearID:       stx.Tx.Output.LinearID,
		Command:        string(stx.Tx.Command.Type),
		Payload:        payload,
		NotarySequence: receipt.Sequence,
		CommittedAt:    receipt.CommittedAt,
	}
	if err := tx.Create(&txRecord).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}
	v.logger.Debug().
		Str("tx_id", txID).
		Str("linear_id", record.LinearID).
		Int64("iteration_no", record.IterationNo).
		Str("status", record.Status).
		Msg("Version recorded")
	return nil
}

// Latest returns the unconsumed version of the trade identified by key,
// which may be its reference id or its linear id.
func (v *Vault) Latest(ctx context.Context, key string) (*types.StateAndRef, error) {
	var record StateRecord
	err := v.db.WithContext(ctx).
		Where("(ref_id = ? OR linear_id = ?) AND consumed = ?", key, key, false).
		Order("iteration_no desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no unconsumed trade %s", key))
		}
		return nil, err
	}
	return &types.StateAndRef{State: record.State(), Ref: record.Ref()}, nil
}

// Version returns a specific version of a trade.
func (v *Vault) Version(ctx context.Context, linearID string, iteration int64) (*StateRecord, error) {
	var record StateRecord
	err := v.db.WithContext(ctx).Where("linear_id = ? AND iteration_no = ?", linearID, iteration).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no version %d of trade %s", iteration, linearID))
		}
		return nil, err
	}
	return &record, nil
}

// History returns every known version of a trade, oldest first.
func (v *Vault) History(ctx context.Context, key string) ([]StateRecord, error) {
	var records []StateRecord
	err := v.db.WithContext(ctx).
		Where("ref_id = ? OR linear_id = ?", key, key).
		Order("iteration_no asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("unknown trade %s", key))
	}
	return records, nil
}

// Trades returns the unconsumed versions, optionally filtered by status.
func (v *Vault) Trades(ctx context.Context, status types.TradeStatus) ([]StateRecord, error) {
	query := v.db.WithContext(ctx).Where("consumed = ?", false)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var records []StateRecord
	if err := query.Order("notary_sequence asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// DueForSettlement returns booked trades sold by seller whose settlement
// date is not after now.
func (v *Vault) DueForSettlement(ctx context.Context, now time.Time, seller string) ([]types.StateAndRef, error) {
	var records []StateRecord
	err := v.db.WithContext(ctx).
		Where("consumed = ? AND status = ? AND seller = ? AND settlement_date <= ?",
			false, string(types.StatusBooked), seller, now.UTC()).
		Order("settlement_date asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	due := make([]types.StateAndRef, 0, len(records))
	for i := range records {
		due = append(due, types.StateAndRef{State: records[i].State(), Ref: records[i].Ref()})
	}
	return due, nil
}

// ErrKeyInProgress reports an idempotency key whose first request has not
// finished yet.
var ErrKeyInProgress = fmt.Errorf("a request with this idempotency key is still in progress: %w", gorm.ErrDuplicatedKey)

// Transaction returns a recorded transition by id.
func (v *Vault) Transaction(ctx context.Context, txID string) (*transaction.SignedTransition, error) {
	var record TransactionRecord
	if err := v.db.WithContext(ctx).Where("tx_id = ?", txID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("transition %s not recorded", txID))
		}
		return nil, err
	}
	var stx transaction.SignedTransition
	if err := json.Unmarshal(record.Payload, &stx); err != nil {
		return nil, fmt.Errorf("decode transition %s: %w", txID, err)
	}
	return &stx, nil
}

// ReserveIdempotencyKey claims key for a request that will create
// resourceID. When the key is already held by an unexpired record, that
// record is returned and reserved is false.
func (v *Vault) ReserveIdempotencyKey(ctx context.Context, key, resourceID, resourceType string, ttl time.Duration) (record *IdempotencyRecord, reserved bool, err error) {
	tx := v.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, false, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if err := tx.Unscoped().Where("idempotency_key = ? AND expires_at <= ?", key, now).
		Delete(&IdempotencyRecord{}).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}

	claim := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		Status:         IdempotencyPending,
		ExpiresAt:      now.Add(ttl),
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&claim)
	if res.Error != nil {
		tx.Rollback()
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &claim, true, tx.Commit().Error
	}

	var existing IdempotencyRecord
	if err := tx.Where("idempotency_key = ?", key).First(&existing).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}
	return &existing, false, tx.Commit().Error
}

// CompleteIdempotencyKey marks the resource reserved under key as created.
func (v *Vault) CompleteIdempotencyKey(ctx context.Context, key string) error {
	return v.db.WithContext(ctx).Model(&IdempotencyRecord{}).
		Where("idempotency_key = ?", key).
		Update("status", IdempotencyCompleted).Error
}

// ReleaseIdempotencyKey drops a pending reservation so the key can be reused.
func (v *Vault) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return v.db.WithContext(ctx).Unscoped().
		Where("idempotency_key = ? AND status = ?", key, IdempotencyPending).
		Delete(&IdempotencyRecord{}).Error
}
