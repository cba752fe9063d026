// Package notary implements the sequencing service that makes trade
// transitions final. It is non-validating: it checks the time window, the
// required signatures and that the consumed version is still unconsumed,
// then assigns a position in a single total order.
package notary

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	dbm "github.com/tendermint/tm-db"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
)

// Receipt is the notary's signed statement that a transition is final.
type Receipt struct {
	TxID        string    `json:"tx_id"`
	Sequence    int64     `json:"sequence"`
	Notary      string    `json:"notary"`
	CommittedAt time.Time `json:"committed_at"`
	Signature   []byte    `json:"signature"`
}

// SignBytes returns the bytes the notary signs.
func (r *Receipt) SignBytes() []byte {
	return []byte(r.TxID + "/" + strconv.FormatInt(r.Sequence, 10) + "/" + r.Notary + "/" +
		strconv.FormatInt(r.CommittedAt.UnixNano(), 10))
}

// Verify checks the receipt signature against the registered notary key.
func (r *Receipt) Verify(reg *identity.Registry) error {
	return reg.Verify(r.Notary, r.SignBytes(), r.Signature)
}

// Option configures a Notary.
type Option func(*Notary)

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(n *Notary) { n.metrics = m }
}

// WithClock overrides the time source used for window checks.
func WithClock(now func() time.Time) Option {
	return func(n *Notary) { n.now = now }
}

// Notary serializes commits over a durable tm-db log.
type Notary struct {
	keys     *identity.KeyPair
	registry *identity.Registry
	db       dbm.DB
	metrics  *Metrics
	now      func() time.Time
	logger   zerolog.Logger

	mtx    sync.Mutex
	height int64
}

// OpenDB opens the notary's commit log with the given tm-db backend.
func OpenDB(name, backend, dir string) (dbm.DB, error) {
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, fmt.Errorf("open notary db %s (%s): %w", name, backend, err)
	}
	return db, nil
}

// New creates a notary signing with keys and checking party signatures
// against registry. The last committed height is restored from db.
func New(keys *identity.KeyPair, registry *identity.Registry, db dbm.DB, opts ...Option) (*Notary, error) {
	n := &Notary{
		keys:     keys,
		registry: registry,
		db:       db,
		metrics:  NopMetrics(),
		now:      time.Now,
		logger:   log.With().Str("component", "notary").Str("notary", keys.Name).Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}

	key, err := heightKey()
	if err != nil {
		return nil, err
	}
	bz, err := db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load notary height: %w", err)
	}
	if bz != nil {
		n.height = int64FromBytes(bz)
	}
	n.metrics.Height.Set(float64(n.height))
	return n, nil
}

func (n *Notary) Name() string {
	return n.keys.Name
}

// Height returns the sequence number of the last committed transition.
func (n *Notary) Height() int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.height
}

// Commit finalises stx. Commits are serialized: when two transitions consume
// the same version, the first to be sequenced wins and the other fails with
// DOUBLE_SPEND. Resubmitting an already committed transition returns its
// original receipt.
func (n *Notary) Commit(ctx context.Context, stx *transaction.SignedTransition) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "commit abandoned", err)
	}
	start := time.Now()
	receipt, err := n.commit(stx)
	if err != nil {
		n.metrics.Refused.With("code", string(apperrors.CodeOf(err))).Add(1)
		n.logger.Debug().Err(err).Str("tx_id", stx.ID()).Msg("Commit refused")
		return nil, err
	}
	n.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	return receipt, nil
}

func (n *Notary) commit(stx *transaction.SignedTransition) (*Receipt, error) {
	tx := &stx.Tx
	if tx.Notary != n.keys.Name {
		return nil, apperrors.New(apperrors.CodeInvalidRequest,
			fmt.Sprintf("transition names notary %s, not %s", tx.Notary, n.keys.Name))
	}
	txID := stx.ID()

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if existing, err := n.lookup(txID); err == nil {
		return existing, nil
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return nil, err
	}

	now := n.now().UTC()
	if !tx.Window.Contains(now) {
		return nil, apperrors.WithMetadata(apperrors.CodeTimeout,
			fmt.Sprintf("transition %s is outside its time window", txID),
			map[string]string{"tx_id": txID, "until": tx.Window.Until.Format(time.RFC3339Nano)})
	}
	if err := stx.VerifyComplete(n.registry); err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	var (
		spendKey []byte
		err      error
	)
	if tx.Issuance() {
		spendKey, err = issuedKey(tx.Output.LinearID)
	} else {
		if err := n.requireProduced(tx); err != nil {
			return nil, err
		}
		spendKey, err = consumedKey(tx.Input.LinearID, tx.Input.IterationNo)
	}
	if err != nil {
		return nil, err
	}
	by, err := n.db.Get(spendKey)
	if err != nil {
		return nil, fmt.Errorf("read consumption record: %w", err)
	}
	if by != nil {
		what := fmt.Sprintf("trade %s already issued", tx.Output.LinearID)
		if !tx.Issuance() {
			what = fmt.Sprintf("state %s@%d already consumed", tx.Input.LinearID, tx.Input.IterationNo)
		}
		return nil, apperrors.WithMetadata(apperrors.CodeConflict,
			fmt.Sprintf("%s by tx %s", what, by),
			map[string]string{"consumed_by": string(by), "tx_id": txID})
	}

	receipt := &Receipt{
		TxID:        txID,
		Sequence:    n.height + 1,
		Notary:      n.keys.Name,
		CommittedAt: now,
	}
	receipt.Signature = n.keys.Sign(receipt.SignBytes())
	if err := n.write(tx, spendKey, receipt); err != nil {
		return nil, err
	}

	n.height = receipt.Sequence
	n.metrics.Height.Set(float64(n.height))
	n.metrics.Committed.Add(1)
	n.logger.Info().
		Str("tx_id", txID).
		Int64("sequence", receipt.Sequence).
		Str("linear_id", tx.Output.LinearID).
		Int64("iteration_no", tx.Output.IterationNo).
		Msg("Transition committed")
	return receipt, nil
}

// requireProduced refuses inputs that no committed transition produced.
func (n *Notary) requireProduced(tx *transaction.Transition) error {
	key, err := outputKey(tx.Input.LinearID, tx.Input.IterationNo)
	if err != nil {
		return err
	}
	producer, err := n.db.Get(key)
	if err != nil {
		return fmt.Errorf("read output record: %w", err)
	}
	if producer == nil || string(producer) != tx.Input.TxID {
		return apperrors.New(apperrors.CodeValidationFailed,
			fmt.Sprintf("input %s was not produced by a committed transition", tx.Input))
	}
	return nil
}

func (n *Notary) write(tx *transaction.Transition, spendKey []byte, receipt *Receipt) error {
	bz, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	outKey, err := outputKey(tx.Output.LinearID, tx.Output.IterationNo)
	if err != nil {
		return err
	}
	tKey, err := txKey(receipt.TxID)
	if err != nil {
		return err
	}
	sKey, err := sequenceKey(receipt.Sequence)
	if err != nil {
		return err
	}
	hKey, err := heightKey()
	if err != nil {
		return err
	}

	batch := n.db.NewBatch()
	defer batch.Close()
	for _, kv := range []struct{ k, v []byte }{
		{spendKey, []byte(receipt.TxID)},
		{outKey, []byte(receipt.TxID)},
		{tKey, bz},
		{sKey, []byte(receipt.TxID)},
		{hKey, int64ToBytes(receipt.Sequence)},
	} {
		if err := batch.Set(kv.k, kv.v); err != nil {
			return fmt.Errorf("stage commit: %w", err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	return nil
}

// Lookup returns the receipt of a committed transition, or NOT_FOUND.
func (n *Notary) Lookup(ctx context.Context, txID string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "lookup abandoned", err)
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.lookup(txID)
}

func (n *Notary) lookup(txID string) (*Receipt, error) {
	key, err := txKey(txID)
	if err != nil {
		return nil, err
	}
	bz, err := n.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	if bz == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("transition %s is not committed", txID))
	}
	var r Receipt
	if err := json.Unmarshal(bz, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// ConsumedBy returns the transition that consumed linearID at iteration, if any.
func (n *Notary) ConsumedBy(linearID string, iteration int64) (string, bool, error) {
	key, err := consumedKey(linearID, iteration)
	if err != nil {
		return "", false, err
	}
	bz, err := n.db.Get(key)
	if err != nil {
		return "", false, err
	}
	return string(bz), bz != nil, nil
}

// Log returns the committed transition IDs with sequence in [from, from+limit).
func (n *Notary) Log(from int64, limit int) ([]string, error) {
	if from < 1 {
		from = 1
	}
	start, err := sequenceKey(from)
	if err != nil {
		return nil, err
	}
	end, err := sequenceKey(from + int64(limit))
	if err != nil {
		return nil, err
	}
	it, err := n.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []string
	for ; it.Valid(); it.Next() {
		if _, err := parseSequenceKey(it.Key()); err != nil {
			return nil, err
		}
		ids = append(ids, string(it.Value()))
	}
	return ids, it.Error()
}

// Close closes the commit log.
func (n *Notary) Close() error {
	return n.db.Close()
}
