package notary

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

type fixture struct {
	notary   *Notary
	db       dbm.DB
	registry *identity.Registry
	a, b     *identity.KeyPair
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       dbm.NewMemDB(),
		registry: identity.NewRegistry(),
		a:        identity.FromSecret("PartyA", "test"),
		b:        identity.FromSecret("PartyB", "test"),
		now:      time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
	keys := identity.FromSecret("Notary", "test")
	for _, kp := range []*identity.KeyPair{f.a, f.b, keys} {
		f.registry.Register(kp.Name, kp.PublicKey)
	}
	n, err := New(keys, f.registry, f.db, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.notary = n
	return f
}

func trade() types.TradeState {
	return types.TradeState{
		LinearID:           "linear-1",
		RefID:              "ETF-1",
		Buyer:              "PartyA",
		Seller:             "PartyB",
		Status:             types.StatusInception,
		Rate:               1.25,
		ReferenceProductID: "SP-7",
		Notional:           decimal.NewFromInt(1_000_000),
		Exposure:           decimal.NewFromInt(100_000),
	}
}

func (f *fixture) sign(t *testing.T, b *transaction.Builder) *transaction.SignedTransition {
	t.Helper()
	tx, err := b.WithTimeWindow(f.now, time.Minute).Build()
	require.NoError(t, err)
	stx := transaction.NewSigned(tx)
	stx.Sign(f.a)
	stx.Sign(f.b)
	return stx
}

func (f *fixture) issue(t *testing.T) (*transaction.SignedTransition, *Receipt) {
	t.Helper()
	stx := f.sign(t, transaction.NewBuilder("Notary").WithOutput(trade()).WithCommand(types.CommandBooking))
	r, err := f.notary.Commit(context.Background(), stx)
	require.NoError(t, err)
	return stx, r
}

func (f *fixture) exercise(t *testing.T, issued *transaction.SignedTransition, rate float64) *transaction.SignedTransition {
	t.Helper()
	in := issued.Tx.Output
	out := in.Evolve(types.StatusExercising)
	out.Rate = rate
	ref := types.StateRef{TxID: issued.ID(), LinearID: in.LinearID, IterationNo: in.IterationNo}
	return f.sign(t, transaction.NewBuilder("Notary").WithInput(ref, in).WithOutput(out).WithCommand(types.CommandExercise))
}

func TestCommitAssignsSequenceAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, r1 := f.issue(t)
	assert.Equal(t, int64(1), r1.Sequence)
	require.NoError(t, r1.Verify(f.registry))

	ex := f.exercise(t, issued, 1.30)
	r2, err := f.notary.Commit(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Sequence)

	again, err := f.notary.Commit(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, r2.Sequence, again.Sequence)
	assert.Equal(t, int64(2), f.notary.Height())

	got, err := f.notary.Lookup(ctx, ex.ID())
	require.NoError(t, err)
	assert.Equal(t, r2.TxID, got.TxID)

	ids, err := f.notary.Log(1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{issued.ID(), ex.ID()}, ids)
}

func TestCommitRejectsDoubleSpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, _ := f.issue(t)

	first := f.exercise(t, issued, 1.30)
	second := f.exercise(t, issued, 1.35)
	_, err := f.notary.Commit(ctx, first)
	require.NoError(t, err)

	_, err = f.notary.Commit(ctx, second)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
	assert.Contains(t, err.Error(), first.ID())

	by, ok, err := f.notary.ConsumedBy("linear-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.ID(), by)
}

func TestCommitRejectsDuplicateIssuance(t *testing.T) {
	f := newFixture(t)
	f.issue(t)

	dup := f.sign(t, transaction.NewBuilder("Notary").WithOutput(trade()).WithCommand(types.CommandBooking))
	_, err := f.notary.Commit(context.Background(), dup)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
}

func TestConcurrentCommitsFirstCommitterWins(t *testing.T) {
	f := newFixture(t)
	issued, _ := f.issue(t)

	const racers = 8
	txs := make([]*transaction.SignedTransition, racers)
	for i := range txs {
		txs[i] = f.exercise(t, issued, 1.26+float64(i)/100)
	}

	var committed, conflicts int32
	var g errgroup.Group
	for _, stx := range txs {
		stx := stx
		g.Go(func() error {
			_, err := f.notary.Commit(context.Background(), stx)
			switch {
			case err == nil:
				atomic.AddInt32(&committed, 1)
			case apperrors.HasCode(err, apperrors.CodeConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), committed)
	assert.Equal(t, int32(racers-1), conflicts)
	assert.Equal(t, int64(2), f.notary.Height())
}

func TestCommitChecksSignaturesAndWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := transaction.NewBuilder("Notary").WithOutput(trade()).WithCommand(types.CommandBooking).
		WithTimeWindow(f.now, time.Minute).Build()
	require.NoError(t, err)
	half := transaction.NewSigned(tx)
	half.Sign(f.a)
	_, err = f.notary.Commit(ctx, half)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSignatureInvalid))

	half.Sign(f.b)
	f.now = f.now.Add(2 * time.Minute)
	_, err = f.notary.Commit(ctx, half)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTimeout))
	assert.Equal(t, int64(0), f.notary.Height())
}

func TestCommitRejectsUnknownInput(t *testing.T) {
	f := newFixture(t)
	issued, _ := f.issue(t)

	in := issued.Tx.Output
	out := in.Evolve(types.StatusExercising)
	ref := types.StateRef{TxID: "forged", LinearID: in.LinearID, IterationNo: in.IterationNo}
	stx := f.sign(t, transaction.NewBuilder("Notary").WithInput(ref, in).WithOutput(out).WithCommand(types.CommandExercise))

	_, err := f.notary.Commit(context.Background(), stx)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
}

func TestHeightSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		s := trade()
		s.LinearID = fmt.Sprintf("linear-%d", i)
		stx := f.sign(t, transaction.NewBuilder("Notary").WithOutput(s).WithCommand(types.CommandBooking))
		_, err := f.notary.Commit(context.Background(), stx)
		require.NoError(t, err)
	}

	restarted, err := New(identity.FromSecret("Notary", "test"), f.registry, f.db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), restarted.Height())

	_, err = restarted.Lookup(context.Background(), "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}
