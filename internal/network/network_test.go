package network_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/config"
	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/finality"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/network"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
)

func testConfig() *config.Config {
	return &config.Config{
		Parties:            []string{"PartyA", "PartyB", "PartyC"},
		Notary:             "Notary",
		NotaryBackend:      "memdb",
		KeySeed:            "test",
		ProposalValidity:   5 * time.Second,
		ReceiveTimeout:     2 * time.Second,
		FinalityTimeout:    3 * time.Second,
		SettlementInterval: time.Hour,
		SettlementLag:      48 * time.Hour,
	}
}

func startNetwork(t *testing.T, cfg *config.Config, opts ...network.Option) *network.Network {
	t.Helper()
	n, err := network.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n
}

func party(t *testing.T, n *network.Network, name string) *network.Party {
	t.Helper()
	p, err := n.Party(name)
	require.NoError(t, err)
	return p
}

func inception(buyer, seller string, rate float64) types.InceptionRequest {
	return types.InceptionRequest{
		Buyer:              buyer,
		Seller:             seller,
		Rate:               rate,
		ReferenceProductID: "SP-7",
		Notional:           decimal.NewFromInt(1_000_000),
		MaxExposure:        decimal.NewFromInt(100_000),
	}
}

func waitFor(t *testing.T, p *network.Party, key string, iteration int64) types.TradeState {
	t.Helper()
	var got types.TradeState
	require.Eventually(t, func() bool {
		s, err := p.Vault.Latest(context.Background(), key)
		if err != nil || s.State.IterationNo != iteration {
			return false
		}
		got = s.State
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestRejectedInceptionIsNeverSubmitted(t *testing.T) {
	var proposals int32
	mem := messaging.NewNetwork()
	mem.SetFilter(func(m messaging.Message) bool {
		if m.Kind == messaging.KindProposal {
			atomic.AddInt32(&proposals, 1)
		}
		return true
	})
	n := startNetwork(t, testConfig(), network.WithTransport(mem))
	a := party(t, n, "PartyA")

	_, err := a.Service.InitiateTrade(context.Background(), inception("PartyA", "PartyB", 0), "")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
	assert.Equal(t, "rate cannot be zero", err.Error())

	_, err = a.Service.InitiateTrade(context.Background(), inception("PartyA", "PartyA", 1.25), "")
	require.Error(t, err)
	assert.Equal(t, "the buyer and the seller cannot be the same entity", err.Error())

	assert.Zero(t, atomic.LoadInt32(&proposals))
	assert.Zero(t, n.Notary().Height())
}

func TestInceptionExerciseAndBook(t *testing.T) {
	n := startNetwork(t, testConfig())
	ctx := context.Background()
	a, b := party(t, n, "PartyA"), party(t, n, "PartyB")

	resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCommitted, resp.Outcome)
	assert.Equal(t, types.StatusInception, resp.State.Status)
	assert.Equal(t, int64(0), resp.State.IterationNo)
	waitFor(t, b, resp.RefID, 0)

	booked, err := b.Service.ExerciseAndBook(ctx, resp.RefID, 1.30)
	require.NoError(t, err)
	require.Len(t, booked.TxIDs, 2)
	assert.Equal(t, types.StatusBooked, booked.State.Status)
	assert.Equal(t, int64(2), booked.State.IterationNo)
	assert.Equal(t, "50000", booked.State.Exposure.String())
	assert.False(t, booked.State.SettlementDate.IsZero())

	got := waitFor(t, a, resp.RefID, 2)
	assert.Equal(t, types.StatusBooked, got.Status)
	assert.Equal(t, 1.30, got.Rate)

	history, err := a.Service.History(ctx, resp.RefID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, v := range history {
		assert.Equal(t, int64(i), v.State.IterationNo)
		assert.Equal(t, int64(i+1), v.NotarySequence)
		assert.Equal(t, i < 2, v.Consumed)
	}

	// the third party never sees a trade it does not participate in
	_, err = party(t, n, "PartyC").Vault.Latest(ctx, resp.RefID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestExerciseBeyondExposureIsRejected(t *testing.T) {
	n := startNetwork(t, testConfig())
	ctx := context.Background()
	a := party(t, n, "PartyA")

	resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "")
	require.NoError(t, err)

	_, err = a.Service.ExerciseAndBook(ctx, resp.RefID, 1.40)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
	assert.Equal(t, int64(1), n.Notary().Height())
}

func TestBookingFailureAfterExerciseIsPartial(t *testing.T) {
	cfg := testConfig()
	cfg.ProposalValidity = 500 * time.Millisecond
	mem := messaging.NewNetwork()
	n := startNetwork(t, cfg, network.WithTransport(mem))
	ctx := context.Background()
	a, b := party(t, n, "PartyA"), party(t, n, "PartyB")

	resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "")
	require.NoError(t, err)
	waitFor(t, b, resp.RefID, 0)

	// PartyB hears the exercise proposal but never the booking
	var toB int32
	mem.SetFilter(func(m messaging.Message) bool {
		if m.Kind != messaging.KindProposal || m.To != "PartyB" {
			return true
		}
		return atomic.AddInt32(&toB, 1) == 1
	})

	_, err = a.Service.ExerciseAndBook(ctx, resp.RefID, 1.30)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePartialCompletion))
	assert.False(t, apperrors.Retryable(err))
	assert.Contains(t, err.Error(), "was exercised in tx")

	got := waitFor(t, a, resp.RefID, 1)
	assert.Equal(t, types.StatusExercising, got.Status)
	assert.Equal(t, int64(2), n.Notary().Height())
}

// barrier holds notary commits until two have arrived, so concurrent
// transitions reach the notary together.
type barrier struct {
	finality.Sequencer
	armed   atomic.Bool
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (b *barrier) Commit(ctx context.Context, stx *transaction.SignedTransition) (*notary.Receipt, error) {
	if b.armed.Load() {
		b.mu.Lock()
		b.arrived++
		if b.arrived == 2 {
			close(b.release)
		}
		b.mu.Unlock()
		select {
		case <-b.release:
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	return b.Sequencer.Commit(ctx, stx)
}

func TestConcurrentExercisesCommitOnce(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	bar := &barrier{release: make(chan struct{})}
	n, err := network.New(testConfig(), network.WithSequencer(func(s finality.Sequencer) finality.Sequencer {
		bar.Sequencer = s
		return bar
	}))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Close()

	ctx := context.Background()
	a, b := party(t, n, "PartyA"), party(t, n, "PartyB")
	resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "")
	require.NoError(t, err)
	waitFor(t, b, resp.RefID, 0)

	bar.armed.Store(true)
	var errs [2]error
	var g errgroup.Group
	g.Go(func() error {
		_, errs[0] = a.Service.Exercise(ctx, resp.RefID, 1.30)
		return nil
	})
	g.Go(func() error {
		_, errs[1] = b.Service.Exercise(ctx, resp.RefID, 1.27)
		return nil
	})
	require.NoError(t, g.Wait())

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict), "unexpected error %v", err)
		assert.Contains(t, err.Error(), "consumed")
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, int64(2), n.Notary().Height())

	sa, sb := waitFor(t, a, resp.RefID, 1), waitFor(t, b, resp.RefID, 1)
	assert.Equal(t, sa.Rate, sb.Rate)
	assert.Equal(t, types.StatusExercising, sa.Status)
}

func TestSettlementProcessorSettlesDueTrades(t *testing.T) {
	cfg := testConfig()
	cfg.SettlementInterval = 20 * time.Millisecond
	cfg.SettlementLag = time.Millisecond
	n := startNetwork(t, cfg)
	ctx := context.Background()
	a, b := party(t, n, "PartyA"), party(t, n, "PartyB")

	resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "")
	require.NoError(t, err)
	waitFor(t, b, resp.RefID, 0)
	_, err = a.Service.ExerciseAndBook(ctx, resp.RefID, 1.30)
	require.NoError(t, err)

	settled := waitFor(t, a, resp.RefID, 3)
	assert.Equal(t, types.StatusSettled, settled.Status)
	waitFor(t, b, resp.RefID, 3)
}

func TestIdempotentInception(t *testing.T) {
	n := startNetwork(t, testConfig())
	ctx := context.Background()
	a := party(t, n, "PartyA")

	first, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "key-1")
	require.NoError(t, err)
	second, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.LinearID, second.LinearID)
	assert.Equal(t, first.TxIDs, second.TxIDs)
	assert.Equal(t, int64(1), n.Notary().Height())
}

func TestConcurrentIdempotentInceptionBooksOnce(t *testing.T) {
	n := startNetwork(t, testConfig())
	ctx := context.Background()
	a := party(t, n, "PartyA")

	const requests = 5
	var (
		mu    sync.Mutex
		inUse int32
	)
	linearIDs := make(map[string]int)
	var g errgroup.Group
	for i := 0; i < requests; i++ {
		g.Go(func() error {
			resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "key-race")
			if errors.Is(err, vault.ErrKeyInProgress) {
				atomic.AddInt32(&inUse, 1)
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			linearIDs[resp.LinearID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, linearIDs, 1)
	total := int(atomic.LoadInt32(&inUse))
	for _, count := range linearIDs {
		total += count
	}
	assert.Equal(t, requests, total)
	assert.Equal(t, int64(1), n.Notary().Height())
}

func TestFailedInceptionReleasesIdempotencyKey(t *testing.T) {
	n := startNetwork(t, testConfig())
	ctx := context.Background()
	a := party(t, n, "PartyA")

	_, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 0), "key-retry")
	require.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))

	resp, err := a.Service.InitiateTrade(ctx, inception("PartyA", "PartyB", 1.25), "key-retry")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInception, resp.State.Status)
	assert.Equal(t, int64(1), n.Notary().Height())
}

func TestUnknownParty(t *testing.T) {
	n := startNetwork(t, testConfig())
	_, err := n.Party("PartyZ")
	assert.Error(t, err)
	assert.Len(t, n.Services(), 3)
	assert.Equal(t, []string{"Notary", "PartyA", "PartyB", "PartyC"}, n.Registry().Parties())
}
