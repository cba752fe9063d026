package flow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"gorm.io/gorm"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/database"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/finality"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/product"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
)

type testParty struct {
	vault *vault.Vault
	mgr   *Manager
	db    *gorm.DB
}

type testNet struct {
	registry *identity.Registry
	notary   *notary.Notary
	net      *messaging.Network
	parties  map[string]*testParty
}

func newTestNet(t *testing.T, cfg Config, names ...string) *testNet {
	t.Helper()
	return newTestNetWith(t, cfg, nil, names...)
}

// newTestNetWith builds a test network whose coordinators reach the notary
// through wrap, when given.
func newTestNetWith(t *testing.T, cfg Config, wrap func(finality.Sequencer) finality.Sequencer, names ...string) *testNet {
	t.Helper()
	tn := &testNet{
		registry: identity.NewRegistry(),
		net:      messaging.NewNetwork(),
		parties:  make(map[string]*testParty),
	}
	nk := identity.FromSecret("Notary", "test")
	tn.registry.Register(nk.Name, nk.PublicKey)
	keys := make(map[string]*identity.KeyPair)
	for _, name := range names {
		keys[name] = identity.FromSecret(name, "test")
		tn.registry.Register(name, keys[name].PublicKey)
	}
	n, err := notary.New(nk, tn.registry, dbm.NewMemDB())
	require.NoError(t, err)
	tn.notary = n
	var seq finality.Sequencer = n
	if wrap != nil {
		seq = wrap(n)
	}

	for _, name := range names {
		db, err := database.NewDatabase(database.MemoryDSN("flow-" + uuid.NewString()))
		require.NoError(t, err)
		v := vault.New(db, name)
		coord := finality.NewCoordinator(name, seq, tn.net, time.Second)
		mgr := NewManager(keys[name], tn.registry, "Notary", v, tn.net, coord, cfg)
		require.NoError(t, mgr.Start())
		tn.parties[name] = &testParty{vault: v, mgr: mgr, db: db}
	}
	return tn
}

// slowSequencer delays every commit, as a loaded notary would, and reports
// each finished commit on committed.
type slowSequencer struct {
	finality.Sequencer
	delay     time.Duration
	committed chan int64
}

func (s *slowSequencer) Commit(ctx context.Context, stx *transaction.SignedTransition) (*notary.Receipt, error) {
	time.Sleep(s.delay)
	receipt, err := s.Sequencer.Commit(context.WithoutCancel(ctx), stx)
	if err == nil {
		select {
		case s.committed <- receipt.Sequence:
		default:
		}
	}
	return receipt, err
}

func (tn *testNet) Stop() {
	for _, p := range tn.parties {
		p.mgr.Stop()
		if sqlDB, err := p.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

func (tn *testNet) mgr(name string) *Manager {
	return tn.parties[name].mgr
}

func (tn *testNet) latest(t *testing.T, party, key string) types.TradeState {
	t.Helper()
	s, err := tn.parties[party].vault.Latest(context.Background(), key)
	require.NoError(t, err)
	return s.State
}

func testConfig() Config {
	return Config{Validity: 5 * time.Second, ReceiveTimeout: 2 * time.Second}
}

func newTrade(buyer, seller string) types.TradeState {
	id := uuid.NewString()
	return types.TradeState{
		LinearID:           id,
		RefID:              "ETF-" + id[:8],
		Buyer:              buyer,
		Seller:             seller,
		Status:             types.StatusInception,
		Rate:               1.25,
		ReferenceProductID: "SP-7",
		Notional:           decimal.NewFromInt(1_000_000),
		Exposure:           decimal.NewFromInt(100_000),
	}
}

func issue(s types.TradeState) Proposal {
	return Proposal{Command: types.CommandBooking, Issue: &s}
}

func exerciseAt(key string, rate float64) Proposal {
	return Proposal{
		Command: types.CommandExercise,
		Key:     key,
		Derive: func(cur types.TradeState) (types.TradeState, error) {
			exposure, err := product.Exercise(cur.Exposure, cur.Notional, cur.Rate, rate)
			if err != nil {
				return types.TradeState{}, err
			}
			next := cur.Evolve(types.StatusExercising)
			next.Rate = rate
			next.Exposure = exposure
			return next, nil
		},
	}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
