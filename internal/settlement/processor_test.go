package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

type fakeDue struct {
	mu     sync.Mutex
	trades []types.StateAndRef
	seller string
	err    error
}

func (f *fakeDue) DueForSettlement(_ context.Context, _ time.Time, seller string) ([]types.StateAndRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seller = seller
	return f.trades, f.err
}

type fakeSettler struct {
	mu      sync.Mutex
	settled []string
	fail    map[string]error
}

func (f *fakeSettler) Party() string { return "PartyB" }

func (f *fakeSettler) Settle(_ context.Context, key string) (*types.FlowResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	f.settled = append(f.settled, key)
	return &types.FlowResponse{Outcome: types.OutcomeCommitted, LinearID: key}, nil
}

func (f *fakeSettler) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.settled...)
}

func booked(linearID string) types.StateAndRef {
	return types.StateAndRef{State: types.TradeState{LinearID: linearID, RefID: "ETF-" + linearID, Status: types.StatusBooked}}
}

func TestProcessDueSettlesAsSeller(t *testing.T) {
	due := &fakeDue{trades: []types.StateAndRef{booked("a"), booked("b"), booked("c")}}
	settler := &fakeSettler{fail: map[string]error{
		"b": apperrors.New(apperrors.CodeTimeout, "counterparty did not answer"),
	}}
	p := NewProcessor(due, settler, time.Minute)

	n, err := p.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c"}, settler.keys())
	assert.Equal(t, "PartyB", due.seller)
}

func TestProcessDueSourceError(t *testing.T) {
	p := NewProcessor(&fakeDue{err: errors.New("database is locked")}, &fakeSettler{}, time.Minute)
	_, err := p.ProcessDue(context.Background())
	assert.EqualError(t, err, "database is locked")
}

func TestStartStopsWithContext(t *testing.T) {
	defer leaktest.Check(t)()

	settler := &fakeSettler{}
	p := NewProcessor(&fakeDue{trades: []types.StateAndRef{booked("a")}}, settler, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(settler.keys()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
