// Package flow runs the two-party negotiation that turns a requested trade
// action into a committed transition: the initiator builds, verifies and
// signs a proposal; the counterparty verifies, countersigns and submits it
// for finality; both record the committed version.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/finality"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
)

const tracerName = "github.com/sheetal-kulkarni/finblocker-etf/internal/flow"

// StateStore is the party's view of committed versions.
type StateStore interface {
	Latest(ctx context.Context, key string) (*types.StateAndRef, error)
	Version(ctx context.Context, linearID string, iteration int64) (*vault.StateRecord, error)
	Record(ctx context.Context, stx *transaction.SignedTransition, receipt *notary.Receipt) error
}

// Config bounds the negotiation.
type Config struct {
	// Validity is the length of a proposal's time window.
	Validity time.Duration
	// ReceiveTimeout bounds the acceptor's handling of one proposal.
	ReceiveTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Validity:       60 * time.Second,
		ReceiveTimeout: 30 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithMetrics(m *Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(mgr *Manager) { mgr.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the time source used for proposal windows.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

type outcome struct {
	receipt *notary.Receipt
	err     error
}

const seenCapacity = 4096

// Manager runs every flow of one party.
type Manager struct {
	keys        *identity.KeyPair
	registry    *identity.Registry
	notary      string
	store       StateStore
	transport   messaging.Transport
	coordinator *finality.Coordinator
	locks       *Locks
	cfg         Config
	metrics     *Metrics
	tracer      trace.Tracer
	now         func() time.Time
	logger      zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan outcome
	seen    map[string]struct{}
	order   []string

	wg          sync.WaitGroup
	unsubscribe func()
}

// NewManager creates the flow manager for the party owning keys.
func NewManager(
	keys *identity.KeyPair,
	registry *identity.Registry,
	notaryName string,
	store StateStore,
	transport messaging.Transport,
	coordinator *finality.Coordinator,
	cfg Config,
	opts ...Option,
) *Manager {
	m := &Manager{
		keys:        keys,
		registry:    registry,
		notary:      notaryName,
		store:       store,
		transport:   transport,
		coordinator: coordinator,
		locks:       NewLocks(),
		cfg:         cfg,
		metrics:     NopMetrics(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		logger:      log.With().Str("component", "flow").Str("party", keys.Name).Logger(),
		waiters:     make(map[string]chan outcome),
		seen:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Party returns the name of the party this manager acts for.
func (m *Manager) Party() string {
	return m.keys.Name
}

// Identity returns the party's key pair.
func (m *Manager) Identity() *identity.KeyPair {
	return m.keys
}

// Notary returns the name of the notary proposals are addressed to.
func (m *Manager) Notary() string {
	return m.notary
}

// Locks exposes the in-flight markers.
func (m *Manager) Locks() *Locks {
	return m.locks
}

// Start subscribes the manager to its inbound messages.
func (m *Manager) Start() error {
	unsubscribe, err := m.transport.Subscribe(m.keys.Name, m.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.keys.Name, err)
	}
	m.unsubscribe = unsubscribe
	m.logger.Info().Msg("Flow manager started")
	return nil
}

// Stop stops message delivery and waits for running acceptor flows.
func (m *Manager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.wg.Wait()
}

func (m *Manager) dispatch(ctx context.Context, msg messaging.Message) {
	if !m.firstSeen(msg.ID) {
		m.logger.Debug().Str("message_id", msg.ID).Msg("Duplicate message ignored")
		return
	}

	switch msg.Kind {
	case messaging.KindProposal:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.accept(msg)
		}()
	case messaging.KindRejection, messaging.KindFailed:
		code := apperrors.Code(msg.Code)
		if code == "" || code == apperrors.CodeUnknown {
			code = apperrors.CodeRejected
		}
		m.resolve(msg.TxID, outcome{err: apperrors.WithMetadata(code, msg.Reason, map[string]string{
			"tx_id": msg.TxID,
			"from":  msg.From,
		})})
	case messaging.KindCommitted:
		m.committed(ctx, msg)
	default:
		m.logger.Warn().Str("kind", string(msg.Kind)).Str("from", msg.From).Msg("Unknown message kind")
	}
}

func (m *Manager) committed(ctx context.Context, msg messaging.Message) {
	notice, err := finality.DecodeNotice(msg.Payload)
	if err != nil {
		m.logger.Warn().Err(err).Str("tx_id", msg.TxID).Msg("Malformed commit notice")
		return
	}
	if err := notice.Verify(m.registry); err != nil {
		m.logger.Warn().Err(err).Str("tx_id", msg.TxID).Msg("Commit notice failed verification")
		return
	}
	receipt := notice.Receipt
	if err := m.store.Record(ctx, &notice.Transition, &receipt); err != nil {
		m.logger.Error().Err(err).Str("tx_id", receipt.TxID).Msg("Failed to record committed transition")
		m.resolve(receipt.TxID, outcome{err: apperrors.Wrap(apperrors.CodeInternal, "record committed transition", err)})
		return
	}
	m.resolve(receipt.TxID, outcome{receipt: &receipt})
}

func (m *Manager) firstSeen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false
	}
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > seenCapacity {
		delete(m.seen, m.order[0])
		m.order = m.order[1:]
	}
	return true
}

// await registers interest in the outcome of txID. It must be called before
// the proposal is sent.
func (m *Manager) await(txID string) (<-chan outcome, func()) {
	ch := make(chan outcome, 1)
	m.mu.Lock()
	m.waiters[txID] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if m.waiters[txID] == ch {
			delete(m.waiters, txID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) resolve(txID string, o outcome) {
	m.mu.Lock()
	ch, ok := m.waiters[txID]
	if ok {
		delete(m.waiters, txID)
	}
	m.mu.Unlock()
	if ok {
		ch <- o
	}
}

func (m *Manager) send(ctx context.Context, msg messaging.Message) error {
	if err := m.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, msg.To, err)
	}
	return nil
}
