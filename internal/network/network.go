// Package network assembles the parties, the notary and the message channel
// of one ledger node into a running network.
package network

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/config"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/database"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/etf"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/finality"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/flow"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/settlement"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
)

const metricsNamespace = "ledger"

// Party is everything one participant runs.
type Party struct {
	Name       string
	Keys       *identity.KeyPair
	DB         *gorm.DB
	Vault      *vault.Vault
	Flows      *flow.Manager
	Service    *etf.Service
	Settlement *settlement.Processor
}

// Option configures a Network.
type Option func(*options)

type options struct {
	wrapSequencer func(finality.Sequencer) finality.Sequencer
	transport     messaging.Transport
}

// WithSequencer wraps the notary as seen by every finality coordinator.
func WithSequencer(wrap func(finality.Sequencer) finality.Sequencer) Option {
	return func(o *options) { o.wrapSequencer = wrap }
}

// WithTransport replaces the transport chosen from the configuration.
func WithTransport(t messaging.Transport) Option {
	return func(o *options) { o.transport = t }
}

type Network struct {
	cfg       *config.Config
	registry  *identity.Registry
	notary    *notary.Notary
	transport messaging.Transport
	parties   map[string]*Party
	names     []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the network described by cfg. Keys are derived from
// cfg.KeySeed so every node configured alike agrees on identities.
func New(cfg *config.Config, opts ...Option) (*Network, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	n := &Network{
		cfg:      cfg,
		registry: identity.NewRegistry(),
		parties:  make(map[string]*Party, len(cfg.Parties)),
		names:    append([]string(nil), cfg.Parties...),
	}
	sort.Strings(n.names)

	notaryKeys := identity.FromSecret(cfg.Notary, cfg.KeySeed)
	n.registry.Register(notaryKeys.Name, notaryKeys.PublicKey)
	keys := make(map[string]*identity.KeyPair, len(n.names))
	for _, name := range n.names {
		keys[name] = identity.FromSecret(name, cfg.KeySeed)
		n.registry.Register(name, keys[name].PublicKey)
	}

	var (
		notaryOpts []notary.Option
		flowOpts   []flow.Option
	)
	if cfg.Metrics {
		notaryOpts = append(notaryOpts, notary.WithMetrics(notary.PrometheusMetrics(metricsNamespace)))
		flowOpts = append(flowOpts, flow.WithMetrics(flow.PrometheusMetrics(metricsNamespace)))
	}

	notaryDB, err := notary.OpenDB("notary", cfg.NotaryBackend, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	n.notary, err = notary.New(notaryKeys, n.registry, notaryDB, notaryOpts...)
	if err != nil {
		notaryDB.Close()
		return nil, err
	}

	switch {
	case o.transport != nil:
		n.transport = o.transport
	case cfg.NATSURL != "":
		n.transport, err = messaging.DialNATS(cfg.NATSURL, "ledger-node")
		if err != nil {
			n.Close()
			return nil, err
		}
	default:
		n.transport = messaging.NewNetwork()
	}

	var sequencer finality.Sequencer = n.notary
	if o.wrapSequencer != nil {
		sequencer = o.wrapSequencer(sequencer)
	}

	flowCfg := flow.Config{Validity: cfg.ProposalValidity, ReceiveTimeout: cfg.ReceiveTimeout}
	for _, name := range n.names {
		db, err := database.NewDatabase(vaultDSN(cfg.DataDir, name))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("open vault of %s: %w", name, err)
		}
		v := vault.New(db, name)
		coordinator := finality.NewCoordinator(name, sequencer, n.transport, cfg.FinalityTimeout)
		mgr := flow.NewManager(keys[name], n.registry, cfg.Notary, v, n.transport, coordinator, flowCfg, flowOpts...)
		svc := etf.NewService(mgr, v, cfg.SettlementLag)
		n.parties[name] = &Party{
			Name:       name,
			Keys:       keys[name],
			DB:         db,
			Vault:      v,
			Flows:      mgr,
			Service:    svc,
			Settlement: settlement.NewProcessor(v, svc, cfg.SettlementInterval),
		}
	}
	return n, nil
}

func vaultDSN(dataDir, party string) string {
	if dataDir == "" {
		return database.MemoryDSN("vault-" + party + "-" + uuid.New().String())
	}
	return filepath.Join(dataDir, party+".db")
}

// Start subscribes every party to the message channel and starts the
// settlement processors.
func (n *Network) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	for _, name := range n.names {
		if err := n.parties[name].Flows.Start(); err != nil {
			n.cancel()
			return err
		}
	}
	for _, name := range n.names {
		p := n.parties[name]
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			p.Settlement.Start(ctx)
		}()
	}
	log.Info().Strs("parties", n.names).Str("notary", n.notary.Name()).Msg("Ledger network started")
	return nil
}

// Close stops every party and releases the stores.
func (n *Network) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	for _, name := range n.names {
		p, ok := n.parties[name]
		if !ok {
			continue
		}
		p.Flows.Stop()
		if sqlDB, err := p.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if c, ok := n.transport.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close transport")
		}
	}
	if n.notary != nil {
		return n.notary.Close()
	}
	return nil
}

// Party returns the named participant.
func (n *Network) Party(name string) (*Party, error) {
	p, ok := n.parties[name]
	if !ok {
		return nil, fmt.Errorf("party %s is not part of the network", name)
	}
	return p, nil
}

// Parties returns the participants sorted by name.
func (n *Network) Parties() []*Party {
	out := make([]*Party, 0, len(n.names))
	for _, name := range n.names {
		out = append(out, n.parties[name])
	}
	return out
}

// Services returns the trade service of every participant.
func (n *Network) Services() []*etf.Service {
	out := make([]*etf.Service, 0, len(n.names))
	for _, name := range n.names {
		out = append(out, n.parties[name].Service)
	}
	return out
}

func (n *Network) Notary() *notary.Notary {
	return n.notary
}

func (n *Network) Registry() *identity.Registry {
	return n.registry
}

func (n *Network) Transport() messaging.Transport {
	return n.transport
}
