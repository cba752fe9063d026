// Package config loads the node configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting the server and simulation read at startup.
type Config struct {
	Env   string `env:"ENV" envDefault:"development"`
	Debug bool   `env:"DEBUG" envDefault:"false"`
	Port  int    `env:"PORT" envDefault:"8080"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"finblocker-secret-key"`
	APISecret string `env:"LEDGER_API_SECRET" envDefault:"test-api-secret"`

	Parties       []string `env:"LEDGER_PARTIES" envSeparator:"," envDefault:"PartyA,PartyB,PartyC"`
	Notary        string   `env:"LEDGER_NOTARY" envDefault:"Notary"`
	DataDir       string   `env:"LEDGER_DATA_DIR"`
	NotaryBackend string   `env:"LEDGER_NOTARY_BACKEND" envDefault:"memdb"`
	KeySeed       string   `env:"LEDGER_KEY_SEED" envDefault:"finblocker"`

	ProposalValidity   time.Duration `env:"LEDGER_PROPOSAL_VALIDITY" envDefault:"60s"`
	ReceiveTimeout     time.Duration `env:"LEDGER_RECEIVE_TIMEOUT" envDefault:"30s"`
	FinalityTimeout    time.Duration `env:"LEDGER_FINALITY_TIMEOUT" envDefault:"10s"`
	SettlementInterval time.Duration `env:"LEDGER_SETTLEMENT_INTERVAL" envDefault:"1m"`
	SettlementLag      time.Duration `env:"LEDGER_SETTLEMENT_LAG" envDefault:"48h"`

	NATSURL      string `env:"NATS_URL"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	Metrics      bool   `env:"LEDGER_METRICS" envDefault:"true"`
}

// Load parses the environment into a Config and checks it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if len(c.Parties) < 2 {
		return fmt.Errorf("LEDGER_PARTIES must name at least two parties, got %d", len(c.Parties))
	}
	seen := make(map[string]bool, len(c.Parties))
	for i, p := range c.Parties {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("LEDGER_PARTIES contains an empty name")
		}
		if seen[p] || p == c.Notary {
			return fmt.Errorf("party name %s is used twice", p)
		}
		seen[p] = true
		c.Parties[i] = p
	}
	if c.Notary == "" {
		return fmt.Errorf("LEDGER_NOTARY is required")
	}
	switch c.NotaryBackend {
	case "memdb":
	case "goleveldb":
		if c.DataDir == "" {
			return fmt.Errorf("LEDGER_DATA_DIR is required for the %s notary backend", c.NotaryBackend)
		}
	default:
		return fmt.Errorf("unsupported LEDGER_NOTARY_BACKEND %q", c.NotaryBackend)
	}
	if c.ProposalValidity <= 0 || c.ReceiveTimeout <= 0 || c.FinalityTimeout <= 0 {
		return fmt.Errorf("negotiation timeouts must be positive")
	}
	return nil
}

// IsProduction reports whether the node runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
