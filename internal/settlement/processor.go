// Package settlement runs the background settlement of booked trades once
// their settlement date has passed.
package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// DueSource lists the booked trades a seller has to settle.
type DueSource interface {
	DueForSettlement(ctx context.Context, now time.Time, seller string) ([]types.StateAndRef, error)
}

// Settler negotiates the settlement of one trade.
type Settler interface {
	Party() string
	Settle(ctx context.Context, key string) (*types.FlowResponse, error)
}

type Processor struct {
	due          DueSource
	settler      Settler
	processDelay time.Duration // Time between settlement processing attempts
	now          func() time.Time
	logger       zerolog.Logger
}

// NewProcessor creates a processor settling, as seller, the trades of
// settler's party.
func NewProcessor(due DueSource, settler Settler, processDelay time.Duration) *Processor {
	if processDelay <= 0 {
		processDelay = 5 * time.Minute
	}
	return &Processor{
		due:          due,
		settler:      settler,
		processDelay: processDelay,
		now:          time.Now,
		logger:       log.With().Str("component", "settlement_processor").Str("party", settler.Party()).Logger(),
	}
}

// Start begins the settlement processing loop
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessDue(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to process pending settlements")
			}
		}
	}
}

// ProcessDue settles every due trade and returns how many committed. A
// trade that fails to settle is logged and retried on the next pass.
func (p *Processor) ProcessDue(ctx context.Context) (int, error) {
	due, err := p.due.DueForSettlement(ctx, p.now(), p.settler.Party())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	p.logger.Info().Int("pending_count", len(due)).Msg("processing pending settlements")

	settled := 0
	for _, trade := range due {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		logger := p.logger.With().
			Str("ref_id", trade.State.RefID).
			Str("linear_id", trade.State.LinearID).
			Logger()

		if _, err := p.settler.Settle(ctx, trade.State.LinearID); err != nil {
			logger.Warn().
				Err(err).
				Str("code", string(apperrors.CodeOf(err))).
				Bool("retryable", apperrors.Retryable(err)).
				Msg("settlement failed")
			continue
		}
		settled++
		logger.Info().Msg("settlement completed successfully")
	}
	return settled, nil
}
