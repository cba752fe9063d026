// Package etf exposes the trade operations one party can start: inception,
// exercising, booking and settlement of ETF trades.
package etf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/flow"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/product"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/vault"
)

const (
	idempotencyTTL       = 24 * time.Hour
	tradeResourceType    = "etf_trade"
	DefaultSettlementLag = 48 * time.Hour
)

// Service handles the trade operations of a single party
type Service struct {
	flows         *flow.Manager
	vault         *vault.Vault
	settlementLag time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewService creates the trade service for the party run by flows
func NewService(flows *flow.Manager, v *vault.Vault, settlementLag time.Duration) *Service {
	if settlementLag <= 0 {
		settlementLag = DefaultSettlementLag
	}
	return &Service{
		flows:         flows,
		vault:         v,
		settlementLag: settlementLag,
		now:           time.Now,
		logger:        log.With().Str("component", "etf").Str("party", flows.Party()).Logger(),
	}
}

// Party returns the name of the party the service acts for
func (s *Service) Party() string {
	return s.flows.Party()
}

// Me describes the node answering requests
func (s *Service) Me() types.IdentityResponse {
	return types.IdentityResponse{
		Me:        s.flows.Party(),
		PublicKey: s.flows.Identity().PublicKeyHex(),
		Notary:    s.flows.Notary(),
	}
}

// InitiateTrade books a new trade between the requested buyer and seller.
// An idempotency key is reserved before the flow starts: a repeated key
// returns the trade created by the first request, or ErrKeyInProgress while
// that request has not finished.
func (s *Service) InitiateTrade(ctx context.Context, req types.InceptionRequest, idempotencyKey string) (*types.FlowResponse, error) {
	party := s.flows.Party()
	if req.Buyer != party && req.Seller != party {
		return nil, apperrors.New(apperrors.CodeInvalidRequest,
			fmt.Sprintf("%s can only book trades it is a buyer or seller of", party))
	}

	linearID := uuid.New().String()
	if idempotencyKey != "" {
		record, reserved, err := s.vault.ReserveIdempotencyKey(ctx, idempotencyKey, linearID, tradeResourceType, idempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			return s.replay(ctx, idempotencyKey, record)
		}
	}

	refID := req.RefID
	if refID == "" {
		refID = "ETF-" + linearID[:8]
	}
	trade := types.TradeState{
		LinearID:           linearID,
		RefID:              refID,
		Buyer:              req.Buyer,
		Seller:             req.Seller,
		Status:             types.StatusInception,
		Rate:               req.Rate,
		ReferenceProductID: req.ReferenceProductID,
		Notional:           req.Notional,
		Exposure:           req.MaxExposure,
	}

	res, err := s.flows.Run(ctx, flow.Proposal{Command: types.CommandBooking, Issue: &trade})
	if err != nil {
		// An unknown outcome keeps the key: the trade may still commit and a
		// retry must find it rather than book another.
		if idempotencyKey != "" && !apperrors.HasCode(err, apperrors.CodeOutcomeUnknown) {
			if rerr := s.vault.ReleaseIdempotencyKey(context.WithoutCancel(ctx), idempotencyKey); rerr != nil {
				s.logger.Error().Err(rerr).Str("idempotency_key", idempotencyKey).Msg("Failed to release idempotency key")
			}
		}
		return nil, err
	}

	if idempotencyKey != "" {
		if err := s.vault.CompleteIdempotencyKey(ctx, idempotencyKey); err != nil {
			s.logger.Error().Err(err).Str("idempotency_key", idempotencyKey).Msg("Failed to complete idempotency key")
		}
	}
	return s.committed(fmt.Sprintf("trade %s booked at inception", refID), res), nil
}

// replay answers a repeated idempotency key with the trade of the first
// request, once that trade is in the vault.
func (s *Service) replay(ctx context.Context, key string, record *vault.IdempotencyRecord) (*types.FlowResponse, error) {
	existing, err := s.vault.Latest(ctx, record.ResourceID)
	if apperrors.HasCode(err, apperrors.CodeNotFound) {
		return nil, fmt.Errorf("idempotency key %s: %w", key, vault.ErrKeyInProgress)
	}
	if err != nil {
		return nil, err
	}
	if record.Status == vault.IdempotencyPending {
		if err := s.vault.CompleteIdempotencyKey(ctx, key); err != nil {
			s.logger.Error().Err(err).Str("idempotency_key", key).Msg("Failed to complete idempotency key")
		}
	}
	return &types.FlowResponse{
		Outcome:   types.OutcomeCommitted,
		Message:   "trade already booked for this idempotency key",
		RefID:     existing.State.RefID,
		LinearID:  existing.State.LinearID,
		TxIDs:     []string{existing.Ref.TxID},
		State:     &existing.State,
		Timestamp: s.now().UTC(),
	}, nil
}

// Exercise moves a trade to EXERCISING at the given rate, reducing the
// product exposure by the trade value delta.
func (s *Service) Exercise(ctx context.Context, key string, rate float64) (*types.FlowResponse, error) {
	res, err := s.flows.Run(ctx, s.exercise(key, rate))
	if err != nil {
		return nil, err
	}
	return s.committed(fmt.Sprintf("trade %s exercised at %g", res.State.RefID, rate), res), nil
}

// Book moves an exercised trade to BOOKED and fixes its settlement date.
func (s *Service) Book(ctx context.Context, key string) (*types.FlowResponse, error) {
	res, err := s.flows.Run(ctx, s.book(key))
	if err != nil {
		return nil, err
	}
	return s.committed(fmt.Sprintf("trade %s booked for settlement on %s", res.State.RefID,
		res.State.SettlementDate.Format(time.RFC3339)), res), nil
}

// Settle moves a booked trade to SETTLED.
func (s *Service) Settle(ctx context.Context, key string) (*types.FlowResponse, error) {
	res, err := s.flows.Run(ctx, flow.Proposal{
		Command: types.CommandSettlement,
		Key:     key,
		Derive: func(cur types.TradeState) (types.TradeState, error) {
			return cur.Evolve(types.StatusSettled), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return s.committed(fmt.Sprintf("trade %s settled", res.State.RefID), res), nil
}

// ExerciseAndBook exercises a trade and then books it. A booking failure
// after the exercise committed is reported as a partial completion.
func (s *Service) ExerciseAndBook(ctx context.Context, key string, rate float64) (*types.FlowResponse, error) {
	exercised, err := s.flows.Run(ctx, s.exercise(key, rate))
	if err != nil {
		return nil, err
	}

	booked, err := s.flows.Run(ctx, s.book(exercised.State.LinearID))
	if err != nil {
		s.logger.Warn().Err(err).
			Str("ref_id", exercised.State.RefID).
			Str("exercise_tx", exercised.TxID).
			Msg("Booking failed after exercise committed")
		message := fmt.Sprintf("trade %s was exercised in tx %s but booking failed: %s",
			exercised.State.RefID, exercised.TxID, err.Error())
		return nil, &apperrors.Error{
			Code:    apperrors.CodePartialCompletion,
			Message: message,
			Metadata: map[string]string{
				"ref_id":       exercised.State.RefID,
				"exercise_tx":  exercised.TxID,
				"booking_code": string(apperrors.CodeOf(err)),
			},
			Cause: err,
		}
	}

	resp := s.committed(fmt.Sprintf("trade %s exercised at %g and booked", booked.State.RefID, rate), booked)
	resp.TxIDs = []string{exercised.TxID, booked.TxID}
	return resp, nil
}

// GetTrade returns the latest committed version of a trade
func (s *Service) GetTrade(ctx context.Context, key string) (*types.TradeResponse, error) {
	history, err := s.vault.History(ctx, key)
	if err != nil {
		return nil, err
	}
	latest := history[len(history)-1].Response()
	return &latest, nil
}

// History returns every committed version of a trade, oldest first
func (s *Service) History(ctx context.Context, key string) ([]types.TradeResponse, error) {
	records, err := s.vault.History(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]types.TradeResponse, 0, len(records))
	for i := range records {
		out = append(out, records[i].Response())
	}
	return out, nil
}

// Transaction returns a transition this party recorded, with the parties
// whose signatures it carries
func (s *Service) Transaction(ctx context.Context, txID string) (*types.TransactionResponse, error) {
	stx, err := s.vault.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	signedBy := make([]string, 0, len(stx.Sigs))
	for _, sig := range stx.Sigs {
		signedBy = append(signedBy, sig.By)
	}
	return &types.TransactionResponse{
		TxID:       stx.ID(),
		Command:    stx.Tx.Command.Type,
		Input:      stx.Tx.Input,
		Output:     stx.Tx.Output,
		Notary:     stx.Tx.Notary,
		ValidFrom:  stx.Tx.Window.From,
		ValidUntil: stx.Tx.Window.Until,
		SignedBy:   signedBy,
	}, nil
}

// ListTrades returns the live trades of the party, optionally by status
func (s *Service) ListTrades(ctx context.Context, status types.TradeStatus) ([]types.TradeResponse, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown status %q", status))
	}
	records, err := s.vault.Trades(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]types.TradeResponse, 0, len(records))
	for i := range records {
		out = append(out, records[i].Response())
	}
	return out, nil
}

func (s *Service) exercise(key string, rate float64) flow.Proposal {
	return flow.Proposal{
		Command: types.CommandExercise,
		Key:     key,
		Derive: func(cur types.TradeState) (types.TradeState, error) {
			exposure, err := product.Exercise(cur.Exposure, cur.Notional, cur.Rate, rate)
			if errors.Is(err, product.ErrExposureExceeded) {
				return types.TradeState{}, apperrors.Wrap(apperrors.CodeValidationFailed,
					fmt.Sprintf("exercising %s at %g leaves exposure %s", cur.RefID, rate, exposure), err)
			}
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

func (s *Service) book(key string) flow.Proposal {
	return flow.Proposal{
		Command: types.CommandBooking,
		Key:     key,
		Derive: func(cur types.TradeState) (types.TradeState, error) {
			next := cur.Evolve(types.StatusBooked)
			next.SettlementDate = s.now().UTC().Add(s.settlementLag).Truncate(time.Second)
			return next, nil
		},
	}
}

func (s *Service) committed(message string, res *flow.Result) *types.FlowResponse {
	state := res.State
	return &types.FlowResponse{
		Outcome:   types.OutcomeCommitted,
		Message:   message,
		RefID:     state.RefID,
		LinearID:  state.LinearID,
		TxIDs:     []string{res.TxID},
		State:     &state,
		Timestamp: s.now().UTC(),
	}
}
