package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/auth"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/pkg/response"
)

// apiError is a failed API call, carrying the error code the server returned
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.status, e.code, e.message)
}

// codeOf returns the API error code of err, or "TRANSPORT" for client errors
func codeOf(err error) string {
	if e, ok := err.(*apiError); ok {
		return e.code
	}
	return "TRANSPORT"
}

// simulationClient handles HTTP communication with the ledger API as one party
type simulationClient struct {
	party     string
	baseURL   string
	authToken string
	client    *http.Client
	stats     *recorder
}

// newSimulationClient creates a client for party and authenticates it
func newSimulationClient(ctx context.Context, baseURL, party, apiSecret string, stats *recorder) (*simulationClient, error) {
	sc := &simulationClient{
		party:   party,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
		stats:   stats,
	}

	var token auth.TokenResponse
	err := sc.call(ctx, "auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    auth.APIKey(party),
		APISecret: apiSecret,
	}, nil, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", party, err)
	}
	sc.authToken = token.Token
	return sc, nil
}

// inception books a new trade
func (sc *simulationClient) inception(ctx context.Context, req types.InceptionRequest) (*types.FlowResponse, error) {
	var resp types.FlowResponse
	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	if err := sc.call(ctx, "inception", http.MethodPost, "/api/v1/etf/inception", req, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// triggerExercising exercises a trade at rate and books it
func (sc *simulationClient) triggerExercising(ctx context.Context, refID string, rate float64) (*types.FlowResponse, error) {
	q := url.Values{}
	q.Set("refid", refID)
	q.Set("etfrate", strconv.FormatFloat(rate, 'f', -1, 64))
	var resp types.FlowResponse
	if err := sc.call(ctx, "trigger", http.MethodPost, "/api/v1/etf/trigger-exercising?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// exercise exercises a trade without booking it
func (sc *simulationClient) exercise(ctx context.Context, refID string, rate float64) (*types.FlowResponse, error) {
	path := fmt.Sprintf("/api/v1/etf/trades/%s/exercise?etfrate=%s", url.PathEscape(refID), strconv.FormatFloat(rate, 'f', -1, 64))
	var resp types.FlowResponse
	if err := sc.call(ctx, "exercise", http.MethodPost, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// book books an exercised trade
func (sc *simulationClient) book(ctx context.Context, refID string) (*types.FlowResponse, error) {
	var resp types.FlowResponse
	path := fmt.Sprintf("/api/v1/etf/trades/%s/book", url.PathEscape(refID))
	if err := sc.call(ctx, "book", http.MethodPost, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// settle settles a booked trade
func (sc *simulationClient) settle(ctx context.Context, refID string) (*types.FlowResponse, error) {
	var resp types.FlowResponse
	path := fmt.Sprintf("/api/v1/etf/trades/%s/settle", url.PathEscape(refID))
	if err := sc.call(ctx, "settle", http.MethodPost, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// trade retrieves the latest version of a trade
func (sc *simulationClient) trade(ctx context.Context, refID string) (*types.TradeResponse, error) {
	var resp types.TradeResponse
	path := fmt.Sprintf("/api/v1/etf/trades/%s", url.PathEscape(refID))
	if err := sc.call(ctx, "get", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// notaryStatus retrieves the name and commit height of the notary
func (sc *simulationClient) notaryStatus(ctx context.Context) (*notary.StatusResponse, error) {
	var resp notary.StatusResponse
	if err := sc.call(ctx, "notary", http.MethodGet, "/api/v1/notary/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (sc *simulationClient) call(ctx context.Context, route, method, path string, body interface{}, headers map[string]string, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats.observe(route, time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		bz, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(bz)
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("party", sc.party).Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *response.Error `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !envelope.Success {
		e := &apiError{status: resp.StatusCode}
		if envelope.Error != nil {
			e.code, e.message = envelope.Error.Code, envelope.Error.Message
		}
		return e
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
