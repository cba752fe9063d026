package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/auth"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/config"
	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/etf"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/network"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/pkg/middleware"
)

type options struct {
	serverURL string
	inProcess bool
	port      int
	parties   []string
	apiSecret string
	trades    int
	workers   int
	raceEvery int
	debug     bool
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "simulation",
		Short: "Drive ETF trades through the ledger API and report latencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.serverURL, "server", "http://localhost:8080", "base URL of the ledger API")
	flags.BoolVar(&opts.inProcess, "in-process", true, "start a ledger network and API inside the simulation")
	flags.IntVar(&opts.port, "port", 8080, "port of the in-process API")
	flags.StringSliceVar(&opts.parties, "parties", []string{"PartyA", "PartyB", "PartyC"}, "parties to trade as when driving a remote server")
	flags.StringVar(&opts.apiSecret, "api-secret", "test-api-secret", "API secret shared by the parties")
	flags.IntVar(&opts.trades, "trades", 50, "number of trades to run through the lifecycle")
	flags.IntVar(&opts.workers, "workers", 5, "number of concurrent workers")
	flags.IntVar(&opts.raceEvery, "race-every", 5, "race a double exercise on every Nth trade, 0 disables")
	flags.BoolVar(&opts.debug, "debug", false, "log every API response")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if opts.inProcess {
		parties, stop, err := startServer(ctx, opts)
		if err != nil {
			return err
		}
		defer stop()
		opts.parties = parties
		opts.serverURL = fmt.Sprintf("http://localhost:%d", opts.port)
		// Give the server a moment to start
		time.Sleep(500 * time.Millisecond)
	}
	if len(opts.parties) < 2 {
		return fmt.Errorf("at least two parties are needed, got %d", len(opts.parties))
	}

	stats := newRecorder(
		[2]string{"auth", "Auth Token"},
		[2]string{"inception", "Inception"},
		[2]string{"exercise", "Exercise"},
		[2]string{"trigger", "Trigger Exercising"},
		[2]string{"book", "Book"},
		[2]string{"settle", "Settle"},
		[2]string{"get", "Get Trade"},
		[2]string{"notary", "Notary Status"},
	)

	clients := make(map[string]*simulationClient, len(opts.parties))
	for _, party := range opts.parties {
		sc, err := newSimulationClient(ctx, opts.serverURL, party, opts.apiSecret, stats)
		if err != nil {
			return err
		}
		clients[party] = sc
	}

	log.Info().
		Int("trades", opts.trades).
		Int("workers", opts.workers).
		Strs("parties", opts.parties).
		Msg("Starting simulation")

	startTime := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < opts.trades; i++ {
		i := i
		g.Go(func() error {
			buyer := clients[opts.parties[i%len(opts.parties)]]
			seller := clients[opts.parties[(i+1)%len(opts.parties)]]
			race := opts.raceEvery > 0 && i%opts.raceEvery == 0
			runTrade(gctx, i, buyer, seller, race, stats)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(startTime)

	fmt.Printf("\nSimulation Summary\n")
	fmt.Printf("-----------------\n")
	fmt.Printf("Trades Attempted: %d\n", opts.trades)
	fmt.Printf("Trades Settled: %d\n", stats.count("SETTLED"))
	fmt.Printf("Double Exercises Rejected: %d\n", stats.count(string(apperrors.CodeConflict)))
	if status, err := clients[opts.parties[0]].notaryStatus(ctx); err == nil {
		fmt.Printf("Notary Height: %d\n", status.Height)
	}
	fmt.Printf("Total Time: %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("Trades/Second: %.2f\n", float64(stats.count("SETTLED"))/elapsed.Seconds())
	}

	stats.printOutcomes(opts.trades)
	stats.printPerformanceStats()
	return nil
}

// runTrade takes one trade from inception to settlement. On race trades both
// counterparties exercise at once and exactly one of them is expected to win.
func runTrade(ctx context.Context, i int, buyer, seller *simulationClient, race bool, stats *recorder) {
	logger := log.With().Int("trade", i).Str("buyer", buyer.party).Str("seller", seller.party).Logger()

	created, err := buyer.inception(ctx, types.InceptionRequest{
		RefID:              fmt.Sprintf("SIM-%04d-%d", i, time.Now().UnixNano()%100000),
		Buyer:              buyer.party,
		Seller:             seller.party,
		Rate:               0.10,
		ReferenceProductID: "ETF-SIM",
		Notional:           decimal.NewFromInt(1000000),
		MaxExposure:        decimal.NewFromInt(100000),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Inception failed")
		stats.outcome("INCEPTION_" + codeOf(err))
		return
	}
	refID := created.RefID
	rate := 0.10 + (rand.Float64()-0.5)*0.16

	if race {
		if !raceExercise(ctx, refID, rate, buyer, seller, stats, logger) {
			return
		}
		if _, err := buyer.book(ctx, refID); err != nil {
			logger.Error().Err(err).Str("ref_id", refID).Msg("Booking failed after race")
			stats.outcome("BOOK_" + codeOf(err))
			return
		}
		if _, err := buyer.settle(ctx, refID); err != nil {
			logger.Error().Err(err).Str("ref_id", refID).Msg("Settlement failed")
			stats.outcome("SETTLE_" + codeOf(err))
			return
		}
	} else {
		if _, err := seller.triggerExercising(ctx, refID, rate); err != nil {
			logger.Error().Err(err).Str("ref_id", refID).Msg("Trigger exercising failed")
			stats.outcome("TRIGGER_" + codeOf(err))
			return
		}
		if _, err := seller.settle(ctx, refID); err != nil {
			logger.Error().Err(err).Str("ref_id", refID).Msg("Settlement failed")
			stats.outcome("SETTLE_" + codeOf(err))
			return
		}
	}

	trade, err := buyer.trade(ctx, refID)
	if err != nil {
		logger.Error().Err(err).Str("ref_id", refID).Msg("Failed to read settled trade")
		return
	}
	if trade.State.Status != types.StatusSettled {
		logger.Warn().Str("ref_id", refID).Str("status", string(trade.State.Status)).Msg("Trade not settled")
		stats.outcome("NOT_SETTLED")
		return
	}
	stats.outcome("SETTLED")
}

// raceExercise exercises refID from both sides concurrently and reports
// whether exactly one exercise committed.
func raceExercise(ctx context.Context, refID string, rate float64, buyer, seller *simulationClient, stats *recorder, logger zerolog.Logger) bool {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost []string
	)
	for _, sc := range []*simulationClient{buyer, seller} {
		wg.Add(1)
		go func(sc *simulationClient) {
			defer wg.Done()
			_, err := sc.exercise(ctx, refID, rate)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lost = append(lost, codeOf(err))
				return
			}
			wins++
		}(sc)
	}
	wg.Wait()

	for _, code := range lost {
		stats.outcome(code)
	}
	if wins != 1 {
		logger.Error().Str("ref_id", refID).Int("wins", wins).Strs("losses", lost).Msg("Double exercise race did not produce a single winner")
		stats.outcome("RACE_BROKEN")
		return false
	}
	logger.Info().Str("ref_id", refID).Strs("losses", lost).Msg("Double exercise race resolved")
	return true
}

// startServer runs a full ledger network and its API in this process and
// returns the hosted parties
func startServer(ctx context.Context, opts options) ([]string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.APISecret = opts.apiSecret
	cfg.Port = opts.port
	cfg.Metrics = false

	net, err := network.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build network: %w", err)
	}
	if err := net.Start(ctx); err != nil {
		net.Close()
		return nil, nil, fmt.Errorf("start network: %w", err)
	}

	authService := auth.NewService(cfg.JWTSecret)
	parties := make([]string, 0, len(net.Parties()))
	for _, p := range net.Parties() {
		authService.RegisterParty(p.Name, cfg.APISecret)
		parties = append(parties, p.Name)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, cfg, auth.NewGinHandlers(authService), etf.NewGinHandlers(net.Services()...),
		notary.NewGinHandlers(net.Notary()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("parties", strings.Join(parties, ",")).Msg("In-process ledger started")

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := net.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close ledger network")
		}
	}
	return parties, stop, nil
}

// setupRoutes mirrors the server routes without the per-party rate limits,
// which a load run would trip immediately
func setupRoutes(router *gin.Engine, cfg *config.Config, authHandlers *auth.GinHandlers, etfHandlers *etf.GinHandlers, notaryHandlers *notary.GinHandlers) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		trades := v1.Group("/etf")
		trades.Use(middleware.JWTAuth(cfg.JWTSecret))
		etfHandlers.Register(trades)

		audit := v1.Group("/notary")
		audit.Use(middleware.JWTAuth(cfg.JWTSecret))
		notaryHandlers.Register(audit)
	}
}
