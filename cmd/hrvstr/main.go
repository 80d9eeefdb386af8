package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/hrvstr/hrvstr-go/internal/access"
	"github.com/hrvstr/hrvstr-go/internal/api"
	"github.com/hrvstr/hrvstr-go/internal/billing"
	"github.com/hrvstr/hrvstr-go/internal/cache"
	"github.com/hrvstr/hrvstr-go/internal/config"
	"github.com/hrvstr/hrvstr-go/internal/fetch"
	"github.com/hrvstr/hrvstr-go/internal/logging"
	"github.com/hrvstr/hrvstr-go/internal/providers/sentiment"
	"github.com/hrvstr/hrvstr-go/internal/ratelimit"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Upstream provider rate limits, per process.
var providerLimits = map[string]struct {
	limit  int
	window time.Duration
}{
	"reddit": {limit: 60, window: time.Minute},
	"finviz": {limit: 30, window: time.Minute},
	"yahoo":  {limit: 100, window: time.Minute},
	"sec":    {limit: 10, window: time.Second},
}

var rootCmd = &cobra.Command{
	Use:     "hrvstr",
	Short:   "HRVSTR core - financial data caching and credit metering",
	Long:    `HRVSTR core serves aggregated financial data behind a prepaid-credit unlock model, with request caching, deduplication and rate limiting in front of the upstream providers`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("HRVSTR core %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Generate the bcrypt hash for the admin API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash token: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; reinitialized once config is known.
	logging.Init(logging.Config{Format: "auto", Level: "info"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "hrvstr",
	})
	logger.Info().Str("version", Version).Msg("Starting HRVSTR core")

	cacheStore := cache.New(cfg.CacheJanitorInterval)
	defer cacheStore.Stop()

	limiter := ratelimit.NewLimiter()
	defer limiter.Stop()
	for resource, rl := range providerLimits {
		limiter.Register(resource, rl.limit, rl.window)
	}

	billingStore, err := billing.Open(cfg.DataPath, logging.Component("billing"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open billing store")
	}
	defer func() {
		if err := billingStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close billing store cleanly")
		}
	}()

	fetcher := fetch.NewCoordinator(cacheStore, limiter, logging.Component("fetch"))
	coordinator := access.NewCoordinator(fetcher, billingStore, logging.Component("access"))
	sentimentClient := sentiment.NewClient(cfg.SentimentServiceURL)

	router := api.NewRouter(coordinator, billingStore, sentimentClient, cfg, logging.Component("api"))
	defer router.Stop()
	srv := router.Server()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}
